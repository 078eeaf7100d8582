// Package registry discovers model artifacts in a directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chatd/internal/common/fsutil"
	"chatd/internal/tokenizer"
	"chatd/pkg/types"
)

// Scanner lists the model artifacts under a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// ArtifactScanner matches *.gguf and *.safetensors files (case-insensitive).
type ArtifactScanner struct {
	// Recursive descends into subdirectories, which is how HF snapshots lay
	// out safetensors shards next to their config.json.
	Recursive bool
}

func NewArtifactScanner() *ArtifactScanner { return &ArtifactScanner{} }

// Scan returns the artifacts sorted by ID. ID is the path relative to dir;
// Path is absolute.
func (s *ArtifactScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	var models []types.Model
	walk := func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != abs && !s.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		format := fsutil.ArtifactFormat(d.Name())
		if format == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			rel = d.Name()
		}
		models = append(models, types.Model{
			ID:           filepath.ToSlash(rel),
			Name:         strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path:         p,
			Format:       format,
			SizeBytes:    info.Size(),
			HasTokenizer: fsutil.PathExists(tokenizer.CompanionPath(p)),
		})
		return nil
	}
	if err := filepath.WalkDir(abs, walk); err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir non-recursively.
func LoadDir(dir string) ([]types.Model, error) {
	return NewArtifactScanner().Scan(dir)
}

// Find returns the model whose ID or Name equals id.
func Find(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id || m.Name == id {
			return m, true
		}
	}
	return types.Model{}, false
}
