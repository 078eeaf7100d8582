// Package fsutil holds path helpers shared by the config layer, the session
// and the artifact registry.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact formats recognized by extension.
const (
	FormatGGUF        = "gguf"
	FormatSafetensors = "safetensors"
)

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		// ~user is not supported
		return path, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// ResolveFile expands path and requires it to name an existing regular file.
func ResolveFile(path string) (string, os.FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil, fmt.Errorf("empty path: %w", os.ErrNotExist)
	}
	p, err := ExpandHome(path)
	if err != nil {
		return "", nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return p, nil, err
	}
	if !fi.Mode().IsRegular() {
		return p, fi, fmt.Errorf("%s is not a regular file: %w", p, os.ErrNotExist)
	}
	return p, fi, nil
}

// ArtifactFormat returns the model format implied by the file extension, or
// "" when the file is not a model artifact.
func ArtifactFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		return FormatGGUF
	case ".safetensors":
		return FormatSafetensors
	}
	return ""
}

// PathExists reports whether path exists. Permission errors count as existing.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
