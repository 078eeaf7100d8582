// Package transcript writes a conversation to a file in one of several formats.
package transcript

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatd/internal/chat"
)

// DefaultFile is used by /save without an argument.
const DefaultFile = "conversation.txt"

// Document is the exported view of a conversation.
type Document struct {
	ID      string      `json:"id,omitempty" yaml:"id,omitempty"`
	Model   string      `json:"model,omitempty" yaml:"model,omitempty"`
	Backend string      `json:"backend,omitempty" yaml:"backend,omitempty"`
	SavedAt time.Time   `json:"saved_at" yaml:"saved_at"`
	Turns   []chat.Turn `json:"turns" yaml:"turns"`
}

// Exporter renders a Document in one format.
type Exporter interface {
	Export(doc Document, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for format.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "", "txt", "text":
		return TextExporter{}, nil
	case "md", "markdown":
		return MarkdownExporter{}, nil
	case "json":
		return JSONExporter{}, nil
	case "jsonl", "ndjson":
		return JSONLExporter{}, nil
	case "yaml", "yml":
		return YAMLExporter{}, nil
	}
	return nil, fmt.Errorf("unsupported format: %s (supported: txt, md, json, jsonl, yaml)", format)
}

// ForPath picks the exporter from the file extension. Unknown extensions
// fall back to plain text.
func ForPath(path string) Exporter {
	e, err := NewExporter(filepath.Ext(path))
	if err != nil {
		return TextExporter{}
	}
	return e
}

// Save writes doc to path, overwriting any existing file, and returns the
// path written.
func Save(path string, doc Document) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultFile
	}
	if doc.SavedAt.IsZero() {
		doc.SavedAt = time.Now().UTC()
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create transcript: %w", err)
	}
	if err := ForPath(path).Export(doc, f); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close transcript: %w", err)
	}
	return path, nil
}
