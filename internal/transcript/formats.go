package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// TextExporter writes "Role: content" blocks separated by a blank line.
type TextExporter struct{}

func (TextExporter) Export(doc Document, w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, t := range doc.Turns {
		if _, err := fmt.Fprintf(bw, "%s: %s\n\n", t.Role.Label(), t.Content); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (TextExporter) Extension() string { return "txt" }

// MarkdownExporter writes a heading per turn.
type MarkdownExporter struct{}

func (MarkdownExporter) Export(doc Document, w io.Writer) error {
	bw := bufio.NewWriter(w)
	title := "Conversation"
	if doc.Model != "" {
		title += " with " + doc.Model
	}
	fmt.Fprintf(bw, "# %s\n\n", title)
	if !doc.SavedAt.IsZero() {
		fmt.Fprintf(bw, "**Saved:** %s  \n", doc.SavedAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(bw, "**Turns:** %d\n\n", len(doc.Turns))
	for i, t := range doc.Turns {
		fmt.Fprintf(bw, "## %s\n\n%s\n\n", t.Role.Label(), escapeMarkdown(t.Content))
		if i < len(doc.Turns)-1 {
			bw.WriteString("---\n\n")
		}
	}
	return bw.Flush()
}

func (MarkdownExporter) Extension() string { return "md" }

// escapeMarkdown escapes emphasis markers outside fenced code blocks.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCode := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}
		line = strings.ReplaceAll(line, "**", "\\*\\*")
		lines[i] = strings.ReplaceAll(line, "__", "\\_\\_")
	}
	return strings.Join(lines, "\n")
}

// JSONExporter writes the whole document as indented JSON.
type JSONExporter struct{}

func (JSONExporter) Export(doc Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func (JSONExporter) Extension() string { return "json" }

// JSONLExporter writes one turn object per line.
type JSONLExporter struct{}

func (JSONLExporter) Export(doc Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, t := range doc.Turns {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
	}
	return nil
}

func (JSONLExporter) Extension() string { return "jsonl" }

// YAMLExporter writes the document as YAML.
type YAMLExporter struct{}

func (YAMLExporter) Export(doc Document, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func (YAMLExporter) Extension() string { return "yaml" }
