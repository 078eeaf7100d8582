package repl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"chatd/internal/common/fsutil"
)

// maxFileBytes caps what /read and /edit put into a single message.
const maxFileBytes = 256 << 10

const (
	summaryRequest = "You are acting as a code analysis assistant. Summarize the file below: " +
		"what it does, the language it is written in and any notable functions or classes. " +
		"Do not repeat the code; focus on its purpose.\n\nFile %s:\n\n%s\n\nPlease provide a summary."
	editRequest = "You are acting as a code refactoring assistant. Apply the requested changes " +
		"to the file below and respond with only the full updated file content, without commentary." +
		"\n\nFile %s:\n\n%s\n\nChanges:\n%s"
)

// editWords mark a message that names a file as an edit request.
var editWords = []string{"edit", "modify", "change"}

// readFile loads a regular file for /read and /edit.
func readFile(path string) (string, os.FileInfo, error) {
	resolved, info, err := fsutil.ResolveFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("file not found: %s", path)
	}
	if info.Size() > maxFileBytes {
		return "", nil, fmt.Errorf("%s is larger than %d KiB", path, maxFileBytes>>10)
	}
	b, err := os.ReadFile(resolved)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), info, nil
}

// summarize asks the model to describe the file at path.
func (r *REPL) summarize(ctx context.Context, path string) error {
	content, _, err := readFile(path)
	if err != nil {
		return r.fail(err)
	}
	reply, err := r.sess.Send(ctx, fmt.Sprintf(summaryRequest, path, content))
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintln(r.out, dimStyle.Render("--- FILE SUMMARY ---"))
	fmt.Fprintln(r.out, reply)
	fmt.Fprintln(r.out, dimStyle.Render("--- END OF SUMMARY ---"))
	return nil
}

// edit asks for a change description, has the model rewrite the file and
// writes the result only after the user confirms.
func (r *REPL) edit(ctx context.Context, path string) error {
	content, info, err := readFile(path)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintln(r.out, dimStyle.Render("--- BEGIN ORIGINAL CONTENT ---"))
	fmt.Fprintln(r.out, content)
	fmt.Fprintln(r.out, dimStyle.Render("--- END ORIGINAL CONTENT ---"))

	desc, ok := r.ask("Describe the changes to apply:")
	if !ok || desc == "" {
		r.info("No description provided; edit cancelled")
		return nil
	}
	reply, err := r.sess.Send(ctx, fmt.Sprintf(editRequest, path, content, desc))
	if err != nil {
		return r.fail(err)
	}
	updated := stripFence(reply)
	fmt.Fprintln(r.out, dimStyle.Render("--- BEGIN SUGGESTED CONTENT ---"))
	fmt.Fprintln(r.out, updated)
	fmt.Fprintln(r.out, dimStyle.Render("--- END SUGGESTED CONTENT ---"))

	answer, _ := r.ask(fmt.Sprintf("Overwrite %s with the suggested content? [y/N]", path))
	switch strings.ToLower(answer) {
	case "y", "yes":
	default:
		r.info("Edit cancelled; no changes were made")
		return nil
	}
	resolved, _, err := fsutil.ResolveFile(path)
	if err != nil {
		return r.fail(err)
	}
	if !strings.HasSuffix(updated, "\n") && strings.HasSuffix(content, "\n") {
		updated += "\n"
	}
	if err := os.WriteFile(resolved, []byte(updated), info.Mode().Perm()); err != nil {
		return r.fail(fmt.Errorf("write %s: %w", path, err))
	}
	r.info("File " + path + " updated")
	return nil
}

// ask prints question and reads one answer line from the REPL input.
func (r *REPL) ask(question string) (string, bool) {
	fmt.Fprintln(r.out, promptStyle.Render(question))
	if r.sc == nil || !r.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.sc.Text()), true
}

// stripFence removes a single Markdown code fence around a reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(s, "```")
	i := strings.IndexByte(body, '\n')
	if i < 0 {
		return s
	}
	return strings.TrimRight(body[i+1:], "\n")
}

// mentionedFiles returns the words of line that name existing regular files,
// with surrounding quotes and punctuation removed.
func mentionedFiles(line string) []string {
	var out []string
	for _, w := range strings.Fields(line) {
		w = strings.Trim(w, "`'\"()[]{}<>,;:?!")
		w = strings.TrimRight(w, ".")
		if w == "" {
			continue
		}
		if _, _, err := fsutil.ResolveFile(w); err == nil {
			out = append(out, w)
		}
	}
	return out
}

// wantsEdit reports whether a message naming files asks to change them.
func wantsEdit(line string) bool {
	lower := strings.ToLower(line)
	for _, w := range editWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
