// Package repl is the interactive terminal front end of a chat session.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"chatd/internal/chat"
	"chatd/internal/history"
	"chatd/internal/transcript"
)

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("135")).Bold(true)
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// Session is the part of session.Session the REPL drives.
type Session interface {
	Send(ctx context.Context, text string) (string, error)
	SendStream(ctx context.Context, text string, onToken func(delta string) error) (string, error)
	Reset(ctx context.Context) (string, error)
	UpdateSystemPrompt(ctx context.Context, text string) string
	Conversation() []chat.Turn
	ID() string
	ModelName() string
	Backend() string
}

// HistoryLister lists archived conversations.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Summary, error)
}

// REPL reads one line at a time and dispatches slash commands or messages.
type REPL struct {
	sess   Session
	hist   HistoryLister
	in     io.Reader
	out    io.Writer
	stream bool
	limit  int
	sc     *bufio.Scanner
}

type Option func(*REPL)

// WithHistory enables /history.
func WithHistory(h HistoryLister) Option { return func(r *REPL) { r.hist = h } }

// WithStreaming prints replies token by token.
func WithStreaming(on bool) Option { return func(r *REPL) { r.stream = on } }

// WithHistoryLimit caps the /history listing.
func WithHistoryLimit(n int) Option { return func(r *REPL) { r.limit = n } }

func New(sess Session, in io.Reader, out io.Writer, opts ...Option) *REPL {
	r := &REPL{sess: sess, in: in, out: out, limit: 20}
	for _, o := range opts {
		o(r)
	}
	return r
}

const helpText = `Commands:
  /system <text>  set the system prompt (applied on the next /reset)
  /reset          clear the conversation
  /save [file]    save the conversation (txt, md, json, jsonl, yaml by extension)
  /history        list archived conversations
  /read <file>    summarize a file
  /edit <file>    rewrite a file with the model, after confirmation
  /exit           quit

Messages naming an existing file summarize it, or edit it when they say
edit, modify or change.`

// Run loops until EOF, an exit command or ctx cancellation.
func (r *REPL) Run(ctx context.Context) error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	r.sc = sc
	for {
		fmt.Fprint(r.out, promptStyle.Render("You:")+" ")
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		quit, err := r.handle(ctx, sc.Text())
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// handle processes one input line. Only context errors are returned; every
// other failure is printed and the loop continues.
func (r *REPL) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "/exit", "/quit", "exit", "quit":
		r.info("Goodbye!")
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, dimStyle.Render(helpText))
	case "/system":
		if arg == "" {
			r.fail(fmt.Errorf("usage: /system <text>"))
			return false, nil
		}
		r.info(r.sess.UpdateSystemPrompt(ctx, arg))
	case "/reset":
		msg, err := r.sess.Reset(ctx)
		if err != nil {
			return false, r.fail(err)
		}
		r.info(msg)
	case "/save":
		path, err := transcript.Save(arg, transcript.Document{
			ID:      r.sess.ID(),
			Model:   r.sess.ModelName(),
			Backend: r.sess.Backend(),
			Turns:   r.sess.Conversation(),
		})
		if err != nil {
			return false, r.fail(err)
		}
		r.info("Conversation saved to " + path)
	case "/history":
		return false, r.history(ctx)
	case "/read":
		if arg == "" {
			r.fail(fmt.Errorf("usage: /read <file>"))
			return false, nil
		}
		return false, r.summarize(ctx, arg)
	case "/edit":
		if arg == "" {
			r.fail(fmt.Errorf("usage: /edit <file>"))
			return false, nil
		}
		return false, r.edit(ctx, arg)
	default:
		if files := mentionedFiles(line); len(files) > 0 {
			return false, r.files(ctx, line, files)
		}
		return false, r.send(ctx, line)
	}
	return false, nil
}

func (r *REPL) send(ctx context.Context, text string) error {
	fmt.Fprint(r.out, assistantStyle.Render("Assistant:")+" ")
	if !r.stream {
		reply, err := r.sess.Send(ctx, text)
		if err != nil {
			fmt.Fprintln(r.out)
			return r.fail(err)
		}
		fmt.Fprintln(r.out, reply)
		return nil
	}
	_, err := r.sess.SendStream(ctx, text, func(delta string) error {
		_, werr := io.WriteString(r.out, delta)
		return werr
	})
	fmt.Fprintln(r.out)
	if err != nil {
		return r.fail(err)
	}
	return nil
}

// files handles a message that names existing files instead of sending it.
func (r *REPL) files(ctx context.Context, line string, paths []string) error {
	edit := wantsEdit(line)
	for _, p := range paths {
		var err error
		if edit {
			err = r.edit(ctx, p)
		} else {
			err = r.summarize(ctx, p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *REPL) history(ctx context.Context) error {
	if r.hist == nil {
		return r.fail(fmt.Errorf("history is disabled (set history_db or CHATD_HISTORY_DB)"))
	}
	items, err := r.hist.List(ctx, r.limit)
	if err != nil {
		return r.fail(err)
	}
	if len(items) == 0 {
		r.info("No archived conversations")
		return nil
	}
	for _, s := range items {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(r.out, "%s  %s  %s  %s\n",
			dimStyle.Render(id),
			s.EndedAt.Local().Format(time.DateTime),
			infoStyle.Render(fmt.Sprintf("%d turns", s.Turns)),
			s.Preview)
	}
	return nil
}

func (r *REPL) info(msg string) { fmt.Fprintln(r.out, infoStyle.Render(msg)) }

// fail prints err and swallows it unless it is a context error.
func (r *REPL) fail(err error) error {
	fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return nil
}

func contextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	}
	return nil
}
