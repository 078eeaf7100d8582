package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatd/internal/repl"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "chat [model-path]",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session in the terminal.

The artifact defaults to MODEL_PATH (~/models/llm/model.gguf). Lines are
sent to the model; slash commands (/system, /reset, /save, /history,
/read, /edit, /exit) control the session. /edit writes a file only after
a y/N confirmation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("stream") {
				cfg.Stream = stream
			}
			log := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			// stdin reads do not observe ctx, so an interrupt ends the
			// process here once the conversation is archived.
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					select {
					case <-done:
						return
					default:
					}
					a.close()
					os.Exit(130)
				case <-done:
				}
			}()

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			out := cmd.OutOrStdout()
			msg, err := a.session.Initialize(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, msg)
			fmt.Fprintln(out, "Type /help for commands, /exit to quit.")

			ropts := []repl.Option{repl.WithStreaming(cfg.Stream)}
			if a.history != nil {
				ropts = append(ropts, repl.WithHistory(a.history))
			}
			err = repl.New(a.session, cmd.InOrStdin(), out, ropts...).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "Print replies token by token")
	return cmd
}
