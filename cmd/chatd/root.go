package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatd/internal/backend"
	"chatd/internal/common/fsutil"
	"chatd/internal/config"
	"chatd/internal/history"
	"chatd/internal/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootOptions holds the persistent flags. Flags that were set on the command
// line override the file and environment layers.
type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
	backend    string
	modelPath  string
	serverURL  string
	historyDB  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "chatd",
		Short: "Chat with a local LLM",
		Long: `chatd runs a single chat session against a local model.

The session talks to an OpenAI-compatible server (LM Studio, Ollama),
an in-process GGUF/safetensors engine, or llama.cpp when built with the
llama tag. When the server is unreachable it answers with canned replies.

Quick Start:
  chatd chat                      # interactive REPL
  chatd serve --addr :8080        # HTTP API
  chatd models                    # list artifacts in the models dir
  chatd history list              # archived conversations`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (env CHATD_LOG_LEVEL)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "Emit JSON logs instead of console output")
	pf.StringVar(&opts.backend, "backend", "", "Backend: remote, embedded or native (env CHATD_BACKEND)")
	pf.StringVar(&opts.modelPath, "model-path", "", "Model artifact path (env MODEL_PATH)")
	pf.StringVar(&opts.serverURL, "server-url", "", "OpenAI-compatible server URL (env CHATD_SERVER_URL)")
	pf.StringVar(&opts.historyDB, "history-db", "", "SQLite archive of finished conversations (env CHATD_HISTORY_DB)")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newChatCmd(opts),
		newServeCmd(opts),
		newModelsCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// load resolves defaults, file and environment, then applies changed flags.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := config.Config{
		LogLevel:  o.logLevel,
		LogJSON:   o.logJSON,
		Backend:   o.backend,
		ModelPath: o.modelPath,
		ServerURL: o.serverURL,
		HistoryDB: o.historyDB,
	}
	cfg = cfg.Merge(flags)
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	if !cfg.LogJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// app bundles what chat and serve share.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	session *session.Session
	history *history.Store

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	bopts := cfg.BackendOptions()
	bopts.Logger = log.With().Str("component", "backend").Logger()
	port, err := backend.New(cfg.Backend, bopts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	sopts := []session.Option{
		session.WithBackend(port),
		session.WithLogger(log.With().Str("component", "session").Logger()),
	}
	if cfg.HistoryDB != "" {
		path := cfg.HistoryDB
		if p, err := fsutil.ExpandHome(path); err == nil {
			path = p
		}
		st, err := history.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.history = st
		sopts = append(sopts, session.WithArchive(st))
	}
	a.session = session.New(cfg.SessionConfig(), sopts...)
	return a, nil
}

// close archives the conversation and releases the backend and history.
// Later calls wait for the first to finish and do nothing.
func (a *app) close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.session.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("close session")
		}
		if a.history != nil {
			if err := a.history.Close(); err != nil {
				a.log.Warn().Err(err).Msg("close history")
			}
		}
	})
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
