package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatd/internal/httpapi"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr        string
		corsOrigins string
		initialize  bool
		sendTimeout time.Duration
		maxBody     int64
		rateLimit   float64
		rateBurst   int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat session over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("cors-origins") {
				cfg.CORSOrigins = splitCSV(corsOrigins)
			}
			if flags.Changed("rate-limit") {
				cfg.RateLimit = rateLimit
			}
			if flags.Changed("rate-burst") {
				cfg.RateBurst = rateBurst
			}
			log := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			httpapi.SetLogger(log.With().Str("component", "http").Logger())
			httpapi.SetDefaultLogLevel(cfg.LogLevel)
			httpapi.SetBaseContext(ctx)
			httpapi.SetSendTimeout(sendTimeout)
			httpapi.SetMaxBodyBytes(maxBody)
			httpapi.SetRateLimit(cfg.RateLimit, cfg.RateBurst)
			if len(cfg.CORSOrigins) > 0 {
				httpapi.SetCORSOptions(true, cfg.CORSOrigins,
					[]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
					[]string{"Content-Type", "X-Log-Level"})
			}

			if initialize {
				msg, err := a.session.Initialize(ctx, "")
				if err != nil {
					return err
				}
				log.Info().Msg(msg)
			}

			mux := httpapi.NewMux(httpapi.NewSessionService(a.session, cfg.ResolvedModelsDir()))
			srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Str("models_dir", cfg.ResolvedModelsDir()).Msg("chatd listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (env CHATD_ADDR)")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated CORS origins; empty disables CORS")
	f.BoolVar(&initialize, "init", false, "Initialize the session from MODEL_PATH at startup")
	f.DurationVar(&sendTimeout, "send-timeout", 0, "Upper bound for one message request (0 = backend timeout only)")
	f.Int64Var(&maxBody, "max-body-bytes", 1<<20, "Maximum JSON request body size")
	f.Float64Var(&rateLimit, "rate-limit", 0, "Requests per second on the session routes (0 = unlimited)")
	f.IntVar(&rateBurst, "rate-burst", 0, "Burst size for --rate-limit")
	return cmd
}
