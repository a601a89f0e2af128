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

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Example: "  chatd serve --addr 127.0.0.1:8080\n" +
			"  chatd serve --llama-url http://127.0.0.1:8081 --cors --cors-origins tauri://localhost",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.flags.Addr, "addr", "", "HTTP listen address, e.g. 127.0.0.1:8080")
	f.BoolVar(&a.flags.CORSEnabled, "cors", false, "Enable CORS for browser and webview clients")
	f.StringVar(&a.corsOrigins, "cors-origins", "", "Comma separated allowed origins (default *)")
	f.IntVar(&a.flags.Workers, "workers", 0, "Concurrent model jobs")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	mgr, err := a.newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	httpapi.SetLogger(a.log)
	httpapi.SetDefaultLogLevel(cfg.LogHTTP)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetChatTimeout(time.Duration(cfg.ChatTimeoutSeconds) * time.Second)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, nil, nil)
	httpapi.SetBaseContext(ctx)

	if rep := mgr.SanityCheck(); rep.Error != "" {
		a.log.Warn().Str("llama_path", rep.LlamaPath).Str("error", rep.Error).Msg("llama-server unavailable; model loads will fail")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("chatd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown")
	}
	return nil
}
