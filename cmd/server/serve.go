package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/obiente/translate/autosub/internal/config"
	serverhttp "github.com/obiente/translate/autosub/internal/http"
	"github.com/obiente/translate/autosub/internal/media"
	"github.com/obiente/translate/autosub/internal/ratelimit"
	"github.com/obiente/translate/autosub/internal/workspace"
	"github.com/obiente/translate/autosub/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides AUTOSUB_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	store, closeStore, err := rateStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	key := ratelimit.RemoteAddrKey
	if cfg.TrustProxy {
		key = ratelimit.ForwardedKey
	}

	handler := serverhttp.NewRouter(serverhttp.Options{
		Service:        a.svc,
		Limiter:        ratelimit.New(store, cfg.RateLimit, cfg.RateWindow),
		KeyFunc:        key,
		CORSOrigin:     cfg.CORSOrigin,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		EngineName:     a.engine.Name(),
		Stream:         ws.NewServer(a.svc, cfg.CORSOrigin, cfg.MaxUploadBytes()),
	})

	if cfg.OutputRetention > 0 {
		sweeper := workspace.NewSweeper(a.svc.Workspace().Dir(), cfg.OutputRetention, media.IsOutput)
		go sweeper.Run(ctx, sweepInterval(cfg.OutputRetention))
	}
	if st, ok := store.(*ratelimit.SQLiteStore); ok {
		go pruneRateStore(ctx, st, cfg.RateWindow)
	}

	// Uploads and ffmpeg runs are long; only headers get a read deadline.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("rate_limit", cfg.RateLimit).Dur("rate_window", cfg.RateWindow).Msg("autosub server starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
		return srv.Close()
	}
	return nil
}

func sweepInterval(retention time.Duration) time.Duration {
	if iv := retention / 4; iv > time.Minute {
		return iv
	}
	return time.Minute
}

func pruneRateStore(ctx context.Context, st *ratelimit.SQLiteStore, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.Prune(ctx, now, window)
			if err != nil {
				log.Warn().Err(err).Msg("rate store prune failed")
				continue
			}
			log.Debug().Int64("removed", n).Msg("rate store pruned")
		}
	}
}
