package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"github.com/DoyleJ11/dungeon-table/internal/config"
	"github.com/DoyleJ11/dungeon-table/internal/gateway"
	"github.com/DoyleJ11/dungeon-table/internal/httpapi"
	"github.com/DoyleJ11/dungeon-table/internal/logging"
	"github.com/DoyleJ11/dungeon-table/internal/metrics"
	"github.com/DoyleJ11/dungeon-table/internal/narrator"
	"github.com/DoyleJ11/dungeon-table/internal/session"
	"github.com/DoyleJ11/dungeon-table/internal/store"
	"github.com/DoyleJ11/dungeon-table/internal/token"
	"github.com/DoyleJ11/dungeon-table/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("migrate store", zap.Error(err))
	}

	sessions := session.NewRegistry(token.NewCodec([]byte(cfg.SecretKey), cfg.TokenTTL))

	nar := narrator.New(cfg.NarratorURL, cfg.NarratorModel, cfg.NarratorAPIKey)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := nar.Ping(pingCtx); err != nil {
		// Play continues without narration; actions get a failure notice.
		logger.Warn("narrator unreachable", zap.String("url", cfg.NarratorURL), zap.Error(err))
	}
	cancel()

	m := metrics.New()
	gw := gateway.New(ctx, gateway.Deps{
		Sessions: sessions,
		Store:    st,
		Narrator: nar,
		Logger:   logger,
		Metrics:  m,
		Config: gateway.Config{
			NarrationTimeout: cfg.NarrationTimeout,
			HistoryLimit:     cfg.HistoryLimit,
		},
	})

	pw, err := httpapi.NewDMPassword(cfg.DMPassword, cfg.DMPasswordHash)
	if err != nil {
		logger.Fatal("DM password", zap.Error(err))
	}
	wsHandler, err := ws.NewHandler(gw, sessions, ws.Options{
		OriginPatterns:  cfg.AllowedOrigins,
		EventsPerSecond: cfg.EventsPerSecond,
		EventBurst:      cfg.EventBurst,
		PingEvery:       cfg.IdleTimeout / 2,
	}, logger)
	if err != nil {
		logger.Fatal("ws handler", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Store:      st,
			Sessions:   sessions,
			Gateway:    gw,
			DMPassword: pw,
			Narrator:   nar,
			Metrics:    m,
			WS:         wsHandler,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()
	go pruneSessions(ctx, sessions, cfg.PruneInterval, cfg.TokenTTL, logger)

	gatewayDone := make(chan struct{})
	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
		"gateway": func(ctx context.Context) error {
			defer close(gatewayDone)
			return gw.Close(ctx)
		},
		"store": func(ctx context.Context) error {
			// Narrations still saving need the database.
			select {
			case <-gatewayDone:
			case <-ctx.Done():
			}
			return st.Close()
		},
	})

	code := <-wait
	logger.Info("shutdown complete", zap.Int("code", code))
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

// pruneSessions evicts cached sessions idle for longer than a token lives.
func pruneSessions(ctx context.Context, sessions *session.Registry, every, idle time.Duration, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := sessions.Prune(time.Now().Add(-idle)); n > 0 {
				logger.Info("pruned sessions", zap.Int("count", n), zap.Int("remaining", sessions.Len()))
			}
		}
	}
}
