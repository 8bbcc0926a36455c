package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/auth"
	"github.com/castlegate/arena/internal/bus"
	appcfg "github.com/castlegate/arena/internal/config"
	"github.com/castlegate/arena/internal/identity"
	"github.com/castlegate/arena/internal/msgcat"
	"github.com/castlegate/arena/internal/obslog"
	"github.com/castlegate/arena/internal/presence"
	"github.com/castlegate/arena/internal/registry"
	"github.com/castlegate/arena/internal/server"
	"github.com/castlegate/arena/internal/upstream"
)

const version = "0.3.0"

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cfg, err := appcfg.Load()
	if err != nil {
		obslog.L().Fatal("config_error", zap.Error(err))
	}

	opts, err := bus.ParseRedisURL(cfg.RedisURL)
	if err != nil {
		obslog.L().Fatal("redis_url_error", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		obslog.L().Fatal("redis_unreachable", zap.Error(err))
	}
	pingCancel()

	serverID := "arena-" + uuid.NewString()[:8]

	cat, err := msgcat.New(os.Getenv("ARENA_MESSAGES_DIR"))
	if err != nil {
		obslog.L().Fatal("msgcat_error", zap.Error(err))
	}

	headers := func() map[string]string {
		h := map[string]string{}
		if tok := os.Getenv("UPSTREAM_API_TOKEN"); tok != "" {
			h["Authorization"] = "Bearer " + tok
		}
		return h
	}

	tracker := presence.NewTracker(serverID, cfg.PresenceStale)
	guests := identity.NewGuestStore(rdb, cfg.GuestTTL)

	srv := server.New(cfg, version, server.Deps{
		Registry: registry.New(tracker, 64),
		Auth:     auth.NewService(cfg.SessionSecret, guests),
		Guests:   guests,
		Tracker:  tracker,
		Bus:      bus.New(rdb, serverID),
		Catalog:  cat,
		Upstream: upstream.NewClient(cfg.UpstreamBaseURL, upstream.WithHeaderProvider(headers)),
		Redis:    rdb,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obslog.L().Info("arena_start", zap.String("server_id", serverID), zap.String("version", version))
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obslog.L().Error("server_error", zap.Error(err))
		_ = rdb.Close()
		os.Exit(1)
	}
	_ = rdb.Close()
	obslog.L().Info("arena_stopped")
}
