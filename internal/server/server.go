package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/auth"
	"github.com/castlegate/arena/internal/bus"
	"github.com/castlegate/arena/internal/config"
	"github.com/castlegate/arena/internal/game"
	"github.com/castlegate/arena/internal/identity"
	"github.com/castlegate/arena/internal/match"
	"github.com/castlegate/arena/internal/msgcat"
	"github.com/castlegate/arena/internal/obslog"
	"github.com/castlegate/arena/internal/presence"
	"github.com/castlegate/arena/internal/rating"
	"github.com/castlegate/arena/internal/registry"
	"github.com/castlegate/arena/internal/upstream"
)

// Deps are the collaborators the server wires together. The game engine and
// matchmaker are built inside New because both feed back into the server's
// event fan-out.
type Deps struct {
	Registry *registry.Registry
	Auth     *auth.Service
	Guests   *identity.GuestStore
	Tracker  *presence.Tracker
	Bus      *bus.Bus
	Catalog  *msgcat.Catalog
	Upstream *upstream.Client
	Redis    *redis.Client
}

// Server is the realtime core of one instance: the websocket endpoint, the
// session engine, matchmaking, and the operational HTTP surface.
type Server struct {
	cfg      *config.AppConfig
	serverID string
	version  string

	reg     *registry.Registry
	auth    *auth.Service
	guests  *identity.GuestStore
	engine  *game.Engine
	matcher *match.Manager
	tracker *presence.Tracker
	bus     *bus.Bus
	cat     *msgcat.Catalog
	up      *upstream.Client
	rdb     *redis.Client
	elo     rating.Math

	httpSrv   *http.Server
	startedAt time.Time
	draining  atomic.Bool

	mu        sync.Mutex
	identSubs map[string]func()
	cmdSubs   map[string]func()
}

func New(cfg *config.AppConfig, version string, d Deps) *Server {
	s := &Server{
		cfg:       cfg,
		serverID:  d.Tracker.ServerID(),
		version:   version,
		reg:       d.Registry,
		auth:      d.Auth,
		guests:    d.Guests,
		tracker:   d.Tracker,
		bus:       d.Bus,
		cat:       d.Catalog,
		up:        d.Upstream,
		rdb:       d.Redis,
		elo:       rating.Elo{},
		startedAt: time.Now(),
		identSubs: make(map[string]func()),
		cmdSubs:   make(map[string]func()),
	}
	s.engine = game.NewEngine(s, s, d.Tracker, game.Options{
		MaxGames:   cfg.MaxConcurrentGames,
		StartGrace: cfg.PendingStartGrace,
		ClockTick:  cfg.ClockTick,
	})
	s.matcher = match.NewManager(s.engine, cfg.ChallengeTTL)
	d.Registry.OnIdentityGone(s.identityGone)
	return s
}

// Run serves until ctx is cancelled, then drains: no new connections or
// games, existing games run to completion until the drain deadline, then the
// stragglers are aborted.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/info", s.handleInfo)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := s.tracker.Run(runCtx, s.bus, s.cfg.PresenceBroadcast); err != nil && !errors.Is(err, context.Canceled) {
			obslog.L().Warn("presence_loop_error", zap.Error(err))
		}
	}()
	go s.matcher.Run(runCtx, s.cfg.ChallengeSweep, s.cfg.SeekSweep)
	go func() {
		if err := s.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			obslog.L().Warn("clock_loop_error", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		obslog.L().Info("server_listen", zap.String("addr", s.cfg.ListenAddr), zap.String("server_id", s.serverID))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.drain()
	cancel()
	s.bus.Close()
	return nil
}

func (s *Server) drain() {
	s.draining.Store(true)
	s.reg.StopAccepting()
	s.engine.StopAccepting()
	obslog.L().Info("drain_begin",
		zap.Int("active_games", s.engine.ActiveCount()),
		zap.Int("connections", s.reg.ConnCount()))

	deadline := time.NewTimer(s.cfg.DrainDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
wait:
	for s.engine.ActiveCount() > 0 {
		select {
		case <-deadline.C:
			break wait
		case <-tick.C:
		}
	}

	if n := s.engine.AbortAll(); n > 0 {
		obslog.L().Warn("drain_aborted_games", zap.Int("count", n))
	}
	s.reg.CloseAll()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutCtx); err != nil {
		obslog.L().Warn("http_shutdown_error", zap.Error(err))
	}
	obslog.L().Info("drain_complete")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	local := s.tracker.LocalSnapshot()
	body := map[string]any{
		"status":    "ok",
		"online":    local.Online,
		"playing":   local.Playing,
		"server_id": s.serverID,
	}
	if s.draining.Load() {
		body["status"] = "draining"
		writeJSONStatus(w, http.StatusServiceUnavailable, body)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		body["status"] = "error"
		body["error"] = "redis unreachable"
		writeJSONStatus(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSONStatus(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	fleet := s.tracker.FleetSnapshot()
	writeJSON(w, map[string]any{
		"server_id":         s.serverID,
		"online":            fleet.Online,
		"playing":           fleet.Playing,
		"servers":           fleet.Servers,
		"local_connections": s.reg.ConnCount(),
		"local_games":       s.engine.ActiveCount(),
		"draining":          s.draining.Load(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"server_id":  s.serverID,
		"version":    s.version,
		"started_at": s.startedAt.UTC().Format(time.RFC3339),
		"uptime_s":   int(time.Since(s.startedAt).Seconds()),
		"max_games":  s.cfg.MaxConcurrentGames,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.L().Warn("stats_encode_error", zap.Error(err))
	}
}
