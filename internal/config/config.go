package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL        string
	UpstreamBaseURL string
	SessionSecret   string

	MaxConcurrentGames int

	ChallengeTTL      time.Duration
	ChallengeSweep    time.Duration
	SeekSweep         time.Duration
	PendingStartGrace time.Duration
	ClockTick         time.Duration

	PresenceBroadcast time.Duration
	PresenceStale     time.Duration

	GuestTTL time.Duration

	DrainDeadline time.Duration
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		MaxConcurrentGames: 5000,
		ChallengeTTL:       5 * time.Minute,
		ChallengeSweep:     30 * time.Second,
		SeekSweep:          2 * time.Second,
		PendingStartGrace:  20 * time.Second,
		ClockTick:          250 * time.Millisecond,
		PresenceBroadcast:  4 * time.Second,
		PresenceStale:      15 * time.Second,
		GuestTTL:           12 * time.Hour,
		DrainDeadline:      90 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("ARENA_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.UpstreamBaseURL = strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	cfg.SessionSecret = strings.TrimSpace(os.Getenv("SESSION_JWT_SECRET"))

	if v := strings.TrimSpace(os.Getenv("ARENA_MAX_GAMES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentGames = n
		}
	}
	if d := durationEnv("ARENA_CHALLENGE_TTL"); d > 0 {
		cfg.ChallengeTTL = d
	}
	if d := durationEnv("ARENA_CHALLENGE_SWEEP"); d > 0 {
		cfg.ChallengeSweep = d
	}
	if d := durationEnv("ARENA_SEEK_SWEEP"); d > 0 {
		cfg.SeekSweep = d
	}
	if d := durationEnv("ARENA_PENDING_GRACE"); d > 0 {
		cfg.PendingStartGrace = d
	}
	if d := durationEnv("ARENA_CLOCK_TICK"); d > 0 {
		cfg.ClockTick = d
	}
	if d := durationEnv("ARENA_PRESENCE_BROADCAST"); d > 0 {
		cfg.PresenceBroadcast = d
	}
	if d := durationEnv("ARENA_PRESENCE_STALE"); d > 0 {
		cfg.PresenceStale = d
	}
	if d := durationEnv("ARENA_GUEST_TTL"); d > 0 {
		cfg.GuestTTL = d
	}
	if d := durationEnv("ARENA_DRAIN_DEADLINE"); d > 0 {
		cfg.DrainDeadline = d
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, errors.New("UPSTREAM_BASE_URL is required")
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("SESSION_JWT_SECRET is required")
	}
	// The staleness window must cover at least one missed broadcast, or a
	// healthy peer would flap in and out of the fleet snapshot.
	if cfg.PresenceStale <= cfg.PresenceBroadcast {
		cfg.PresenceStale = 3 * cfg.PresenceBroadcast
	}

	return cfg, nil
}

// durationEnv accepts Go duration strings ("30s") or bare seconds ("30").
func durationEnv(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}
