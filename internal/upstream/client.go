package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// HeaderProvider injects per-request headers, typically the shared-secret
// authorization for the internal API.
type HeaderProvider func() map[string]string

// FinishedGame is the archive record posted when a game terminates.
type FinishedGame struct {
	GameID       string   `json:"game_id"`
	WhiteID      string   `json:"white_id"`
	BlackID      string   `json:"black_id"`
	WhiteHandle  string   `json:"white_handle"`
	BlackHandle  string   `json:"black_handle"`
	TimeControl  string   `json:"time_control"`
	VariantIndex int      `json:"variant_index"`
	StartFEN     string   `json:"start_fen"`
	MovesUCI     []string `json:"moves_uci"`
	MovesSAN     []string `json:"moves_san"`
	Result       string   `json:"result"`
	Reason       string   `json:"reason"`
	WhiteMs      int64    `json:"white_ms"`
	BlackMs      int64    `json:"black_ms"`
	Source       string   `json:"source"`
	StartedAt    int64    `json:"started_at"`
	EndedAt      int64    `json:"ended_at"`
}

// RatingUpdate reports one registered player's result for durable rating
// bookkeeping. Guest ratings never leave the volatile store.
type RatingUpdate struct {
	UserID      string `json:"user_id"`
	TimeControl string `json:"time_control"`
	GameID      string `json:"game_id"`
	Score       string `json:"score"` // "win", "draw", "loss"
}

// Client talks to the owning application's internal HTTP API. The realtime
// core treats it as fire-and-forget: a lost update is the collaborator's
// reconciliation problem, never a reason to block a game.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SaveGame archives a finished game.
func (c *Client) SaveGame(ctx context.Context, rec FinishedGame) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/internal/games", rec, nil, true)
}

// SaveRating posts one player's result.
func (c *Client) SaveRating(ctx context.Context, upd RatingUpdate) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/internal/ratings", upd, nil, true)
}

// NotificationCount fetches a registered user's unread count, pushed to the
// client right after the handshake.
func (c *Client) NotificationCount(ctx context.Context, userID string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	path := "/internal/notifications/count?user_id=" + url.QueryEscape(userID)
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &resp, false); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			body := string(resp.Body())
			err := fmt.Errorf("upstream api error: status=%d body=%s", status, truncate(body, 512))
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
