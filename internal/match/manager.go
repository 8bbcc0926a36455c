package match

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/obslog"
)

// Manager owns direct challenges and the quick-pairing seek queues. All
// state is per-instance and in-memory; a disconnected player's seeks are
// cancelled by the registry hook, challenges die by TTL sweep.
type Manager struct {
	starter GameStarter
	ttl     time.Duration

	mu         sync.Mutex
	challenges map[string]*Challenge
	seeks      map[string][]*Seek // time-control bucket -> FIFO by enqueue time
	seekOwner  map[string]string  // identity id -> time-control bucket

	seq uint64
}

func NewManager(starter GameStarter, challengeTTL time.Duration) *Manager {
	if challengeTTL <= 0 {
		challengeTTL = 5 * time.Minute
	}
	return &Manager{
		starter:    starter,
		ttl:        challengeTTL,
		challenges: make(map[string]*Challenge),
		seeks:      make(map[string][]*Seek),
		seekOwner:  make(map[string]string),
	}
}

// Challenge creates a pending direct challenge from sender to receiver.
func (m *Manager) Challenge(sender Player, receiverID string, p Params) (*Challenge, error) {
	receiverID = strings.TrimSpace(receiverID)
	if sender.ID == "" || receiverID == "" || strings.TrimSpace(p.TimeControl) == "" {
		return nil, ErrInvalidArgs
	}
	if sender.ID == receiverID {
		return nil, ErrSelfChallenge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, ch := range m.challenges {
		if ch.Status != StatusPending || now.After(ch.ExpiresAt) {
			continue
		}
		if ch.Sender.ID == sender.ID && ch.Receiver == receiverID && ch.Params.TimeControl == p.TimeControl {
			return nil, ErrDuplicatePending
		}
	}

	ch := &Challenge{
		ID:        m.nextID("chal"),
		Sender:    sender,
		Receiver:  receiverID,
		Params:    p,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.challenges[ch.ID] = ch
	obslog.L().Info("challenge_create",
		zap.String("challenge_id", ch.ID),
		zap.String("sender_id", sender.ID),
		zap.String("receiver_id", receiverID),
		zap.String("time_control", p.TimeControl),
	)
	return ch, nil
}

// Respond accepts or declines a pending challenge. Only the designated
// receiver may respond. Accepting atomically removes the challenge and
// creates exactly one game; the returned id is empty on decline.
func (m *Manager) Respond(challengeID, responderID string, accept bool, responder Player) (string, error) {
	m.mu.Lock()
	ch, ok := m.challenges[challengeID]
	if !ok || ch.Status != StatusPending {
		m.mu.Unlock()
		return "", ErrUnknownChallenge
	}
	if ch.Receiver != responderID {
		m.mu.Unlock()
		return "", ErrNotReceiver
	}
	if time.Now().After(ch.ExpiresAt) {
		ch.Status = StatusExpired
		delete(m.challenges, challengeID)
		m.mu.Unlock()
		return "", ErrExpired
	}
	if !accept {
		ch.Status = StatusDeclined
		delete(m.challenges, challengeID)
		m.mu.Unlock()
		obslog.L().Info("challenge_decline", zap.String("challenge_id", challengeID))
		return "", nil
	}
	ch.Status = StatusAccepted
	delete(m.challenges, challengeID)
	m.mu.Unlock()

	pairing := m.buildPairing(ch.Sender, responder, ch.Params, "challenge")
	gameID, err := m.starter.StartGame(pairing)
	if err != nil {
		return "", fmt.Errorf("start game: %w", err)
	}
	obslog.L().Info("challenge_accept",
		zap.String("challenge_id", challengeID),
		zap.String("game_id", gameID),
		zap.String("white_id", pairing.White.ID),
		zap.String("black_id", pairing.Black.ID),
	)
	return gameID, nil
}

// PendingFor lists pending challenges addressed to an identity.
func (m *Manager) PendingFor(receiverID string) []*Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Challenge
	now := time.Now()
	for _, ch := range m.challenges {
		if ch.Receiver == receiverID && ch.Status == StatusPending && now.Before(ch.ExpiresAt) {
			cp := *ch
			out = append(out, &cp)
		}
	}
	return out
}

// EnqueueSeek inserts a seek and immediately attempts a pairing. When a
// compatible opponent is waiting, both seeks are removed and one game starts.
// The returned game id is empty when the seek stays queued.
func (m *Manager) EnqueueSeek(player Player, ratingMin, ratingMax int, timeControl string) (string, error) {
	timeControl = strings.TrimSpace(timeControl)
	if player.ID == "" || timeControl == "" {
		return "", ErrInvalidArgs
	}
	if ratingMax <= 0 {
		ratingMax = int(^uint(0) >> 1)
	}

	m.mu.Lock()
	if _, busy := m.seekOwner[player.ID]; busy {
		m.mu.Unlock()
		return "", ErrSeekExists
	}
	seek := &Seek{
		Player:     player,
		RatingMin:  ratingMin,
		RatingMax:  ratingMax,
		EnqueuedAt: time.Now(),
	}
	opponent := m.takeBestCandidateLocked(timeControl, seek)
	if opponent == nil {
		m.seeks[timeControl] = append(m.seeks[timeControl], seek)
		m.seekOwner[player.ID] = timeControl
		m.mu.Unlock()
		obslog.L().Info("seek_enqueue",
			zap.String("identity_id", player.ID),
			zap.String("time_control", timeControl),
			zap.Int("rating", player.Rating),
		)
		return "", nil
	}
	m.mu.Unlock()

	pairing := m.buildPairing(opponent.Player, player, Params{TimeControl: timeControl, VariantIndex: -1}, "seek")
	gameID, err := m.starter.StartGame(pairing)
	if err != nil {
		// The opponent was already dequeued; requeue it rather than losing
		// the seek.
		m.mu.Lock()
		m.seeks[timeControl] = append(m.seeks[timeControl], opponent)
		m.seekOwner[opponent.Player.ID] = timeControl
		m.mu.Unlock()
		return "", fmt.Errorf("start game: %w", err)
	}
	obslog.L().Info("seek_paired",
		zap.String("game_id", gameID),
		zap.String("a", opponent.Player.ID),
		zap.String("b", player.ID),
		zap.String("time_control", timeControl),
	)
	return gameID, nil
}

// CancelSeek removes the identity's open seek, if any.
func (m *Manager) CancelSeek(identityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeSeekLocked(identityID)
}

// CancelAllFor is the disconnect hook: drops the identity's seek. Pending
// challenges survive a disconnect and die by TTL.
func (m *Manager) CancelAllFor(identityID string) {
	if m.CancelSeek(identityID) {
		obslog.L().Info("seek_cancel_disconnect", zap.String("identity_id", identityID))
	}
}

// Run drives the expiry sweep for challenges and the periodic pairing sweep
// for seeks until ctx is done.
func (m *Manager) Run(ctx context.Context, challengeSweep, seekSweep time.Duration) {
	if challengeSweep <= 0 {
		challengeSweep = 30 * time.Second
	}
	if seekSweep <= 0 {
		seekSweep = 2 * time.Second
	}
	ct := time.NewTicker(challengeSweep)
	st := time.NewTicker(seekSweep)
	defer ct.Stop()
	defer st.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ct.C:
			m.sweepChallenges()
		case <-st.C:
			m.sweepSeeks()
		}
	}
}

func (m *Manager) sweepChallenges() {
	m.mu.Lock()
	now := time.Now()
	var expired []string
	for id, ch := range m.challenges {
		if ch.Status == StatusPending && now.After(ch.ExpiresAt) {
			ch.Status = StatusExpired
			delete(m.challenges, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		obslog.L().Info("challenge_expired", zap.String("challenge_id", id))
	}
}

// sweepSeeks retries pairing across every bucket. Arrival-driven pairing
// covers the common case; the sweep catches seeks whose candidate appeared
// and then failed to start a game.
func (m *Manager) sweepSeeks() {
	type job struct {
		a, b *Seek
		tc   string
	}
	var jobs []job

	m.mu.Lock()
	for tc, queue := range m.seeks {
		for len(queue) >= 2 {
			a := queue[0]
			// Temporarily pop a, then search the remainder.
			m.seeks[tc] = queue[1:]
			delete(m.seekOwner, a.Player.ID)
			b := m.takeBestCandidateLocked(tc, a)
			if b == nil {
				// Put a back at the head; nothing matches it yet.
				m.seeks[tc] = append([]*Seek{a}, m.seeks[tc]...)
				m.seekOwner[a.Player.ID] = tc
				break
			}
			jobs = append(jobs, job{a: a, b: b, tc: tc})
			queue = m.seeks[tc]
		}
	}
	m.mu.Unlock()

	for _, j := range jobs {
		pairing := m.buildPairing(j.a.Player, j.b.Player, Params{TimeControl: j.tc, VariantIndex: -1}, "seek")
		if gameID, err := m.starter.StartGame(pairing); err != nil {
			obslog.L().Error("seek_sweep_start_error", zap.Error(err))
			m.mu.Lock()
			m.seeks[j.tc] = append(m.seeks[j.tc], j.a, j.b)
			m.seekOwner[j.a.Player.ID] = j.tc
			m.seekOwner[j.b.Player.ID] = j.tc
			m.mu.Unlock()
		} else {
			obslog.L().Info("seek_paired",
				zap.String("game_id", gameID),
				zap.String("a", j.a.Player.ID),
				zap.String("b", j.b.Player.ID),
				zap.String("time_control", j.tc),
			)
		}
	}
}

// takeBestCandidateLocked scans the bucket for the closest-rating opponent
// whose band overlaps the seek's, FIFO among equally close ratings, and
// removes it from the queue. A seek never matches its own identity.
func (m *Manager) takeBestCandidateLocked(timeControl string, s *Seek) *Seek {
	queue := m.seeks[timeControl]
	bestIdx := -1
	bestDiff := 0
	for i, cand := range queue {
		if cand.Player.ID == s.Player.ID {
			continue
		}
		if !bandsOverlap(s, cand) {
			continue
		}
		diff := absInt(cand.Player.Rating - s.Player.Rating)
		if bestIdx == -1 || diff < bestDiff {
			bestIdx, bestDiff = i, diff
			continue
		}
		// FIFO tie-break: the queue is already ordered by enqueue time, so
		// an equally close later entry never displaces an earlier one.
	}
	if bestIdx == -1 {
		return nil
	}
	cand := queue[bestIdx]
	m.seeks[timeControl] = append(queue[:bestIdx], queue[bestIdx+1:]...)
	delete(m.seekOwner, cand.Player.ID)
	return cand
}

func (m *Manager) removeSeekLocked(identityID string) bool {
	tc, ok := m.seekOwner[identityID]
	if !ok {
		return false
	}
	delete(m.seekOwner, identityID)
	queue := m.seeks[tc]
	for i, s := range queue {
		if s.Player.ID == identityID {
			m.seeks[tc] = append(queue[:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

func bandsOverlap(a, b *Seek) bool {
	return a.Player.Rating >= b.RatingMin && a.Player.Rating <= b.RatingMax &&
		b.Player.Rating >= a.RatingMin && b.Player.Rating <= a.RatingMax
}

// buildPairing assigns colors uniformly at random and draws the variant
// setup when the challenge left it open.
func (m *Manager) buildPairing(a, b Player, p Params, source string) Pairing {
	white, black := a, b
	if n, err := rand.Int(rand.Reader, big.NewInt(2)); err == nil && n.Int64() == 0 {
		white, black = b, a
	}
	idx := p.VariantIndex
	if idx < 0 || idx > 959 {
		if n, err := rand.Int(rand.Reader, big.NewInt(960)); err == nil {
			idx = int(n.Int64())
		} else {
			idx = 518
		}
	}
	return Pairing{
		White:        white,
		Black:        black,
		TimeControl:  p.TimeControl,
		VariantIndex: idx,
		Source:       source,
	}
}

func (m *Manager) nextID(prefix string) string {
	n := atomic.AddUint64(&m.seq, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), n)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
