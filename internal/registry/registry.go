package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/identity"
	"github.com/castlegate/arena/internal/obslog"
)

var (
	ErrUnknownConn   = errors.New("connection not registered")
	ErrAlreadyAuthed = errors.New("connection already authenticated")
	ErrDraining      = errors.New("instance is draining")
)

// PresenceHook is the slice of the presence tracker the registry drives.
type PresenceHook interface {
	RecordConnect()
	RecordDisconnect()
}

// Client is one live connection. Frames are delivered through a bounded
// outbound channel drained by the connection's single writer goroutine; a
// consumer that cannot keep up is disconnected rather than allowed to stall
// the rest of the instance.
type Client struct {
	id  string
	out chan any

	mu        sync.Mutex
	ident     identity.Identity
	closeSlow func()
}

func (c *Client) ID() string { return c.id }

// Identity returns the bound identity, or nil before authentication.
func (c *Client) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// Out is drained by the connection's writer goroutine.
func (c *Client) Out() <-chan any { return c.out }

// OnSlow installs the hook invoked when the outbound buffer overflows.
func (c *Client) OnSlow(fn func()) {
	c.mu.Lock()
	c.closeSlow = fn
	c.mu.Unlock()
}

// Queue enqueues a frame without blocking. A full buffer marks the consumer
// as too slow and triggers its close hook.
func (c *Client) Queue(frame any) bool {
	select {
	case c.out <- frame:
		return true
	default:
		c.mu.Lock()
		slow := c.closeSlow
		c.mu.Unlock()
		obslog.L().Warn("conn_slow_consumer", zap.String("conn_id", c.id))
		if slow != nil {
			slow()
		}
		return false
	}
}

// Registry tracks every live connection on this instance and the identities
// bound to them. One identity may hold several connections (two tabs); a
// frame addressed to an identity reaches all of them.
type Registry struct {
	presence PresenceHook
	sendBuf  int

	mu         sync.RWMutex
	conns      map[string]*Client
	byIdentity map[string]map[string]*Client
	accepting  bool

	// onIdentityGone fires when an identity's last connection drops, so open
	// seeks can be cancelled.
	onIdentityGone func(identityID string)
}

func New(presence PresenceHook, sendBuf int) *Registry {
	if sendBuf <= 0 {
		sendBuf = 32
	}
	return &Registry{
		presence:   presence,
		sendBuf:    sendBuf,
		conns:      make(map[string]*Client),
		byIdentity: make(map[string]map[string]*Client),
		accepting:  true,
	}
}

// OnIdentityGone installs the last-connection-dropped hook. Call before
// serving traffic.
func (r *Registry) OnIdentityGone(fn func(identityID string)) {
	r.mu.Lock()
	r.onIdentityGone = fn
	r.mu.Unlock()
}

// Register admits a new unauthenticated connection.
func (r *Registry) Register() (*Client, error) {
	c := &Client{
		id:  uuid.NewString(),
		out: make(chan any, r.sendBuf),
	}
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return nil, ErrDraining
	}
	r.conns[c.id] = c
	r.mu.Unlock()

	if r.presence != nil {
		r.presence.RecordConnect()
	}
	return c, nil
}

// Authenticate binds an identity to a registered connection. Rebinding is
// rejected; a client that wants a different identity reconnects.
func (r *Registry) Authenticate(connID string, ident identity.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	c.mu.Lock()
	if c.ident != nil {
		c.mu.Unlock()
		return ErrAlreadyAuthed
	}
	c.ident = ident
	c.mu.Unlock()

	set := r.byIdentity[ident.ID()]
	if set == nil {
		set = make(map[string]*Client)
		r.byIdentity[ident.ID()] = set
	}
	set[connID] = c
	return nil
}

// Unregister drops a connection. When it was the identity's last one the
// gone-hook fires.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	var goneID string
	if id := c.Identity(); id != nil {
		set := r.byIdentity[id.ID()]
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, id.ID())
			goneID = id.ID()
		}
	}
	gone := r.onIdentityGone
	r.mu.Unlock()

	if r.presence != nil {
		r.presence.RecordDisconnect()
	}
	if goneID != "" && gone != nil {
		gone(goneID)
	}
}

// Deliver queues a frame to every connection of an identity and reports how
// many received it. Zero means the identity is not online on this instance.
func (r *Registry) Deliver(identityID string, frame any) int {
	r.mu.RLock()
	set := r.byIdentity[identityID]
	clients := make([]*Client, 0, len(set))
	for _, c := range set {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range clients {
		if c.Queue(frame) {
			n++
		}
	}
	return n
}

// DeliverMany fans a frame out to a recipient list.
func (r *Registry) DeliverMany(identityIDs []string, frame any) {
	for _, id := range identityIDs {
		r.Deliver(id, frame)
	}
}

// Broadcast queues a frame to every authenticated connection.
func (r *Registry) Broadcast(frame any) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Identity() != nil {
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.Queue(frame)
	}
}

// OnlineLocal reports whether the identity has at least one live connection
// on this instance.
func (r *Registry) OnlineLocal(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// ConnCount is the number of live connections, for /stats.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StopAccepting refuses new connections. First step of a graceful drain.
func (r *Registry) StopAccepting() {
	r.mu.Lock()
	r.accepting = false
	r.mu.Unlock()
}

// CloseAll invokes every connection's close hook. Drain deadline fallback.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.mu.Lock()
		slow := c.closeSlow
		c.mu.Unlock()
		if slow != nil {
			slow()
		}
	}
}
