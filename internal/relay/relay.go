// Package relay pairs desktop operator consoles with phone devices over
// WebSocket and coordinates the outbound-call lifecycle between them.
//
// Connections are grouped by the authenticated owner. Each group holds at
// most one desktop, an ordered set of phones keyed by deviceId, and at most
// one in-flight call attempt. All state transitions for one owner are
// serialized under the group mutex; different owners never contend.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dialbridge/dialbridge/internal/auth"
	"github.com/dialbridge/dialbridge/internal/store"
	"github.com/dialbridge/dialbridge/pkg/protocol"
)

const (
	wsWriteWait   = 10 * time.Second
	wsReadLimit   = 64 * 1024
	defaultBuffer = 32
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins []string
	ConfirmTimeout time.Duration // dialing -> failed bound when no phone confirms
	MaxDuration    time.Duration // active -> ended ceiling
	PingInterval   time.Duration // liveness sweep interval
	MaxPhones      int           // max phones per owner (0 = default)
	SendBuffer     int           // outbound frames buffered per connection
}

// Relay is the connection registry and signaling broker.
type Relay struct {
	store    store.Store
	auth     auth.Provider
	logger   *slog.Logger
	upgrader websocket.Upgrader

	confirmTimeout time.Duration
	maxDuration    time.Duration
	pingInterval   time.Duration
	maxPhones      int
	sendBuffer     int

	mu     sync.RWMutex
	groups map[string]*ownerGroup
	conns  map[*conn]struct{}
}

// ownerGroup aggregates every connection and the in-flight call attempt for
// one owner. The mutex serializes all registry mutation and lifecycle
// transitions within the group.
type ownerGroup struct {
	ownerID string

	mu      sync.Mutex
	desktop *conn
	phones  []*conn // insertion order = call_command fan-out order
	call    *callAttempt
}

// conn is one physical WebSocket channel. Outbound frames go through a
// bounded channel drained by a dedicated writer goroutine; a full channel
// kills the connection rather than blocking the sender.
type conn struct {
	ownerID string
	role    protocol.Role
	group   *ownerGroup

	// deviceID can be rebound by register_phone after admission. The mutex
	// covers readers that run outside the owner group lock (the liveness
	// sweeper and overflow logging).
	mu       sync.Mutex
	deviceID string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool
	createdAt time.Time
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *conn) setDevice(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// enqueue hands a frame to the writer goroutine without blocking.
func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// New creates a Relay.
func New(s store.Store, ap auth.Provider, logger *slog.Logger, opts Options) *Relay {
	confirm := opts.ConfirmTimeout
	if confirm == 0 {
		confirm = 2 * time.Minute
	}
	maxDur := opts.MaxDuration
	if maxDur == 0 {
		maxDur = 10 * time.Minute
	}
	ping := opts.PingInterval
	if ping == 0 {
		ping = 30 * time.Second
	}
	maxPhones := opts.MaxPhones
	if maxPhones == 0 {
		maxPhones = 5
	}
	buffer := opts.SendBuffer
	if buffer == 0 {
		buffer = defaultBuffer
	}

	return &Relay{
		store:          s,
		auth:           ap,
		logger:         logger.With("component", "relay"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		confirmTimeout: confirm,
		maxDuration:    maxDur,
		pingInterval:   ping,
		maxPhones:      maxPhones,
		sendBuffer:     buffer,
		groups:         make(map[string]*ownerGroup),
		conns:          make(map[*conn]struct{}),
	}
}

// HandleWS handles a device WebSocket connection.
//
// The bearer credential is taken from the "token" query parameter or the
// Authorization header; browsers cannot set custom headers during the
// WebSocket handshake, so the query form must be supported. The "device"
// query parameter selects the role, and phones may pin a stable "deviceId".
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}
	role := protocol.Role(req.URL.Query().Get("device"))

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()
	ws.SetReadLimit(wsReadLimit)

	if !role.Valid() {
		r.rejectConn(ws, "unknown device role")
		return
	}

	identity, err := r.auth.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		r.rejectConn(ws, "unauthorized")
		return
	}

	deviceID := req.URL.Query().Get("deviceId")
	if deviceID == "" && role == protocol.RolePhone {
		deviceID = uuid.New().String()
	}

	c := &conn{
		ownerID:   identity.UserID,
		role:      role,
		deviceID:  deviceID,
		ws:        ws,
		send:      make(chan []byte, r.sendBuffer),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	c.alive.Store(true)
	go c.writeLoop()

	if !r.admit(c) {
		return
	}
	r.logger.Info("device connected", "owner", c.ownerID, "role", c.role, "device", c.device())

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("malformed frame dropped", "owner", c.ownerID, "role", c.role, "error", err)
			continue
		}
		r.dispatch(c, env)
	}

	c.close()
	r.remove(c)
	r.logger.Info("device disconnected", "owner", c.ownerID, "role", c.role, "device", c.device())
}

// rejectConn sends a single error frame and closes the socket without ever
// admitting it to the registry.
func (r *Relay) rejectConn(ws *websocket.Conn, message string) {
	env := protocol.Envelope{
		Type:      protocol.TypeError,
		Timestamp: time.Now(),
		Payload:   protocol.ErrorMessage{Message: message},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = ws.WriteMessage(websocket.TextMessage, data)
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}

// admit inserts a connection into its owner group, creating the group if
// absent, and notifies the opposite role of the presence change. Returns
// false if the group refused the connection (phone limit).
func (r *Relay) admit(c *conn) bool {
	r.mu.Lock()
	g, ok := r.groups[c.ownerID]
	if !ok {
		g = &ownerGroup{ownerID: c.ownerID}
		r.groups[c.ownerID] = g
	}
	r.conns[c] = struct{}{}
	g.mu.Lock()
	r.mu.Unlock()

	c.group = g
	refused := false

	switch c.role {
	case protocol.RoleDesktop:
		// Last writer wins. The replaced socket is no longer reachable from
		// the group; the liveness sweep reaps it.
		if g.desktop != nil {
			r.logger.Info("desktop replaced", "owner", g.ownerID)
		}
		g.desktop = c
		for _, p := range g.phones {
			r.send(p, protocol.TypePeerConnected, protocol.PeerEvent{DeviceID: c.device(), PeerCount: 1})
		}

	case protocol.RolePhone:
		replaced := false
		for i, p := range g.phones {
			if p.device() == c.device() {
				p.close()
				g.phones[i] = c
				replaced = true
				break
			}
		}
		switch {
		case replaced:
		case len(g.phones) >= r.maxPhones:
			refused = true
		default:
			g.phones = append(g.phones, c)
			if g.desktop != nil {
				r.send(g.desktop, protocol.TypePeerConnected, protocol.PeerEvent{
					DeviceID:  c.device(),
					PeerCount: len(g.phones),
				})
			}
		}
	}

	if !refused {
		r.send(c, protocol.TypeRegistered, protocol.Registered{
			Role:     c.role,
			OwnerID:  c.ownerID,
			DeviceID: c.device(),
		})
	}
	g.mu.Unlock()

	if refused {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		r.logger.Warn("phone limit reached", "owner", g.ownerID, "limit", r.maxPhones)
		r.send(c, protocol.TypeError, protocol.ErrorMessage{Message: "too many phones"})
		c.close()
		return false
	}
	return true
}

// remove detaches a connection from its group, notifies the opposite role,
// fails an active attempt whose confirming phone just vanished, and garbage
// collects the group once it is empty. Closing a connection always funnels
// through here; it is the sole path by which stale entries leave the table.
func (r *Relay) remove(c *conn) {
	g := c.group
	if g == nil {
		return
	}

	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()

	g.mu.Lock()
	removed := false
	switch c.role {
	case protocol.RoleDesktop:
		// A newer desktop may have already replaced this reference.
		if g.desktop == c {
			g.desktop = nil
			removed = true
		}
	case protocol.RolePhone:
		for i, p := range g.phones {
			if p == c {
				g.phones = append(g.phones[:i], g.phones[i+1:]...)
				removed = true
				break
			}
		}
	}

	if removed {
		switch c.role {
		case protocol.RoleDesktop:
			for _, p := range g.phones {
				r.send(p, protocol.TypePeerDisconnected, protocol.PeerEvent{DeviceID: c.device(), PeerCount: 0})
			}
		case protocol.RolePhone:
			if g.desktop != nil {
				r.send(g.desktop, protocol.TypePeerDisconnected, protocol.PeerEvent{
					DeviceID:  c.device(),
					PeerCount: len(g.phones),
				})
			}
			if g.call != nil && g.call.state == protocol.StateActive && g.call.confirmedBy == c {
				r.finishAttemptLocked(g, protocol.StateFailed, "phone disconnected mid-call", 0)
			}
		}
	}
	g.mu.Unlock()

	r.maybeCollect(g)
}

// maybeCollect deletes an owner group that holds no connections and no
// in-flight attempt. Groups must not accumulate across the process lifetime.
func (r *Relay) maybeCollect(g *ownerGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.desktop == nil && len(g.phones) == 0 && g.call == nil {
		delete(r.groups, g.ownerID)
	}
}

// send marshals an envelope and enqueues it on the connection. A peer whose
// buffer overflows is treated as dead, same as a liveness failure.
func (r *Relay) send(c *conn, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("marshal error", "type", msgType, "error", err)
		return
	}
	if !c.enqueue(data) {
		r.logger.Warn("send buffer overflow, dropping connection",
			"owner", c.ownerID, "role", c.role, "device", c.device())
		c.close()
	}
}

// StartSweeper runs the liveness sweep until ctx is cancelled. Each sweep
// pings every open connection and drops the ones that never answered the
// previous probe, so a dead peer is detected within two intervals.
func (r *Relay) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Relay) sweep() {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	ping, err := json.Marshal(protocol.Envelope{Type: protocol.TypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	for _, c := range conns {
		if !c.alive.Load() {
			r.logger.Info("liveness timeout, dropping connection",
				"owner", c.ownerID, "role", c.role, "device", c.device())
			c.close()
			continue
		}
		c.alive.Store(false)
		if !c.enqueue(ping) {
			c.close()
		}
	}
}

// Stats returns current connection counts, used by the readiness endpoint.
func (r *Relay) Stats() (groups, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups), len(r.conns)
}
