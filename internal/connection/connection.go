// Package connection implements the per-WebSocket protocol actor: the
// handshake/authentication state machine, the capability flags a client can
// opt into, and the reader/writer goroutine pair that own the socket.
package connection

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notifypush/server/internal/errs"
	"github.com/notifypush/server/internal/model"
	"github.com/notifypush/server/internal/registry"
	"github.com/notifypush/server/internal/wire"
)

// State is a position in the AwaitingUser -> AwaitingPassword ->
// Authenticated -> Closed protocol state machine.
type State int32

const (
	AwaitingUser State = iota
	AwaitingPassword
	Authenticated
	Closed
)

const (
	handshakeTimeout = 15 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 40 * time.Second
	outboundCapacity = 256
	writerTick       = 20 * time.Millisecond
)

// Metrics is the narrow slice of the metrics package this connection needs;
// kept as an interface so tests can supply a fake without importing
// Prometheus collectors.
type Metrics interface {
	AddConnection()
	RemoveConnection()
	AddUser(model.UserId)
	RemoveUser(model.UserId)
	AddMessage(wire.MessageType)
	AddDropped()
}

// Socket is the subset of *websocket.Conn the connection actor uses; an
// interface so tests can drive the state machine without a real network
// connection.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
	RemoteAddr() string
}

// wsSocket adapts *websocket.Conn to Socket.
type wsSocket struct{ *websocket.Conn }

func (s wsSocket) RemoteAddr() string { return s.Conn.RemoteAddr().String() }

// NewSocket wraps a raw *websocket.Conn for use by Connection.
func NewSocket(c *websocket.Conn) Socket { return wsSocket{c} }

var nextID atomic.Uint64

// Connection is one authenticated-or-authenticating WebSocket client. It
// implements registry.Handle.
type Connection struct {
	id     registry.ConnectionId
	sock   Socket
	auth   *Authenticator
	reg    *registry.Registry
	metric Metrics
	log    *zap.Logger

	state  atomic.Int32
	user   model.UserId
	userMu sync.RWMutex
	caps   atomic.Uint32 // model.CapabilitySet

	outbound  chan wire.OutboundMessage
	closeOnce sync.Once
	closed    chan struct{}
}

// New allocates a Connection actor for an accepted socket. Call Run to
// drive the handshake and enter the read/write loops.
func New(sock Socket, auth *Authenticator, reg *registry.Registry, metric Metrics, log *zap.Logger) *Connection {
	return &Connection{
		id:       registry.ConnectionId(nextID.Add(1)),
		sock:     sock,
		auth:     auth,
		reg:      reg,
		metric:   metric,
		log:      log,
		outbound: make(chan wire.OutboundMessage, outboundCapacity),
		closed:   make(chan struct{}),
	}
}

// ID implements registry.Handle.
func (c *Connection) ID() registry.ConnectionId { return c.id }

// User implements registry.Handle.
func (c *Connection) User() model.UserId {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

// Enqueue implements registry.Handle. msg must be a wire.OutboundMessage;
// any other type is a programmer error and is dropped.
func (c *Connection) Enqueue(msg interface{}) bool {
	m, ok := msg.(wire.OutboundMessage)
	if !ok {
		return false
	}
	select {
	case c.outbound <- m:
		return true
	default:
		c.metric.AddDropped()
		return false
	}
}

// Close implements registry.Handle: it closes the socket, which unblocks
// the reader and causes Run to clean up.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.sock.Close()
		close(c.closed)
	})
}

// SetListenFileId toggles the notify_file_id opt-in capability.
func (c *Connection) SetListenFileId(on bool) {
	for {
		old := model.CapabilitySet(c.caps.Load())
		next := old.Without(model.CapabilityFileId)
		if on {
			next = old.With(model.CapabilityFileId)
		}
		if c.caps.CompareAndSwap(uint32(old), uint32(next)) {
			return
		}
	}
}

// ListenFileId reports the current opt-in state.
func (c *Connection) ListenFileId() bool {
	return model.CapabilitySet(c.caps.Load()).Has(model.CapabilityFileId)
}

// Run drives the handshake then the reader/writer loops until the
// connection closes, either by client disconnect, protocol violation, or
// external Close. It returns only once both loops have exited.
func (c *Connection) Run(ctx context.Context) {
	user, err := c.handshake(ctx)
	if err != nil {
		c.log.Debug("connection: handshake failed", zap.Error(err), zap.Uint64("conn_id", uint64(c.id)))
		c.sendFrame(wire.Err(err.Error()))
		c.sock.Close()
		return
	}

	c.userMu.Lock()
	c.user = user
	c.userMu.Unlock()
	c.state.Store(int32(Authenticated))

	if firstForUser := c.reg.Add(c); firstForUser {
		c.metric.AddUser(user)
	}
	c.metric.AddConnection()
	c.log.Info("connection authenticated", zap.String("user", string(user)), zap.Uint64("conn_id", uint64(c.id)))

	if err := c.sendFrame(wire.Authenticated()); err != nil {
		c.teardown()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readLoop() }()
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	wg.Wait()

	c.teardown()
}

func (c *Connection) teardown() {
	c.sock.Close()
	if user, lastForUser := c.reg.Remove(c.id); lastForUser {
		c.metric.RemoveUser(user)
	}
	c.metric.RemoveConnection()
	c.Close()
}

// handshake runs the AwaitingUser -> AwaitingPassword transition under a
// hard timeout, per §4.2: first frame is the username (possibly empty),
// second is the password or pre-auth token.
func (c *Connection) handshake(ctx context.Context) (model.UserId, error) {
	c.sock.SetReadDeadline(time.Now().Add(handshakeTimeout))

	username, err := c.readText()
	if err != nil {
		return "", errs.New(errs.KindProtocol, "handshake.user", err)
	}
	c.state.Store(int32(AwaitingPassword))

	secret, err := c.readText()
	if err != nil {
		return "", errs.New(errs.KindProtocol, "handshake.secret", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	user, err := c.auth.Authenticate(hctx, username, secret)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	return user, nil
}

func (c *Connection) readText() (string, error) {
	typ, data, err := c.sock.ReadMessage()
	if err != nil {
		return "", err
	}
	if typ != websocket.TextMessage {
		return "", errs.New(errs.KindProtocol, "readText", errInvalidFrameType)
	}
	return string(data), nil
}

var errInvalidFrameType = &frameTypeError{}

type frameTypeError struct{}

func (*frameTypeError) Error() string { return "expected a text frame" }

// readLoop is the connection's reader half: after authentication it only
// accepts `listen <feature>` commands, silently ignoring anything else, per
// the Authenticated-state transition rules.
func (c *Connection) readLoop() {
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.handleCommand(string(data))
	}
}

func (c *Connection) handleCommand(line string) {
	if State(c.state.Load()) != Authenticated {
		return
	}
	const prefix = "listen "
	if !strings.HasPrefix(line, prefix) {
		return
	}
	feature := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if feature == "notify_file_id" {
		c.SetListenFileId(true)
	}
	// unknown features are silently ignored, per §4.1.
}

// writeLoop is the connection's writer half: the sole owner of socket
// writes. It drains the outbound channel through the coalescing send
// queue, flushes settled slots on a tick, and sends keepalive pings.
func (c *Connection) writeLoop(ctx context.Context) {
	queue := NewSendQueue()
	ticker := time.NewTicker(writerTick)
	defer ticker.Stop()

	lastSend := time.Now()
	pongOutstanding := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			now := time.Now()
			ready := queue.Push(c.applyCapabilities(msg), now)
			if ready != nil {
				if err := c.writeMessage(*ready); err != nil {
					return
				}
				lastSend = now
			}

		case now := <-ticker.C:
			for _, msg := range queue.Drain(now) {
				if err := c.writeMessage(msg); err != nil {
					return
				}
				lastSend = now
			}
			if now.Sub(lastSend) > pingInterval {
				if pongOutstanding {
					c.log.Debug("connection: ping timeout", zap.Uint64("conn_id", uint64(c.id)))
					return
				}
				if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				pongOutstanding = true
				lastSend = now
			}
		}
	}
}

// applyCapabilities enforces the opt-in rule for notify_file_id: a
// connection that hasn't opted in only ever sees plain notify_file frames,
// per §4.3 ("suppress notify_file_id unless opted in").
func (c *Connection) applyCapabilities(msg wire.OutboundMessage) wire.OutboundMessage {
	if msg.Type() == wire.TypeFileId && !c.ListenFileId() {
		return wire.NotifyFile()
	}
	return msg
}

func (c *Connection) writeMessage(msg wire.OutboundMessage) error {
	err := c.sendFrame(msg)
	if err == nil {
		c.metric.AddMessage(msg.Type())
	}
	return err
}

func (c *Connection) sendFrame(msg wire.OutboundMessage) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, []byte(frame))
}
