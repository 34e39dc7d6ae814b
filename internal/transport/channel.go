package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/protocol"
)

// State is the connection lifecycle of the channel. It is owned exclusively
// by the Channel; consumers observe transitions through the state handler.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateHandler observes connection state transitions. reason is non-empty
// only for StateError and for unexpected disconnects.
type StateHandler func(state State, reason string)

// MessageHandler receives inbound frames in strict arrival order.
type MessageHandler func(env protocol.Envelope)

// Options tunes channel timing. Zero values fall back to the protocol
// defaults (3s reconnect, 30s heartbeat).
type Options struct {
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

const (
	defaultReconnectDelay    = 3 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// ErrAlreadyConnected is returned by Connect while a connection is live; a
// channel serves one room at a time and is not reused across rooms.
var ErrAlreadyConnected = fmt.Errorf("channel already connected")

// Channel is a single full-duplex websocket connection to one debate room,
// multiplexing JSON control messages and binary audio uplink. It owns the
// connect/reconnect/heartbeat lifecycle.
type Channel struct {
	serverURL string
	opts      Options
	logger    *zap.Logger
	onState   StateHandler
	onMessage MessageHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	roomID    string
	state     State
	closing   bool
	reconnect *time.Timer
	gen       int // connection generation, ties goroutines to their conn

	writeMu sync.Mutex
}

// New creates a channel against the given server base URL (ws://, wss://,
// http:// or https://; page schemes are mapped to their websocket
// equivalents).
func New(serverURL string, opts Options, logger *zap.Logger, onState StateHandler, onMessage MessageHandler) *Channel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Channel{
		serverURL: serverURL,
		opts:      opts,
		logger:    logger.Named("transport"),
		onState:   onState,
		onMessage: onMessage,
		state:     StateIdle,
	}
}

// Connect opens the channel to the given room. On success it requests the
// current room status and starts the heartbeat. A dial failure transitions to
// StateError and is returned; the channel does not retry from that state.
func (c *Channel) Connect(roomID string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.roomID = roomID
	c.closing = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.setState(StateConnecting, "")

	u, err := c.roomURL(roomID)
	if err != nil {
		c.setState(StateError, err.Error())
		return err
	}

	c.logger.Info("connecting to debate room", zap.String("roomID", roomID), zap.String("url", u))

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		c.setState(StateError, fmt.Sprintf("connection failed: %v", err))
		return fmt.Errorf("failed to dial %s: %w", u, err)
	}

	c.mu.Lock()
	if c.closing || c.gen != gen {
		// Torn down while the dial was in flight.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected, "")

	if err := c.Send(protocol.NewControl(protocol.MessageTypeGetRoomStatus)); err != nil {
		c.logger.Warn("failed to request room status", zap.Error(err))
	}

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn)

	return nil
}

// roomURL builds the per-room websocket endpoint, mirroring the hosting
// scheme (https -> wss).
func (c *Channel) roomURL(roomID string) (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/ws/debate/%s/", roomID)
	return u.String(), nil
}

// readLoop dispatches inbound frames in arrival order until the connection
// dies. Malformed JSON is logged and dropped without closing the channel.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(conn, gen, err)
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("ignoring unexpected binary frame", zap.Int("bytes", len(data)))
			continue
		}

		env, derr := protocol.DecodeEnvelope(data)
		if derr != nil {
			c.logger.Warn("dropping malformed message", zap.Error(derr))
			continue
		}

		if c.onMessage != nil {
			c.dispatch(env)
		}
	}
}

// dispatch keeps a handler panic from killing the read loop.
func (c *Channel) dispatch(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				zap.String("type", string(env.Type)), zap.Any("panic", r))
		}
	}()
	c.onMessage(env)
}

// handleClosure classifies a dead connection: deliberate and normal closures
// just report Disconnected; anything else schedules exactly one reconnect
// attempt after the fixed delay, as long as a room is still selected.
func (c *Channel) handleClosure(conn *websocket.Conn, gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	deliberate := c.closing
	roomID := c.roomID
	c.mu.Unlock()

	conn.Close()

	if deliberate || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Info("channel closed", zap.String("roomID", roomID))
		c.setState(StateDisconnected, "")
		return
	}

	c.logger.Warn("channel closed unexpectedly", zap.String("roomID", roomID), zap.Error(err))
	c.setState(StateDisconnected, err.Error())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.roomID == "" {
		return
	}
	room := c.roomID
	c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		stale := c.closing || c.roomID != room
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.Connect(room); err != nil {
			c.logger.Error("reconnect failed", zap.String("roomID", room), zap.Error(err))
		}
	})
}

// heartbeatLoop pings the server every heartbeat interval and self-cancels
// once the connection it serves is no longer the live one.
func (c *Channel) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		live := c.conn == conn
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.Send(protocol.NewControl(protocol.MessageTypePing)); err != nil {
			c.logger.Warn("heartbeat send failed", zap.Error(err))
		}
	}
}

// Send serializes the message and writes it if the channel is currently
// open. Control messages are at-most-once: if the channel is not open the
// message is silently dropped, never queued.
func (c *Channel) Send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("dropped control message", zap.Error(err))
	}
	return nil
}

// SendAudioChunk writes the chunk's raw bytes as a binary frame if the
// channel is open; dropped silently otherwise. Chunk loss is an accepted
// characteristic of this real-time medium.
func (c *Channel) SendAudioChunk(chunk []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		c.logger.Debug("dropped audio chunk", zap.Int("bytes", len(chunk)), zap.Error(err))
	}
}

// Disconnect deliberately closes the channel with a normal-closure code,
// cancels any pending reconnect and clears the room selection. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	alreadyDown := c.closing && c.conn == nil
	c.closing = true
	c.roomID = ""
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if alreadyDown {
		return
	}

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.setState(StateDisconnected, "")
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is currently open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// setState records the transition and notifies the observer outside the lock.
func (c *Channel) setState(state State, reason string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(state, reason)
	}
}
