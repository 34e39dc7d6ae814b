package transport

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gorilla/websocket"
	"github.com/yourusername/debate-voice/internal/protocol"
)

// debateServer is an in-process websocket endpoint that records every
// connection and every inbound text frame.
type debateServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	server   *httptest.Server

	connects int32
	inbound  chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newDebateServer(t *testing.T) *debateServer {
	t.Helper()
	s := &debateServer{
		t:       t,
		inbound: make(chan []byte, 64),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *debateServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	atomic.AddInt32(&s.connects, 1)

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			select {
			case s.inbound <- data:
			default: // keep reading even if the test is not draining
			}
		}
	}
}

func (s *debateServer) url() string { return s.server.URL }

func (s *debateServer) connectCount() int {
	return int(atomic.LoadInt32(&s.connects))
}

// lastConn returns the most recently accepted connection.
func (s *debateServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no server-side connection yet")
	}
	return s.conns[len(s.conns)-1]
}

func (s *debateServer) dropLastConn() {
	// Close the TCP side without a close frame: an abnormal closure from the
	// client's point of view.
	s.lastConn().Close()
}

func (s *debateServer) sendText(payload string) {
	if err := s.lastConn().WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		s.t.Fatalf("server write failed: %v", err)
	}
}

func (s *debateServer) waitInbound(timeout time.Duration) ([]byte, bool) {
	select {
	case data := <-s.inbound:
		return data, true
	case <-time.After(timeout):
		return nil, false
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(state State, reason string) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) has(want State) bool {
	for _, s := range r.snapshot() {
		if s == want {
			return true
		}
	}
	return false
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func fastOptions() Options {
	return Options{
		ReconnectDelay:    50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConnectRequestsRoomStatus(t *testing.T) {
	server := newDebateServer(t)
	recorder := &stateRecorder{}

	ch := New(server.url(), fastOptions(), zap.NewNop(), recorder.record, nil)
	defer ch.Disconnect()

	if err := ch.Connect("room-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !recorder.has(StateConnecting) || !recorder.has(StateConnected) {
		t.Errorf("states = %v, want connecting then connected", recorder.snapshot())
	}

	data, ok := server.waitInbound(time.Second)
	if !ok {
		t.Fatal("server never received a message")
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Type != protocol.MessageTypeGetRoomStatus {
		t.Errorf("first message type = %s, want get_room_status", env.Type)
	}

	if err := ch.Connect("room-2"); err != ErrAlreadyConnected {
		t.Errorf("second connect error = %v, want ErrAlreadyConnected", err)
	}
}

func TestInboundDispatchSurvivesMalformedFrames(t *testing.T) {
	server := newDebateServer(t)

	var mu sync.Mutex
	var received []protocol.MessageType
	onMessage := func(env protocol.Envelope) {
		mu.Lock()
		received = append(received, env.Type)
		mu.Unlock()
	}

	ch := New(server.url(), fastOptions(), zap.NewNop(), nil, onMessage)
	defer ch.Disconnect()
	if err := ch.Connect("room-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	server.waitInbound(time.Second) // get_room_status

	server.sendText(`{"type":"heartbeat"}`)
	server.sendText(`{not json at all`)
	server.sendText(`{"no_type":true}`)
	server.sendText(`{"type":"pong"}`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0] != protocol.MessageTypeHeartbeat || received[1] != protocol.MessageTypePong {
		t.Errorf("received = %v, malformed frames must be dropped in place", received)
	}
}

func TestReconnectOncePerUnexpectedClosure(t *testing.T) {
	server := newDebateServer(t)

	ch := New(server.url(), fastOptions(), zap.NewNop(), nil, nil)
	defer ch.Disconnect()
	if err := ch.Connect("room-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return server.connectCount() == 1 })

	server.dropLastConn()

	// Exactly one reconnect after the delay, not a retry storm.
	waitFor(t, time.Second, func() bool { return server.connectCount() == 2 })
	time.Sleep(4 * fastOptions().ReconnectDelay)
	if got := server.connectCount(); got != 2 {
		t.Errorf("connect count = %d, want exactly 2", got)
	}
	if !ch.IsConnected() {
		t.Error("channel should be live again after the reconnect")
	}

	// A second closure earns its own single reconnect.
	server.dropLastConn()
	waitFor(t, time.Second, func() bool { return server.connectCount() == 3 })
}

func TestNoReconnectAfterDeliberateDisconnect(t *testing.T) {
	server := newDebateServer(t)
	recorder := &stateRecorder{}

	ch := New(server.url(), fastOptions(), zap.NewNop(), recorder.record, nil)
	if err := ch.Connect("room-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return server.connectCount() == 1 })

	ch.Disconnect()
	ch.Disconnect() // idempotent

	time.Sleep(4 * fastOptions().ReconnectDelay)
	if got := server.connectCount(); got != 1 {
		t.Errorf("connect count = %d after deliberate disconnect, want 1", got)
	}
	if ch.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", ch.State())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	server := newDebateServer(t)

	ch := New(server.url(), fastOptions(), zap.NewNop(), nil, nil)
	if err := ch.Connect("room-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return server.connectCount() == 1 })

	// Kill the connection, then disconnect before the reconnect timer fires.
	server.dropLastConn()
	waitFor(t, time.Second, func() bool { return !ch.IsConnected() })
	ch.Disconnect()

	time.Sleep(4 * fastOptions().ReconnectDelay)
	if got := server.connectCount(); got != 1 {
		t.Errorf("connect count = %d, reconnect should have been cancelled", got)
	}
}

func TestDialFailureEntersErrorStateWithoutRetry(t *testing.T) {
	server := newDebateServer(t)
	url := server.url()
	server.server.Close()

	recorder := &stateRecorder{}
	ch := New(url, fastOptions(), zap.NewNop(), recorder.record, nil)

	if err := ch.Connect("room-1"); err == nil {
		t.Fatal("connect to a dead server must fail")
	}
	if !recorder.has(StateError) {
		t.Errorf("states = %v, want an error transition", recorder.snapshot())
	}

	time.Sleep(4 * fastOptions().ReconnectDelay)
	if got := server.connectCount(); got != 0 {
		t.Errorf("connect count = %d, error state must not retry", got)
	}
}

func TestHeartbeatPingsWhileConnected(t *testing.T) {
	server := newDebateServer(t)

	ch := New(server.url(), fastOptions(), zap.NewNop(), nil, nil)
	defer ch.Disconnect()
	if err := ch.Connect("room-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	server.waitInbound(time.Second) // get_room_status

	deadline := time.After(time.Second)
	pings := 0
	for pings < 2 {
		select {
		case data := <-server.inbound:
			env, err := protocol.DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if env.Type == protocol.MessageTypePing {
				pings++
			}
		case <-deadline:
			t.Fatalf("saw %d pings before timeout, want 2", pings)
		}
	}
}

func TestSendDroppedWhenClosed(t *testing.T) {
	ch := New("ws://127.0.0.1:1", fastOptions(), zap.NewNop(), nil, nil)

	if err := ch.Send(protocol.NewControl(protocol.MessageTypePing)); err != nil {
		t.Errorf("send on a closed channel must be a silent drop, got %v", err)
	}
	ch.SendAudioChunk(make([]byte, 3200))
}

func TestRoomURLSchemeMapping(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws/debate/abc/"},
		{"https://debate.example.com", "wss://debate.example.com/ws/debate/abc/"},
		{"ws://localhost:8000", "ws://localhost:8000/ws/debate/abc/"},
	}
	for _, tc := range cases {
		ch := New(tc.base, Options{}, zap.NewNop(), nil, nil)
		got, err := ch.roomURL("abc")
		if err != nil {
			t.Fatalf("roomURL(%q) failed: %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("roomURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}

	ch := New("ftp://nope", Options{}, zap.NewNop(), nil, nil)
	if _, err := ch.roomURL("abc"); err == nil {
		t.Error("ftp scheme must be rejected")
	}
}
