package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/protocol"
)

// Phase is the coarse debate lifecycle derived from server events.
type Phase int

const (
	PhaseAwaitingConnection Phase = iota
	PhaseRoomReady
	PhaseDebateActive
	PhaseDebateEnded
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAwaitingConnection:
		return "awaiting_connection"
	case PhaseRoomReady:
		return "room_ready"
	case PhaseDebateActive:
		return "debate_active"
	case PhaseDebateEnded:
		return "debate_ended"
	default:
		return "unknown"
	}
}

// EntryKind tags a transcript entry.
type EntryKind string

const (
	EntryUser EntryKind = "user_message"
	EntryAI   EntryKind = "ai_message"
)

// TranscriptEntry is one finished utterance. The transcript is append-only
// and preserves arrival order; the server is trusted as sole sequencer.
type TranscriptEntry struct {
	Kind           EntryKind `json:"type"`
	ID             int64     `json:"id"`
	Text           string    `json:"text"`
	Timestamp      string    `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time,omitempty"`
}

// RoomSnapshot mirrors the server-authoritative room state. It is replaced
// wholesale on every room_status event, never patched field by field.
type RoomSnapshot struct {
	RoomID         string `json:"room_id"`
	Status         string `json:"status"`
	CurrentTurn    string `json:"current_turn"`
	TurnNumber     int    `json:"turn_number"`
	IsRecording    bool   `json:"is_recording"`
	IsStreamingTTS bool   `json:"is_streaming_tts"`
	AISpeaker      string `json:"ai_speaker"`
	Language       string `json:"language"`
}

// StreamingUpdate reports TTS stream progress or uplink buffering feedback
// to the listener.
type StreamingUpdate struct {
	Type        protocol.MessageType
	StreamID    string
	Text        string
	Speaker     string
	ChunkID     int
	IsFinal     bool
	TotalChunks int
	Error       string

	// audio_buffering only
	BufferSize      int
	BufferedSeconds float64
}

// Events is implemented by the room/page layer to observe machine output.
// Callbacks fire on the transport's read goroutine, in arrival order.
type Events interface {
	RoomStatus(snapshot RoomSnapshot)
	TranscriptAppended(entry TranscriptEntry)
	Streaming(update StreamingUpdate)
	RecordingChanged(recording bool)
	DebateActiveChanged(active bool, result json.RawMessage)
	ServerError(message string)
}

// Sender is the slice of the transport the machine needs: best-effort
// control message delivery.
type Sender interface {
	Send(msg interface{}) error
}

// Player receives decoded-later TTS chunks. Enqueue must not block.
type Player interface {
	Enqueue(chunkID int, audioBase64 string)
}

// Machine interprets inbound server messages and drives room status,
// turn-taking, recording state and AI-speech playback state. Intents issued
// by the UI are optimistic local changes that later server events confirm or
// correct.
type Machine struct {
	logger *zap.Logger
	sender Sender
	player Player
	events Events

	mu            sync.Mutex
	phase         Phase
	snapshot      RoomSnapshot
	transcript    []TranscriptEntry
	recording     bool
	aiSpeaking    bool
	streamingText string
	streamID      string
}

// New creates a machine wired to the given collaborators.
func New(sender Sender, player Player, events Events, logger *zap.Logger) *Machine {
	return &Machine{
		logger: logger.Named("session"),
		sender: sender,
		player: player,
		events: events,
		phase:  PhaseAwaitingConnection,
	}
}

// HandleMessage dispatches one inbound frame. Unrecognized types are logged
// and ignored so newer servers don't break older clients.
func (m *Machine) HandleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeConnectionEstablished:
		var payload protocol.ConnectionEstablished
		if err := env.Payload(&payload); err != nil {
			m.logger.Warn("bad connection_established payload", zap.Error(err))
			return
		}
		m.logger.Info("connection established",
			zap.String("roomID", payload.RoomID),
			zap.Bool("streamingEnabled", payload.StreamingEnabled))

	case protocol.MessageTypeRoomStatus:
		m.handleRoomStatus(env)

	case protocol.MessageTypeProcessingComplete:
		m.handleProcessingComplete(env)

	case protocol.MessageTypeAudioBuffering:
		var payload protocol.AudioBuffering
		if err := env.Payload(&payload); err != nil {
			m.logger.Warn("bad audio_buffering payload", zap.Error(err))
			return
		}
		m.logger.Debug("server buffering audio",
			zap.Int("bufferSize", payload.BufferSize),
			zap.Float64("duration", payload.Duration))
		m.events.Streaming(StreamingUpdate{
			Type:            protocol.MessageTypeAudioBuffering,
			BufferSize:      payload.BufferSize,
			BufferedSeconds: payload.Duration,
		})

	case protocol.MessageTypeAIAudioStreamStart:
		m.handleStreamStart(env)

	case protocol.MessageTypeAIAudioChunk:
		m.handleAudioChunk(env)

	case protocol.MessageTypeAIAudioStreamError:
		m.handleStreamError(env)

	case protocol.MessageTypeRecordingStarted:
		m.setRecording(true)

	case protocol.MessageTypeRecordingStopped:
		m.setRecording(false)

	case protocol.MessageTypeDebateStarted:
		var payload protocol.DebateStarted
		if err := env.Payload(&payload); err != nil {
			m.logger.Warn("bad debate_started payload", zap.Error(err))
		}
		m.setDebateActive(true, nil)

	case protocol.MessageTypeDebateEnded:
		var payload protocol.DebateEnded
		if err := env.Payload(&payload); err != nil {
			m.logger.Warn("bad debate_ended payload", zap.Error(err))
		}
		m.setDebateActive(false, payload.Result)

	case protocol.MessageTypeStreamStopAck:
		var payload protocol.StreamStopAck
		if err := env.Payload(&payload); err == nil {
			m.logger.Info("stream stop acknowledged", zap.String("streamID", payload.StreamID))
		}

	case protocol.MessageTypeError:
		var payload protocol.ServerError
		if err := env.Payload(&payload); err != nil {
			m.logger.Warn("bad error payload", zap.Error(err))
			return
		}
		m.logger.Error("server reported error", zap.String("message", payload.Message))
		m.events.ServerError(payload.Message)

	case protocol.MessageTypeHeartbeat:
		// Reply immediately so the server keeps the connection alive.
		if err := m.sender.Send(protocol.NewControl(protocol.MessageTypePing)); err != nil {
			m.logger.Warn("heartbeat reply failed", zap.Error(err))
		}

	case protocol.MessageTypePong:
		// Liveness confirmation, nothing to do.

	default:
		m.logger.Debug("ignoring unknown message type", zap.String("type", string(env.Type)))
	}
}

func (m *Machine) handleRoomStatus(env protocol.Envelope) {
	var payload protocol.RoomStatus
	if err := env.Payload(&payload); err != nil {
		m.logger.Warn("bad room_status payload", zap.Error(err))
		return
	}

	snapshot := RoomSnapshot{
		RoomID:         payload.RoomID,
		Status:         payload.Status,
		CurrentTurn:    payload.CurrentTurn,
		TurnNumber:     payload.TurnNumber,
		IsRecording:    payload.IsRecording,
		IsStreamingTTS: payload.IsStreamingTTS,
		AISpeaker:      payload.AISpeaker,
		Language:       payload.Language,
	}

	m.mu.Lock()
	m.snapshot = snapshot
	if m.phase == PhaseAwaitingConnection {
		m.phase = PhaseRoomReady
	}
	if snapshot.Status == "active" {
		m.phase = PhaseDebateActive
	} else if snapshot.Status == "completed" {
		m.phase = PhaseDebateEnded
	}
	m.mu.Unlock()

	m.events.RoomStatus(snapshot)
}

func (m *Machine) handleProcessingComplete(env protocol.Envelope) {
	var payload protocol.ProcessingComplete
	if err := env.Payload(&payload); err != nil {
		m.logger.Warn("bad processing_complete payload", zap.Error(err))
		return
	}

	userEntry := TranscriptEntry{
		Kind:           EntryUser,
		ID:             payload.UserMessage.ID,
		Text:           payload.UserMessage.Text,
		Timestamp:      payload.UserMessage.Timestamp,
		ProcessingTime: payload.UserMessage.ProcessingTime,
	}
	aiEntry := TranscriptEntry{
		Kind:           EntryAI,
		ID:             payload.AIMessage.ID,
		Text:           payload.AIMessage.Text,
		Timestamp:      payload.AIMessage.Timestamp,
		ProcessingTime: payload.AIMessage.ProcessingTime,
	}

	// User entry first, then the AI reply, always as an adjacent pair.
	m.mu.Lock()
	m.transcript = append(m.transcript, userEntry, aiEntry)
	m.mu.Unlock()

	m.events.TranscriptAppended(userEntry)
	m.events.TranscriptAppended(aiEntry)
}

func (m *Machine) handleStreamStart(env protocol.Envelope) {
	var payload protocol.AIAudioStreamStart
	if err := env.Payload(&payload); err != nil {
		m.logger.Warn("bad ai_audio_stream_start payload", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.aiSpeaking = true
	m.streamingText = payload.Text
	m.streamID = payload.StreamID
	m.mu.Unlock()

	m.events.Streaming(StreamingUpdate{
		Type:     protocol.MessageTypeAIAudioStreamStart,
		StreamID: payload.StreamID,
		Text:     payload.Text,
		Speaker:  payload.Speaker,
	})
}

func (m *Machine) handleAudioChunk(env protocol.Envelope) {
	var payload protocol.AIAudioChunk
	if err := env.Payload(&payload); err != nil {
		m.logger.Warn("bad ai_audio_chunk payload", zap.Error(err))
		return
	}

	// The final marker carries no audio and is never played; it only closes
	// the stream.
	if !payload.IsFinal && payload.AudioData != "" {
		m.player.Enqueue(payload.ChunkID, payload.AudioData)
	}

	if payload.IsFinal {
		m.mu.Lock()
		m.aiSpeaking = false
		m.streamingText = ""
		m.streamID = ""
		m.mu.Unlock()
	}

	m.events.Streaming(StreamingUpdate{
		Type:        protocol.MessageTypeAIAudioChunk,
		StreamID:    payload.StreamID,
		ChunkID:     payload.ChunkID,
		IsFinal:     payload.IsFinal,
		TotalChunks: payload.TotalChunks,
	})
}

func (m *Machine) handleStreamError(env protocol.Envelope) {
	var payload protocol.AIAudioStreamError
	if err := env.Payload(&payload); err != nil {
		m.logger.Warn("bad ai_audio_stream_error payload", zap.Error(err))
		return
	}

	m.logger.Error("TTS stream failed",
		zap.String("streamID", payload.StreamID),
		zap.String("error", payload.Error))

	m.mu.Lock()
	m.aiSpeaking = false
	m.streamingText = ""
	m.streamID = ""
	m.mu.Unlock()

	m.events.Streaming(StreamingUpdate{
		Type:     protocol.MessageTypeAIAudioStreamError,
		StreamID: payload.StreamID,
		Error:    payload.Error,
	})
}

func (m *Machine) setRecording(recording bool) {
	m.mu.Lock()
	changed := m.recording != recording
	m.recording = recording
	m.mu.Unlock()

	if changed {
		m.events.RecordingChanged(recording)
	}
}

func (m *Machine) setDebateActive(active bool, result json.RawMessage) {
	m.mu.Lock()
	if active {
		m.phase = PhaseDebateActive
	} else {
		m.phase = PhaseDebateEnded
	}
	m.mu.Unlock()

	m.events.DebateActiveChanged(active, result)
}

// MarkDebateStarted applies the optimistic local transition for a
// start_debate intent; the next room_status confirms or corrects it.
// TurnNumber stays untouched until the server says otherwise.
func (m *Machine) MarkDebateStarted() {
	m.setDebateActive(true, nil)
}

// MarkDebateEnded applies the optimistic local transition for an end_debate
// intent.
func (m *Machine) MarkDebateEnded() {
	m.setDebateActive(false, nil)
}

// Snapshot returns a copy of the current room snapshot.
func (m *Machine) Snapshot() RoomSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Transcript returns a copy of the transcript in arrival order.
func (m *Machine) Transcript() []TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranscriptEntry, len(m.transcript))
	copy(out, m.transcript)
	return out
}

// Phase returns the current debate phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// IsRecording reports the server-confirmed recording flag.
func (m *Machine) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// IsAISpeaking reports whether a TTS stream is in flight.
func (m *Machine) IsAISpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aiSpeaking
}

// StreamingText returns the text of the TTS stream currently playing, empty
// when the AI is silent.
func (m *Machine) StreamingText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamingText
}

// StreamID returns the id of the in-flight TTS stream, empty when none.
func (m *Machine) StreamID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamID
}
