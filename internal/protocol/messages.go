package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates every JSON frame exchanged with the debate server.
type MessageType string

const (
	// Client -> server control messages
	MessageTypeGetRoomStatus  MessageType = "get_room_status"
	MessageTypeStartDebate    MessageType = "start_debate"
	MessageTypeEndDebate      MessageType = "end_debate"
	MessageTypeStartRecording MessageType = "start_recording"
	MessageTypeStopRecording  MessageType = "stop_recording"
	MessageTypeStopAIStream   MessageType = "stop_ai_stream"
	MessageTypePing           MessageType = "ping"

	// Server -> client events
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeRoomStatus            MessageType = "room_status"
	MessageTypeProcessingComplete    MessageType = "processing_complete"
	MessageTypeAudioBuffering        MessageType = "audio_buffering"
	MessageTypeAIAudioStreamStart    MessageType = "ai_audio_stream_start"
	MessageTypeAIAudioChunk          MessageType = "ai_audio_chunk"
	MessageTypeAIAudioStreamError    MessageType = "ai_audio_stream_error"
	MessageTypeRecordingStarted      MessageType = "recording_started"
	MessageTypeRecordingStopped      MessageType = "recording_stopped"
	MessageTypeDebateStarted         MessageType = "debate_started"
	MessageTypeDebateEnded           MessageType = "debate_ended"
	MessageTypeStreamStopAck         MessageType = "stream_stop_acknowledged"
	MessageTypeError                 MessageType = "error"
	MessageTypeHeartbeat             MessageType = "heartbeat"
	MessageTypePong                  MessageType = "pong"
)

// Envelope is the minimal decode of an inbound frame: the type discriminator
// plus the raw bytes so the handler can unmarshal the full payload for the
// types it knows about. The debate protocol carries payload fields at the top
// level of the JSON object, not nested under a data key.
type Envelope struct {
	Type MessageType
	Raw  json.RawMessage
}

// DecodeEnvelope parses an inbound text frame. It fails only on malformed
// JSON or a missing type field; unknown types decode fine (forward
// compatibility is the handler's job).
func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("message missing type field")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Envelope{Type: head.Type, Raw: raw}, nil
}

// Payload unmarshals the full frame into the given payload struct.
func (e Envelope) Payload(v interface{}) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// Control is an outbound client->server command. The server keys off type
// only; MessageID is attached for log correlation and StreamID only rides on
// stop_ai_stream.
type Control struct {
	Type      MessageType `json:"type"`
	MessageID string      `json:"message_id,omitempty"`
	StreamID  string      `json:"stream_id,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// NewControl builds a control message with a fresh message id.
func NewControl(t MessageType) Control {
	return Control{
		Type:      t,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewStopAIStream builds the stream-stop request for the given stream.
func NewStopAIStream(streamID string) Control {
	c := NewControl(MessageTypeStopAIStream)
	c.StreamID = streamID
	return c
}

// ConnectionEstablished is the server's greeting after accepting the socket.
type ConnectionEstablished struct {
	RoomID           string `json:"room_id"`
	UserID           int64  `json:"user_id"`
	Message          string `json:"message"`
	StreamingEnabled bool   `json:"streaming_enabled"`
}

// RoomStatus is the server-authoritative room snapshot. The client replaces
// its local copy wholesale on every room_status frame.
type RoomStatus struct {
	RoomID         string `json:"room_id"`
	Status         string `json:"status"`
	CurrentTurn    string `json:"current_turn"`
	TurnNumber     int    `json:"turn_number"`
	IsRecording    bool   `json:"is_recording"`
	IsStreamingTTS bool   `json:"is_streaming_tts"`
	AISpeaker      string `json:"ai_speaker"`
	Language       string `json:"language"`
}

// DebateMessage is one finished utterance as stored by the server.
type DebateMessage struct {
	ID             int64   `json:"id"`
	Text           string  `json:"text"`
	Timestamp      string  `json:"timestamp"`
	ProcessingTime float64 `json:"processing_time"`
}

// ProcessingComplete reports that a user utterance was transcribed and the AI
// reply is about to stream. Both messages arrive in one frame.
type ProcessingComplete struct {
	UserMessage    DebateMessage `json:"user_message"`
	AIMessage      DebateMessage `json:"ai_message"`
	StreamingAudio bool          `json:"streaming_audio"`
	StreamID       string        `json:"stream_id"`
}

// AudioBuffering is progress feedback while the server accumulates uplink
// audio. ChunkID here is the server's opaque buffer tag, not a sequence
// number.
type AudioBuffering struct {
	BufferSize int     `json:"buffer_size"`
	Duration   float64 `json:"duration"`
	ChunkID    string  `json:"chunk_id"`
}

// AIAudioStreamStart announces a synthesized-speech stream.
type AIAudioStreamStart struct {
	StreamID          string  `json:"stream_id"`
	Text              string  `json:"text"`
	EstimatedDuration float64 `json:"estimated_duration"`
	Speaker           string  `json:"speaker"`
}

// AIAudioChunk carries one fragment of synthesized speech. A final chunk has
// no audio payload; it only terminates the stream.
type AIAudioChunk struct {
	StreamID    string `json:"stream_id"`
	ChunkID     int    `json:"chunk_id"`
	AudioData   string `json:"audio_data"` // base64 encoded
	ChunkSize   int    `json:"chunk_size"`
	IsFinal     bool   `json:"is_final"`
	TotalChunks int    `json:"total_chunks"`
}

// AIAudioStreamError aborts a synthesized-speech stream.
type AIAudioStreamError struct {
	StreamID string `json:"stream_id"`
	Error    string `json:"error"`
}

// DebateStarted confirms the debate went active.
type DebateStarted struct {
	RoomID      string `json:"room_id"`
	CurrentTurn string `json:"current_turn"`
}

// DebateEnded carries the server's closing result, shape opaque to the client.
type DebateEnded struct {
	RoomID string          `json:"room_id"`
	Result json.RawMessage `json:"result"`
}

// StreamStopAck acknowledges a stop_ai_stream request.
type StreamStopAck struct {
	StreamID string `json:"stream_id"`
}

// ServerError is a business-level error; the connection itself stays up.
type ServerError struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
