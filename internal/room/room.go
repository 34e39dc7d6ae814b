package room

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/protocol"
	"github.com/yourusername/debate-voice/internal/session"
)

// Channel is the slice of the transport the room drives.
type Channel interface {
	Connect(roomID string) error
	Disconnect()
	Send(msg interface{}) error
	SendAudioChunk(chunk []byte)
	IsConnected() bool
}

// Recorder is the microphone capture lifecycle. Start and Stop are
// idempotent from the room's point of view.
type Recorder interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Streamer plays inbound synthesized speech.
type Streamer interface {
	Enqueue(chunkID int, audioBase64 string)
	Flush()
}

// Room orchestrates one debate session: it issues user intents over the
// channel, runs the microphone while the user holds the floor, and feeds
// inbound interpretation through the session machine. Server events remain
// the authority; local changes are optimistic and corrected by the next
// server frame.
type Room struct {
	logger   *zap.Logger
	channel  Channel
	recorder Recorder
	playback Streamer
	machine  *session.Machine
	listener session.Events

	mu            sync.Mutex
	roomID        string
	recording     bool
	debateStart   time.Time
	debateElapsed time.Duration
	micLevel      int
}

// New wires a room. listener may be nil when no UI is attached.
func New(channel Channel, recorder Recorder, playback Streamer, listener session.Events, logger *zap.Logger) *Room {
	r := &Room{
		logger:   logger.Named("room"),
		channel:  channel,
		recorder: recorder,
		playback: playback,
		listener: listener,
	}
	r.machine = session.New(channel, playback, r, logger)
	return r
}

// HandleMessage feeds one inbound frame into the session machine. Wire this
// as the transport's message handler.
func (r *Room) HandleMessage(env protocol.Envelope) {
	r.machine.HandleMessage(env)
}

// Join connects the channel to the given room.
func (r *Room) Join(roomID string) error {
	r.mu.Lock()
	r.roomID = roomID
	r.mu.Unlock()
	return r.channel.Connect(roomID)
}

// Leave tears the session down: recording stops, queued playback is
// dropped, and the channel closes deliberately so no reconnect follows.
func (r *Room) Leave() {
	r.StopRecording()
	r.playback.Flush()
	r.channel.Disconnect()

	r.mu.Lock()
	r.roomID = ""
	r.mu.Unlock()
}

// StartDebate asks the server to open the debate and optimistically marks
// it active; debate_started or the next room_status settles it.
func (r *Room) StartDebate() error {
	if err := r.channel.Send(protocol.NewControl(protocol.MessageTypeStartDebate)); err != nil {
		return err
	}
	r.machine.MarkDebateStarted()
	return nil
}

// EndDebate asks the server to close the debate. Any live recording stops
// first so no audio trails past the end.
func (r *Room) EndDebate() error {
	r.StopRecording()
	if err := r.channel.Send(protocol.NewControl(protocol.MessageTypeEndDebate)); err != nil {
		return err
	}
	r.machine.MarkDebateEnded()
	return nil
}

// StartRecording opens the microphone and announces it. Calling it while
// already recording is a no-op.
func (r *Room) StartRecording() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = true
	r.mu.Unlock()

	if err := r.recorder.Start(); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return err
	}

	if err := r.channel.Send(protocol.NewControl(protocol.MessageTypeStartRecording)); err != nil {
		r.logger.Warn("start_recording announce failed", zap.Error(err))
	}
	r.logger.Info("recording started")
	return nil
}

// StopRecording closes the microphone and announces the stop exactly once;
// repeated calls while already stopped send nothing.
func (r *Room) StopRecording() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	r.micLevel = 0
	r.mu.Unlock()

	if err := r.recorder.Stop(); err != nil {
		r.logger.Warn("recorder stop failed", zap.Error(err))
	}
	if err := r.channel.Send(protocol.NewControl(protocol.MessageTypeStopRecording)); err != nil {
		r.logger.Warn("stop_recording announce failed", zap.Error(err))
	}
	r.logger.Info("recording stopped")
	return nil
}

// StopAIStream interrupts the AI speaker: local playback is cut immediately
// and the server is told to abandon the stream. A no-op when the AI is
// silent.
func (r *Room) StopAIStream() error {
	streamID := r.machine.StreamID()
	if streamID == "" {
		return nil
	}
	r.playback.Flush()
	return r.channel.Send(protocol.NewStopAIStream(streamID))
}

// UplinkChunk ships one captured chunk to the server. Chunks arriving while
// not recording or not connected are dropped; wire this as the capture sink.
func (r *Room) UplinkChunk(chunk []byte) {
	r.mu.Lock()
	recording := r.recording
	r.mu.Unlock()

	if !recording || !r.channel.IsConnected() {
		return
	}
	r.channel.SendAudioChunk(chunk)
}

// SetMicLevel records the latest meter reading; wire this as the capture
// level sink.
func (r *Room) SetMicLevel(level int) {
	r.mu.Lock()
	r.micLevel = level
	r.mu.Unlock()
}

// MicLevel returns the latest 0-100 microphone meter reading.
func (r *Room) MicLevel() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.micLevel
}

// Duration reports how long the debate has been active, frozen once it
// ends.
func (r *Room) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.debateStart.IsZero() {
		return r.debateElapsed + time.Since(r.debateStart)
	}
	return r.debateElapsed
}

// IsRecording reports the local recording intent.
func (r *Room) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Session exposes the underlying machine for reads: snapshot, transcript,
// phase.
func (r *Room) Session() *session.Machine {
	return r.machine
}

// session.Events implementation. These run on the transport read goroutine
// and forward to the attached listener after the room reacts.

func (r *Room) RoomStatus(snapshot session.RoomSnapshot) {
	if r.listener != nil {
		r.listener.RoomStatus(snapshot)
	}
}

func (r *Room) TranscriptAppended(entry session.TranscriptEntry) {
	if r.listener != nil {
		r.listener.TranscriptAppended(entry)
	}
}

func (r *Room) Streaming(update session.StreamingUpdate) {
	if r.listener != nil {
		r.listener.Streaming(update)
	}
}

// RecordingChanged reconciles the local microphone with the server's view.
// A server-side stop, e.g. on turn change, closes the device without
// announcing stop_recording back.
func (r *Room) RecordingChanged(recording bool) {
	if !recording {
		r.mu.Lock()
		wasRecording := r.recording
		r.recording = false
		r.micLevel = 0
		r.mu.Unlock()

		if wasRecording {
			if err := r.recorder.Stop(); err != nil {
				r.logger.Warn("recorder stop failed", zap.Error(err))
			}
		}
	}
	if r.listener != nil {
		r.listener.RecordingChanged(recording)
	}
}

func (r *Room) DebateActiveChanged(active bool, result json.RawMessage) {
	r.mu.Lock()
	if active {
		if r.debateStart.IsZero() {
			r.debateStart = time.Now()
		}
	} else if !r.debateStart.IsZero() {
		r.debateElapsed += time.Since(r.debateStart)
		r.debateStart = time.Time{}
	}
	r.mu.Unlock()

	if !active {
		r.StopRecording()
	}
	if r.listener != nil {
		r.listener.DebateActiveChanged(active, result)
	}
}

func (r *Room) ServerError(message string) {
	if r.listener != nil {
		r.listener.ServerError(message)
	}
}
