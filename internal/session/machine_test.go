package session

import (
	"encoding/json"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/protocol"
)

type fakeSender struct {
	sent []interface{}
}

func (s *fakeSender) Send(msg interface{}) error {
	s.sent = append(s.sent, msg)
	return nil
}

type fakePlayer struct {
	chunks []int
}

func (p *fakePlayer) Enqueue(chunkID int, audioBase64 string) {
	p.chunks = append(p.chunks, chunkID)
}

type recordedEvents struct {
	snapshots  []RoomSnapshot
	entries    []TranscriptEntry
	streaming  []StreamingUpdate
	recording  []bool
	active     []bool
	serverErrs []string
}

func (e *recordedEvents) RoomStatus(s RoomSnapshot)          { e.snapshots = append(e.snapshots, s) }
func (e *recordedEvents) TranscriptAppended(t TranscriptEntry) { e.entries = append(e.entries, t) }
func (e *recordedEvents) Streaming(u StreamingUpdate)        { e.streaming = append(e.streaming, u) }
func (e *recordedEvents) RecordingChanged(r bool)            { e.recording = append(e.recording, r) }
func (e *recordedEvents) DebateActiveChanged(a bool, _ json.RawMessage) {
	e.active = append(e.active, a)
}
func (e *recordedEvents) ServerError(msg string) { e.serverErrs = append(e.serverErrs, msg) }

func newTestMachine(t *testing.T) (*Machine, *fakeSender, *fakePlayer, *recordedEvents) {
	t.Helper()
	sender := &fakeSender{}
	player := &fakePlayer{}
	events := &recordedEvents{}
	return New(sender, player, events, zap.NewNop()), sender, player, events
}

func feed(t *testing.T, m *Machine, raw string) {
	t.Helper()
	env, err := protocol.DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m.HandleMessage(env)
}

func TestRoomStatusReplacesSnapshotWholesale(t *testing.T) {
	m, _, _, events := newTestMachine(t)

	feed(t, m, `{"type":"room_status","room_id":"r1","status":"waiting","current_turn":"user","turn_number":0,"is_recording":false,"language":"en-IN","ai_speaker":"anushka"}`)
	feed(t, m, `{"type":"room_status","room_id":"r1","status":"active","current_turn":"ai","turn_number":3,"is_recording":true}`)

	snap := m.Snapshot()
	if snap.TurnNumber != 3 || snap.CurrentTurn != "ai" || !snap.IsRecording {
		t.Errorf("snapshot not replaced: %+v", snap)
	}
	// Fields absent in the second frame must not survive from the first.
	if snap.Language != "" || snap.AISpeaker != "" {
		t.Errorf("stale fields leaked into snapshot: %+v", snap)
	}
	if len(events.snapshots) != 2 {
		t.Errorf("expected 2 snapshot events, got %d", len(events.snapshots))
	}
	if m.Phase() != PhaseDebateActive {
		t.Errorf("phase = %v, want debate_active", m.Phase())
	}
}

func TestTranscriptAppendOnlyInArrivalOrder(t *testing.T) {
	m, _, _, events := newTestMachine(t)

	for i := 1; i <= 3; i++ {
		feed(t, m, fmt.Sprintf(
			`{"type":"processing_complete","user_message":{"id":%d,"text":"user %d","timestamp":"t"},"ai_message":{"id":%d,"text":"ai %d","timestamp":"t"}}`,
			i*10, i, i*10+1, i))
	}

	transcript := m.Transcript()
	if len(transcript) != 6 {
		t.Fatalf("transcript length = %d, want 6", len(transcript))
	}
	for i, entry := range transcript {
		wantKind := EntryUser
		if i%2 == 1 {
			wantKind = EntryAI
		}
		if entry.Kind != wantKind {
			t.Errorf("entry %d kind = %s, want %s", i, entry.Kind, wantKind)
		}
	}
	if transcript[0].Text != "user 1" || transcript[5].Text != "ai 3" {
		t.Errorf("transcript out of order: %+v", transcript)
	}
	if len(events.entries) != 6 {
		t.Errorf("expected 6 append events, got %d", len(events.entries))
	}
}

func TestHeartbeatGetsPingReply(t *testing.T) {
	m, sender, _, _ := newTestMachine(t)

	feed(t, m, `{"type":"heartbeat","timestamp":"now"}`)

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sender.sent))
	}
	ctrl, ok := sender.sent[0].(protocol.Control)
	if !ok || ctrl.Type != protocol.MessageTypePing {
		t.Errorf("reply = %+v, want ping control", sender.sent[0])
	}
}

func TestAudioChunksReachPlayerAndFinalClearsSpeaking(t *testing.T) {
	m, _, player, _ := newTestMachine(t)

	feed(t, m, `{"type":"ai_audio_stream_start","stream_id":"s1","text":"hello there","speaker":"anushka"}`)
	if !m.IsAISpeaking() || m.StreamingText() != "hello there" {
		t.Fatalf("stream start not applied: speaking=%v text=%q", m.IsAISpeaking(), m.StreamingText())
	}

	feed(t, m, `{"type":"ai_audio_chunk","stream_id":"s1","chunk_id":1,"audio_data":"QUJD","chunk_size":3,"is_final":false}`)
	feed(t, m, `{"type":"ai_audio_chunk","stream_id":"s1","chunk_id":2,"audio_data":"REVG","chunk_size":3,"is_final":false}`)
	feed(t, m, `{"type":"ai_audio_chunk","stream_id":"s1","chunk_id":3,"audio_data":null,"is_final":true,"total_chunks":2}`)

	if len(player.chunks) != 2 {
		t.Fatalf("player got %d chunks, want 2 (final never played)", len(player.chunks))
	}
	if player.chunks[0] != 1 || player.chunks[1] != 2 {
		t.Errorf("chunk order = %v", player.chunks)
	}
	if m.IsAISpeaking() {
		t.Error("final chunk must clear the speaking flag")
	}
	if m.StreamingText() != "" || m.StreamID() != "" {
		t.Error("final chunk must clear streaming text and stream id")
	}
}

func TestStreamErrorClearsSpeaking(t *testing.T) {
	m, _, _, events := newTestMachine(t)

	feed(t, m, `{"type":"ai_audio_stream_start","stream_id":"s2","text":"x"}`)
	feed(t, m, `{"type":"ai_audio_stream_error","stream_id":"s2","error":"tts backend down"}`)

	if m.IsAISpeaking() {
		t.Error("stream error must clear the speaking flag")
	}
	last := events.streaming[len(events.streaming)-1]
	if last.Type != protocol.MessageTypeAIAudioStreamError || last.Error != "tts backend down" {
		t.Errorf("streaming event = %+v", last)
	}
}

func TestRecordingEventsFireOnChangeOnly(t *testing.T) {
	m, _, _, events := newTestMachine(t)

	feed(t, m, `{"type":"recording_started"}`)
	feed(t, m, `{"type":"recording_started"}`)
	feed(t, m, `{"type":"recording_stopped"}`)

	if m.IsRecording() {
		t.Error("recording flag should be cleared after recording_stopped")
	}
	if got := events.recording; len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("recording events = %v, want [true false]", got)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	m, sender, player, events := newTestMachine(t)

	feed(t, m, `{"type":"totally_new_thing","foo":1}`)

	if len(sender.sent) != 0 || len(player.chunks) != 0 || len(events.snapshots) != 0 {
		t.Error("unknown message type must be a no-op")
	}
}

func TestDebateLifecyclePhases(t *testing.T) {
	m, _, _, events := newTestMachine(t)

	if m.Phase() != PhaseAwaitingConnection {
		t.Fatalf("initial phase = %v", m.Phase())
	}

	feed(t, m, `{"type":"room_status","room_id":"r1","status":"waiting"}`)
	if m.Phase() != PhaseRoomReady {
		t.Errorf("phase after room_status = %v, want room_ready", m.Phase())
	}

	feed(t, m, `{"type":"debate_started","room_id":"r1","current_turn":"user"}`)
	if m.Phase() != PhaseDebateActive {
		t.Errorf("phase after debate_started = %v", m.Phase())
	}

	feed(t, m, `{"type":"debate_ended","room_id":"r1","result":{"winner":"user"}}`)
	if m.Phase() != PhaseDebateEnded {
		t.Errorf("phase after debate_ended = %v", m.Phase())
	}
	if got := events.active; len(got) != 2 || !got[0] || got[1] {
		t.Errorf("active events = %v, want [true false]", got)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	m, _, _, events := newTestMachine(t)

	feed(t, m, `{"type":"error","message":"room is full"}`)

	if len(events.serverErrs) != 1 || events.serverErrs[0] != "room is full" {
		t.Errorf("server errors = %v", events.serverErrs)
	}
}
