package audio

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Queue plays synthesized speech as it streams in. Chunks are fire and
// forget: each one is decoded and appended to the playback buffer on
// arrival, a chunk that fails to decode is logged and skipped, and the
// stream never stalls waiting for a neighbour.
type Queue struct {
	logger *zap.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
	played  int
	skipped int
}

// NewQueue opens the default playback device and starts pulling from the
// queue; the device plays silence while the queue is empty.
func NewQueue(logger *zap.Logger) (*Queue, error) {
	q := &Queue{logger: logger.Named("playback")}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	q.ctx = ctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = Format
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	onSendFrames := func(pOutput, _ []byte, framecount uint32) {
		q.fill(pOutput)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSendFrames,
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	q.device = device

	return q, nil
}

// Enqueue decodes one base64 chunk and appends it to the playback buffer.
// Decode failures are logged and the chunk is skipped; playback of later
// chunks is unaffected.
func (q *Queue) Enqueue(chunkID int, audioBase64 string) {
	data, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		q.mu.Lock()
		q.skipped++
		q.mu.Unlock()
		q.logger.Warn("skipping undecodable audio chunk",
			zap.Int("chunkID", chunkID), zap.Error(err))
		return
	}

	q.mu.Lock()
	q.pending = append(q.pending, data...)
	q.played++
	q.mu.Unlock()

	q.logger.Debug("queued audio chunk",
		zap.Int("chunkID", chunkID), zap.Int("bytes", len(data)))
}

// fill copies queued PCM into the device output buffer, zero-filling the
// remainder so an empty queue plays silence.
func (q *Queue) fill(out []byte) {
	q.mu.Lock()
	n := copy(out, q.pending)
	q.pending = q.pending[n:]
	q.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// Flush drops any queued audio, cutting playback short. Used when the user
// interrupts the AI speaker.
func (q *Queue) Flush() {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("flushed playback queue", zap.Int("droppedBytes", dropped))
	}
}

// Buffered reports the bytes queued but not yet played.
func (q *Queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats reports how many chunks were queued and skipped so far.
func (q *Queue) Stats() (played, skipped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.played, q.skipped
}

// Close stops the device and releases the audio backend.
func (q *Queue) Close() error {
	if q.device != nil {
		q.device.Uninit()
		q.device = nil
	}
	if q.ctx != nil {
		if err := q.ctx.Uninit(); err != nil {
			return fmt.Errorf("failed to uninit audio context: %w", err)
		}
		q.ctx.Free()
		q.ctx = nil
	}
	return nil
}
