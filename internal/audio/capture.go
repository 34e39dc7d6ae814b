package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// ErrNoInputDevice is returned when the capture device cannot be opened,
// typically because no microphone exists or access was denied.
var ErrNoInputDevice = errors.New("no usable input device")

// ErrCaptureRunning is returned by Start while capture is already active.
var ErrCaptureRunning = errors.New("capture already running")

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	ChunkMillis   = 100

	// ChunkBytes is one uplink chunk: 16kHz * 1ch * 2 bytes * 100ms.
	ChunkBytes = SampleRate * Channels * (BitsPerSample / 8) * ChunkMillis / 1000

	Format = malgo.FormatS16

	// meterInterval throttles microphone level updates.
	meterInterval = 50 * time.Millisecond
)

// ChunkSink receives fixed-size PCM chunks ready for uplink. It runs on the
// capture callback goroutine and must not block.
type ChunkSink func(chunk []byte)

// LevelSink receives 0-100 microphone level updates for the UI meter.
type LevelSink func(level int)

// Capturer records the microphone as 16kHz mono S16LE and slices the stream
// into fixed 100ms chunks. Capture only runs between Start and Stop; the
// malgo context lives for the capturer's whole lifetime so repeated
// start/stop cycles within one session are cheap.
type Capturer struct {
	logger  *zap.Logger
	sink    ChunkSink
	onLevel LevelSink

	ctx        *malgo.AllocatedContext
	deviceName string

	mu         sync.Mutex
	device     *malgo.Device
	running    bool
	buffer     []byte
	meterEvery time.Duration
	lastMeter  time.Time
}

// NewCapturer initializes the audio backend. deviceName selects a capture
// device by name, empty means the system default.
func NewCapturer(deviceName string, sink ChunkSink, onLevel LevelSink, logger *zap.Logger) (*Capturer, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &Capturer{
		logger:     logger.Named("capture"),
		sink:       sink,
		onLevel:    onLevel,
		ctx:        ctx,
		deviceName: deviceName,
		buffer:     make([]byte, 0, ChunkBytes*2),
		meterEvery: meterInterval,
	}, nil
}

// Start opens the capture device and begins emitting chunks. Starting a
// running capturer is an error.
func (c *Capturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrCaptureRunning
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = Format
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	if id, ok := c.findDevice(); ok {
		deviceConfig.Capture.DeviceID = id.Pointer()
		c.logger.Info("using capture device", zap.String("device", c.deviceName))
	} else if c.deviceName != "" {
		c.logger.Warn("capture device not found, using default", zap.String("device", c.deviceName))
	}

	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		c.ingest(pSample)
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}

	if device.SampleRate() != SampleRate {
		c.logger.Warn("capture device ignored requested sample rate",
			zap.Uint32("got", device.SampleRate()), zap.Int("want", SampleRate))
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	c.device = device
	c.running = true
	c.buffer = c.buffer[:0]
	c.logger.Info("capture started", zap.Int("chunkBytes", ChunkBytes))
	return nil
}

// findDevice resolves the configured device name to an id. Called with the
// lock held.
func (c *Capturer) findDevice() (malgo.DeviceID, bool) {
	if c.deviceName == "" {
		return malgo.DeviceID{}, false
	}
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		c.logger.Warn("failed to enumerate capture devices", zap.Error(err))
		return malgo.DeviceID{}, false
	}
	for _, info := range infos {
		if info.Name() == c.deviceName {
			return info.ID, true
		}
	}
	return malgo.DeviceID{}, false
}

// ingest buffers raw capture data and emits every complete chunk, updating
// the level meter at most once per meter interval.
func (c *Capturer) ingest(data []byte) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, data...)

	var chunks [][]byte
	for len(c.buffer) >= ChunkBytes {
		chunk := make([]byte, ChunkBytes)
		copy(chunk, c.buffer[:ChunkBytes])
		c.buffer = c.buffer[ChunkBytes:]
		chunks = append(chunks, chunk)
	}

	meter := -1
	now := time.Now()
	if c.onLevel != nil && now.Sub(c.lastMeter) >= c.meterEvery {
		c.lastMeter = now
		meter = Level(data)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		c.sink(chunk)
	}
	if meter >= 0 {
		c.onLevel(meter)
	}
}

// Stop closes the capture device, discards any partial chunk and resets the
// meter to zero. Stopping an idle capturer is a no-op.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	device := c.device
	c.device = nil
	c.buffer = c.buffer[:0]
	c.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if c.onLevel != nil {
		c.onLevel(0)
	}
	c.logger.Info("capture stopped")
	return nil
}

// IsRunning reports whether capture is active.
func (c *Capturer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close stops capture and releases the audio backend.
func (c *Capturer) Close() error {
	c.Stop()
	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("failed to uninit audio context: %w", err)
		}
		c.ctx.Free()
		c.ctx = nil
	}
	return nil
}
