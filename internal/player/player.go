// ABOUTME: Generic player worker loop driving audio output from a timed stream
// ABOUTME: Reconnect/retry, silence substitution, volume, deterministic release
package player

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/internal/stream"
	"github.com/chorus-audio/chorus-go/pkg/audio"
)

var (
	// ErrDeviceBusy marks a recoverable open failure; the worker loop
	// retries on its own cadence instead of failing Start.
	ErrDeviceBusy = errors.New("player: device busy")

	// ErrDeviceGone marks a permanently unavailable sink; the loop
	// transitions to Stopped and surfaces the error.
	ErrDeviceGone = errors.New("player: device gone")
)

// Backend is the hardware sink capability. Implementations perform the
// device-specific work; the worker loop only decides when the calls
// happen and with what data. Write blocks until the device accepted the
// buffer.
type Backend interface {
	Open(format audio.Format, bufferFrames int) error
	Write(pcm []byte) error
	Close() error
}

// State is the worker loop lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Player.
type Config struct {
	// Stream is the timed chunk source (required).
	Stream *stream.Stream

	// Backend is the hardware sink (required).
	Backend Backend

	// BufferFrames is the fixed device buffer size in frames per write
	// (default 25 ms worth at the stream's sample rate).
	BufferFrames int
}

// Player runs the audio output loop on its own goroutine, deliberately
// isolated from the network side so a slow or blocked device never
// stalls dispatch.
type Player struct {
	log     *logrus.Entry
	stream  *stream.Stream
	backend Backend
	frames  int

	active  atomic.Bool
	state   atomic.Int32
	started bool
	opened  bool
	done    chan struct{}

	mu     sync.Mutex // volume, muted, err
	volume int
	muted  bool
	err    error

	releaseOnce sync.Once

	lastStarveLog time.Time
}

// New creates a player over the given stream and backend.
func New(config Config) (*Player, error) {
	if config.Stream == nil {
		return nil, fmt.Errorf("player: stream is required")
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("player: backend is required")
	}
	frames := config.BufferFrames
	if frames == 0 {
		frames = int(config.Stream.Format().MsRate() * 25)
		if frames == 0 {
			frames = 1200
		}
	}
	return &Player{
		log:     logrus.WithField("component", "player"),
		stream:  config.Stream,
		backend: config.Backend,
		frames:  frames,
		volume:  100,
		done:    make(chan struct{}),
	}, nil
}

// Start opens the device and launches the worker loop. A busy device is
// not fatal: the loop keeps retrying the open on its own cadence. Any
// other open error fails Start.
func (p *Player) Start() error {
	if p.started {
		return nil
	}

	err := p.backend.Open(p.stream.Format(), p.frames)
	switch {
	case err == nil:
		p.opened = true
		p.state.Store(int32(StateRunning))
	case errors.Is(err, ErrDeviceBusy):
		p.log.WithError(err).Warn("Device busy, worker will retry")
		p.state.Store(int32(StateReconnecting))
	default:
		return fmt.Errorf("player: open device: %w", err)
	}

	p.started = true
	p.active.Store(true)
	go p.worker()
	return nil
}

// Stop clears the active flag, waits for the loop to finish its current
// iteration, and releases the device. Idempotent; safe to call
// concurrently with a running iteration.
func (p *Player) Stop() {
	p.active.Store(false)
	if p.started {
		<-p.done
	}
	p.state.Store(int32(StateStopped))
	p.release()
}

// State returns the current lifecycle state.
func (p *Player) State() State {
	return State(p.state.Load())
}

// Err returns the fatal error that stopped the loop, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SetVolume sets playback volume (0-100). Applied to frames retrieved on
// subsequent iterations.
func (p *Player) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
}

// Volume returns the current volume.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetMuted sets the mute state.
func (p *Player) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// worker is the output loop. Resource release happens exactly once
// regardless of how the loop exits.
func (p *Player) worker() {
	defer close(p.done)
	defer p.state.Store(int32(StateStopped))
	defer p.release()

	var buf []byte
	for p.active.Load() {
		if !p.opened {
			if !p.reopen() {
				continue
			}
		}

		// Wait for the stream to have data, polling with a bounded
		// interval so a stopped player exits promptly and a silent
		// stream outage does not spin the CPU.
		for p.active.Load() && !p.stream.WaitForChunk(100*time.Millisecond) {
			// A closed, drained stream returns immediately without
			// pacing; no more audio is coming.
			if p.stream.Closed() {
				p.log.Info("Stream closed, stopping")
				return
			}
			if time.Since(p.lastStarveLog) > 2*time.Second {
				p.log.Debug("Waiting for a chunk to become available")
				p.lastStarveLog = time.Now()
			}
		}
		if !p.active.Load() {
			return
		}

		format := p.stream.Format()
		needed := format.FramesToBytes(p.frames)
		if cap(buf) < needed {
			buf = make([]byte, needed)
		}
		buf = buf[:needed]

		// Budget the chunk wait at one device buffer's duration.
		wait := time.Duration(format.FramesToMs(p.frames) * float64(time.Millisecond))
		if p.stream.GetPlayerChunkOrSilence(buf, wait, p.frames) {
			p.applyVolume(buf, format)
		} else if time.Since(p.lastStarveLog) > 2*time.Second {
			p.log.Info("Failed to get chunk, playing silence")
			p.lastStarveLog = time.Now()
		}

		if err := p.backend.Write(buf); err != nil {
			if errors.Is(err, ErrDeviceGone) {
				p.setErr(err)
				p.log.WithError(err).Error("Device gone, stopping")
				return
			}
			p.log.WithError(err).Warn("Sink write failed")
		}
	}
}

// reopen retries a busy device open. Returns true once the device is up.
func (p *Player) reopen() bool {
	p.state.Store(int32(StateReconnecting))
	err := p.backend.Open(p.stream.Format(), p.frames)
	if err == nil {
		p.opened = true
		p.state.Store(int32(StateRunning))
		p.log.Info("Device opened")
		return true
	}
	if !errors.Is(err, ErrDeviceBusy) {
		p.setErr(err)
		p.active.Store(false)
		p.log.WithError(err).Error("Device open failed")
		return false
	}
	time.Sleep(100 * time.Millisecond)
	return false
}

// release closes the backend exactly once, no matter whether stop,
// worker exit, or both race to it.
func (p *Player) release() {
	p.releaseOnce.Do(func() {
		if p.opened {
			if err := p.backend.Close(); err != nil {
				p.log.WithError(err).Warn("Device close failed")
			}
			p.opened = false
		}
	})
}

func (p *Player) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// applyVolume scales 16-bit little-endian samples in place. Other bit
// depths pass through except for mute, which silences any layout.
func (p *Player) applyVolume(buf []byte, format audio.Format) {
	p.mu.Lock()
	volume, muted := p.volume, p.muted
	p.mu.Unlock()

	if muted || volume == 0 {
		audio.Silence(buf)
		return
	}
	if volume == 100 || format.BitDepth != 16 {
		return
	}

	mult := float64(volume) / 100.0
	for i := 0; i+1 < len(buf); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(buf[i:]))
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(float64(sample)*mult)))
	}
}
