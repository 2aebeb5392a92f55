// ABOUTME: Client-side timing buffer for timestamped audio chunks
// ABOUTME: Bounded chunk waits, playout-window checks, silence substitution
package stream

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/pkg/audio"
	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

// Stats counts what happened to chunks passing through the buffer.
type Stats struct {
	Received int64
	Played   int64
	Dropped  int64
	Silence  int64
}

// Stream buffers timestamped chunks between the network side and the
// player. The player never blocks on it beyond an explicit bounded wait;
// starvation resolves to silence, chunks older than the playout window
// are discarded.
type Stream struct {
	log *logrus.Entry

	mu       sync.Mutex
	chunks   []*protocol.WireChunk
	headOff  int // bytes of chunks[0] already consumed
	format   audio.Format
	bufferMs int64
	closed   bool
	stats    Stats

	// offsetFn translates local time into the chunk timestamps' clock
	// domain (server clock). Nil means the clocks are assumed equal.
	offsetFn func() time.Duration

	notify chan struct{}

	// maxChunks bounds the queue; when the network runs ahead of
	// playback the oldest chunks are shed first.
	maxChunks int
}

// New creates a stream buffer for the given format and playout window.
func New(format audio.Format, bufferMs int64) *Stream {
	return &Stream{
		log:       logrus.WithField("component", "stream"),
		format:    format,
		bufferMs:  bufferMs,
		notify:    make(chan struct{}, 1),
		maxChunks: 500,
	}
}

// SetFormat switches the sample format, clearing buffered chunks of the
// old layout.
func (s *Stream) SetFormat(format audio.Format) {
	s.mu.Lock()
	s.format = format
	s.chunks = nil
	s.headOff = 0
	s.mu.Unlock()
}

// Format returns the current sample format.
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// SetBufferMs updates the playout window at runtime.
func (s *Stream) SetBufferMs(ms int64) {
	s.mu.Lock()
	s.bufferMs = ms
	s.mu.Unlock()
}

// BufferMs returns the playout window in milliseconds.
func (s *Stream) BufferMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferMs
}

// SetClockOffset installs the translation from local to server clock,
// typically backed by the sync estimator. Safe to swap at runtime.
func (s *Stream) SetClockOffset(fn func() time.Duration) {
	s.mu.Lock()
	s.offsetFn = fn
	s.mu.Unlock()
}

// serverNow returns the current instant in the server clock domain.
// Callers hold s.mu.
func (s *Stream) serverNow() time.Time {
	now := time.Now()
	if s.offsetFn != nil {
		now = now.Add(s.offsetFn())
	}
	return now
}

// Push appends a chunk received from the network. Drops the oldest chunk
// when the buffer runs past its bound.
func (s *Stream) Push(chunk *protocol.WireChunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stats.Received++
	s.chunks = append(s.chunks, chunk)
	if len(s.chunks) > s.maxChunks {
		s.chunks = s.chunks[1:]
		s.headOff = 0
		s.stats.Dropped++
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// WaitForChunk waits up to d for at least one chunk to be buffered.
func (s *Stream) WaitForChunk(d time.Duration) bool {
	timeout := time.NewTimer(d)
	defer timeout.Stop()

	for {
		s.mu.Lock()
		n, closed := len(s.chunks), s.closed
		s.mu.Unlock()
		if n > 0 {
			return true
		}
		if closed {
			return false
		}
		select {
		case <-s.notify:
		case <-timeout.C:
			return false
		}
	}
}

// GetPlayerChunkOrSilence fills buf with exactly frames frames of audio.
// Real samples are served while chunks inside the playout window are
// available within the bounded wait; anything else becomes digital
// silence so the audio pipeline never stalls. Returns true when at least
// one real frame was served.
func (s *Stream) GetPlayerChunkOrSilence(buf []byte, wait time.Duration, frames int) bool {
	s.mu.Lock()
	frameSize := s.format.FrameSize()
	s.mu.Unlock()

	want := frames * frameSize
	if want > len(buf) {
		want = len(buf)
	}
	buf = buf[:want]

	timeout := time.NewTimer(wait)
	defer timeout.Stop()

	filled := 0
	for filled < want {
		n, ok := s.copySamples(buf[filled:])
		filled += n
		if ok {
			continue
		}

		// Nothing playable buffered; wait out the remaining budget.
		select {
		case <-s.notify:
		case <-timeout.C:
			audio.Silence(buf[filled:])
			s.mu.Lock()
			if filled == 0 {
				s.stats.Silence++
			} else {
				s.stats.Played++
			}
			s.mu.Unlock()
			return filled > 0
		}
	}

	s.mu.Lock()
	s.stats.Played++
	s.mu.Unlock()
	return true
}

// copySamples moves playable bytes from the head of the queue into dst.
// Chunks whose age exceeds the playout window are shed here, preferring
// to drop slightly early over playing audibly late. Returns bytes copied
// and whether more data remains immediately available.
func (s *Stream) copySamples(dst []byte) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := time.Duration(s.bufferMs) * time.Millisecond
	copied := 0
	for copied < len(dst) && len(s.chunks) > 0 {
		head := s.chunks[0]
		if s.bufferMs > 0 && s.headOff == 0 {
			age := head.Age(s.serverNow())
			if age > window {
				s.chunks = s.chunks[1:]
				s.stats.Dropped++
				continue
			}
			// A chunk timestamped in the future is not due yet; serving
			// it early would run this client ahead of the source clock.
			if age < 0 {
				return copied, false
			}
		}

		n := copy(dst[copied:], head.PCM[s.headOff:])
		copied += n
		s.headOff += n
		if s.headOff >= len(head.PCM) {
			s.chunks = s.chunks[1:]
			s.headOff = 0
		}
	}
	return copied, len(s.chunks) > 0
}

// Closed reports whether the buffer accepts further chunks.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns a snapshot of the buffer counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Depth returns the buffered audio duration.
func (s *Stream) Depth() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	bytes := -s.headOff
	for _, c := range s.chunks {
		bytes += len(c.PCM)
	}
	if fs := s.format.FrameSize(); fs > 0 {
		ms := s.format.FramesToMs(bytes / fs)
		return time.Duration(ms * float64(time.Millisecond))
	}
	return 0
}

// Clear drops all buffered chunks, e.g. on seek or stream restart.
func (s *Stream) Clear() {
	s.mu.Lock()
	s.chunks = nil
	s.headOff = 0
	s.mu.Unlock()
}

// Close wakes any waiter and makes further pushes no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
