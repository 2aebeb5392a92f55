// ABOUTME: Wire chunk payload codec
// ABOUTME: Timestamped block of encoded PCM samples
package protocol

import (
	"encoding/binary"
	"time"

	"github.com/chorus-audio/chorus-go/pkg/audio"
)

// WireChunk is a timestamped block of audio samples. The timestamp marks
// the instant the first frame in the chunk should be audible, in the
// sender's clock domain.
type WireChunk struct {
	Timestamp Timeval
	PCM       []byte
}

func (c *WireChunk) Type() MessageType { return TypeWireChunk }

func (c *WireChunk) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 8+len(c.PCM))
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(c.Timestamp.Sec))
	le.PutUint32(buf[4:8], uint32(c.Timestamp.Usec))
	copy(buf[8:], c.PCM)
	return buf, nil
}

func (c *WireChunk) UnmarshalPayload(data []byte) error {
	if len(data) < 8 {
		return ErrShortPayload
	}
	le := binary.LittleEndian
	c.Timestamp = Timeval{Sec: int32(le.Uint32(data[0:4])), Usec: int32(le.Uint32(data[4:8]))}
	c.PCM = data[8:]
	return nil
}

// Age returns how far in the past the chunk's start timestamp lies
// relative to now. Negative for chunks scheduled in the future.
func (c *WireChunk) Age(now time.Time) time.Duration {
	return now.Sub(c.Timestamp.Time())
}

// Frames returns the number of complete frames the chunk holds in the
// given format.
func (c *WireChunk) Frames(f audio.Format) int {
	fs := f.FrameSize()
	if fs == 0 {
		return 0
	}
	return len(c.PCM) / fs
}

// Duration returns the playback duration of the chunk in the given format.
func (c *WireChunk) Duration(f audio.Format) time.Duration {
	return time.Duration(f.FramesToMs(c.Frames(f)) * float64(time.Millisecond))
}
