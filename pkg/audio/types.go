// ABOUTME: Audio sample format definitions
// ABOUTME: Frame/byte math shared by the server, stream buffer, and player
package audio

import "fmt"

// Format describes the PCM sample layout of a stream.
type Format struct {
	SampleRate int // samples per second per channel
	BitDepth   int // bits per sample
	Channels   int
}

// DefaultFormat is CD-quality-adjacent stereo, the fallback until a codec
// header announces the real stream format.
var DefaultFormat = Format{SampleRate: 48000, BitDepth: 16, Channels: 2}

// SampleSize returns the size of one sample in bytes.
func (f Format) SampleSize() int {
	return f.BitDepth / 8
}

// FrameSize returns the size of one frame (one sample per channel) in bytes.
func (f Format) FrameSize() int {
	return f.Channels * f.SampleSize()
}

// MsRate returns frames per millisecond.
func (f Format) MsRate() float64 {
	return float64(f.SampleRate) / 1000.0
}

// FramesToBytes returns the byte length of n frames.
func (f Format) FramesToBytes(n int) int {
	return n * f.FrameSize()
}

// FramesToMs returns the duration of n frames in milliseconds.
func (f Format) FramesToMs(n int) float64 {
	if f.SampleRate == 0 {
		return 0
	}
	return float64(n) / f.MsRate()
}

// Valid reports whether the format is usable for playback.
func (f Format) Valid() bool {
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return false
	}
	return f.SampleRate > 0 && f.Channels > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%d:%d:%d", f.SampleRate, f.BitDepth, f.Channels)
}

// Silence fills buf with digital silence. For the signed PCM layouts the
// transport carries, silence is all-zero bytes.
func Silence(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
