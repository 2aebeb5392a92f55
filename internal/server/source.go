// ABOUTME: Built-in test tone audio source
// ABOUTME: Generates timestamped sine PCM chunks at real-time cadence
package server

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/pkg/audio"
	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

// ToneSource is a PcmStream producing a continuous sine tone, useful for
// sync testing without a real capture pipeline. Chunks carry the wall
// clock at generation time; sessions and clients apply the playout
// window against it.
type ToneSource struct {
	id     string
	format audio.Format
	freq   float64
	log    *logrus.Entry

	chunkMs int
	phase   float64

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewToneSource creates a tone source in the given format.
func NewToneSource(format audio.Format, freq float64) *ToneSource {
	return &ToneSource{
		id:      "tone",
		format:  format,
		freq:    freq,
		log:     logrus.WithField("component", "tone-source"),
		chunkMs: 20,
		stopped: make(chan struct{}),
	}
}

// ID implements PcmStream.
func (t *ToneSource) ID() string { return t.id }

// CodecHeader implements PcmStream. The tone is raw PCM; the header
// carries only the sample format.
func (t *ToneSource) CodecHeader() *protocol.CodecHeader {
	return &protocol.CodecHeader{Codec: "pcm", Format: t.format}
}

// Run produces chunks at real-time cadence until Stop, handing each to
// sink. Blocking; run it on its own goroutine.
func (t *ToneSource) Run(sink func(*protocol.WireChunk)) {
	interval := time.Duration(t.chunkMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.log.WithFields(logrus.Fields{
		"freq":   t.freq,
		"format": t.format.String(),
	}).Info("Tone source running")

	for {
		select {
		case <-t.stopped:
			return
		case <-ticker.C:
			sink(&protocol.WireChunk{
				Timestamp: protocol.Now(),
				PCM:       t.generate(),
			})
		}
	}
}

// Stop halts chunk production. Idempotent.
func (t *ToneSource) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

func (t *ToneSource) generate() []byte {
	frames := int(t.format.MsRate() * float64(t.chunkMs))
	buf := make([]byte, t.format.FramesToBytes(frames))

	step := 2 * math.Pi * t.freq / float64(t.format.SampleRate)
	for i := 0; i < frames; i++ {
		sample := int16(math.Sin(t.phase) * 0.25 * math.MaxInt16)
		t.phase += step
		for ch := 0; ch < t.format.Channels; ch++ {
			off := (i*t.format.Channels + ch) * 2
			binary.LittleEndian.PutUint16(buf[off:], uint16(sample))
		}
	}
	if t.phase > 2*math.Pi {
		t.phase -= 2 * math.Pi * math.Floor(t.phase/(2*math.Pi))
	}
	return buf
}
