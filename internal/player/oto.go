// ABOUTME: Hardware audio backend using the oto library
// ABOUTME: Blocking writes via a pipe feeding the oto player
package player

import (
	"fmt"
	"io"

	"github.com/ebitengine/oto/v3"

	"github.com/chorus-audio/chorus-go/pkg/audio"
)

// OtoBackend plays PCM through the system's audio device using oto.
// Writes block by way of an io.Pipe the oto player drains, which gives
// the worker loop its pacing.
type OtoBackend struct {
	ctx    *oto.Context
	player *oto.Player
	pw     *io.PipeWriter
}

// NewOtoBackend creates an uninitialized oto backend.
func NewOtoBackend() *OtoBackend {
	return &OtoBackend{}
}

// Open creates the oto context for the format and starts the player.
func (o *OtoBackend) Open(format audio.Format, bufferFrames int) error {
	if format.BitDepth != 16 {
		return fmt.Errorf("oto backend: unsupported bit depth %d", format.BitDepth)
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("oto backend: create context: %w", err)
	}
	<-ready

	pr, pw := io.Pipe()
	player := ctx.NewPlayer(pr)
	player.SetBufferSize(format.FramesToBytes(bufferFrames))
	player.Play()

	o.ctx = ctx
	o.player = player
	o.pw = pw
	return nil
}

// Write blocks until the player consumed the buffer.
func (o *OtoBackend) Write(pcm []byte) error {
	if o.pw == nil {
		return fmt.Errorf("oto backend: not open")
	}
	if _, err := o.pw.Write(pcm); err != nil {
		return fmt.Errorf("oto backend: %w", ErrDeviceGone)
	}
	return nil
}

// Close releases the player and suspends the context. Idempotent.
func (o *OtoBackend) Close() error {
	if o.pw != nil {
		o.pw.Close()
		o.pw = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.ctx != nil {
		o.ctx.Suspend()
		o.ctx = nil
	}
	return nil
}
