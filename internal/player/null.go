// ABOUTME: Null audio backend
// ABOUTME: Discards samples at real-time rate for headless runs
package player

import (
	"time"

	"github.com/chorus-audio/chorus-go/pkg/audio"
)

// NullBackend discards audio while pacing writes like a real device, so
// the worker loop behaves normally on machines without an output device.
type NullBackend struct {
	format audio.Format
}

// NewNullBackend creates a null backend.
func NewNullBackend() *NullBackend {
	return &NullBackend{}
}

func (n *NullBackend) Open(format audio.Format, bufferFrames int) error {
	n.format = format
	return nil
}

func (n *NullBackend) Write(pcm []byte) error {
	if fs := n.format.FrameSize(); fs > 0 {
		ms := n.format.FramesToMs(len(pcm) / fs)
		time.Sleep(time.Duration(ms * float64(time.Millisecond)))
	}
	return nil
}

func (n *NullBackend) Close() error {
	return nil
}
