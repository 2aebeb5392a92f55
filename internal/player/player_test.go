// ABOUTME: Tests for the player worker loop
// ABOUTME: State machine, busy retry, silence padding, deterministic release
package player

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorus-audio/chorus-go/internal/stream"
	"github.com/chorus-audio/chorus-go/pkg/audio"
	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

var testFormat = audio.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}

// fakeBackend scripts open results and records writes.
type fakeBackend struct {
	mu       sync.Mutex
	openErrs []error // popped per Open call; empty means success
	writeErr error
	opens    int
	closes   int
	wrote    chan []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{wrote: make(chan []byte, 100)}
}

func (f *fakeBackend) Open(format audio.Format, bufferFrames int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeBackend) Write(pcm []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case f.wrote <- buf:
	default:
	}
	return err
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeBackend) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func pushChunk(s *stream.Stream, frames int, fill byte) {
	pcm := make([]byte, testFormat.FramesToBytes(frames))
	for i := range pcm {
		pcm[i] = fill
	}
	s.Push(&protocol.WireChunk{Timestamp: protocol.Now(), PCM: pcm})
}

func newTestPlayer(t *testing.T, backend Backend) (*Player, *stream.Stream) {
	t.Helper()
	st := stream.New(testFormat, 1000)
	p, err := New(Config{Stream: st, Backend: backend, BufferFrames: 48})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, st
}

func TestNewRequiresStreamAndBackend(t *testing.T) {
	_, err := New(Config{Backend: newFakeBackend()})
	assert.Error(t, err)
	_, err = New(Config{Stream: stream.New(testFormat, 1000)})
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)

	assert.Equal(t, StateIdle, p.State())
	require.NoError(t, p.Start())
	assert.Equal(t, StateRunning, p.State())

	pushChunk(st, 48, 0x10)
	select {
	case <-backend.wrote:
	case <-time.After(time.Second):
		t.Fatal("no write observed")
	}

	p.Stop()
	p.Stop() // idempotent
	assert.Equal(t, StateStopped, p.State())

	_, closes := backend.counts()
	assert.Equal(t, 1, closes, "device released exactly once")
}

func TestWriteSizedFromDeviceBuffer(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)
	require.NoError(t, p.Start())

	pushChunk(st, 20, 0x42) // less than one device buffer

	select {
	case buf := <-backend.wrote:
		assert.Len(t, buf, testFormat.FramesToBytes(48),
			"write is exactly one device buffer")
		real := testFormat.FramesToBytes(20)
		assert.Equal(t, byte(0x42), buf[0])
		for _, b := range buf[real:] {
			require.Zero(t, b, "shortfall padded with silence")
		}
	case <-time.After(time.Second):
		t.Fatal("no write observed")
	}
}

func TestBusyOpenRetriedByLoop(t *testing.T) {
	backend := newFakeBackend()
	backend.openErrs = []error{ErrDeviceBusy, ErrDeviceBusy}
	p, st := newTestPlayer(t, backend)

	require.NoError(t, p.Start(), "busy device does not fail start")
	assert.Equal(t, StateReconnecting, p.State())

	pushChunk(st, 48, 1)
	require.Eventually(t, func() bool { return p.State() == StateRunning },
		2*time.Second, 20*time.Millisecond)

	opens, _ := backend.counts()
	assert.Equal(t, 3, opens)
}

func TestFatalOpenFailsStart(t *testing.T) {
	backend := newFakeBackend()
	backend.openErrs = []error{errors.New("no such device")}
	p, _ := newTestPlayer(t, backend)

	assert.Error(t, p.Start())
	assert.Equal(t, StateIdle, p.State())
}

func TestFatalOpenDuringRetryStops(t *testing.T) {
	backend := newFakeBackend()
	backend.openErrs = []error{ErrDeviceBusy, errors.New("device vanished")}
	p, _ := newTestPlayer(t, backend)

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State() == StateStopped },
		2*time.Second, 20*time.Millisecond)
	assert.Error(t, p.Err())
}

func TestSinkWriteFailureContinues(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)
	require.NoError(t, p.Start())

	backend.setWriteErr(errors.New("transient underrun"))
	pushChunk(st, 48, 1)
	select {
	case <-backend.wrote:
	case <-time.After(time.Second):
		t.Fatal("no write observed")
	}

	backend.setWriteErr(nil)
	pushChunk(st, 48, 2)
	select {
	case <-backend.wrote:
	case <-time.After(time.Second):
		t.Fatal("loop did not continue after a transient write failure")
	}
	assert.Equal(t, StateRunning, p.State())
	assert.NoError(t, p.Err())
}

func TestDeviceGoneStopsLoop(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)
	require.NoError(t, p.Start())

	backend.setWriteErr(ErrDeviceGone)
	pushChunk(st, 48, 1)

	require.Eventually(t, func() bool { return p.State() == StateStopped },
		2*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, p.Err(), ErrDeviceGone)

	_, closes := backend.counts()
	assert.Equal(t, 1, closes)
}

func TestStreamCloseStopsLoop(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)
	require.NoError(t, p.Start())

	pushChunk(st, 48, 1)
	select {
	case <-backend.wrote:
	case <-time.After(time.Second):
		t.Fatal("no write observed")
	}

	st.Close()
	require.Eventually(t, func() bool { return p.State() == StateStopped },
		2*time.Second, 20*time.Millisecond)
	assert.NoError(t, p.Err(), "a closed stream is not a device fault")

	_, closes := backend.counts()
	assert.Equal(t, 1, closes)
}

func TestVolumeApplied(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)
	p.SetVolume(50)
	require.NoError(t, p.Start())

	pcm := make([]byte, testFormat.FramesToBytes(48))
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x10 // each sample 0x1000
	}
	st.Push(&protocol.WireChunk{Timestamp: protocol.Now(), PCM: pcm})

	select {
	case buf := <-backend.wrote:
		sample := int16(buf[0]) | int16(buf[1])<<8
		assert.EqualValues(t, 0x0800, sample, "half volume halves the sample")
	case <-time.After(time.Second):
		t.Fatal("no write observed")
	}
}

func TestMuteSilences(t *testing.T) {
	backend := newFakeBackend()
	p, st := newTestPlayer(t, backend)
	p.SetMuted(true)
	require.NoError(t, p.Start())

	pushChunk(st, 48, 0x7F)
	select {
	case buf := <-backend.wrote:
		for _, b := range buf {
			require.Zero(t, b)
		}
	case <-time.After(time.Second):
		t.Fatal("no write observed")
	}
}

func TestVolumeClamped(t *testing.T) {
	backend := newFakeBackend()
	p, _ := newTestPlayer(t, backend)

	p.SetVolume(150)
	assert.Equal(t, 100, p.Volume())
	p.SetVolume(-10)
	assert.Equal(t, 0, p.Volume())
}
