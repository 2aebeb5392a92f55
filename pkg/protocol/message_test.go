// ABOUTME: Tests for the wire frame codec
// ABOUTME: Round trips, oversize rejection, request/response pairing fields
package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/chorus-audio/chorus-go/pkg/audio"
)

func TestHeaderRoundTrip(t *testing.T) {
	base := BaseMessage{
		Type:     TypeWireChunk,
		ID:       42,
		RefersTo: 7,
		Sent:     Timeval{Sec: 1700000000, Usec: 123456},
		Received: Timeval{Sec: 1700000001, Usec: 654321},
	}
	payload := []byte{1, 2, 3, 4, 5}

	frame, err := base.EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(frame) != HeaderSize+len(payload) {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+len(payload), len(frame))
	}

	decoded, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != base {
		t.Errorf("header mismatch: got %+v, want %+v", decoded, base)
	}
	if !bytes.Equal(frame[HeaderSize:], payload) {
		t.Error("payload bytes corrupted")
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	base := BaseMessage{Type: TypeWireChunk}
	if _, err := base.EncodeFrame(make([]byte, MaxPayloadSize+1)); err != ErrPayloadTooLarge {
		t.Errorf("encode: expected ErrPayloadTooLarge, got %v", err)
	}

	// A header declaring an oversize payload must be rejected from the
	// header alone, before any payload read.
	good := BaseMessage{Type: TypeWireChunk}
	frame, err := good.EncodeFrame(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frame[22] = 0xFF
	frame[23] = 0xFF
	frame[24] = 0xFF
	frame[25] = 0x7F
	if _, err := DecodeHeader(frame); err != ErrPayloadTooLarge {
		t.Errorf("decode: expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWireChunkRoundTrip(t *testing.T) {
	chunk := &WireChunk{
		Timestamp: Timeval{Sec: 100, Usec: 2000},
		PCM:       []byte{0x10, 0x20, 0x30, 0x40},
	}

	data, err := chunk.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded WireChunk
	if err := decoded.UnmarshalPayload(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Timestamp != chunk.Timestamp {
		t.Errorf("timestamp mismatch: got %+v", decoded.Timestamp)
	}
	if !bytes.Equal(decoded.PCM, chunk.PCM) {
		t.Error("pcm mismatch")
	}
}

func TestWireChunkAge(t *testing.T) {
	now := time.Now()
	chunk := &WireChunk{Timestamp: TimevalFrom(now.Add(-80 * time.Millisecond))}

	age := chunk.Age(now)
	if age < 79*time.Millisecond || age > 81*time.Millisecond {
		t.Errorf("expected age ~80ms, got %v", age)
	}

	future := &WireChunk{Timestamp: TimevalFrom(now.Add(50 * time.Millisecond))}
	if future.Age(now) >= 0 {
		t.Error("expected negative age for future chunk")
	}
}

func TestWireChunkFrames(t *testing.T) {
	format := audio.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
	chunk := &WireChunk{PCM: make([]byte, 48*4)} // 1ms of stereo 16-bit at 48kHz

	if got := chunk.Frames(format); got != 48 {
		t.Errorf("expected 48 frames, got %d", got)
	}
	if d := chunk.Duration(format); d != time.Millisecond {
		t.Errorf("expected 1ms, got %v", d)
	}
}

func TestCodecHeaderRoundTrip(t *testing.T) {
	ch := &CodecHeader{
		Codec:  "flac",
		Format: audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2},
		Header: []byte("fLaC-init-blob"),
	}

	data, err := ch.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded CodecHeader
	if err := decoded.UnmarshalPayload(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Codec != ch.Codec || decoded.Format != ch.Format {
		t.Errorf("mismatch: got %+v", decoded)
	}
	if !bytes.Equal(decoded.Header, ch.Header) {
		t.Error("header blob mismatch")
	}
}

func TestCodecHeaderTruncated(t *testing.T) {
	ch := &CodecHeader{Codec: "pcm", Header: []byte{1, 2, 3}}
	data, err := ch.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded CodecHeader
	if err := decoded.UnmarshalPayload(data[:len(data)-2]); err != ErrShortPayload {
		t.Errorf("expected ErrShortPayload, got %v", err)
	}
}

func TestServerSettingsRoundTrip(t *testing.T) {
	settings := &ServerSettings{BufferMs: 800, Latency: 20, Volume: 75, Muted: true}

	data, err := settings.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded ServerSettings
	if err := decoded.UnmarshalPayload(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != *settings {
		t.Errorf("mismatch: got %+v, want %+v", decoded, *settings)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	tm := &Time{Latency: Timeval{Sec: 0, Usec: 1500}}

	data, err := tm.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Time
	if err := decoded.UnmarshalPayload(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Latency != tm.Latency {
		t.Errorf("mismatch: got %+v", decoded.Latency)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	hello := &Hello{ClientID: "abc", HostName: "kitchen", ClientName: "Kitchen", Version: "0.1.0"}

	data, err := hello.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Hello
	if err := decoded.UnmarshalPayload(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != *hello {
		t.Errorf("mismatch: got %+v", decoded)
	}
}

func TestComposeStampsSent(t *testing.T) {
	before := time.Now()
	frame, err := Compose(&Time{}, 3, 9)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}

	base, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if base.ID != 3 || base.RefersTo != 9 || base.Type != TypeTime {
		t.Errorf("unexpected header %+v", base)
	}
	sent := base.Sent.Time()
	if sent.Before(before.Add(-time.Second)) || sent.After(time.Now().Add(time.Second)) {
		t.Errorf("sent stamp %v outside expected window", sent)
	}
}

func TestTimevalConversions(t *testing.T) {
	now := time.Now().Truncate(time.Microsecond)
	tv := TimevalFrom(now)
	if !tv.Time().Equal(now) {
		t.Errorf("round trip mismatch: %v != %v", tv.Time(), now)
	}

	neg := TimevalFromMicro(-1500)
	if neg.UnixMicro() != -1500 {
		t.Errorf("negative micros mismatch: got %d", neg.UnixMicro())
	}
}
