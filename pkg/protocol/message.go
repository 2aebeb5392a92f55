// ABOUTME: Chorus wire protocol frame definitions
// ABOUTME: Fixed little-endian header codec shared by server and client
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates the payload carried by a frame.
type MessageType uint16

const (
	TypeBase MessageType = iota
	TypeCodecHeader
	TypeWireChunk
	TypeServerSettings
	TypeTime
	TypeHello
	TypeCommand
)

func (t MessageType) String() string {
	switch t {
	case TypeBase:
		return "base"
	case TypeCodecHeader:
		return "codec-header"
	case TypeWireChunk:
		return "chunk"
	case TypeServerSettings:
		return "server-settings"
	case TypeTime:
		return "time"
	case TypeHello:
		return "hello"
	case TypeCommand:
		return "command"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

const (
	// HeaderSize is the fixed byte length of the frame header.
	HeaderSize = 26

	// MaxPayloadSize bounds the declared payload length. A header
	// declaring more is a protocol violation and tears the connection
	// down before any payload byte is read.
	MaxPayloadSize = 1 << 20
)

var (
	// ErrPayloadTooLarge is returned for frames whose declared size
	// exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum frame size")

	// ErrShortBuffer is returned when a buffer is too small to hold a
	// complete header.
	ErrShortBuffer = errors.New("protocol: buffer shorter than frame header")

	// ErrShortPayload is returned when a payload does not contain the
	// bytes its codec requires.
	ErrShortPayload = errors.New("protocol: truncated payload")
)

// Timeval is a wall-clock marker with microsecond resolution. Timestamps
// are opaque to the transport; they are carried for latency and drift
// computation downstream.
type Timeval struct {
	Sec  int32
	Usec int32
}

// Now returns the current wall clock as a Timeval.
func Now() Timeval {
	return TimevalFrom(time.Now())
}

// TimevalFrom converts a time.Time to a Timeval.
func TimevalFrom(t time.Time) Timeval {
	return TimevalFromMicro(t.UnixMicro())
}

// TimevalFromMicro converts microseconds to a Timeval. Also used for
// signed durations such as latency diffs.
func TimevalFromMicro(us int64) Timeval {
	return Timeval{Sec: int32(us / 1e6), Usec: int32(us % 1e6)}
}

// Time converts the marker back to a time.Time.
func (tv Timeval) Time() time.Time {
	return time.UnixMicro(tv.UnixMicro())
}

// UnixMicro returns the marker as microseconds since the epoch.
func (tv Timeval) UnixMicro() int64 {
	return int64(tv.Sec)*1e6 + int64(tv.Usec)
}

// Payload is implemented by every concrete message body. The transport
// treats payload bytes as opaque; these codecs are used at the edges.
type Payload interface {
	Type() MessageType
	MarshalPayload() ([]byte, error)
	UnmarshalPayload(data []byte) error
}

// BaseMessage is the fixed frame header. The id is a per-connection
// sequence number; refersTo names the id this frame answers (0 if
// unsolicited) and pairs request/response round trips such as time sync.
type BaseMessage struct {
	Type     MessageType
	ID       uint16
	RefersTo uint16
	Sent     Timeval
	Received Timeval
	Size     uint32
}

// EncodeFrame serializes the header followed by payload into a single
// wire frame. The header's Size field is set from the payload length.
func (m *BaseMessage) EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	m.Size = uint32(len(payload))

	buf := make([]byte, HeaderSize+len(payload))
	m.putHeader(buf)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

func (m *BaseMessage) putHeader(buf []byte) {
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], uint16(m.Type))
	le.PutUint16(buf[2:4], m.ID)
	le.PutUint16(buf[4:6], m.RefersTo)
	le.PutUint32(buf[6:10], uint32(m.Sent.Sec))
	le.PutUint32(buf[10:14], uint32(m.Sent.Usec))
	le.PutUint32(buf[14:18], uint32(m.Received.Sec))
	le.PutUint32(buf[18:22], uint32(m.Received.Usec))
	le.PutUint32(buf[22:26], m.Size)
}

// DecodeHeader parses a frame header. Decoding never needs the payload,
// which enables the two-phase header-then-body read. An oversize
// declared length is reported as ErrPayloadTooLarge.
func DecodeHeader(buf []byte) (BaseMessage, error) {
	if len(buf) < HeaderSize {
		return BaseMessage{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	m := BaseMessage{
		Type:     MessageType(le.Uint16(buf[0:2])),
		ID:       le.Uint16(buf[2:4]),
		RefersTo: le.Uint16(buf[4:6]),
		Sent:     Timeval{Sec: int32(le.Uint32(buf[6:10])), Usec: int32(le.Uint32(buf[10:14]))},
		Received: Timeval{Sec: int32(le.Uint32(buf[14:18])), Usec: int32(le.Uint32(buf[18:22]))},
		Size:     le.Uint32(buf[22:26]),
	}
	if m.Size > MaxPayloadSize {
		return m, ErrPayloadTooLarge
	}
	return m, nil
}

// Compose builds the wire bytes for a payload message, stamping the Sent
// marker at serialization time.
func Compose(p Payload, id, refersTo uint16) ([]byte, error) {
	body, err := p.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", p.Type(), err)
	}
	base := BaseMessage{
		Type:     p.Type(),
		ID:       id,
		RefersTo: refersTo,
		Sent:     Now(),
	}
	return base.EncodeFrame(body)
}
