// ABOUTME: Time sync payload codec
// ABOUTME: Round trips pair via the frame header's refersTo field
package protocol

import "encoding/binary"

// Time is the clock synchronization message. A client sends it with its
// transmit timestamp in the frame header; the server echoes it back with
// refersTo set to the request id, carrying the measured one-way latency.
// The four timestamps needed for offset estimation live in the frame
// headers (Sent/Received) of the request and response.
type Time struct {
	Latency Timeval
}

func (t *Time) Type() MessageType { return TypeTime }

func (t *Time) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 8)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(t.Latency.Sec))
	le.PutUint32(buf[4:8], uint32(t.Latency.Usec))
	return buf, nil
}

func (t *Time) UnmarshalPayload(data []byte) error {
	if len(data) < 8 {
		return ErrShortPayload
	}
	le := binary.LittleEndian
	t.Latency = Timeval{Sec: int32(le.Uint32(data[0:4])), Usec: int32(le.Uint32(data[4:8]))}
	return nil
}
