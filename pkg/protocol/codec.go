// ABOUTME: Codec header payload codec
// ABOUTME: Announces the stream codec and its opaque initialization blob
package protocol

import (
	"encoding/binary"

	"github.com/chorus-audio/chorus-go/pkg/audio"
)

// CodecHeader announces the codec of the stream a client is about to
// receive, together with the codec's opaque initialization data (e.g. an
// Ogg/FLAC header). The transport does not interpret the blob. The sample
// format rides along so clients can size playback buffers before the
// first chunk arrives.
type CodecHeader struct {
	Codec  string
	Format audio.Format
	Header []byte
}

func (c *CodecHeader) Type() MessageType { return TypeCodecHeader }

func (c *CodecHeader) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 4+len(c.Codec)+12+4+len(c.Header))
	le := binary.LittleEndian
	off := 0
	le.PutUint32(buf[off:], uint32(len(c.Codec)))
	off += 4
	copy(buf[off:], c.Codec)
	off += len(c.Codec)
	le.PutUint32(buf[off:], uint32(c.Format.SampleRate))
	le.PutUint32(buf[off+4:], uint32(c.Format.BitDepth))
	le.PutUint32(buf[off+8:], uint32(c.Format.Channels))
	off += 12
	le.PutUint32(buf[off:], uint32(len(c.Header)))
	off += 4
	copy(buf[off:], c.Header)
	return buf, nil
}

func (c *CodecHeader) UnmarshalPayload(data []byte) error {
	le := binary.LittleEndian
	if len(data) < 4 {
		return ErrShortPayload
	}
	nameLen := int(le.Uint32(data[0:4]))
	off := 4
	if len(data) < off+nameLen+16 {
		return ErrShortPayload
	}
	c.Codec = string(data[off : off+nameLen])
	off += nameLen
	c.Format = audio.Format{
		SampleRate: int(le.Uint32(data[off:])),
		BitDepth:   int(le.Uint32(data[off+4:])),
		Channels:   int(le.Uint32(data[off+8:])),
	}
	off += 12
	blobLen := int(le.Uint32(data[off:]))
	off += 4
	if len(data) < off+blobLen {
		return ErrShortPayload
	}
	c.Header = data[off : off+blobLen]
	return nil
}
