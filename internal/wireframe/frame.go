// Package wireframe implements the length-prefixed framing used on the
// byte-stream control sockets between the proxy and the agent: a 4-byte
// big-endian length followed by that many bytes of payload, with the
// payload's first byte acting as a tag distinguishing output, input-echo,
// and JSON control messages.
package wireframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Tag identifies the kind of payload carried by a frame.
type Tag byte

const (
	TagOutput  Tag = 'O'
	TagInput   Tag = 'I'
	TagControl Tag = '{'
)

const (
	// MaxRegistrationFrame bounds the first frame the agent reads from a
	// newly accepted proxy connection.
	MaxRegistrationFrame = 64 * 1024
	// MaxFrame bounds every frame after registration.
	MaxFrame = 1024 * 1024

	lengthPrefixSize = 4
)

// ErrFrameTooLarge is returned by Decoder.Pop when a declared frame length
// exceeds the configured limit.
var ErrFrameTooLarge = errors.New("wireframe: frame exceeds size limit")

// Encode prepends the 4-byte big-endian length prefix to payload and
// returns the two pieces ready for a single vectored write, mirroring the
// writev idiom used elsewhere on this control path: prefix and payload
// travel in one syscall so a frame is never observed half-written.
func Encode(payload []byte) net.Buffers {
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	return net.Buffers{append([]byte(nil), prefix[:]...), payload}
}

// WriteFrame writes a single framed payload to w as one vectored write.
func WriteFrame(w interface{ Write([]byte) (int, error) }, payload []byte) error {
	bufs := Encode(payload)
	// net.Buffers.WriteTo issues a single writev for connections that
	// support it (such as *net.UnixConn) and falls back to sequential
	// writes for any other writer.
	_, err := bufs.WriteTo(w)
	return err
}

// TaggedPayload builds a payload with the given tag prepended, ready to
// pass to Encode/WriteFrame.
func TaggedPayload(tag Tag, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(tag)
	copy(out[1:], data)
	return out
}

// Decoder accumulates bytes from a byte stream and yields complete frames.
// It is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	maxFrame int
}

// NewDecoder returns a Decoder that rejects frames larger than maxFrame.
// Pass wireframe.MaxFrame for the steady-state limit, or
// wireframe.MaxRegistrationFrame while awaiting the first frame.
func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{maxFrame: maxFrame}
}

// SetMaxFrame adjusts the limit applied to frames not yet fully buffered.
// The agent uses this to relax the registration-sized limit to the
// steady-state limit once registration has been read.
func (d *Decoder) SetMaxFrame(maxFrame int) {
	d.maxFrame = maxFrame
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pop extracts the next complete frame's payload, if one is fully
// buffered. It returns ok=false (with a nil error) when more bytes are
// needed. A zero-length frame is silently skipped and Pop continues to
// the next frame rather than returning an empty payload, per the proxy's
// tolerance for zero-length frames on its inbound stream.
func (d *Decoder) Pop() (payload []byte, ok bool, err error) {
	for {
		if len(d.buf) < lengthPrefixSize {
			return nil, false, nil
		}
		length := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
		if int(length) > d.maxFrame {
			return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrame)
		}
		total := lengthPrefixSize + int(length)
		if len(d.buf) < total {
			return nil, false, nil
		}
		frame := d.buf[lengthPrefixSize:total]
		d.buf = d.buf[total:]
		if length == 0 {
			continue
		}
		out := make([]byte, length)
		copy(out, frame)
		return out, true, nil
	}
}

// Reset discards any partially buffered data.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
