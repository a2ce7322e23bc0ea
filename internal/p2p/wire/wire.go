package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sine-fdn/sinebench/internal/mpc"
)

// Topic is the single pubsub channel all protocol messages travel on.
const Topic = "sine-benchmark/v1"

// Version is the framing version carried in byte 0 of every frame.
const Version byte = 1

// Message tags (byte 1 of every frame).
const (
	TagHello byte = iota + 1
	TagStartVote
	TagAck
	TagNack
	TagShare
	TagSum
	TagAbort
)

var (
	ErrShortFrame     = errors.New("wire: truncated frame")
	ErrBadVersion     = errors.New("wire: unsupported version")
	ErrUnknownTag     = errors.New("wire: unknown message tag")
	ErrTrailingBytes  = errors.New("wire: trailing bytes after message body")
	errLengthOverflow = errors.New("wire: length prefix exceeds frame")
)

// Message is one of the seven protocol messages.
type Message interface {
	tag() byte
	encodeBody(w *writer)
	decodeBody(r *reader)
}

// Encode frames msg as version | tag | body. All multi-byte integers are
// big-endian; strings are UTF-8 with a uint16 length prefix; byte blobs
// carry a uint32 length prefix; field elements are fixed 16 bytes.
func Encode(msg Message) []byte {
	w := &writer{buf: []byte{Version, msg.tag()}}
	msg.encodeBody(w)
	return w.buf
}

// Decode parses one frame. The whole body must be consumed.
func Decode(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, ErrShortFrame
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[0])
	}
	var msg Message
	switch data[1] {
	case TagHello:
		msg = &Hello{}
	case TagStartVote:
		msg = &StartVote{}
	case TagAck:
		msg = &Ack{}
	case TagNack:
		msg = &Nack{}
	case TagShare:
		msg = &Share{}
	case TagSum:
		msg = &Sum{}
	case TagAbort:
		msg = &Abort{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, data[1])
	}
	r := &reader{buf: data[2:]}
	msg.decodeBody(r)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return msg, nil
}

type writer struct {
	buf []byte
}

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.raw([]byte(s))
}

func (w *writer) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

func (w *writer) elem(e mpc.Element) { w.raw(e[:]) }

// reader carries a sticky error; once set every further read is a no-op.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortFrame
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) str() string {
	n := int(r.u16())
	if r.err == nil && n > len(r.buf) {
		r.err = errLengthOverflow
		return ""
	}
	return string(r.take(n))
}

func (r *reader) blob() []byte {
	n := int(r.u32())
	if r.err == nil && n > len(r.buf) {
		r.err = errLengthOverflow
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) elem() mpc.Element {
	b := r.take(mpc.ElementSize)
	if b == nil {
		return mpc.Element{}
	}
	e, err := mpc.FromBytes(b)
	if err != nil {
		r.err = err
		return mpc.Element{}
	}
	return e
}
