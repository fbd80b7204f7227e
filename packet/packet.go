// Package packet implements the packet builder (component C2): a deferred
// sequence of "emit into buffer" closures plus a precomputed total size.
// A Packet's closures are pure functions of the destination slice they are
// handed, never of builder-internal state, so a single Packet instance can
// be queued to many sessions concurrently (spec.md §4.2).
package packet

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/xtaci/gonetsess/internal/errs"
)

// maxStringBytes is the largest encoded string byte length the u16 length
// prefix can carry.
const maxStringBytes = 65535

// Flusher is the minimal surface a Packet needs from a session: enqueue a
// packet, and optionally trigger a flush. session.Session implements it.
// Defined here (rather than imported from package session) to avoid a
// import cycle, since session imports packet for C6's drain loop.
type Flusher interface {
	EnqueuePacket(p *Packet)
	Flush()
}

type emitter func(dst []byte)

type op struct {
	size int
	emit emitter
}

// Packet is the C2 value type. The zero value is not usable; construct
// one with Builder.
type Packet struct {
	ops  []op
	size int
}

// Builder starts a new, empty packet.
func Builder() *Packet {
	return &Packet{}
}

// Size reports the sum of bytes each queued closure will emit.
func (p *Packet) Size() int {
	return p.size
}

func (p *Packet) push(size int, e emitter) *Packet {
	p.ops = append(p.ops, op{size: size, emit: e})
	p.size += size
	return p
}

// PutByte appends a single raw byte.
func (p *Packet) PutByte(v byte) *Packet {
	return p.push(1, func(dst []byte) { dst[0] = v })
}

// PutBool appends a boolean as one byte: 0x01 for true, 0x00 for false.
func (p *Packet) PutBool(v bool) *Packet {
	b := byte(0x00)
	if v {
		b = 0x01
	}
	return p.PutByte(b)
}

// PutShort appends a 16-bit signed integer in the given byte order.
func (p *Packet) PutShort(v int16, order binary.ByteOrder) *Packet {
	return p.push(2, func(dst []byte) { order.PutUint16(dst, uint16(v)) })
}

// PutInt appends a 32-bit signed integer in the given byte order.
func (p *Packet) PutInt(v int32, order binary.ByteOrder) *Packet {
	return p.push(4, func(dst []byte) { order.PutUint32(dst, uint32(v)) })
}

// PutLong appends a 64-bit signed integer in the given byte order.
func (p *Packet) PutLong(v int64, order binary.ByteOrder) *Packet {
	return p.push(8, func(dst []byte) { order.PutUint64(dst, uint64(v)) })
}

// PutFloat appends an IEEE-754 single-precision float in the given byte
// order. NaN and +/-Inf round-trip bit-for-bit since the bits, not the
// value, are what gets serialized.
func (p *Packet) PutFloat(v float32, order binary.ByteOrder) *Packet {
	return p.push(4, func(dst []byte) { order.PutUint32(dst, math.Float32bits(v)) })
}

// PutDouble appends an IEEE-754 double-precision float in the given byte
// order.
func (p *Packet) PutDouble(v float64, order binary.ByteOrder) *Packet {
	return p.push(8, func(dst []byte) { order.PutUint64(dst, math.Float64bits(v)) })
}

// PutChar appends a single Unicode code point as a 16-bit unit in the
// given byte order (matches Java's UTF-16 char semantics: U+0000 through
// U+FFFF only; the builder does not support surrogate pairs).
func (p *Packet) PutChar(v rune, order binary.ByteOrder) *Packet {
	return p.push(2, func(dst []byte) { order.PutUint16(dst, uint16(v)) })
}

// PutBytes appends a raw byte slice verbatim, with no length prefix.
// Packet defers emitting until it is serialized (WriteInto/Bytes), so b
// is copied into the emitter closure at build time; the closure stays a
// pure function of the destination buffer even if the caller mutates or
// reuses b afterwards.
func (p *Packet) PutBytes(b []byte) *Packet {
	cp := append([]byte(nil), b...)
	return p.push(len(cp), func(dst []byte) { copy(dst, cp) })
}

// PutString appends a length-prefixed string: a u16 byte length in order,
// followed by the string encoded with enc. Panics with ErrInvalidArgument
// if the encoded form exceeds 65535 bytes — an oversized string is a
// static programmer mistake caught at build time, not a runtime I/O
// condition, so there is no error return to thread through the fluent
// chain (mirrors spec.md §6's error-free put_* surface).
func (p *Packet) PutString(v string, enc Encoding, order binary.ByteOrder) *Packet {
	encoded, err := encodeString(v, enc)
	if err != nil {
		panic(errors.Wrap(err, "packet: encoding string"))
	}
	if len(encoded) > maxStringBytes {
		panic(errors.Wrapf(errs.ErrInvalidArgument, "packet: string of %d bytes exceeds %d byte limit", len(encoded), maxStringBytes))
	}
	p.push(2, func(dst []byte) { order.PutUint16(dst, uint16(len(encoded))) })
	return p.push(len(encoded), func(dst []byte) { copy(dst, encoded) })
}

// Prepend pushes sub's operations onto the front of p, so that when p is
// finally serialized sub's bytes are emitted first. This is how a header
// packet built after its body (once the body's length is known) ends up
// ahead of the body on the wire.
func (p *Packet) Prepend(sub *Packet) *Packet {
	merged := make([]op, 0, len(sub.ops)+len(p.ops))
	merged = append(merged, sub.ops...)
	merged = append(merged, p.ops...)
	p.ops = merged
	p.size += sub.size
	return p
}

// WriteInto invokes every closure directly into dst, which must have
// length exactly Size(). It is the low-level sibling of Bytes used by a
// session writer that fills one shared, pool-lent buffer from several
// queued packets in a single pass (component C6).
func (p *Packet) WriteInto(dst []byte) {
	if len(dst) != p.size {
		panic(errors.Wrap(errs.ErrProgrammerError, "packet: WriteInto destination size mismatch"))
	}
	offset := 0
	for _, o := range p.ops {
		o.emit(dst[offset : offset+o.size])
		offset += o.size
	}
}

// Bytes serializes the packet into a single freshly allocated buffer,
// invoking each closure in order. Used by tests and by any caller that
// wants the raw framed bytes without going through a session.
func (p *Packet) Bytes() []byte {
	buf := make([]byte, p.size)
	offset := 0
	for _, o := range p.ops {
		o.emit(buf[offset : offset+o.size])
		offset += o.size
	}
	return buf
}

// Queue enqueues the packet onto s without triggering a flush.
func (p *Packet) Queue(s Flusher) {
	s.EnqueuePacket(p)
}

// QueueAndFlush enqueues the packet onto s and immediately triggers a
// flush.
func (p *Packet) QueueAndFlush(s Flusher) {
	s.EnqueuePacket(p)
	s.Flush()
}
