// Package buffer implements the growable byte queue every Connection reads
// into and writes out of: a contiguous region with three cursors
// (prepend | readable | writable), an 8-byte prepend reserve so fixed
// headers can be prefixed without reallocation, and a scatter-read path
// for readFromFd. Grounded on original_source/Buffer.cc and Buffer.h, the
// only piece of spec.md's core the teacher repo has a direct analogue for:
// internal/adapter/reassembler.go's packetHeap buffers whole *protocol.Packet
// values, but the length-prefix encode/decode idea in internal/protocol/codec.go
// (big-endian uint32 header) is exactly AppendInt32/PeekInt32 below.
package buffer

import (
	"encoding/binary"
	"errors"
)

const (
	prependSize  = 8
	initialSize  = 1024
	overflowSize = 64 * 1024
)

// ErrPrependTooLarge is returned by Prepend when n exceeds Prependable().
var ErrPrependTooLarge = errors.New("buffer: prepend exceeds prependable space")

// Buffer is a growable byte queue with a reserved prepend area.
// It is not safe for concurrent use — every Connection owns exactly one
// Buffer and only its owning loop goroutine touches it (spec.md §3).
type Buffer struct {
	data   []byte
	reader int // start of readable region
	writer int // start of writable region
}

// New returns a Buffer with the default initial capacity and prepend
// reserve (spec.md §6: 1024 bytes + 8-byte prepend).
func New() *Buffer {
	return &Buffer{
		data:   make([]byte, prependSize+initialSize),
		reader: prependSize,
		writer: prependSize,
	}
}

// Readable returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) Readable() int { return b.writer - b.reader }

// Writable returns the number of bytes available to Append without growing.
func (b *Buffer) Writable() int { return len(b.data) - b.writer }

// Prependable returns the number of bytes available before the readable
// region, i.e. how much Prepend can write without failing.
func (b *Buffer) Prependable() int { return b.reader }

// Capacity returns the total backing capacity. Readable()+Writable()+
// Prependable() == Capacity() always holds (spec.md §8 invariant).
func (b *Buffer) Capacity() int { return len(b.data) }

// Peek returns a slice over the readable region without consuming it.
// The slice aliases the buffer's backing array and is invalidated by any
// subsequent mutating call.
func (b *Buffer) Peek() []byte { return b.data[b.reader:b.writer] }

// Retrieve advances the reader cursor by n. Precondition: n <= Readable().
func (b *Buffer) Retrieve(n int) {
	if n < b.Readable() {
		b.reader += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll resets both cursors to the prepend boundary, discarding all
// readable bytes.
func (b *Buffer) RetrieveAll() {
	b.reader = prependSize
	b.writer = prependSize
}

// RetrieveAllAsString consumes the entire readable region and returns it as
// a string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveAsBytes consumes n bytes from the readable region and returns a
// copy (never aliases the buffer's backing array).
func (b *Buffer) RetrieveAsBytes(n int) []byte {
	if n > b.Readable() {
		n = b.Readable()
	}
	out := make([]byte, n)
	copy(out, b.data[b.reader:b.reader+n])
	b.Retrieve(n)
	return out
}

// Append copies p into the writable region, growing as needed per the
// growth policy in spec.md §4.1.
func (b *Buffer) Append(p []byte) {
	if b.Writable() < len(p) {
		b.makeSpace(len(p))
	}
	n := copy(b.data[b.writer:], p)
	b.writer += n
}

// Prepend writes p immediately before the readable region. Precondition:
// len(p) <= Prependable().
func (b *Buffer) Prepend(p []byte) error {
	if len(p) > b.Prependable() {
		return ErrPrependTooLarge
	}
	b.reader -= len(p)
	copy(b.data[b.reader:], p)
	return nil
}

// AppendInt32 appends a 32-bit length prefix in network byte order.
func (b *Buffer) AppendInt32(x int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(x))
	b.Append(tmp[:])
}

// PeekInt32 decodes the first 4 readable bytes as a network-byte-order
// int32 without consuming them. Precondition: Readable() >= 4 (spec.md §9
// records the original's missing bounds check as a precondition here, not
// a runtime error).
func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.Peek()[:4]))
}

// RetrieveInt32 is PeekInt32 followed by Retrieve(4).
func (b *Buffer) RetrieveInt32() int32 {
	x := b.PeekInt32()
	b.Retrieve(4)
	return x
}

// makeSpace implements the growth policy: reclaim by shifting readable
// bytes left if prepend+writable already suffice, otherwise grow the
// backing array to exactly fit writer+n.
func (b *Buffer) makeSpace(n int) {
	if b.Writable()+b.Prependable()-prependSize >= n {
		readable := b.Readable()
		copy(b.data[prependSize:], b.data[b.reader:b.writer])
		b.reader = prependSize
		b.writer = b.reader + readable
		return
	}
	grown := make([]byte, b.writer+n)
	copy(grown, b.data)
	b.data = grown
}

// fdReader abstracts the descriptor Buffer.ReadFromFD reads from: a raw
// non-blocking fd in production (see internal/netconn), or anything
// implementing io.Reader in tests.
type fdReader interface {
	Read(p []byte) (int, error)
}

// ReadFromFD performs the scatter-read described in spec.md §4.1: first
// into the buffer's writable tail, then into a 64 KiB overflow region if
// the kernel had more to give. It reports how many bytes landed in the
// buffer (growing it if the overflow region was used) without the caller
// needing to know the buffer's capacity ahead of time.
func (b *Buffer) ReadFromFD(fd fdReader) (int, error) {
	if b.Writable() == 0 {
		b.makeSpace(1) // a zero-length tail read would report 0, i.e. EOF
	}
	writable := b.Writable()
	var overflow [overflowSize]byte

	// Two-buffer scatter read: fill the buffer's own tail first, spill
	// whatever doesn't fit into the stack-allocated overflow region.
	first := b.data[b.writer : b.writer+writable]
	n1, err := fd.Read(first)
	if n1 <= 0 {
		return n1, err
	}
	if n1 < writable {
		b.writer += n1
		return n1, err
	}

	// Buffer's tail is exactly full; there may be more waiting. The first
	// read already succeeded, so a second-read error (typically EAGAIN on
	// a non-blocking fd, meaning "no more for now") is not reported —
	// it surfaces on the next readiness event instead.
	b.writer += n1
	n2, _ := fd.Read(overflow[:])
	if n2 <= 0 {
		return n1, nil
	}
	b.Append(overflow[:n2])
	return n1 + n2, nil
}
