// Package bufpool implements the process-wide, thread-safe byte-buffer
// pool (component C1). It buckets buffers by power-of-two capacity, the
// same scheme as smux's Allocator in github.com/xtaci/smux/alloc.go,
// merged with kcp-go/v5's bufferpool.go idea of a package-level default
// pool that every session shares.
package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/xtaci/gonetsess/internal/errs"
)

const maxBucketBits = 24 // buffers up to 16 MiB

// Debug enables the double-give detector. It costs one atomic
// compare-and-swap per Give and is meant for tests, not hot-path
// production use.
var Debug = false

var buckets [maxBucketBits + 1]sync.Pool

func init() {
	for i := range buckets {
		size := 1 << uint(i)
		buckets[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

// Buffer is a lease from the pool. It must be returned exactly once via
// Give. Data is the usable slice; its length is exactly the capacity
// requested from Take, its cap may be larger (the bucket's rounded-up
// size).
type Buffer struct {
	Data  []byte
	bits  byte
	given int32 // 0 = held by caller, 1 = returned to the pool
}

// Take lends a zeroed buffer of at least n bytes. Panics if n is negative
// or larger than 16 MiB; callers never pass attacker-controlled sizes
// without validating them first (the session layer asks for at most its
// own configured capacity, except for a single queued packet larger than
// that, which it takes whole).
func Take(n int) *Buffer {
	if n < 0 {
		panic(errors.Wrap(errs.ErrProgrammerError, "bufpool: negative size"))
	}
	if n == 0 {
		return &Buffer{Data: nil, bits: 0}
	}
	bits := msb(n)
	if 1<<bits < n {
		bits++
	}
	if int(bits) >= len(buckets) {
		panic(errors.Wrap(errs.ErrProgrammerError, "bufpool: size too large"))
	}
	p := buckets[bits].Get().(*[]byte)
	buf := (*p)[:n]
	for i := range buf {
		buf[i] = 0
	}
	return &Buffer{Data: buf, bits: bits}
}

// Give returns a buffer to the pool. Calling it twice on the same Buffer
// is a programmer error; in Debug mode it is detected and returns
// ErrProgrammerError instead of silently corrupting the pool.
func Give(b *Buffer) error {
	if b == nil {
		return nil
	}
	if Debug {
		if !atomic.CompareAndSwapInt32(&b.given, 0, 1) {
			return errors.WithStack(errs.ErrProgrammerError)
		}
	}
	if b.Data == nil {
		return nil
	}
	full := b.Data[:cap(b.Data)]
	buckets[b.bits].Put(&full)
	b.Data = nil
	return nil
}

// msb returns the position of the most significant set bit of v (v>0).
func msb(v int) byte {
	var bit byte
	for v > 1 {
		v >>= 1
		bit++
	}
	return bit
}
