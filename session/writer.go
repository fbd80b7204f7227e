package session

import (
	"io"

	"github.com/pkg/errors"

	"github.com/xtaci/gonetsess/internal/bufpool"
	"github.com/xtaci/gonetsess/internal/errs"
	"github.com/xtaci/gonetsess/packet"
)

// writeJob is one already-serialized, possibly-encrypted buffer awaiting
// (or undergoing) a kernel write. handle is non-nil when data still lives
// in a pool-lent buffer (no cipher ran, so there was no fresh allocation
// to hand the kernel instead) and must be given back once the write
// completes.
type writeJob struct {
	data   []byte
	handle *bufpool.Buffer
}

// EnqueuePacket implements packet.Flusher: it appends p to the outbound
// FIFO without writing. Packet.Queue and Packet.QueueAndFlush call this.
func (s *Session) EnqueuePacket(p *packet.Packet) {
	s.writeMu.Lock()
	s.outbound = append(s.outbound, p)
	s.writeMu.Unlock()
}

// Flush implements C6's flush(session) operation: it drains the outbound
// packet FIFO, cutting writes at capacity boundaries, and hands at most
// one buffer at a time to the kernel per session (spec.md §4.5).
func (s *Session) Flush() {
	for {
		job, ok := s.nextWriteJob()
		if !ok {
			return
		}
		s.submit(job)
	}
}

// nextWriteJob accumulates queued packets into one serialized (and,
// packet-by-packet, possibly encrypted) buffer, per the cutting rule in
// spec.md §4.5. Encryption runs once per packet rather than once over the
// whole accumulated buffer: a read_until call on the peer independently
// decrypts exactly the bytes one read_until call asks for, so the only
// way encrypt and decrypt calls line up 1:1 is to encrypt at the same
// granularity the application will later read at — the packet boundaries
// it itself chose when building and queuing them, not an arbitrary cut
// point introduced by batching unrelated packets into one kernel write.
func (s *Session) nextWriteJob() (writeJob, bool) {
	s.writeMu.Lock()
	if len(s.outbound) == 0 {
		s.writeMu.Unlock()
		return writeJob{}, false
	}

	var work []*packet.Packet
	total := 0
	for len(s.outbound) > 0 {
		next := s.outbound[0]
		if total > 0 && total+next.Size() > s.capacity {
			// This packet caused the cut: leave it at the head of the
			// outbound queue for the next call.
			break
		}
		work = append(work, next)
		total += next.Size()
		s.outbound = s.outbound[1:]
	}
	encrypt := s.encrypt
	s.writeMu.Unlock()

	if encrypt == nil {
		buf := bufpool.Take(total)
		offset := 0
		for _, p := range work {
			p.WriteInto(buf.Data[offset : offset+p.Size()])
			offset += p.Size()
		}
		return writeJob{data: buf.Data, handle: buf}, true
	}

	plain := bufpool.Take(total)
	var out []byte
	offset := 0
	for _, p := range work {
		slice := plain.Data[offset : offset+p.Size()]
		p.WriteInto(slice)
		offset += p.Size()

		enc, err := encrypt.Encrypt(slice)
		if err != nil {
			_ = bufpool.Give(plain)
			s.abortWrites(err)
			return writeJob{}, false
		}
		out = append(out, enc...)
	}
	_ = bufpool.Give(plain)
	return writeJob{data: out}, true
}

// submit hands job to the kernel if no write is currently in flight for
// this session, otherwise queues it on the to-flush FIFO (spec.md §4.5's
// "at most one kernel write" invariant).
func (s *Session) submit(job writeJob) {
	s.writeMu.Lock()
	if s.writeInFlight {
		s.toFlush = append(s.toFlush, job)
		s.writeMu.Unlock()
		return
	}
	s.writeInFlight = true
	s.writeMu.Unlock()
	go s.kernelWrite(job)
}

// kernelWrite performs one blocking kernel write to completion, then pops
// the next ready buffer (if any) and continues the chain — this is the
// async "kernel-write completion" handler from spec.md §4.5, modeled as a
// tail-recursive loop on a single goroutine rather than a callback.
func (s *Session) kernelWrite(job writeJob) {
	for {
		_, err := s.writeFull(job.data)
		if job.handle != nil {
			_ = bufpool.Give(job.handle)
		}
		if err != nil {
			s.abortWrites(err)
			return
		}

		s.writeMu.Lock()
		if len(s.toFlush) == 0 {
			s.writeInFlight = false
			s.writeMu.Unlock()
			return
		}
		next := s.toFlush[0]
		s.toFlush = s.toFlush[1:]
		s.writeMu.Unlock()
		job = next
	}
}

func (s *Session) writeFull(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.conn.Write(buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrClosedPipe
		}
		total += n
	}
	return total, nil
}

// abortWrites implements the write-failure path: every pending buffer is
// returned to the pool, both FIFOs are cleared, write_in_flight drops,
// and the session closes.
func (s *Session) abortWrites(err error) {
	s.writeMu.Lock()
	pending := s.toFlush
	s.toFlush = nil
	s.outbound = nil
	s.writeInFlight = false
	s.writeMu.Unlock()

	for _, j := range pending {
		if j.handle != nil {
			_ = bufpool.Give(j.handle)
		}
	}
	s.closeAsync(errors.Wrap(errs.ErrIoFailure, err.Error()))
}
