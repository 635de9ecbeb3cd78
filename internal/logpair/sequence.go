package logpair

import "sync/atomic"

// Sequence hands out record sequence numbers.
//
// Sequence numbers are strictly increasing across the life of a log, over
// both files and across restarts: on open the counter is seeded from the
// highest sequence found anywhere on disk.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
// The pair still serializes Next with slot reservation so that sequence
// order matches file order.
type Sequence struct {
	next atomic.Int64
}

// NewSequence creates a sequence whose first value is start.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence number and advances the counter.
func (s *Sequence) Next() int64 {
	return s.next.Add(1) - 1
}

// Peek returns the value Next would return, without advancing.
func (s *Sequence) Peek() int64 {
	return s.next.Load()
}

// AtLeast raises the counter to n if it is lower.
func (s *Sequence) AtLeast(n int64) {
	for {
		cur := s.next.Load()
		if cur >= n || s.next.CompareAndSwap(cur, n) {
			return
		}
	}
}
