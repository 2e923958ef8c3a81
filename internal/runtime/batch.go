package runtime

import (
	"slices"

	"github.com/eapache/queue"

	"github.com/roach88/cepcore/internal/statement"
)

// batch accumulates the callbacks of one statement within a pass: a single
// callback, promoted to an ordered deque on the second one.
type batch[T any] struct {
	handle *statement.AgentInstanceHandle
	single T
	multi  *queue.Queue
	n      int
}

func (b *batch[T]) add(cb T) {
	switch b.n {
	case 0:
		b.single = cb
	case 1:
		if b.multi == nil {
			b.multi = queue.New()
		}
		b.multi.Add(b.single)
		b.multi.Add(cb)
		var zero T
		b.single = zero
	default:
		b.multi.Add(cb)
	}
	b.n++
}

// callbacks appends the batched callbacks to buf in discovery order.
func (b *batch[T]) callbacks(buf []T) []T {
	if b.n == 1 {
		return append(buf, b.single)
	}
	for i := 0; i < b.multi.Length(); i++ {
		buf = append(buf, b.multi.Get(i).(T))
	}
	return buf
}

func (b *batch[T]) reset() {
	var zero T
	b.handle = nil
	b.single = zero
	if b.multi != nil {
		for b.multi.Length() > 0 {
			b.multi.Remove()
		}
	}
	b.n = 0
}

// batchSet maps statements to their batch, remembering discovery order.
type batchSet[T any] struct {
	index map[*statement.AgentInstanceHandle]*batch[T]
	order []*batch[T]
	free  []*batch[T]
}

func (s *batchSet[T]) add(h *statement.AgentInstanceHandle, cb T) {
	if s.index == nil {
		s.index = make(map[*statement.AgentInstanceHandle]*batch[T])
	}
	b, ok := s.index[h]
	if !ok {
		if n := len(s.free); n > 0 {
			b = s.free[n-1]
			s.free = s.free[:n-1]
		} else {
			b = &batch[T]{}
		}
		b.handle = h
		s.index[h] = b
		s.order = append(s.order, b)
	}
	b.add(cb)
}

func (s *batchSet[T]) empty() bool { return len(s.order) == 0 }

// sortByPriority orders batches by statement.Compare.
func (s *batchSet[T]) sortByPriority() {
	slices.SortStableFunc(s.order, func(a, b *batch[T]) int {
		return statement.Compare(a.handle, b.handle)
	})
}

// take returns the batches in order and empties the set. The caller hands
// them back through recycle.
func (s *batchSet[T]) take() []*batch[T] {
	out := s.order
	s.order = nil
	clear(s.index)
	return out
}

func (s *batchSet[T]) recycle(batches []*batch[T]) {
	for i, b := range batches {
		b.reset()
		s.free = append(s.free, b)
		batches[i] = nil
	}
	if s.order == nil {
		s.order = batches[:0]
	}
}

func (s *batchSet[T]) clear() {
	s.recycle(s.take())
}
