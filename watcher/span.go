package watcher

import (
	"iter"

	"github.com/hedeqiang/derby/filter"
)

// spans yields consecutive [start, end] windows of at most size blocks
// covering [from, to].
func spans(from, to, size uint64) iter.Seq2[uint64, uint64] {
	return func(yield func(uint64, uint64) bool) {
		if size == 0 {
			size = 1
		}
		for start := from; start <= to; {
			end := to
			if to-start >= size {
				end = start + size - 1
			}
			if !yield(start, end) || end == to {
				return
			}
			start = end + 1
		}
	}
}

// window returns a copy of q limited to [from, to].
func window(q filter.Query, from, to uint64) filter.Query {
	q.FromBlock, q.ToBlock = &from, &to
	return q
}
