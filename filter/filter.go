// Package filter selects event logs, both locally (Filter) and on the node (Query).
package filter

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/event"
)

// Filter reports whether a log is wanted.
type Filter interface {
	Match(log event.Log) bool
}

// Func adapts a plain function to the Filter interface.
type Func func(log event.Log) bool

// Match calls f(log).
func (f Func) Match(log event.Log) bool {
	return f(log)
}

// Apply returns the logs matching f, preserving their order.
func Apply(logs []event.Log, f Filter) []event.Log {
	var out []event.Log
	for _, l := range logs {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

// Query is the filter object of an eth_getLogs request. Nil block bounds are open.
type Query struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock *uint64
	ToBlock   *uint64
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// NewQuery creates a Query with the given options applied.
func NewQuery(opts ...QueryOption) Query {
	var q Query
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// WithAddresses adds contract addresses to filter on.
func WithAddresses(addrs ...common.Address) QueryOption {
	return func(q *Query) {
		q.Addresses = append(q.Addresses, addrs...)
	}
}

// WithTopics sets the topic filters, one slice per position. Hashes within a
// position are alternatives; an empty position matches anything.
func WithTopics(topics ...[]common.Hash) QueryOption {
	return func(q *Query) {
		q.Topics = topics
	}
}

// WithBlockRange sets both block bounds.
func WithBlockRange(from, to uint64) QueryOption {
	return func(q *Query) {
		q.FromBlock = &from
		q.ToBlock = &to
	}
}

// Bounded reports whether both block bounds are set and ordered.
func (q Query) Bounded() bool {
	return q.FromBlock != nil && q.ToBlock != nil && *q.FromBlock <= *q.ToBlock
}

// Match applies the query to a log the way a node evaluates eth_getLogs.
func (q Query) Match(log event.Log) bool {
	if !BlockRange(q.FromBlock, q.ToBlock).Match(log) {
		return false
	}
	if len(q.Addresses) > 0 && !Address(q.Addresses...).Match(log) {
		return false
	}
	for pos, hashes := range q.Topics {
		if len(hashes) > 0 && !Topic(pos, hashes...).Match(log) {
			return false
		}
	}
	return true
}
