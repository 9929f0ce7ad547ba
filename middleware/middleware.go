// Package middleware provides interceptors for the race feed log pipeline.
package middleware

import (
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
)

// Handler takes a log and returns the log to pass on. keep is false when the
// log was dropped.
type Handler func(lg event.Log) (out event.Log, keep bool)

// Middleware decorates a Handler.
type Middleware interface {
	Wrap(next Handler) Handler
}

// Func adapts a plain function to Middleware.
type Func func(next Handler) Handler

// Wrap calls f.
func (f Func) Wrap(next Handler) Handler { return f(next) }

// Chain builds a handler where mws[0] runs first and h runs last.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i].Wrap(h)
	}
	return h
}

// Pass keeps every log unchanged.
func Pass(lg event.Log) (event.Log, bool) { return lg, true }

// Match drops logs that f rejects. Some providers ignore the address part of
// eth_getLogs, so the feed re-checks logs against its own query.
func Match(f filter.Filter) Middleware {
	return Func(func(next Handler) Handler {
		return func(lg event.Log) (event.Log, bool) {
			if !f.Match(lg) {
				return lg, false
			}
			return next(lg)
		}
	})
}
