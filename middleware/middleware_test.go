package middleware

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
)

func feedLog(tx string, index uint) event.Log {
	return event.Log{
		Chain:       "test",
		Address:     common.HexToAddress("0xc0"),
		TxHash:      common.HexToHash(tx),
		LogIndex:    index,
		BlockNumber: 9,
	}
}

func kept(h Handler, lg event.Log) bool {
	_, keep := h(lg)
	return keep
}

func TestChainOrder(t *testing.T) {
	var calls []string
	record := func(name string) Middleware {
		return Func(func(next Handler) Handler {
			return func(lg event.Log) (event.Log, bool) {
				calls = append(calls, name)
				return next(lg)
			}
		})
	}
	require.True(t, kept(Chain(Pass, record("outer"), record("inner")), feedLog("0x01", 0)))
	require.Equal(t, []string{"outer", "inner"}, calls)
}

func TestDedupe(t *testing.T) {
	h := Chain(Pass, NewDedupe(2))

	require.True(t, kept(h, feedLog("0x01", 0)))
	require.False(t, kept(h, feedLog("0x01", 0)))
	require.True(t, kept(h, feedLog("0x01", 1)))

	// the window holds two keys, so 0x01/0 is forgotten here
	require.True(t, kept(h, feedLog("0x02", 0)))
	require.True(t, kept(h, feedLog("0x01", 0)))
}

func TestMatch(t *testing.T) {
	h := Chain(Pass, Match(filter.Address(common.HexToAddress("0xc0"))))
	require.True(t, kept(h, feedLog("0x01", 0)))

	other := feedLog("0x01", 0)
	other.Address = common.HexToAddress("0xc1")
	require.False(t, kept(h, other))
}

func TestMetricsAndLogger(t *testing.T) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_events_total"}, []string{"stage"})
	core, logs := observer.New(zap.DebugLevel)

	h := Chain(Pass, NewMetrics(events), NewLogger(zap.New(core)), NewDedupe(8))
	h(feedLog("0x01", 0))
	h(feedLog("0x01", 0))
	h(feedLog("0x02", 0))

	require.Equal(t, float64(2), testutil.ToFloat64(events.WithLabelValues("processed")))
	require.Equal(t, float64(1), testutil.ToFloat64(events.WithLabelValues("dropped")))
	require.Equal(t, 1, logs.FilterMessage("feed log dropped").Len())
	require.Equal(t, 2, logs.FilterMessage("feed log").Len())
}
