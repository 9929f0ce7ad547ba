package filter

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/event"
)

// Address matches logs emitted by one of addrs.
func Address(addrs ...common.Address) Filter {
	set := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return Func(func(log event.Log) bool {
		_, ok := set[log.Address]
		return ok
	})
}

// Topic matches logs carrying one of hashes at topic position pos.
func Topic(pos int, hashes ...common.Hash) Filter {
	set := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return Func(func(log event.Log) bool {
		if pos >= len(log.Topics) {
			return false
		}
		_, ok := set[log.Topics[pos]]
		return ok
	})
}

// TxHash matches the logs of one transaction.
func TxHash(hash common.Hash) Filter {
	return Func(func(log event.Log) bool { return log.TxHash == hash })
}

// BlockRange matches logs in [from, to]. A nil bound is open.
func BlockRange(from, to *uint64) Filter {
	return Func(func(log event.Log) bool {
		if from != nil && log.BlockNumber < *from {
			return false
		}
		return to == nil || log.BlockNumber <= *to
	})
}

// Canonical drops logs that were removed by a reorg.
var Canonical Filter = Func(func(log event.Log) bool { return !log.Removed })

// AllOf matches when every filter does. No filters match everything.
func AllOf(filters ...Filter) Filter {
	return Func(func(log event.Log) bool {
		for _, f := range filters {
			if !f.Match(log) {
				return false
			}
		}
		return true
	})
}

// AnyOf matches when at least one filter does.
func AnyOf(filters ...Filter) Filter {
	return Func(func(log event.Log) bool {
		for _, f := range filters {
			if f.Match(log) {
				return true
			}
		}
		return false
	})
}
