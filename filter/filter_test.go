package filter

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/event"
)

func TestApplyKeepsOrder(t *testing.T) {
	race := common.HexToAddress("0x01")
	token := common.HexToAddress("0x02")
	logs := []event.Log{
		{Address: token, LogIndex: 0},
		{Address: race, LogIndex: 1},
		{Address: token, LogIndex: 2},
		{Address: race, LogIndex: 3},
	}

	got := Apply(logs, Address(race))
	require.Len(t, got, 2)
	require.Equal(t, uint(1), got[0].LogIndex)
	require.Equal(t, uint(3), got[1].LogIndex)

	require.Empty(t, Apply(logs, Address(common.HexToAddress("0x03"))))
}

func TestCompositeAndTx(t *testing.T) {
	race := common.HexToAddress("0x01")
	tx := common.HexToHash("0xaa")
	topic := common.HexToHash("0xbeef")

	f := AllOf(Address(race), TxHash(tx), Topic(0, topic), Canonical)

	match := event.Log{Address: race, TxHash: tx, Topics: []common.Hash{topic}}
	require.True(t, f.Match(match))

	removed := match
	removed.Removed = true
	require.False(t, f.Match(removed))

	otherTx := match
	otherTx.TxHash = common.HexToHash("0xbb")
	require.False(t, f.Match(otherTx))

	noTopics := match
	noTopics.Topics = nil
	require.False(t, f.Match(noTopics))

	require.False(t, AnyOf(TxHash(tx), Address(common.Address{})).Match(otherTx))
	require.True(t, AllOf().Match(otherTx))
}

func TestQueryMatch(t *testing.T) {
	race := common.HexToAddress("0x01")
	sig := common.HexToHash("0xd0")
	player := common.HexToHash("0xaa")
	q := NewQuery(
		WithAddresses(race),
		WithTopics([]common.Hash{sig}, nil, []common.Hash{player}),
		WithBlockRange(10, 20),
	)
	require.True(t, q.Bounded())

	lg := event.Log{Address: race, BlockNumber: 10, Topics: []common.Hash{sig, common.HexToHash("0x07"), player}}
	require.True(t, q.Match(lg))

	late := lg
	late.BlockNumber = 21
	require.False(t, q.Match(late))

	foreign := lg
	foreign.Address = common.HexToAddress("0x02")
	require.False(t, q.Match(foreign))

	otherPlayer := lg
	otherPlayer.Topics = []common.Hash{sig, common.HexToHash("0x07"), common.HexToHash("0xbb")}
	require.False(t, q.Match(otherPlayer))

	require.False(t, NewQuery(WithAddresses(race)).Bounded())
	require.True(t, NewQuery().Match(late))
}
