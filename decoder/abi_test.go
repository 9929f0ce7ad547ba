package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/event"
	abiutil "github.com/hedeqiang/derby/internal/abi"
)

const raceSig = "RaceExecuted(uint256 indexed raceId, address indexed player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)"

type raceEvent struct {
	RaceId  *big.Int
	Player  common.Address
	HorseId *big.Int
	Winners [3]*big.Int
	Payout  *big.Int
	Won     bool
}

func newRaceDecoder(t *testing.T) *Decoder {
	t.Helper()
	d := New()
	require.NoError(t, d.Register(raceSig))
	return d
}

func raceLog(t *testing.T, player common.Address) event.Log {
	t.Helper()
	parsed, err := abiutil.ParseEventSignature(raceSig)
	require.NoError(t, err)
	ev, err := parsed.ABIEvent()
	require.NoError(t, err)

	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(3),
		[3]*big.Int{big.NewInt(4), big.NewInt(1), big.NewInt(9)},
		big.NewInt(5000),
		true,
	)
	require.NoError(t, err)

	return event.Log{
		Address: common.HexToAddress("0xc0ffee"),
		Topics: []common.Hash{
			parsed.Topic(),
			common.BigToHash(big.NewInt(77)),
			common.BytesToHash(player.Bytes()),
		},
		Data:        data,
		BlockNumber: 12,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestDecodeRaceExecuted(t *testing.T) {
	d := newRaceDecoder(t)
	player := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	decoded, err := d.Decode(raceLog(t, player))
	require.NoError(t, err)
	require.Equal(t, "RaceExecuted", decoded.Name)
	require.Equal(t, player, decoded.Params["player"])
	require.Zero(t, decoded.Params["raceId"].(*big.Int).Cmp(big.NewInt(77)))
	require.Equal(t, true, decoded.Params["won"])

	var ev raceEvent
	require.NoError(t, decoded.Bind(&ev))
	require.Equal(t, player, ev.Player)
	require.Equal(t, int64(77), ev.RaceId.Int64())
	require.Equal(t, int64(3), ev.HorseId.Int64())
	require.Equal(t, int64(9), ev.Winners[2].Int64())
	require.Equal(t, int64(5000), ev.Payout.Int64())
	require.True(t, ev.Won)
}

func TestDecodeTrailingDataIsTolerated(t *testing.T) {
	d := newRaceDecoder(t)
	lg := raceLog(t, common.HexToAddress("0x01"))
	lg.Data = append(lg.Data, make([]byte, 32)...)

	_, err := d.Decode(lg)
	require.NoError(t, err)
}

func TestDecodeMismatch(t *testing.T) {
	d := newRaceDecoder(t)
	good := raceLog(t, common.HexToAddress("0x01"))

	noTopics := good
	noTopics.Topics = nil

	unknown := good
	unknown.Topics = append([]common.Hash{common.HexToHash("0xdead")}, good.Topics[1:]...)

	missingTopic := good
	missingTopic.Topics = good.Topics[:2]

	shortData := good
	shortData.Data = good.Data[:64]

	emptyData := good
	emptyData.Data = nil

	for name, lg := range map[string]event.Log{
		"no topics":     noTopics,
		"unknown":       unknown,
		"missing topic": missingTopic,
		"short data":    shortData,
		"empty data":    emptyData,
	} {
		_, err := d.Decode(lg)
		require.ErrorIs(t, err, ErrDecodeMismatch, name)
	}
}

func TestRegisterReplacesSameTopic(t *testing.T) {
	d := newRaceDecoder(t)
	player := common.HexToAddress("0x01")
	lg := raceLog(t, player)

	// same types, player moved from the topics into the data
	flat := "RaceExecuted(uint256 indexed raceId, address player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)"
	parsed, err := abiutil.ParseEventSignature(flat)
	require.NoError(t, err)
	require.Equal(t, lg.Topics[0], parsed.Topic())
	ev, err := parsed.ABIEvent()
	require.NoError(t, err)
	data, err := ev.Inputs.NonIndexed().Pack(
		player,
		big.NewInt(3),
		[3]*big.Int{big.NewInt(4), big.NewInt(1), big.NewInt(9)},
		big.NewInt(5000),
		true,
	)
	require.NoError(t, err)
	flatLog := lg
	flatLog.Topics = lg.Topics[:2]
	flatLog.Data = data

	_, err = d.Decode(flatLog)
	require.ErrorIs(t, err, ErrDecodeMismatch)

	require.NoError(t, d.Register(flat))
	decoded, err := d.Decode(flatLog)
	require.NoError(t, err)
	require.Equal(t, player, decoded.Params["player"])

	require.Error(t, d.Register("RaceExecuted(notatype x)"))
}
