package contract

import (
	"fmt"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	abiutil "github.com/hedeqiang/derby/internal/abi"
)

// RaceExecutedSignature is the declaration of the RaceExecuted event in RaceABI.
const RaceExecutedSignature = "RaceExecuted(uint256 indexed raceId, address indexed player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)"

// RaceABI is the subset of the race contract ABI the client talks to.
const RaceABI = `[
	{"type":"function","name":"placeBetAndRace","stateMutability":"payable",
	 "inputs":[{"name":"horseId","type":"uint256"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getGameStats","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"totalRaces","type":"uint256"},
		{"name":"totalTickets","type":"uint256"},
		{"name":"jackpotAmount","type":"uint256"},
		{"name":"jackpotNumbers","type":"uint256[4]"}]},
	{"type":"function","name":"baseFeeAmount","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"RaceExecuted","anonymous":false,"inputs":[
		{"indexed":true,"name":"raceId","type":"uint256"},
		{"indexed":true,"name":"player","type":"address"},
		{"indexed":false,"name":"horseId","type":"uint256"},
		{"indexed":false,"name":"winners","type":"uint256[3]"},
		{"indexed":false,"name":"payout","type":"uint256"},
		{"indexed":false,"name":"won","type":"bool"}]}
]`

// TokenABI is the ERC-20 subset used for the wager token.
const TokenABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var (
	raceABI  = mustParse(RaceABI)
	tokenABI = mustParse(TokenABI)

	// RaceExecutedID is topic0 of the RaceExecuted event.
	RaceExecutedID = mustTopic(RaceExecutedSignature, raceABI.Events["RaceExecuted"].ID)
)

// Race returns the parsed race contract ABI.
func Race() gethabi.ABI { return raceABI }

// Token returns the parsed token ABI.
func Token() gethabi.ABI { return tokenABI }

// CheckRaceEvent reports whether sig is a usable RaceExecuted declaration.
func CheckRaceEvent(sig string) error {
	_, err := parseRaceEvent(sig)
	return err
}

// parseRaceEvent parses a RaceExecuted declaration and returns its topic0.
func parseRaceEvent(sig string) (common.Hash, error) {
	parsed, err := abiutil.ParseEventSignature(sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contract: race event: %w", err)
	}
	if parsed.Name != "RaceExecuted" {
		return common.Hash{}, fmt.Errorf("contract: race event must be RaceExecuted, got %s", parsed.Name)
	}
	if _, err := parsed.ABIEvent(); err != nil {
		return common.Hash{}, fmt.Errorf("contract: race event: %w", err)
	}
	return parsed.Topic(), nil
}

// mustTopic checks that the signature and the JSON ABI agree on topic0.
func mustTopic(sig string, want common.Hash) common.Hash {
	got, err := parseRaceEvent(sig)
	if err != nil {
		panic(err.Error())
	}
	if got != want {
		panic(fmt.Sprintf("contract: RaceExecuted topic %s does not match ABI %s", got.Hex(), want.Hex()))
	}
	return got
}

func mustParse(def string) gethabi.ABI {
	parsed, err := gethabi.JSON(strings.NewReader(def))
	if err != nil {
		panic("contract: bad embedded ABI: " + err.Error())
	}
	return parsed
}
