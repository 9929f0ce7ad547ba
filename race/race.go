// Package race defines the wager, submission and outcome records of one horse race.
package race

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Horses is the number of runners in every race; horse ids are 0..Horses-1.
const Horses = 16

// Podium is the number of placed horses reported per race.
const Podium = 3

var (
	// ErrInvalidHorse is returned for a horse id outside 0..Horses-1.
	ErrInvalidHorse = errors.New("race: horse id out of range")

	// ErrInvalidAmount is returned for a missing or zero wager amount.
	ErrInvalidAmount = errors.New("race: wager amount must be positive")

	// ErrMalformedWinners is returned when a winner list is not Podium distinct horses.
	ErrMalformedWinners = errors.New("race: malformed winners")
)

// Wager is a chosen horse and bet amount for one race.
type Wager struct {
	HorseID int
	Amount  *uint256.Int
}

// NewWager validates and copies a selection.
func NewWager(horseID int, amount *uint256.Int) (Wager, error) {
	if horseID < 0 || horseID >= Horses {
		return Wager{}, fmt.Errorf("%w: %d", ErrInvalidHorse, horseID)
	}
	if amount == nil || amount.IsZero() {
		return Wager{}, ErrInvalidAmount
	}
	return Wager{HorseID: horseID, Amount: new(uint256.Int).Set(amount)}, nil
}

// Clone returns a deep copy.
func (w Wager) Clone() Wager {
	c := Wager{HorseID: w.HorseID}
	if w.Amount != nil {
		c.Amount = new(uint256.Int).Set(w.Amount)
	}
	return c
}

// ApprovalState is the token allowance status relative to a wager.
type ApprovalState int

const (
	NotApproved ApprovalState = iota
	Pending
	Approved
)

func (s ApprovalState) String() string {
	switch s {
	case NotApproved:
		return "not-approved"
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	default:
		return "unknown"
	}
}

// ApprovalFor reports Approved only when allowance covers the wager amount.
// A nil allowance counts as zero.
func ApprovalFor(allowance *uint256.Int, w Wager) ApprovalState {
	if allowance == nil || w.Amount == nil {
		return NotApproved
	}
	if allowance.Cmp(w.Amount) >= 0 {
		return Approved
	}
	return NotApproved
}

// Submission is a race transaction that has been broadcast.
type Submission struct {
	TxHash      common.Hash
	Player      common.Address
	Wager       Wager
	SubmittedAt time.Time
}

// Outcome is the settled result of one race transaction.
type Outcome struct {
	TxHash      common.Hash
	RaceID      *big.Int
	Player      common.Address
	HorseID     int
	Winners     [Podium]int
	Payout      *big.Int
	Won         bool
	BlockNumber uint64
}

// Placed returns the finishing position (1-based) of horse, or 0 if it did not place.
func (o *Outcome) Placed(horse int) int {
	for i, w := range o.Winners {
		if w == horse {
			return i + 1
		}
	}
	return 0
}

func (o *Outcome) String() string {
	result := "lost"
	if o.Won {
		result = "won " + o.Payout.String()
	}
	return fmt.Sprintf("race %s horse=%d winners=%v %s", o.RaceID, o.HorseID, o.Winners, result)
}

// WinnerIndices converts contract winner identifiers to zero-based horse indices.
// base is the identifier of the first horse on chain (0 or 1). The result must hold
// Podium distinct horses within 0..Horses-1.
func WinnerIndices(raw [Podium]*big.Int, base int) ([Podium]int, error) {
	var out [Podium]int
	var seen [Horses]bool
	for i, v := range raw {
		if v == nil || !v.IsInt64() {
			return out, fmt.Errorf("%w: position %d is not a horse id", ErrMalformedWinners, i+1)
		}
		idx := v.Int64() - int64(base)
		if idx < 0 || idx >= Horses {
			return out, fmt.Errorf("%w: position %d has id %s", ErrMalformedWinners, i+1, v)
		}
		if seen[idx] {
			return out, fmt.Errorf("%w: horse %d placed twice", ErrMalformedWinners, idx)
		}
		seen[idx] = true
		out[i] = int(idx)
	}
	return out, nil
}

// HorseIndex converts a contract horse identifier to a zero-based index.
func HorseIndex(raw *big.Int, base int) (int, error) {
	if raw == nil || !raw.IsInt64() {
		return 0, ErrInvalidHorse
	}
	idx := raw.Int64() - int64(base)
	if idx < 0 || idx >= Horses {
		return 0, fmt.Errorf("%w: %s", ErrInvalidHorse, raw)
	}
	return int(idx), nil
}
