package session

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/settlement"
	"github.com/hedeqiang/derby/wallet"
)

var (
	// ErrIncompleteSelection is returned by Approve before a horse and a bet are chosen.
	ErrIncompleteSelection = errors.New("session: select a horse and a bet first")

	// ErrRaceInFlight is returned while a race is being submitted, settled or displayed.
	ErrRaceInFlight = errors.New("session: race already in flight")

	// ErrApprovalPending is returned while an approval is outstanding.
	ErrApprovalPending = errors.New("session: approval in progress")

	// ErrNotApproved is returned by Race before the allowance covers the wager.
	ErrNotApproved = errors.New("session: wager not approved")

	// ErrNoBaseFee is returned by Race before the race fee has been loaded.
	ErrNoBaseFee = errors.New("session: base fee not loaded")

	// ErrAllowanceTimeout is returned when an approval did not show up on chain in time.
	ErrAllowanceTimeout = errors.New("session: allowance not updated in time")

	// ErrStale is returned to a flow whose session was reset while it ran.
	ErrStale = errors.New("session: reset while in progress")

	// ErrInvalidTransition is returned when the machine refuses a state change.
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// StatusText maps an error to the line shown to the player.
func StatusText(err error) string {
	if err == nil {
		return ""
	}
	var rpcErr *chain.RPCError
	switch {
	case errors.Is(err, wallet.ErrRejected):
		return "Request rejected in wallet."
	case errors.Is(err, contract.ErrNoSigner):
		return "Connect a wallet first."
	case errors.Is(err, ErrIncompleteSelection):
		return "Select a horse and a bet first."
	case errors.Is(err, ErrRaceInFlight):
		return "A race is already running."
	case errors.Is(err, ErrApprovalPending):
		return "Waiting for the approval to confirm."
	case errors.Is(err, ErrNotApproved):
		return "Approve PONY before racing."
	case errors.Is(err, ErrNoBaseFee):
		return "Race fee not loaded yet, try again."
	case errors.Is(err, ErrAllowanceTimeout):
		return "Approval not confirmed yet, try again shortly."
	case errors.Is(err, race.ErrInvalidHorse), errors.Is(err, race.ErrInvalidAmount):
		return "Invalid selection."
	case errors.Is(err, settlement.ErrReceiptTimeout):
		var se *settlement.Error
		if errors.As(err, &se) && se.TxHash != (common.Hash{}) {
			return "Race transaction not confirmed in time. Look up " + se.TxHash.Hex() + " on a block explorer."
		}
		return "Race transaction not confirmed in time. Check a block explorer."
	case errors.Is(err, settlement.ErrTransactionReverted):
		return "Race transaction reverted."
	case errors.Is(err, settlement.ErrNoContractLogs):
		return "No race result in the transaction."
	case errors.Is(err, settlement.ErrEventNotFound):
		return "Could not read the race result."
	case errors.As(err, &rpcErr):
		return "Network error, please retry."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
