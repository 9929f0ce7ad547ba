package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies why a race transaction could not be settled.
type Kind int

const (
	// ReceiptTimeout means the receipt did not appear within the polling budget.
	ReceiptTimeout Kind = iota + 1
	// TransactionReverted means the transaction was mined with a failed status.
	TransactionReverted
	// NoContractLogs means neither the receipt nor eth_getLogs had a log of the race contract.
	NoContractLogs
	// EventNotFound means no contract log decoded into a usable RaceExecuted event.
	EventNotFound
)

func (k Kind) String() string {
	switch k {
	case ReceiptTimeout:
		return "receipt_timeout"
	case TransactionReverted:
		return "transaction_reverted"
	case NoContractLogs:
		return "no_contract_logs"
	case EventNotFound:
		return "event_not_found"
	default:
		return "unknown"
	}
}

// Error is a settlement failure of one transaction.
type Error struct {
	Kind     Kind
	TxHash   common.Hash
	Attempts int
	Err      error
}

// Sentinels for errors.Is; they match any Error of the same Kind.
var (
	ErrReceiptTimeout      = &Error{Kind: ReceiptTimeout}
	ErrTransactionReverted = &Error{Kind: TransactionReverted}
	ErrNoContractLogs      = &Error{Kind: NoContractLogs}
	ErrEventNotFound       = &Error{Kind: EventNotFound}
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("settlement: %s", e.Kind)
	if e.TxHash != (common.Hash{}) {
		msg += " for tx " + e.TxHash.Hex()
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of a settlement error, or 0 if err is not one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
