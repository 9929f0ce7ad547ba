package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/settlement"
	"github.com/hedeqiang/derby/wallet"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{Idle, Selecting},
		{Selecting, AwaitingApproval},
		{AwaitingApproval, Approved},
		{AwaitingApproval, Selecting},
		{Approved, RaceSubmitted},
		{RaceSubmitted, Reconciling},
		{RaceSubmitted, Approved},
		{Reconciling, Settled},
		{Settled, Idle},
		{Reconciling, Idle},
	}
	for _, tr := range allowed {
		require.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	refused := [][2]State{
		{Idle, RaceSubmitted},
		{Selecting, RaceSubmitted},
		{AwaitingApproval, RaceSubmitted},
		{Reconciling, RaceSubmitted},
		{Reconciling, Selecting},
		{Settled, Reconciling},
		{RaceSubmitted, Settled},
	}
	for _, tr := range refused {
		require.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "awaiting-approval", AwaitingApproval.String())
	require.Equal(t, "state(42)", State(42).String())
	require.True(t, Settled.racing())
	require.False(t, Approved.racing())
}

func TestStatusText(t *testing.T) {
	require.Empty(t, StatusText(nil))
	require.Equal(t, "Request rejected in wallet.", StatusText(fmt.Errorf("sign: %w", wallet.ErrRejected)))
	require.Equal(t, "Connect a wallet first.", StatusText(contract.ErrNoSigner))
	require.Equal(t, "No race result in the transaction.", StatusText(&settlement.Error{Kind: settlement.NoContractLogs}))
	require.Equal(t, "Could not read the race result.", StatusText(&settlement.Error{Kind: settlement.EventNotFound}))
	require.Equal(t, "Network error, please retry.", StatusText(&chain.RPCError{Method: "eth_call", Err: errors.New("eof")}))

	// a timeout caused by node errors is still reported as a timeout
	timeout := &settlement.Error{Kind: settlement.ReceiptTimeout, Err: &chain.RPCError{Method: "eth_getTransactionReceipt", Err: errors.New("eof")}}
	require.Equal(t, "Race transaction not confirmed in time. Check a block explorer.", StatusText(timeout))

	require.Equal(t, "Error: boom", StatusText(errors.New("boom")))
}
