package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
)

type stubChain struct {
	name     string
	closes   int
	closeErr error
}

func (s *stubChain) ID() string                                  { return s.name }
func (s *stubChain) ChainID(context.Context) (*big.Int, error)   { return big.NewInt(1), nil }
func (s *stubChain) LatestBlock(context.Context) (uint64, error) { return 0, nil }
func (s *stubChain) FetchLogs(context.Context, filter.Query) ([]event.Log, error) {
	return nil, nil
}
func (s *stubChain) TransactionReceipt(context.Context, common.Hash) (*event.Receipt, error) {
	return nil, ErrNotYetMined
}
func (s *stubChain) Call(context.Context, ethereum.CallMsg) ([]byte, error) { return nil, nil }
func (s *stubChain) PendingNonce(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (s *stubChain) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (s *stubChain) SendTransaction(context.Context, *types.Transaction) error { return nil }

func (s *stubChain) Close() error {
	s.closes++
	return s.closeErr
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	base := &stubChain{name: "base"}
	local := &stubChain{name: "local", closeErr: errors.New("boom")}

	require.NoError(t, r.Register(local))
	require.NoError(t, r.Register(base))
	require.ErrorIs(t, r.Register(&stubChain{name: "base"}), ErrNetworkRegistered)
	require.Equal(t, []string{"base", "local"}, r.Names())

	got, err := r.Get("base")
	require.NoError(t, err)
	require.Same(t, base, got)
	_, err = r.Get("sepolia")
	require.ErrorIs(t, err, ErrNetworkNotFound)

	err = r.Close()
	require.ErrorContains(t, err, "close local: boom")
	require.Equal(t, 1, base.closes)
	require.Equal(t, 1, local.closes)

	require.NoError(t, r.Close())
	require.Equal(t, 1, base.closes)
	require.Empty(t, r.Names())
	require.Error(t, r.Register(&stubChain{name: "late"}))
}
