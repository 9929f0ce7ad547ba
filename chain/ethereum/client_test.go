package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/filter"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/transport"
)

type rpcReq struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newNode(t *testing.T, answer func(req rpcReq) (interface{}, *transport.Error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := answer(req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const minedReceipt = `{
	"transactionHash":"0x00000000000000000000000000000000000000000000000000000000000000aa",
	"status":"0x1",
	"blockNumber":"0x2a",
	"blockHash":"0x00000000000000000000000000000000000000000000000000000000000000bb",
	"gasUsed":"0x5208",
	"effectiveGasPrice":"0x3b9aca00",
	"logs":[{
		"address":"0x00000000000000000000000000000000000000c0",
		"topics":["0x00000000000000000000000000000000000000000000000000000000000000d0"],
		"data":"0x01",
		"blockNumber":"0x2a",
		"blockHash":"0x00000000000000000000000000000000000000000000000000000000000000bb",
		"transactionHash":"0x00000000000000000000000000000000000000000000000000000000000000aa",
		"transactionIndex":"0x0",
		"logIndex":"0x3",
		"removed":false
	}]
}`

func TestTransactionReceipt(t *testing.T) {
	mined := common.HexToHash("0xaa")
	srv := newNode(t, func(req rpcReq) (interface{}, *transport.Error) {
		var hash common.Hash
		require.NoError(t, json.Unmarshal(req.Params[0], &hash))
		if hash == mined {
			return json.RawMessage(minedReceipt), nil
		}
		return nil, nil
	})
	c := New("local", srv.URL)
	ctx := context.Background()

	_, err := c.TransactionReceipt(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, chain.ErrNotYetMined)

	r, err := c.TransactionReceipt(ctx, mined)
	require.NoError(t, err)
	require.True(t, r.Succeeded())
	require.Equal(t, uint64(42), r.BlockNumber)
	require.Equal(t, uint64(21000), r.GasUsed)
	require.Equal(t, int64(1_000_000_000), r.EffectiveGasPrice.Int64())
	require.Len(t, r.Logs, 1)
	require.Equal(t, common.HexToAddress("0xc0"), r.Logs[0].Address)
	require.Equal(t, uint(3), r.Logs[0].LogIndex)
	require.Equal(t, "local", r.Logs[0].Chain)
	require.Equal(t, []byte{1}, r.Logs[0].Data)
}

func TestFetchLogsBuildsFilter(t *testing.T) {
	var got map[string]interface{}
	srv := newNode(t, func(req rpcReq) (interface{}, *transport.Error) {
		require.Equal(t, "eth_getLogs", req.Method)
		require.NoError(t, json.Unmarshal(req.Params[0], &got))
		return []interface{}{}, nil
	})

	q := filter.NewQuery(
		filter.WithAddresses(common.HexToAddress("0xc0")),
		filter.WithTopics([]common.Hash{common.HexToHash("0xd0")}),
		filter.WithBlockRange(16, 32),
	)
	logs, err := New("local", srv.URL).FetchLogs(context.Background(), q)
	require.NoError(t, err)
	require.Empty(t, logs)
	require.Equal(t, "0x10", got["fromBlock"])
	require.Equal(t, "0x20", got["toBlock"])
	require.Equal(t, "0x00000000000000000000000000000000000000c0", got["address"])
	require.Len(t, got["topics"], 1)
}

func TestCallAndNodeErrors(t *testing.T) {
	srv := newNode(t, func(req rpcReq) (interface{}, *transport.Error) {
		switch req.Method {
		case "eth_call":
			var arg map[string]interface{}
			require.NoError(t, json.Unmarshal(req.Params[0], &arg))
			require.Equal(t, "0x70a08231", arg["data"])
			return "0x000000000000000000000000000000000000000000000000000000000000002a", nil
		case "eth_chainId":
			return "0x2105", nil
		default:
			return nil, &transport.Error{Code: 3, Message: "execution reverted"}
		}
	})
	c := New("base", srv.URL)
	ctx := context.Background()

	to := common.HexToAddress("0xc0")
	out, err := c.Call(ctx, geth.CallMsg{To: &to, Data: common.FromHex("0x70a08231")})
	require.NoError(t, err)
	require.Equal(t, int64(42), new(big.Int).SetBytes(out).Int64())

	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(8453), id.Int64())

	_, err = c.GasPrice(ctx)
	var rpcErr *chain.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "eth_gasPrice", rpcErr.Method)
}

func TestSendTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0xc0")
	signer := types.LatestSignerForChainID(big.NewInt(31337))
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{Nonce: 1, To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
	require.NoError(t, err)

	srv := newNode(t, func(req rpcReq) (interface{}, *transport.Error) {
		var raw string
		require.NoError(t, json.Unmarshal(req.Params[0], &raw))
		var decoded types.Transaction
		require.NoError(t, decoded.UnmarshalBinary(common.FromHex(raw)))
		return decoded.Hash(), nil
	})
	require.NoError(t, New("local", srv.URL).SendTransaction(context.Background(), tx))
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := retry.NewCircuitBreaker(2, time.Minute)
	c := New("local", srv.URL, WithCircuitBreaker(cb))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.LatestBlock(ctx)
		require.Error(t, err)
	}
	_, err := c.LatestBlock(ctx)
	require.ErrorIs(t, err, retry.ErrCircuitOpen)

	var rpcErr *chain.RPCError
	require.True(t, errors.As(err, &rpcErr))
}

func TestNodeErrorDoesNotTripBreaker(t *testing.T) {
	srv := newNode(t, func(rpcReq) (interface{}, *transport.Error) {
		return nil, &transport.Error{Code: -32000, Message: "nonce too low"}
	})
	cb := retry.NewCircuitBreaker(1, time.Minute)
	c := New("local", srv.URL, WithCircuitBreaker(cb))

	for i := 0; i < 3; i++ {
		_, err := c.PendingNonce(context.Background(), common.Address{})
		require.Error(t, err)
	}
	require.Equal(t, retry.Closed, cb.CurrentState())
}
