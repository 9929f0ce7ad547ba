// Package wallet signs race and approval transactions on behalf of the player.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrRejected is returned when the player declines to sign a transaction.
var ErrRejected = errors.New("wallet: user rejected the request")

// Signer produces signed transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromHex parses a hex private key, with or without 0x prefix.
func FromHex(hexKey string) (*KeySigner, error) {
	if len(hexKey) > 1 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address {
	return s.addr
}

// SignTx signs tx for chainID with the latest signer the chain supports.
func (s *KeySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	return signed, nil
}

// Confirmer asks the player whether tx may be signed.
type Confirmer func(ctx context.Context, tx *types.Transaction) (bool, error)

// ConfirmingSigner asks a Confirmer before delegating to the wrapped signer.
type ConfirmingSigner struct {
	Signer
	confirm Confirmer
}

// WithConfirmation wraps s so every signature needs approval.
func WithConfirmation(s Signer, confirm Confirmer) *ConfirmingSigner {
	return &ConfirmingSigner{Signer: s, confirm: confirm}
}

func (s *ConfirmingSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	ok, err := s.confirm(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: confirm: %w", err)
	}
	if !ok {
		return nil, ErrRejected
	}
	return s.Signer.SignTx(ctx, tx, chainID)
}
