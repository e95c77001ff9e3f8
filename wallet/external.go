package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is the part of an out-of-process signer used by ExternalWallet.
// *external.ExternalSigner satisfies it.
type Signer interface {
	Accounts() []accounts.Account
	SignTx(account accounts.Account, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ExternalWallet delegates account listing and signing to a Clef endpoint.
// Every signature is confirmed by the operator in Clef.
type ExternalWallet struct {
	signer Signer
}

// DialExternal connects to a Clef endpoint (ipc path or http url).
func DialExternal(endpoint string) (*ExternalWallet, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("external signer endpoint required")
	}
	signer, err := external.NewExternalSigner(trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial external signer: %w", err)
	}
	return NewExternalWallet(signer), nil
}

// NewExternalWallet wraps a signer.
func NewExternalWallet(signer Signer) *ExternalWallet {
	return &ExternalWallet{signer: signer}
}

func (w *ExternalWallet) Kind() Kind { return KindExternal }

func (w *ExternalWallet) Accounts(context.Context) ([]common.Address, error) {
	accts := w.signer.Accounts()
	out := make([]common.Address, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Address)
	}
	return out, nil
}

// RequestAccounts returns the first account Clef exposes. Clef answers with an
// empty list when the operator rejects the listing request.
func (w *ExternalWallet) RequestAccounts(ctx context.Context) (common.Address, error) {
	accts, _ := w.Accounts(ctx)
	if len(accts) == 0 {
		return common.Address{}, ErrNoAccounts
	}
	return accts[0], nil
}

func (w *ExternalWallet) Address(ctx context.Context) (common.Address, error) {
	return w.RequestAccounts(ctx)
}

func (w *ExternalWallet) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	if chainID == nil {
		return nil, errors.New("chain id required")
	}
	from, err := w.RequestAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return &bind.TransactOpts{
		From:    from,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, ErrNotAuthorized
			}
			signed, err := w.signer.SignTx(accounts.Account{Address: addr}, tx, chainID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
			}
			return signed, nil
		},
	}, nil
}
