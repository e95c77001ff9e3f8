// Package wallet provides the accounts that sign marketplace transactions.
//
// Two backends exist: a local v3 keystore directory and an external signer
// (Clef) that mediates every signature out of process. When several wallets
// are configured the operator's preferred kind wins.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoWallet       = errors.New("please connect your wallet")
	ErrNoAccounts     = errors.New("wallet: no accounts available")
	ErrNotAuthorized  = errors.New("wallet: account access not authorized")
	ErrUnknownAccount = errors.New("wallet: account not found")
	ErrUnknownKind    = errors.New("wallet: unknown kind")
)

// Kind identifies a wallet backend.
type Kind string

const (
	KindKeystore Kind = "keystore"
	KindExternal Kind = "external"
)

// ParseKind normalises a configured wallet kind. Empty input yields "".
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case KindKeystore:
		return KindKeystore, nil
	case KindExternal, "clef":
		return KindExternal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Wallet exposes the accounts of a signing backend.
type Wallet interface {
	Kind() Kind
	// Accounts lists the addresses the backend can sign for.
	Accounts(ctx context.Context) ([]common.Address, error)
	// RequestAccounts asks the backend for access and returns the account
	// that will sign. It fails when no account is available or access is denied.
	RequestAccounts(ctx context.Context) (common.Address, error)
	// Address returns the signing account without requesting access.
	Address(ctx context.Context) (common.Address, error)
	TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error)
}

// Select picks the wallet of the preferred kind, falling back to the first
// configured wallet.
func Select(wallets []Wallet, preferred Kind) (Wallet, error) {
	var first Wallet
	for _, w := range wallets {
		if w == nil {
			continue
		}
		if first == nil {
			first = w
		}
		if preferred != "" && w.Kind() == preferred {
			return w, nil
		}
	}
	if first == nil {
		return nil, ErrNoWallet
	}
	return first, nil
}
