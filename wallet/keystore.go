package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// KeystoreWallet signs with an account from a local v3 keystore directory.
type KeystoreWallet struct {
	ks         *keystore.KeyStore
	want       common.Address
	passphrase Passphrase

	mu       sync.Mutex
	unlocked *accounts.Account
}

// OpenKeystore loads the keystore in dir. account optionally pins the signing
// address; otherwise the first account in the directory is used.
func OpenKeystore(dir, account string, passphrase Passphrase) (*KeystoreWallet, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore directory required")
	}
	return NewKeystoreWallet(keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP), account, passphrase)
}

// NewKeystoreWallet wraps an existing keystore.
func NewKeystoreWallet(ks *keystore.KeyStore, account string, passphrase Passphrase) (*KeystoreWallet, error) {
	if ks == nil {
		return nil, errors.New("keystore required")
	}
	if passphrase == nil {
		return nil, errors.New("passphrase source required")
	}
	w := &KeystoreWallet{ks: ks, passphrase: passphrase}
	if trimmed := strings.TrimSpace(account); trimmed != "" {
		if !common.IsHexAddress(trimmed) {
			return nil, fmt.Errorf("invalid account address %q", account)
		}
		w.want = common.HexToAddress(trimmed)
	}
	return w, nil
}

func (w *KeystoreWallet) Kind() Kind { return KindKeystore }

func (w *KeystoreWallet) Accounts(context.Context) ([]common.Address, error) {
	accts := w.ks.Accounts()
	out := make([]common.Address, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Address)
	}
	return out, nil
}

func (w *KeystoreWallet) selected() (accounts.Account, error) {
	accts := w.ks.Accounts()
	if len(accts) == 0 {
		return accounts.Account{}, ErrNoAccounts
	}
	if w.want == (common.Address{}) {
		return accts[0], nil
	}
	for _, a := range accts {
		if a.Address == w.want {
			return a, nil
		}
	}
	return accounts.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, w.want.Hex())
}

// RequestAccounts unlocks the signing account with the configured passphrase.
func (w *KeystoreWallet) RequestAccounts(context.Context) (common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unlocked != nil {
		return w.unlocked.Address, nil
	}
	account, err := w.selected()
	if err != nil {
		return common.Address{}, err
	}
	secret, err := w.passphrase.Get()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if err := w.ks.Unlock(account, secret); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	w.unlocked = &account
	return account.Address, nil
}

func (w *KeystoreWallet) Address(context.Context) (common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unlocked != nil {
		return w.unlocked.Address, nil
	}
	account, err := w.selected()
	if err != nil {
		return common.Address{}, err
	}
	return account.Address, nil
}

func (w *KeystoreWallet) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	if chainID == nil {
		return nil, errors.New("chain id required")
	}
	if _, err := w.RequestAccounts(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	account := *w.unlocked
	w.mu.Unlock()
	opts, err := bind.NewKeyStoreTransactorWithChainID(w.ks, account, chainID)
	if err != nil {
		return nil, fmt.Errorf("keystore transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// Lock drops the unlocked key from memory.
func (w *KeystoreWallet) Lock() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unlocked == nil {
		return nil
	}
	err := w.ks.Lock(w.unlocked.Address)
	w.unlocked = nil
	return err
}
