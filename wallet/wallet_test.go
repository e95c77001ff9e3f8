package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func newTestKeystore(t *testing.T, passphrase string, n int) (*keystore.KeyStore, []accounts.Account) {
	t.Helper()
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	accts := make([]accounts.Account, 0, n)
	for i := 0; i < n; i++ {
		acct, err := ks.NewAccount(passphrase)
		if err != nil {
			t.Fatalf("new account: %v", err)
		}
		accts = append(accts, acct)
	}
	return ks, accts
}

func unsignedTx() *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
}

func TestKeystoreWalletRequestAccountsAndSign(t *testing.T) {
	ks, accts := newTestKeystore(t, "correct horse", 1)
	w, err := NewKeystoreWallet(ks, "", StaticPassphrase("correct horse"))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	addr, err := w.RequestAccounts(context.Background())
	if err != nil {
		t.Fatalf("request accounts: %v", err)
	}
	if addr != accts[0].Address {
		t.Fatalf("unexpected address %s", addr.Hex())
	}

	chainID := big.NewInt(80002)
	opts, err := w.TransactOpts(context.Background(), chainID)
	if err != nil {
		t.Fatalf("transact opts: %v", err)
	}
	signed, err := opts.Signer(opts.From, unsignedTx())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != accts[0].Address {
		t.Fatalf("signed by %s want %s", sender.Hex(), accts[0].Address.Hex())
	}
	if err := w.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
}

func TestKeystoreWalletWrongPassphrase(t *testing.T) {
	ks, _ := newTestKeystore(t, "correct horse", 1)
	w, err := NewKeystoreWallet(ks, "", StaticPassphrase("battery staple"))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	if _, err := w.RequestAccounts(context.Background()); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestKeystoreWalletAccountSelection(t *testing.T) {
	ks, accts := newTestKeystore(t, "pw", 2)
	w, err := NewKeystoreWallet(ks, accts[1].Address.Hex(), StaticPassphrase("pw"))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	addr, err := w.Address(context.Background())
	if err != nil || addr != accts[1].Address {
		t.Fatalf("unexpected address %s err %v", addr.Hex(), err)
	}

	missing, err := NewKeystoreWallet(ks, "0x00000000000000000000000000000000000000ff", StaticPassphrase("pw"))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	if _, err := missing.RequestAccounts(context.Background()); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if _, err := NewKeystoreWallet(ks, "not-an-address", StaticPassphrase("pw")); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestKeystoreWalletEmpty(t *testing.T) {
	ks, _ := newTestKeystore(t, "pw", 0)
	w, err := NewKeystoreWallet(ks, "", StaticPassphrase("pw"))
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	if _, err := w.RequestAccounts(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts, got %v", err)
	}
}

func TestExternalWalletSignsThroughSigner(t *testing.T) {
	ks, accts := newTestKeystore(t, "pw", 1)
	if err := ks.Unlock(accts[0], "pw"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	w := NewExternalWallet(ks)
	chainID := big.NewInt(80002)
	opts, err := w.TransactOpts(context.Background(), chainID)
	if err != nil {
		t.Fatalf("transact opts: %v", err)
	}
	if opts.From != accts[0].Address {
		t.Fatalf("unexpected from %s", opts.From.Hex())
	}
	if _, err := opts.Signer(common.HexToAddress("0x01"), unsignedTx()); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for foreign address, got %v", err)
	}
	signed, err := opts.Signer(opts.From, unsignedTx())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil || sender != accts[0].Address {
		t.Fatalf("unexpected sender %s err %v", sender.Hex(), err)
	}
}

func TestExternalWalletNoAccounts(t *testing.T) {
	ks, _ := newTestKeystore(t, "pw", 0)
	if _, err := NewExternalWallet(ks).RequestAccounts(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts, got %v", err)
	}
}

type stubWallet struct{ kind Kind }

func (s stubWallet) Kind() Kind { return s.kind }
func (stubWallet) Accounts(context.Context) ([]common.Address, error) {
	return nil, nil
}
func (stubWallet) RequestAccounts(context.Context) (common.Address, error) {
	return common.Address{}, nil
}
func (stubWallet) Address(context.Context) (common.Address, error) {
	return common.Address{}, nil
}
func (stubWallet) TransactOpts(context.Context, *big.Int) (*bind.TransactOpts, error) {
	return nil, nil
}

func TestSelect(t *testing.T) {
	keystoreWallet := stubWallet{kind: KindKeystore}
	externalWallet := stubWallet{kind: KindExternal}

	tests := []struct {
		name      string
		wallets   []Wallet
		preferred Kind
		want      Kind
		err       error
	}{
		{name: "preferred", wallets: []Wallet{keystoreWallet, externalWallet}, preferred: KindExternal, want: KindExternal},
		{name: "fallback to first", wallets: []Wallet{keystoreWallet}, preferred: KindExternal, want: KindKeystore},
		{name: "no preference", wallets: []Wallet{externalWallet, keystoreWallet}, want: KindExternal},
		{name: "skips nil", wallets: []Wallet{nil, keystoreWallet}, want: KindKeystore},
		{name: "none", wallets: nil, err: ErrNoWallet},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(tc.wallets, tc.preferred)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if got.Kind() != tc.want {
				t.Fatalf("selected %s want %s", got.Kind(), tc.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"": "", "Keystore": KindKeystore, " clef ": KindExternal, "external": KindExternal} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseKind("metamask"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestPassphraseSourceFromEnv(t *testing.T) {
	t.Setenv("REIGN_TEST_PASSPHRASE", "s3cret")
	got, err := NewPassphraseSource("REIGN_TEST_PASSPHRASE").Get()
	if err != nil || got != "s3cret" {
		t.Fatalf("unexpected passphrase %q err %v", got, err)
	}

	t.Setenv("REIGN_TEST_EMPTY", "  ")
	if _, err := NewPassphraseSource("REIGN_TEST_EMPTY").Get(); err == nil {
		t.Fatalf("expected empty env error")
	}
	if _, err := StaticPassphrase(" ").Get(); err == nil {
		t.Fatalf("expected empty static passphrase error")
	}
}
