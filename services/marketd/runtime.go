package marketd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/loanform"
	"github.com/ReignProtocol/ReignProtocol/observability/metrics"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

// Runtime holds the long-lived objects shared by the daemon and the CLI: the
// chain provider, the signing wallets and the services built on them.
type Runtime struct {
	Config     Config
	Provider   *chain.Provider
	Connectors *connectors.Service
	Drafts     *loanform.Service

	db *gorm.DB
}

// NewRuntime dials nothing up front; the provider connects on first use.
func NewRuntime(cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider, err := chain.NewProvider(cfg.Networks, cfg.TargetChainID, chain.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("chain provider: %w", err)
	}
	wallets, err := buildWallets(cfg.Wallet)
	if err != nil {
		provider.Close()
		return nil, err
	}
	preferred, _ := wallet.ParseKind(cfg.Wallet.Preferred)
	svc, err := connectors.New(provider, connectors.ContractBindings{
		ManagerAddress: common.HexToAddress(cfg.Contracts.OpportunityManager),
		TokenAddress:   common.HexToAddress(cfg.Contracts.USDCToken),
	}, wallets,
		connectors.WithLogger(logger),
		connectors.WithMetrics(metrics.Connectors()),
		connectors.WithConcurrency(cfg.Connectors.Concurrency),
		connectors.WithConfirmations(cfg.Connectors.Confirmations),
		connectors.WithCallTimeout(cfg.Connectors.CallTimeout.Duration),
		connectors.WithPoolNameCache(cfg.Connectors.PoolNameCache),
		connectors.WithPreferredWallet(preferred),
	)
	if err != nil {
		provider.Close()
		return nil, err
	}
	db, err := loanform.Open(cfg.Drafts.DSN)
	if err != nil {
		provider.Close()
		return nil, err
	}
	store, err := loanform.NewStore(db)
	if err != nil {
		provider.Close()
		closeDB(db)
		return nil, err
	}
	return &Runtime{
		Config:     cfg,
		Provider:   provider,
		Connectors: svc,
		Drafts:     loanform.NewService(store, svc),
		db:         db,
	}, nil
}

// Network returns the target network definition.
func (rt *Runtime) Network() chain.Network {
	network, _ := rt.Provider.Network(rt.Config.TargetChainID)
	return network
}

func (rt *Runtime) Close() {
	rt.Provider.Close()
	closeDB(rt.db)
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// buildWallets opens every configured signing backend, the configured kind
// first.
func buildWallets(cfg WalletConfig) ([]wallet.Wallet, error) {
	kind, err := wallet.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	var keystoreWallet, externalWallet wallet.Wallet
	if strings.TrimSpace(cfg.KeystoreDir) != "" {
		w, err := wallet.OpenKeystore(cfg.KeystoreDir, cfg.Account, wallet.NewPassphraseSource(cfg.PassphraseEnv))
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		keystoreWallet = w
	}
	if strings.TrimSpace(cfg.ExternalEndpoint) != "" {
		w, err := wallet.DialExternal(cfg.ExternalEndpoint)
		if err != nil {
			return nil, err
		}
		externalWallet = w
	}
	ordered := []wallet.Wallet{keystoreWallet, externalWallet}
	if kind == wallet.KindExternal {
		ordered = []wallet.Wallet{externalWallet, keystoreWallet}
	}
	out := make([]wallet.Wallet, 0, 2)
	for _, w := range ordered {
		if w != nil {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no wallet backend configured")
	}
	return out, nil
}
