package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownNetwork = errors.New("chain: unknown network")
	ErrChainMismatch  = errors.New("chain: remote chain id mismatch")
	ErrReverted       = errors.New("chain: transaction reverted")
	ErrNotConnected   = errors.New("chain: provider not connected")
)

const defaultPollInterval = 2 * time.Second

// Client is the subset of the go-ethereum RPC client the marketplace uses.
// *ethclient.Client satisfies it.
type Client interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a client for an RPC endpoint.
type Dialer func(ctx context.Context, rawURL string) (Client, error)

// DialEthclient dials an endpoint with ethclient.
func DialEthclient(ctx context.Context, rawURL string) (Client, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc url required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option customises a Provider.
type Option func(*Provider)

// WithDialer replaces the ethclient dialer.
func WithDialer(dial Dialer) Option {
	return func(p *Provider) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithPollInterval sets how often WaitMined polls for receipts and new blocks.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider owns the client for the active network. It is safe for concurrent use.
type Provider struct {
	networks     map[uint64]Network
	target       uint64
	dial         Dialer
	pollInterval time.Duration
	logger       *slog.Logger

	connect  singleflight.Group
	switchMu sync.Mutex

	mu     sync.RWMutex
	client Client
	active Network
}

// NewProvider registers the supplied networks. target must be one of them.
func NewProvider(networks []Network, target uint64, opts ...Option) (*Provider, error) {
	if len(networks) == 0 {
		networks = []Network{DefaultNetwork()}
	}
	if target == 0 {
		target = DefaultChainID
	}
	registry := make(map[uint64]Network, len(networks))
	for _, network := range networks {
		if err := network.validate(); err != nil {
			return nil, err
		}
		if _, dup := registry[network.ChainID]; dup {
			return nil, fmt.Errorf("network %d registered twice", network.ChainID)
		}
		registry[network.ChainID] = network
	}
	if _, ok := registry[target]; !ok {
		return nil, fmt.Errorf("%w: target chain %d", ErrUnknownNetwork, target)
	}
	p := &Provider{
		networks:     registry,
		target:       target,
		dial:         DialEthclient,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TargetChainID returns the chain the contracts are deployed on.
func (p *Provider) TargetChainID() uint64 { return p.target }

// Network looks up a registered network.
func (p *Provider) Network(chainID uint64) (Network, bool) {
	network, ok := p.networks[chainID]
	return network, ok
}

// Active returns the network of the current client.
func (p *Provider) Active() (Network, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active, p.client != nil
}

// Backend returns the active client, dialing the target network on first use.
// Concurrent first callers share one dial.
func (p *Provider) Backend(ctx context.Context) (Client, error) {
	if client := p.current(); client != nil {
		return client, nil
	}
	v, err, _ := p.connect.Do("connect", func() (any, error) {
		if client := p.current(); client != nil {
			return client, nil
		}
		if err := p.SwitchChain(ctx, p.target); err != nil {
			return nil, err
		}
		if client := p.current(); client != nil {
			return client, nil
		}
		return nil, ErrNotConnected
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (p *Provider) current() Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// ChainID asks the connected node for its chain id.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	client, err := p.Backend(ctx)
	if err != nil {
		return nil, err
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return id, nil
}

// SwitchChain dials the registered network with the given id and makes it
// active once the node confirms the same chain id. On failure the previous
// client stays active. Switches are serialised, and a switch to the network
// the active client already serves keeps that client.
func (p *Provider) SwitchChain(ctx context.Context, chainID uint64) error {
	network, ok := p.networks[chainID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNetwork, chainID)
	}
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	p.mu.RLock()
	existing, active := p.client, p.active
	p.mu.RUnlock()
	if existing != nil && active.ChainID == chainID {
		if remote, err := existing.ChainID(ctx); err == nil && remote.IsUint64() && remote.Uint64() == chainID {
			return nil
		}
	}
	client, err := p.dial(ctx, network.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", network.Name, err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("fetch chain id from %s: %w", network.Name, err)
	}
	if remote == nil || !remote.IsUint64() || remote.Uint64() != chainID {
		client.Close()
		return fmt.Errorf("%w: %s reports %v want %d", ErrChainMismatch, network.Name, remote, chainID)
	}

	p.mu.Lock()
	previous := p.client
	p.client = client
	p.active = network
	p.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	p.logger.Info("switched network", slog.String("network", network.Name), slog.String("chain_id", network.ChainIDHex()))
	return nil
}

// EnsureChain makes sure the active client talks to the target chain,
// switching when it does not.
func (p *Provider) EnsureChain(ctx context.Context) error {
	remote, err := p.ChainID(ctx)
	if err != nil {
		return err
	}
	if remote.IsUint64() && remote.Uint64() == p.target {
		return nil
	}
	if err := p.SwitchChain(ctx, p.target); err != nil {
		return err
	}
	remote, err = p.ChainID(ctx)
	if err != nil {
		return err
	}
	if !remote.IsUint64() || remote.Uint64() != p.target {
		return fmt.Errorf("%w: have %s want %d", ErrChainMismatch, remote, p.target)
	}
	return nil
}

// GasPrice returns the node's suggested gas price in wei.
func (p *Provider) GasPrice(ctx context.Context) (*big.Int, error) {
	client, err := p.Backend(ctx)
	if err != nil {
		return nil, err
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// WaitMined blocks until tx is included, fails with ErrReverted when the
// receipt status is not successful, and then waits until the inclusion block
// has the requested number of confirmations (the inclusion block counts as one).
func (p *Provider) WaitMined(ctx context.Context, tx *types.Transaction, confirmations uint64) (*types.Receipt, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	client, err := p.Backend(ctx)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		receipt, err = client.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil && receipt != nil:
		case err == nil, errors.Is(err, ethereum.NotFound):
			receipt = nil
			if err := wait(ctx, ticker); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	if confirmations <= 1 || receipt.BlockNumber == nil {
		return receipt, nil
	}
	included := receipt.BlockNumber.Uint64()
	for {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return receipt, fmt.Errorf("fetch head: %w", err)
		}
		if head >= included && head-included+1 >= confirmations {
			return receipt, nil
		}
		if err := wait(ctx, ticker); err != nil {
			return receipt, err
		}
	}
}

// Close releases the active client.
func (p *Provider) Close() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.active = Network{}
	p.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func wait(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
		return nil
	}
}
