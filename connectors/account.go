package connectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ReignProtocol/ReignProtocol/units"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

var (
	ErrWalletNotInstalled = errors.New("Please Install Wallet")
	ErrWalletNotConnected = errors.New("Please Open Metamask and Connect")
)

// EthAddress asks the wallet for account access and returns the signing address.
func (s *Service) EthAddress(ctx context.Context) (common.Address, error) {
	var addr common.Address
	err := s.observe(ctx, "EthAddress", 0, func(ctx context.Context) error {
		var err error
		addr, err = s.ethAddress(ctx)
		return err
	})
	return addr, err
}

// RequestAccount selects the wallet of the preferred kind (the configured
// preference when empty), switches the provider to the target chain and
// requests account access. The selected wallet serves later operations.
func (s *Service) RequestAccount(ctx context.Context, preferred wallet.Kind) (common.Address, error) {
	var addr common.Address
	err := s.observe(ctx, "RequestAccount", 0, func(ctx context.Context) error {
		if preferred == "" {
			preferred = s.preferred
		}
		w, err := wallet.Select(s.wallets, preferred)
		if err != nil {
			return err
		}
		if err := s.chain.EnsureChain(ctx); err != nil {
			return fmt.Errorf("switch chain: %w", err)
		}
		addr, err = w.RequestAccounts(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.active = w
		s.mu.Unlock()
		return nil
	})
	return addr, err
}

// IsConnected reports whether a wallet is configured, the provider is on the
// target chain and the wallet grants account access. The underlying cause is
// logged; callers only see the two user facing errors.
func (s *Service) IsConnected(ctx context.Context) error {
	return s.observe(ctx, "IsConnected", s.callTimeout, func(ctx context.Context) error {
		w, err := s.currentWallet()
		if err != nil {
			return ErrWalletNotInstalled
		}
		if err := s.chain.EnsureChain(ctx); err != nil {
			s.logger.WarnContext(ctx, "chain check failed", slog.Any("error", err))
			return ErrWalletNotConnected
		}
		if _, err := w.RequestAccounts(ctx); err != nil {
			s.logger.WarnContext(ctx, "account request failed", slog.Any("error", err))
			return ErrWalletNotConnected
		}
		return nil
	})
}

// UserWalletAddress requests account access on the target chain and returns
// the signing address.
func (s *Service) UserWalletAddress(ctx context.Context) (common.Address, error) {
	var addr common.Address
	err := s.observe(ctx, "UserWalletAddress", 0, func(ctx context.Context) error {
		w, _, err := s.requestAccount(ctx)
		if err != nil {
			return err
		}
		addr, err = w.Address(ctx)
		return err
	})
	return addr, err
}

// WalletBalance returns the USDC balance of address, or of the connected
// wallet when address is empty, as a decimal string.
func (s *Service) WalletBalance(ctx context.Context, address string) (string, error) {
	var balance string
	err := s.observe(ctx, "WalletBalance", s.callTimeout, func(ctx context.Context) error {
		w, _, err := s.requestAccount(ctx)
		if err != nil {
			return err
		}
		var owner common.Address
		if trimmed := strings.TrimSpace(address); trimmed != "" {
			if !common.IsHexAddress(trimmed) {
				return fmt.Errorf("invalid address %q", address)
			}
			owner = common.HexToAddress(trimmed)
		} else if owner, err = w.Address(ctx); err != nil {
			return err
		}
		backend, err := s.chain.Backend(ctx)
		if err != nil {
			return err
		}
		token, err := s.bindings.Token(backend)
		if err != nil {
			return err
		}
		raw, err := token.BalanceOf(callOpts(ctx), owner)
		if err != nil {
			return err
		}
		balance = units.FormatUnits(raw, units.SixDecimals)
		return nil
	})
	return balance, err
}

// GasPrice returns the suggested gas price scaled by six decimals, the unit
// the frontend displays it in.
func (s *Service) GasPrice(ctx context.Context) (string, error) {
	var price string
	err := s.observe(ctx, "GasPrice", s.callTimeout, func(ctx context.Context) error {
		if _, _, err := s.requestAccount(ctx); err != nil {
			return err
		}
		wei, err := s.chain.GasPrice(ctx)
		if err != nil {
			return err
		}
		price = units.FormatUnits(wei, units.SixDecimals)
		return nil
	})
	return price, err
}
