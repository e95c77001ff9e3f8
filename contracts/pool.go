package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// SubPoolDetails is the junior tranche bookkeeping of a pool.
type SubPoolDetails struct {
	IsPoolLocked      bool
	DepositableAmount *big.Int
	DepositedAmount   *big.Int
	YieldGenerated    *big.Int
}

// OpportunityPool is a read-only binding of an OpportunityPool contract.
type OpportunityPool struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewOpportunityPool binds the pool deployed at address.
func NewOpportunityPool(address common.Address, caller bind.ContractCaller) (*OpportunityPool, error) {
	parsed, err := PoolABI()
	if err != nil {
		return nil, err
	}
	return &OpportunityPool{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}, nil
}

func (p *OpportunityPool) Address() common.Address { return p.address }

func (p *OpportunityPool) PoolBalance(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "s_poolBalance")
}

func (p *OpportunityPool) NextRepaymentTime(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "nextRepaymentTime")
}

func (p *OpportunityPool) TotalRepayments(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "s_totalRepayments")
}

func (p *OpportunityPool) RepaymentCounter(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "s_repaymentCounter")
}

func (p *OpportunityPool) RepaymentAmount(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "getRepaymentAmount")
}

func (p *OpportunityPool) TotalRepaidAmount(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "s_totalRepaidAmount")
}

func (p *OpportunityPool) StakingBalance(opts *bind.CallOpts, investor common.Address) (*big.Int, error) {
	return callUint(p.contract, opts, "s_stakingBalance", investor)
}

func (p *OpportunityPool) JuniorYieldPercentage(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(p.contract, opts, "s_juniorYieldPercentage")
}

func (p *OpportunityPool) JuniorSubPoolDetails(opts *bind.CallOpts) (SubPoolDetails, error) {
	var details SubPoolDetails
	out := []interface{}{&details}
	if err := p.contract.Call(opts, &out, "s_juniorSubPoolDetails"); err != nil {
		return SubPoolDetails{}, fmt.Errorf("s_juniorSubPoolDetails: %w", err)
	}
	return details, nil
}

func (p *OpportunityPool) OpportunityName(opts *bind.CallOpts) (string, error) {
	var out []interface{}
	if err := p.contract.Call(opts, &out, "getOpportunityName"); err != nil {
		return "", fmt.Errorf("getOpportunityName: %w", err)
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// ERC20 is a read-only binding of the USDC token.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewERC20 binds the token deployed at address.
func NewERC20(address common.Address, caller bind.ContractCaller) (*ERC20, error) {
	parsed, err := TokenABI()
	if err != nil {
		return nil, err
	}
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}, nil
}

func (t *ERC20) Address() common.Address { return t.address }

func (t *ERC20) BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	return callUint(t.contract, opts, "balanceOf", account)
}
