package connectors

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/contracts"
)

// Manager is the OpportunityManager surface used by the connectors.
type Manager interface {
	CreateOpportunity(opts *bind.TransactOpts, data contracts.CreateOpportunityData) (*types.Transaction, error)
	VoteOpportunity(opts *bind.TransactOpts, id [32]byte, vote uint8) (*types.Transaction, error)
	OpportunityToID(opts *bind.CallOpts, id [32]byte) (contracts.OpportunityRecord, error)
	GetOpportunityOf(opts *bind.CallOpts, borrower common.Address) ([][32]byte, error)
	GetUnderWritersOpportunities(opts *bind.CallOpts, underwriter common.Address) ([][32]byte, error)
	GetTotalOpportunities(opts *bind.CallOpts) (*big.Int, error)
	OpportunityIDs(opts *bind.CallOpts, index *big.Int) ([32]byte, error)
}

// Pool is the OpportunityPool surface used by the connectors.
type Pool interface {
	PoolBalance(opts *bind.CallOpts) (*big.Int, error)
	NextRepaymentTime(opts *bind.CallOpts) (*big.Int, error)
	TotalRepayments(opts *bind.CallOpts) (*big.Int, error)
	RepaymentCounter(opts *bind.CallOpts) (*big.Int, error)
	RepaymentAmount(opts *bind.CallOpts) (*big.Int, error)
	TotalRepaidAmount(opts *bind.CallOpts) (*big.Int, error)
	StakingBalance(opts *bind.CallOpts, investor common.Address) (*big.Int, error)
	JuniorYieldPercentage(opts *bind.CallOpts) (*big.Int, error)
	JuniorSubPoolDetails(opts *bind.CallOpts) (contracts.SubPoolDetails, error)
	OpportunityName(opts *bind.CallOpts) (string, error)
}

// Token is the USDC surface used by the connectors.
type Token interface {
	BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error)
}

// Bindings builds contract bindings on top of a backend.
type Bindings interface {
	Manager(backend bind.ContractBackend) (Manager, error)
	Pool(caller bind.ContractCaller, address common.Address) (Pool, error)
	Token(caller bind.ContractCaller) (Token, error)
}

// ContractBindings binds the deployed marketplace contracts.
type ContractBindings struct {
	ManagerAddress common.Address
	TokenAddress   common.Address
}

func (b ContractBindings) Manager(backend bind.ContractBackend) (Manager, error) {
	return contracts.NewOpportunityManager(b.ManagerAddress, backend)
}

func (b ContractBindings) Pool(caller bind.ContractCaller, address common.Address) (Pool, error) {
	return contracts.NewOpportunityPool(address, caller)
}

func (b ContractBindings) Token(caller bind.ContractCaller) (Token, error) {
	return contracts.NewERC20(b.TokenAddress, caller)
}

// Chain is what the connectors need from the network provider.
// *chain.Provider satisfies it.
type Chain interface {
	Backend(ctx context.Context) (chain.Client, error)
	TargetChainID() uint64
	EnsureChain(ctx context.Context) error
	GasPrice(ctx context.Context) (*big.Int, error)
	WaitMined(ctx context.Context, tx *types.Transaction, confirmations uint64) (*types.Receipt, error)
}
