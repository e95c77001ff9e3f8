package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NullAddress is what the manager returns for opportunities without a pool.
var NullAddress = common.Address{}

// OpportunityStatus mirrors the on-chain status enum.
type OpportunityStatus uint8

const (
	StatusUnderReview OpportunityStatus = iota
	StatusRejected
	StatusApproved
	StatusUnsure
	StatusCollateralized
	StatusActive
	StatusDrawndown
	StatusRepaid
	StatusDefaulted
)

func (s OpportunityStatus) String() string {
	switch s {
	case StatusUnderReview:
		return "under_review"
	case StatusRejected:
		return "rejected"
	case StatusApproved:
		return "approved"
	case StatusUnsure:
		return "unsure"
	case StatusCollateralized:
		return "collateralized"
	case StatusActive:
		return "active"
	case StatusDrawndown:
		return "drawndown"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Loan types as stored in OpportunityRecord.LoanType.
const (
	LoanTypeBullet uint8 = 0
	LoanTypeTerm   uint8 = 1
)

// OpportunityRecord is the opportunity struct as returned by opportunityToId.
type OpportunityRecord struct {
	OpportunityId          [32]byte
	Borrower               common.Address
	OpportunityName        string
	OpportunityDescription string
	LoanType               uint8
	LoanAmount             *big.Int
	LoanTermInDays         *big.Int
	LoanInterest           *big.Int
	PaymentFrequencyInDays *big.Int
	CollateralDocument     string
	InvestmentLoss         *big.Int
	OpportunityStatus      uint8
	OpportunityPoolAddress common.Address
	CreatedAt              *big.Int
}

// Status returns the typed opportunity status.
func (r OpportunityRecord) Status() OpportunityStatus {
	return OpportunityStatus(r.OpportunityStatus)
}

// HasPool reports whether a pool has been deployed for the opportunity.
func (r OpportunityRecord) HasPool() bool {
	return r.OpportunityPoolAddress != NullAddress
}

// CreateOpportunityData is the tuple accepted by createOpportunity.
type CreateOpportunityData struct {
	Borrower               common.Address
	OpportunityName        string
	OpportunityDescription string
	LoanType               uint8
	LoanAmount             *big.Int
	LoanTermInDays         *big.Int
	LoanInterest           *big.Int
	PaymentFrequencyInDays *big.Int
	CollateralDocument     string
	CapitalLoss            *big.Int
}

// OpportunityManager is a typed binding of the OpportunityManager contract.
type OpportunityManager struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewOpportunityManager binds a manager deployed at address for reads and writes.
func NewOpportunityManager(address common.Address, backend bind.ContractBackend) (*OpportunityManager, error) {
	return newOpportunityManager(address, backend, backend, backend)
}

// NewOpportunityManagerCaller binds a read-only manager.
func NewOpportunityManagerCaller(address common.Address, caller bind.ContractCaller) (*OpportunityManager, error) {
	return newOpportunityManager(address, caller, nil, nil)
}

func newOpportunityManager(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*OpportunityManager, error) {
	parsed, err := ManagerABI()
	if err != nil {
		return nil, err
	}
	return &OpportunityManager{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, caller, transactor, filterer),
	}, nil
}

// Address returns the bound contract address.
func (m *OpportunityManager) Address() common.Address { return m.address }

// CreateOpportunity submits a new loan opportunity.
func (m *OpportunityManager) CreateOpportunity(opts *bind.TransactOpts, data CreateOpportunityData) (*types.Transaction, error) {
	return m.contract.Transact(opts, "createOpportunity", data)
}

// VoteOpportunity records an underwriter vote.
func (m *OpportunityManager) VoteOpportunity(opts *bind.TransactOpts, id [32]byte, vote uint8) (*types.Transaction, error) {
	return m.contract.Transact(opts, "voteOpportunity", id, vote)
}

// OpportunityToID reads an opportunity by id.
func (m *OpportunityManager) OpportunityToID(opts *bind.CallOpts, id [32]byte) (OpportunityRecord, error) {
	var record OpportunityRecord
	out := []interface{}{&record}
	if err := m.contract.Call(opts, &out, "opportunityToId", id); err != nil {
		return OpportunityRecord{}, fmt.Errorf("opportunityToId: %w", err)
	}
	return record, nil
}

// GetOpportunityOf lists the opportunity ids created by borrower.
func (m *OpportunityManager) GetOpportunityOf(opts *bind.CallOpts, borrower common.Address) ([][32]byte, error) {
	return m.callIDs(opts, "getOpportunityOf", borrower)
}

// GetUnderWritersOpportunities lists the opportunity ids assigned to underwriter.
func (m *OpportunityManager) GetUnderWritersOpportunities(opts *bind.CallOpts, underwriter common.Address) ([][32]byte, error) {
	return m.callIDs(opts, "getUnderWritersOpportunities", underwriter)
}

// GetTotalOpportunities returns the number of opportunities ever created.
func (m *OpportunityManager) GetTotalOpportunities(opts *bind.CallOpts) (*big.Int, error) {
	return callUint(m.contract, opts, "getTotalOpportunities")
}

// OpportunityIDs returns the id stored at index of the global id list.
func (m *OpportunityManager) OpportunityIDs(opts *bind.CallOpts, index *big.Int) ([32]byte, error) {
	var out []interface{}
	if err := m.contract.Call(opts, &out, "opportunityIds", index); err != nil {
		return [32]byte{}, fmt.Errorf("opportunityIds: %w", err)
	}
	return *abi.ConvertType(out[0], new([32]byte)).(*[32]byte), nil
}

func (m *OpportunityManager) callIDs(opts *bind.CallOpts, method string, addr common.Address) ([][32]byte, error) {
	var out []interface{}
	if err := m.contract.Call(opts, &out, method, addr); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte), nil
}

func callUint(contract *bind.BoundContract, opts *bind.CallOpts, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(opts, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}
