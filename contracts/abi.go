package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// OpportunityManagerABI covers the OpportunityManager methods the marketplace
// reads and writes. opportunityToId is the public getter of the opportunity
// mapping and therefore returns the struct members as separate outputs.
const OpportunityManagerABI = `[
  {"type":"function","name":"createOpportunity","stateMutability":"nonpayable",
   "inputs":[{"name":"_opportunityData","type":"tuple","components":[
     {"name":"borrower","type":"address"},
     {"name":"opportunityName","type":"string"},
     {"name":"opportunityDescription","type":"string"},
     {"name":"loanType","type":"uint8"},
     {"name":"loanAmount","type":"uint256"},
     {"name":"loanTermInDays","type":"uint256"},
     {"name":"loanInterest","type":"uint256"},
     {"name":"paymentFrequencyInDays","type":"uint256"},
     {"name":"collateralDocument","type":"string"},
     {"name":"capitalLoss","type":"uint256"}]}],
   "outputs":[]},
  {"type":"function","name":"voteOpportunity","stateMutability":"nonpayable",
   "inputs":[{"name":"_opportunityId","type":"bytes32"},{"name":"_vote","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"opportunityToId","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],
   "outputs":[
     {"name":"opportunityId","type":"bytes32"},
     {"name":"borrower","type":"address"},
     {"name":"opportunityName","type":"string"},
     {"name":"opportunityDescription","type":"string"},
     {"name":"loanType","type":"uint8"},
     {"name":"loanAmount","type":"uint256"},
     {"name":"loanTermInDays","type":"uint256"},
     {"name":"loanInterest","type":"uint256"},
     {"name":"paymentFrequencyInDays","type":"uint256"},
     {"name":"collateralDocument","type":"string"},
     {"name":"InvestmentLoss","type":"uint256"},
     {"name":"opportunityStatus","type":"uint8"},
     {"name":"opportunityPoolAddress","type":"address"},
     {"name":"createdAt","type":"uint256"}]},
  {"type":"function","name":"getOpportunityOf","stateMutability":"view",
   "inputs":[{"name":"_borrower","type":"address"}],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getTotalOpportunities","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"opportunityIds","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"getUnderWritersOpportunities","stateMutability":"view",
   "inputs":[{"name":"_underwriter","type":"address"}],
   "outputs":[{"name":"","type":"bytes32[]"}]}
]`

// OpportunityPoolABI covers the pool getters used to enrich opportunities.
const OpportunityPoolABI = `[
  {"type":"function","name":"s_poolBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"nextRepaymentTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"s_totalRepayments","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"s_repaymentCounter","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getRepaymentAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"s_totalRepaidAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"s_juniorSubPoolDetails","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"isPoolLocked","type":"bool"},
     {"name":"depositableAmount","type":"uint256"},
     {"name":"depositedAmount","type":"uint256"},
     {"name":"yieldGenerated","type":"uint256"}]},
  {"type":"function","name":"s_stakingBalance","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"s_juniorYieldPercentage","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getOpportunityName","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// ERC20ABI is the slice of the token interface needed to read wallet balances.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

type parsedABI struct {
	once   sync.Once
	source string
	abi    abi.ABI
	err    error
}

func (p *parsedABI) get() (abi.ABI, error) {
	p.once.Do(func() {
		p.abi, p.err = abi.JSON(strings.NewReader(p.source))
		if p.err != nil {
			p.err = fmt.Errorf("parse abi: %w", p.err)
		}
	})
	return p.abi, p.err
}

var (
	managerABI = &parsedABI{source: OpportunityManagerABI}
	poolABI    = &parsedABI{source: OpportunityPoolABI}
	erc20ABI   = &parsedABI{source: ERC20ABI}
)

// ManagerABI returns the parsed OpportunityManager ABI.
func ManagerABI() (abi.ABI, error) { return managerABI.get() }

// PoolABI returns the parsed OpportunityPool ABI.
func PoolABI() (abi.ABI, error) { return poolABI.get() }

// TokenABI returns the parsed ERC-20 ABI.
func TokenABI() (abi.ABI, error) { return erc20ABI.get() }
