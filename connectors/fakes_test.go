package connectors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/contracts"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

var (
	borrowerAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	underwriterAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeChain struct {
	mu            sync.Mutex
	ensureErr     error
	gasPrice      *big.Int
	waitErr       error
	mined         []*types.Transaction
	confirmations uint64
	ensured       int
}

func (c *fakeChain) Backend(context.Context) (chain.Client, error) { return nil, nil }
func (c *fakeChain) TargetChainID() uint64                      { return chain.DefaultChainID }

func (c *fakeChain) EnsureChain(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured++
	return c.ensureErr
}

func (c *fakeChain) GasPrice(context.Context) (*big.Int, error) {
	if c.gasPrice == nil {
		return nil, errors.New("gas oracle down")
	}
	return c.gasPrice, nil
}

func (c *fakeChain) WaitMined(_ context.Context, tx *types.Transaction, confirmations uint64) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mined = append(c.mined, tx)
	c.confirmations = confirmations
	if c.waitErr != nil {
		return nil, c.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}, nil
}

type vote struct {
	id    [32]byte
	value uint8
}

type fakeManager struct {
	mu            sync.Mutex
	records       map[[32]byte]contracts.OpportunityRecord
	all           [][32]byte
	byBorrower    map[common.Address][][32]byte
	byUnderwriter map[common.Address][][32]byte
	readErr       error
	created       []contracts.CreateOpportunityData
	votes         []vote
	signers       []common.Address
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		records:       map[[32]byte]contracts.OpportunityRecord{},
		byBorrower:    map[common.Address][][32]byte{},
		byUnderwriter: map[common.Address][][32]byte{},
	}
}

// add registers rec globally and under its borrower.
func (m *fakeManager) add(rec contracts.OpportunityRecord) {
	m.records[rec.OpportunityId] = rec
	m.all = append(m.all, rec.OpportunityId)
	m.byBorrower[rec.Borrower] = append(m.byBorrower[rec.Borrower], rec.OpportunityId)
}

func (m *fakeManager) CreateOpportunity(opts *bind.TransactOpts, data contracts.CreateOpportunityData) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, data)
	m.signers = append(m.signers, opts.From)
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(m.created)), GasPrice: big.NewInt(1), Gas: 1}), nil
}

func (m *fakeManager) VoteOpportunity(opts *bind.TransactOpts, id [32]byte, value uint8) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = append(m.votes, vote{id: id, value: value})
	m.signers = append(m.signers, opts.From)
	return types.NewTx(&types.LegacyTx{Nonce: 100 + uint64(len(m.votes)), GasPrice: big.NewInt(1), Gas: 1}), nil
}

func (m *fakeManager) OpportunityToID(_ *bind.CallOpts, id [32]byte) (contracts.OpportunityRecord, error) {
	if m.readErr != nil {
		return contracts.OpportunityRecord{}, m.readErr
	}
	rec, ok := m.records[id]
	if !ok {
		return contracts.OpportunityRecord{}, errors.New("unknown opportunity")
	}
	return rec, nil
}

func (m *fakeManager) GetOpportunityOf(_ *bind.CallOpts, borrower common.Address) ([][32]byte, error) {
	return m.byBorrower[borrower], nil
}

func (m *fakeManager) GetUnderWritersOpportunities(_ *bind.CallOpts, underwriter common.Address) ([][32]byte, error) {
	return m.byUnderwriter[underwriter], nil
}

func (m *fakeManager) GetTotalOpportunities(*bind.CallOpts) (*big.Int, error) {
	return big.NewInt(int64(len(m.all))), nil
}

func (m *fakeManager) OpportunityIDs(_ *bind.CallOpts, index *big.Int) ([32]byte, error) {
	i := int(index.Int64())
	if i < 0 || i >= len(m.all) {
		return [32]byte{}, errors.New("index out of range")
	}
	return m.all[i], nil
}

type fakePool struct {
	mu sync.Mutex

	balance         *big.Int
	balanceErr      error
	nextRepayment   *big.Int
	totalRepayments *big.Int
	counter         *big.Int
	repayment       *big.Int
	repaid          *big.Int
	staking         map[common.Address]*big.Int
	yield           *big.Int
	junior          contracts.SubPoolDetails
	name            string
	nameCalls       int
}

func (p *fakePool) PoolBalance(*bind.CallOpts) (*big.Int, error) {
	return p.balance, p.balanceErr
}
func (p *fakePool) NextRepaymentTime(*bind.CallOpts) (*big.Int, error) { return p.nextRepayment, nil }
func (p *fakePool) TotalRepayments(*bind.CallOpts) (*big.Int, error)   { return p.totalRepayments, nil }
func (p *fakePool) RepaymentCounter(*bind.CallOpts) (*big.Int, error)  { return p.counter, nil }
func (p *fakePool) RepaymentAmount(*bind.CallOpts) (*big.Int, error)   { return p.repayment, nil }
func (p *fakePool) TotalRepaidAmount(*bind.CallOpts) (*big.Int, error) { return p.repaid, nil }
func (p *fakePool) JuniorYieldPercentage(*bind.CallOpts) (*big.Int, error) {
	return p.yield, nil
}
func (p *fakePool) JuniorSubPoolDetails(*bind.CallOpts) (contracts.SubPoolDetails, error) {
	return p.junior, nil
}

func (p *fakePool) StakingBalance(_ *bind.CallOpts, investor common.Address) (*big.Int, error) {
	if v, ok := p.staking[investor]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (p *fakePool) OpportunityName(*bind.CallOpts) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nameCalls++
	return p.name, nil
}

type fakeToken struct {
	balances map[common.Address]*big.Int
}

func (t *fakeToken) BalanceOf(_ *bind.CallOpts, account common.Address) (*big.Int, error) {
	if v, ok := t.balances[account]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

type fakeBindings struct {
	manager *fakeManager
	pools   map[common.Address]*fakePool
	token   *fakeToken
}

func (b *fakeBindings) Manager(bind.ContractBackend) (Manager, error) { return b.manager, nil }

func (b *fakeBindings) Pool(_ bind.ContractCaller, address common.Address) (Pool, error) {
	pool, ok := b.pools[address]
	if !ok {
		return nil, errors.New("no pool at " + address.Hex())
	}
	return pool, nil
}

func (b *fakeBindings) Token(bind.ContractCaller) (Token, error) { return b.token, nil }

type fakeWallet struct {
	kind wallet.Kind
	addr common.Address
	err  error
}

func (w *fakeWallet) Kind() wallet.Kind { return w.kind }
func (w *fakeWallet) Accounts(context.Context) ([]common.Address, error) {
	return []common.Address{w.addr}, w.err
}
func (w *fakeWallet) RequestAccounts(context.Context) (common.Address, error) {
	if w.err != nil {
		return common.Address{}, w.err
	}
	return w.addr, nil
}
func (w *fakeWallet) Address(context.Context) (common.Address, error) { return w.addr, nil }
func (w *fakeWallet) TransactOpts(ctx context.Context, _ *big.Int) (*bind.TransactOpts, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &bind.TransactOpts{From: w.addr, Context: ctx}, nil
}

type harness struct {
	svc      *Service
	chain    *fakeChain
	manager  *fakeManager
	bindings *fakeBindings
}

func newHarness(t *testing.T, wallets []wallet.Wallet, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		chain:   &fakeChain{gasPrice: big.NewInt(30_000_000_000)},
		manager: newFakeManager(),
	}
	h.bindings = &fakeBindings{
		manager: h.manager,
		pools:   map[common.Address]*fakePool{},
		token:   &fakeToken{balances: map[common.Address]*big.Int{}},
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithConcurrency(3),
		WithClock(func() time.Time { return time.Unix(1_710_000_000, 0) }),
	}
	svc, err := New(h.chain, h.bindings, wallets, append(base, opts...)...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func borrowerWallet() []wallet.Wallet {
	return []wallet.Wallet{&fakeWallet{kind: wallet.KindKeystore, addr: borrowerAddr}}
}

func opportunityID(b byte) [32]byte {
	return [32]byte{b}
}

func record(id byte, status contracts.OpportunityStatus, pool common.Address) contracts.OpportunityRecord {
	return contracts.OpportunityRecord{
		OpportunityId:          opportunityID(id),
		Borrower:               borrowerAddr,
		OpportunityName:        "opportunity",
		OpportunityDescription: "ipfs://info",
		LoanType:               contracts.LoanTypeBullet,
		LoanAmount:             big.NewInt(1_000_000_000),
		LoanTermInDays:         big.NewInt(360),
		LoanInterest:           big.NewInt(12_000_000),
		PaymentFrequencyInDays: big.NewInt(30),
		CollateralDocument:     "ipfs://collateral",
		InvestmentLoss:         big.NewInt(0),
		OpportunityStatus:      uint8(status),
		OpportunityPoolAddress: pool,
		CreatedAt:              big.NewInt(1_709_640_000),
	}
}

func poolAddress(b byte) common.Address {
	return common.BytesToAddress([]byte{0xa0, b})
}
