package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/ReignProtocol/ReignProtocol/contracts"
	"github.com/ReignProtocol/ReignProtocol/units"
)

var hundred = decimal.NewFromInt(100)

// CreateOpportunity submits a loan opportunity on behalf of the connected
// borrower and waits for it to be mined.
func (s *Service) CreateOpportunity(ctx context.Context, form *OpportunityForm) (common.Hash, error) {
	var hash common.Hash
	err := s.observe(ctx, "CreateOpportunity", 0, func(ctx context.Context) error {
		if form == nil {
			return ErrEmptyForm
		}
		w, borrower, err := s.requestAccount(ctx)
		if err != nil {
			return err
		}
		data, err := form.toCreateData(borrower)
		if err != nil {
			return err
		}
		manager, err := s.manager(ctx)
		if err != nil {
			return err
		}
		opts, err := w.TransactOpts(ctx, s.chainID())
		if err != nil {
			return err
		}
		tx, err := manager.CreateOpportunity(opts, data)
		if err != nil {
			return fmt.Errorf("createOpportunity: %w", err)
		}
		hash = tx.Hash()
		return s.waitMined(ctx, tx)
	})
	return hash, err
}

// VoteOpportunity records the connected underwriter's vote on an opportunity.
func (s *Service) VoteOpportunity(ctx context.Context, id string, vote uint8) (common.Hash, error) {
	var hash common.Hash
	err := s.observe(ctx, "VoteOpportunity", 0, func(ctx context.Context) error {
		opportunityID, err := ParseOpportunityID(id)
		if err != nil {
			return err
		}
		w, _, err := s.requestAccount(ctx)
		if err != nil {
			return err
		}
		manager, err := s.manager(ctx)
		if err != nil {
			return err
		}
		opts, err := w.TransactOpts(ctx, s.chainID())
		if err != nil {
			return err
		}
		tx, err := manager.VoteOpportunity(opts, opportunityID, vote)
		if err != nil {
			return fmt.Errorf("voteOpportunity: %w", err)
		}
		hash = tx.Hash()
		return s.waitMined(ctx, tx)
	})
	return hash, err
}

func (s *Service) waitMined(ctx context.Context, tx *types.Transaction) error {
	receipt, err := s.chain.WaitMined(ctx, tx, s.confirmations)
	if err != nil {
		return err
	}
	if receipt != nil && receipt.BlockNumber != nil {
		s.metrics.RecordBlock(receipt.BlockNumber.Uint64())
	}
	return nil
}

// OpportunityAt reads a single opportunity by id.
func (s *Service) OpportunityAt(ctx context.Context, id string) (*Opportunity, error) {
	var out *Opportunity
	err := s.observe(ctx, "OpportunityAt", s.callTimeout, func(ctx context.Context) error {
		opportunityID, err := ParseOpportunityID(id)
		if err != nil {
			return err
		}
		manager, err := s.manager(ctx)
		if err != nil {
			return err
		}
		rec, err := manager.OpportunityToID(callOpts(ctx), opportunityID)
		if err != nil {
			return err
		}
		out, err = BuildOpportunity(&rec)
		return err
	})
	return out, err
}

// OpportunitiesOf lists the connected borrower's opportunities with the
// balance of their pools. A failed pool balance read leaves the balance unset.
func (s *Service) OpportunitiesOf(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "OpportunitiesOf", s.callTimeout, func(ctx context.Context) error {
		records, err := s.borrowerRecords(ctx)
		if err != nil {
			return err
		}
		out, err = fetchOrdered(ctx, s.concurrency, len(records), func(ctx context.Context, i int) (*Opportunity, error) {
			rec := records[i]
			op, err := BuildOpportunity(&rec)
			if err != nil {
				return nil, err
			}
			if !rec.HasPool() {
				op.PoolBalance = "0"
				return op, nil
			}
			pool, err := s.pool(ctx, rec.OpportunityPoolAddress)
			if err != nil {
				return nil, err
			}
			balance, err := pool.PoolBalance(callOpts(ctx))
			if err != nil {
				s.logger.WarnContext(ctx, "pool balance unavailable",
					slog.String("op", "OpportunitiesOf"),
					slog.String("pool", rec.OpportunityPoolAddress.Hex()),
					slog.Any("error", err))
				return op, nil
			}
			op.PoolBalance = units.FormatUnits(balance, units.SixDecimals)
			op.PoolDisplayBalance = units.DisplayAmount(op.PoolBalance)
			return op, nil
		})
		return err
	})
	return out, err
}

// UnderReviewOpportunities lists every opportunity still awaiting underwriter votes.
func (s *Service) UnderReviewOpportunities(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "UnderReviewOpportunities", s.callTimeout, func(ctx context.Context) error {
		records, err := s.allRecords(ctx)
		if err != nil {
			return err
		}
		out, err = buildAll(filterStatus(records, contracts.StatusUnderReview))
		return err
	})
	return out, err
}

// DrawdownOpportunities lists the borrower's active opportunities whose pool
// holds at least the loan amount, compared in whole USDC.
func (s *Service) DrawdownOpportunities(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "DrawdownOpportunities", s.callTimeout, func(ctx context.Context) error {
		records, err := s.borrowerRecords(ctx)
		if err != nil {
			return err
		}
		candidates := make([]contracts.OpportunityRecord, 0, len(records))
		for _, rec := range records {
			if rec.Status() == contracts.StatusActive && rec.HasPool() {
				candidates = append(candidates, rec)
			}
		}
		found, err := fetchOrdered(ctx, s.concurrency, len(candidates), func(ctx context.Context, i int) (*Opportunity, error) {
			rec := candidates[i]
			pool, err := s.pool(ctx, rec.OpportunityPoolAddress)
			if err != nil {
				return nil, err
			}
			balance, err := pool.PoolBalance(callOpts(ctx))
			if err != nil {
				return nil, err
			}
			have := units.WholeUnits(balance, units.SixDecimals)
			want := units.WholeUnits(rec.LoanAmount, units.SixDecimals)
			if have.Cmp(want) < 0 {
				return nil, nil
			}
			return BuildOpportunity(&rec)
		})
		if err != nil {
			return err
		}
		out = compact(found)
		return nil
	})
	return out, err
}

// OpportunitiesWithDues lists the borrower's drawn down opportunities with
// their repayment schedule.
func (s *Service) OpportunitiesWithDues(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "OpportunitiesWithDues", s.callTimeout, func(ctx context.Context) error {
		records, err := s.borrowerRecords(ctx)
		if err != nil {
			return err
		}
		drawn := filterStatus(records, contracts.StatusDrawndown)
		out, err = fetchOrdered(ctx, s.concurrency, len(drawn), func(ctx context.Context, i int) (*Opportunity, error) {
			return s.withDues(ctx, drawn[i])
		})
		return err
	})
	return out, err
}

func (s *Service) withDues(ctx context.Context, rec contracts.OpportunityRecord) (*Opportunity, error) {
	pool, err := s.pool(ctx, rec.OpportunityPoolAddress)
	if err != nil {
		return nil, err
	}
	opts := callOpts(ctx)
	nextDue, err := pool.NextRepaymentTime(opts)
	if err != nil {
		return nil, err
	}
	totalRepayments, err := pool.TotalRepayments(opts)
	if err != nil {
		return nil, err
	}
	counter, err := pool.RepaymentCounter(opts)
	if err != nil {
		return nil, err
	}
	repayment, err := pool.RepaymentAmount(opts)
	if err != nil {
		return nil, err
	}
	repaid, err := pool.TotalRepaidAmount(opts)
	if err != nil {
		return nil, err
	}

	op, err := BuildOpportunity(&rec)
	if err != nil {
		return nil, err
	}
	op.NextDueDate = units.ConvertDate(nextDue.Int64())
	op.EpochDueDate = nextDue.String()
	op.RepaymentAmount = units.FormatUnits(repayment, units.SixDecimals)
	op.RepaymentDisplayAmount = units.DisplayAmount(op.RepaymentAmount)
	repaidAmount := units.Decimal(units.FormatUnits(repaid, units.SixDecimals))
	op.TotalRepaidAmount = repaidAmount.String()

	repaymentAmount := units.Decimal(op.RepaymentAmount)
	principal := units.Decimal(op.ActualLoanAmount)
	if rec.LoanType == contracts.LoanTypeTerm {
		principal = decimal.Zero
	}
	total := repaymentAmount.Mul(decimal.NewFromBigInt(totalRepayments, 0)).Add(principal)
	// The product above does not hold for the final bullet repayment.
	if totalRepayments.Cmp(counter) == 0 {
		total = repaymentAmount.Add(repaidAmount)
	}
	op.TotalLoanRepaymentAmount = total.String()
	overdue := s.now().Unix() > nextDue.Int64()
	op.IsOverDue = &overdue
	return op, nil
}

// ActiveOpportunities lists every opportunity open for investment with the
// amount still investable in its junior tranche.
func (s *Service) ActiveOpportunities(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "ActiveOpportunities", s.callTimeout, func(ctx context.Context) error {
		records, err := s.allRecords(ctx)
		if err != nil {
			return err
		}
		active := filterStatus(records, contracts.StatusActive)
		out, err = fetchOrdered(ctx, s.concurrency, len(active), func(ctx context.Context, i int) (*Opportunity, error) {
			rec := active[i]
			pool, err := s.pool(ctx, rec.OpportunityPoolAddress)
			if err != nil {
				return nil, err
			}
			junior, err := pool.JuniorSubPoolDetails(callOpts(ctx))
			if err != nil {
				return nil, err
			}
			balance, err := pool.PoolBalance(callOpts(ctx))
			if err != nil {
				return nil, err
			}
			op, err := BuildOpportunity(&rec)
			if err != nil {
				return nil, err
			}
			investable := new(big.Int).Sub(bigOrZero(junior.DepositableAmount), bigOrZero(junior.DepositedAmount))
			if investable.Sign() < 0 {
				investable.SetInt64(0)
			}
			op.InvestableAmount = units.FormatUnits(investable, units.SixDecimals)
			op.InvestableDisplayAmount = units.DisplayAmount(op.InvestableAmount)
			full := units.Decimal(units.FormatUnits(balance, units.SixDecimals)).GreaterThanOrEqual(units.Decimal(op.ActualLoanAmount))
			op.IsFull = &full
			return op, nil
		})
		return err
	})
	return out, err
}

// WithdrawableOpportunities lists repaid opportunities whose pool still holds
// funds, with the connected investor's stake and yield.
func (s *Service) WithdrawableOpportunities(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "WithdrawableOpportunities", s.callTimeout, func(ctx context.Context) error {
		investor, err := s.ethAddress(ctx)
		if err != nil {
			return err
		}
		records, err := s.allRecords(ctx)
		if err != nil {
			return err
		}
		repaid := filterStatus(records, contracts.StatusRepaid)
		found, err := fetchOrdered(ctx, s.concurrency, len(repaid), func(ctx context.Context, i int) (*Opportunity, error) {
			rec := repaid[i]
			pool, err := s.pool(ctx, rec.OpportunityPoolAddress)
			if err != nil {
				return nil, err
			}
			opts := callOpts(ctx)
			balance, err := pool.PoolBalance(opts)
			if err != nil {
				return nil, err
			}
			if balance == nil || balance.Sign() == 0 {
				return nil, nil
			}
			staked, err := pool.StakingBalance(opts, investor)
			if err != nil {
				return nil, err
			}
			apy, err := pool.JuniorYieldPercentage(opts)
			if err != nil {
				return nil, err
			}
			op, err := BuildOpportunity(&rec)
			if err != nil {
				return nil, err
			}
			capital := units.Decimal(units.FormatUnits(staked, units.SixDecimals))
			rate := units.Decimal(units.FormatUnits(apy, units.SixDecimals))
			op.CapitalInvested = capital.String()
			op.EstimatedAPY = rate.String()
			op.YieldGenerated = capital.Mul(rate).Div(hundred).String()
			return op, nil
		})
		if err != nil {
			return err
		}
		out = compact(found)
		return nil
	})
	return out, err
}

// UnderwriterOpportunities lists the opportunities assigned to the connected
// underwriter that still await a vote.
func (s *Service) UnderwriterOpportunities(ctx context.Context) ([]*Opportunity, error) {
	var out []*Opportunity
	err := s.observe(ctx, "UnderwriterOpportunities", s.callTimeout, func(ctx context.Context) error {
		underwriter, err := s.ethAddress(ctx)
		if err != nil {
			return err
		}
		manager, err := s.manager(ctx)
		if err != nil {
			return err
		}
		ids, err := manager.GetUnderWritersOpportunities(callOpts(ctx), underwriter)
		if err != nil {
			return err
		}
		records, err := s.records(ctx, manager, ids)
		if err != nil {
			return err
		}
		out, err = buildAll(filterStatus(records, contracts.StatusUnderReview))
		return err
	})
	return out, err
}

// OpportunityName returns the name a pool reports for its opportunity. An
// empty or zero pool address yields an empty name without a chain call.
func (s *Service) OpportunityName(ctx context.Context, poolAddress string) (string, error) {
	trimmed := strings.TrimSpace(poolAddress)
	if trimmed == "" {
		return "", nil
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("invalid pool address %q", poolAddress)
	}
	address := common.HexToAddress(trimmed)
	if address == contracts.NullAddress {
		return "", nil
	}
	if name, ok := s.poolNames.Get(address); ok {
		return name, nil
	}
	var name string
	err := s.observe(ctx, "OpportunityName", s.callTimeout, func(ctx context.Context) error {
		pool, err := s.pool(ctx, address)
		if err != nil {
			return err
		}
		name, err = pool.OpportunityName(callOpts(ctx))
		return err
	})
	if err != nil {
		return "", err
	}
	s.poolNames.Add(address, name)
	return name, nil
}

// borrowerRecords reads every opportunity created by the connected wallet.
func (s *Service) borrowerRecords(ctx context.Context) ([]contracts.OpportunityRecord, error) {
	borrower, err := s.ethAddress(ctx)
	if err != nil {
		return nil, err
	}
	manager, err := s.manager(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := manager.GetOpportunityOf(callOpts(ctx), borrower)
	if err != nil {
		return nil, err
	}
	return s.records(ctx, manager, ids)
}

// allRecords reads every opportunity ever created, in creation order.
func (s *Service) allRecords(ctx context.Context) ([]contracts.OpportunityRecord, error) {
	manager, err := s.manager(ctx)
	if err != nil {
		return nil, err
	}
	total, err := manager.GetTotalOpportunities(callOpts(ctx))
	if err != nil {
		return nil, err
	}
	if !total.IsInt64() || total.Int64() > int64(^uint32(0)) {
		return nil, fmt.Errorf("opportunity count %s out of range", total)
	}
	ids, err := fetchOrdered(ctx, s.concurrency, int(total.Int64()), func(ctx context.Context, i int) ([32]byte, error) {
		return manager.OpportunityIDs(callOpts(ctx), big.NewInt(int64(i)))
	})
	if err != nil {
		return nil, err
	}
	return s.records(ctx, manager, ids)
}

func (s *Service) records(ctx context.Context, manager Manager, ids [][32]byte) ([]contracts.OpportunityRecord, error) {
	return fetchOrdered(ctx, s.concurrency, len(ids), func(ctx context.Context, i int) (contracts.OpportunityRecord, error) {
		return manager.OpportunityToID(callOpts(ctx), ids[i])
	})
}

func filterStatus(records []contracts.OpportunityRecord, status contracts.OpportunityStatus) []contracts.OpportunityRecord {
	out := make([]contracts.OpportunityRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status() == status {
			out = append(out, rec)
		}
	}
	return out
}

func buildAll(records []contracts.OpportunityRecord) ([]*Opportunity, error) {
	out := make([]*Opportunity, 0, len(records))
	for i := range records {
		op, err := BuildOpportunity(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}
