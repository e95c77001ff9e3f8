package loanform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/ui/stepper"
)

var (
	ErrAlreadySubmitted = errors.New("loanform: draft already submitted")
	ErrFirstStep        = errors.New("loanform: already at the first step")
	ErrLastStep         = errors.New("loanform: already at the review step")
	ErrNotAtReview      = errors.New("loanform: draft must be at the review step to submit")
)

// Creator submits a completed application on chain. *connectors.Service
// satisfies it.
type Creator interface {
	CreateOpportunity(ctx context.Context, form *connectors.OpportunityForm) (common.Hash, error)
}

// Service moves drafts through the form steps.
type Service struct {
	store   *Store
	creator Creator
}

func NewService(store *Store, creator Creator) *Service {
	return &Service{store: store, creator: creator}
}

// Create starts an empty draft at the first step.
func (s *Service) Create(ctx context.Context, borrower string) (*Draft, error) {
	draft := &Draft{
		Borrower: strings.TrimSpace(borrower),
		Step:     StepLoanDetails,
		Fields:   Fields{},
	}
	if err := s.store.Create(ctx, draft); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	return draft, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Draft, error) {
	return s.store.Get(ctx, id)
}

// Advance merges fields into the draft, validates the current step and moves
// to the next one. Invalid input leaves the stored draft untouched.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, fields Fields) (*Draft, error) {
	return s.store.Update(ctx, id, func(d *Draft) error {
		if d.Submitted() {
			return ErrAlreadySubmitted
		}
		if d.Step >= StepReview {
			return ErrLastStep
		}
		merged := make(Fields, len(d.Fields)+len(fields))
		for key, value := range d.Fields {
			merged[key] = value
		}
		for key, value := range Normalize(fields) {
			merged[key] = value
		}
		if err := Validate(d.Step, merged); err != nil {
			return err
		}
		d.Fields = merged
		d.Step++
		return nil
	})
}

// Back returns to the previous step keeping the entered values.
func (s *Service) Back(ctx context.Context, id uuid.UUID) (*Draft, error) {
	return s.store.Update(ctx, id, func(d *Draft) error {
		if d.Submitted() {
			return ErrAlreadySubmitted
		}
		if d.Step <= StepLoanDetails {
			return ErrFirstStep
		}
		d.Step--
		return nil
	})
}

// Submit creates the opportunity on chain and records the transaction hash.
// The chain call happens while the draft row is locked so a draft is never
// submitted twice. A transaction that was broadcast but not confirmed, for
// example because ctx expired while waiting, is still recorded; only a
// reverted or never-sent transaction leaves the draft open.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*Draft, error) {
	if s.creator == nil {
		return nil, errors.New("loanform: no opportunity creator configured")
	}
	var pending error
	draft, err := s.store.Update(context.WithoutCancel(ctx), id, func(d *Draft) error {
		if d.Submitted() {
			return ErrAlreadySubmitted
		}
		if d.Step != StepReview {
			return ErrNotAtReview
		}
		if err := ValidateAll(d.Fields, StepCollateral); err != nil {
			return err
		}
		hash, err := s.creator.CreateOpportunity(ctx, ToOpportunityForm(d.Fields))
		if err != nil && (hash == (common.Hash{}) || errors.Is(err, chain.ErrReverted)) {
			return err
		}
		d.SubmittedTx = hash.Hex()
		if err != nil {
			pending = fmt.Errorf("transaction %s sent but not confirmed: %w", d.SubmittedTx, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return draft, pending
	}
	return draft, nil
}

// Stepper renders the draft's position in the form.
func (s *Service) Stepper(d *Draft) []stepper.Step {
	if d == nil {
		return StepperFor(0)
	}
	return StepperFor(d.Step)
}
