// Package loanform drives the borrower's multi-step loan application. Drafts
// are persisted between steps and submitted to the opportunity manager once
// the borrower reaches the review step.
package loanform

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/ui/stepper"
	"github.com/ReignProtocol/ReignProtocol/units"
)

// Step indexes, 1-based as the stepper expects.
const (
	StepLoanDetails = 1
	StepCollateral  = 2
	StepReview      = 3
)

// Form field names. They match the keys the frontend posts.
const (
	FieldLoanName         = "loan_name"
	FieldLoanType         = "loan_type"
	FieldLoanAmount       = "loan_amount"
	FieldLoanTenure       = "loan_tenure"
	FieldLoanInterest     = "loan_interest"
	FieldPaymentFrequency = "payment_frequency"
	FieldCollateralHash   = "collateralHash"
	FieldLoanInfoHash     = "loanInfoHash"
	FieldCapitalLoss      = "capital_loss"
)

const maxNameLength = 128

var stepDescriptions = []string{"Loan Details", "Collateral", "Review"}

var requiredFields = map[int][]string{
	StepLoanDetails: {FieldLoanName, FieldLoanType, FieldLoanAmount, FieldLoanTenure, FieldLoanInterest, FieldPaymentFrequency},
	StepCollateral:  {FieldCollateralHash, FieldLoanInfoHash},
}

var knownFields = map[string]struct{}{
	FieldLoanName: {}, FieldLoanType: {}, FieldLoanAmount: {}, FieldLoanTenure: {}, FieldLoanInterest: {},
	FieldPaymentFrequency: {}, FieldCollateralHash: {}, FieldLoanInfoHash: {}, FieldCapitalLoss: {},
}

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("loanform: validation failed")

// ValidationError lists the problems found on one step, keyed by field.
type ValidationError struct {
	Step     int
	Problems map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for key := range e.Problems {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Problems[key])
	}
	return fmt.Sprintf("step %d: %s", e.Step, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Fields holds the raw form values.
type Fields map[string]string

// Steps returns the form step descriptions.
func Steps() []string {
	out := make([]string, len(stepDescriptions))
	copy(out, stepDescriptions)
	return out
}

// StepperFor projects a step index onto the visual stepper.
func StepperFor(step int) []stepper.Step {
	return stepper.Build(stepDescriptions, step)
}

// Normalize trims every value, applies NFKC to the loan name and drops keys
// the form does not know.
func Normalize(in Fields) Fields {
	out := make(Fields, len(in))
	for key, value := range in {
		if _, ok := knownFields[key]; !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if key == FieldLoanName {
			value = strings.TrimSpace(norm.NFKC.String(value))
		}
		out[key] = value
	}
	return out
}

// Validate checks the fields a step owns. The review step owns none.
func Validate(step int, fields Fields) error {
	if step < StepLoanDetails || step > StepReview {
		return fmt.Errorf("%w: unknown step %d", ErrValidation, step)
	}
	problems := map[string]string{}
	for _, key := range requiredFields[step] {
		if strings.TrimSpace(fields[key]) == "" {
			problems[key] = "required"
		}
	}
	switch step {
	case StepLoanDetails:
		validateLoanDetails(fields, problems)
	case StepCollateral:
		if raw := strings.TrimSpace(fields[FieldCapitalLoss]); raw != "" {
			if _, err := units.ParseUnits(raw, units.SixDecimals); err != nil {
				problems[FieldCapitalLoss] = "must be a non-negative amount with at most 6 decimals"
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Step: step, Problems: problems}
	}
	return nil
}

func validateLoanDetails(fields Fields, problems map[string]string) {
	if name := fields[FieldLoanName]; utf8.RuneCountInString(name) > maxNameLength {
		problems[FieldLoanName] = fmt.Sprintf("at most %d characters", maxNameLength)
	}
	if raw := fields[FieldLoanType]; raw != "" && raw != "0" && raw != "1" {
		problems[FieldLoanType] = "must be 0 (bullet) or 1 (term)"
	}
	for _, key := range []string{FieldLoanAmount, FieldLoanInterest} {
		raw := fields[key]
		if raw == "" {
			continue
		}
		value, err := units.ParseUnits(raw, units.SixDecimals)
		if err != nil || value.Sign() <= 0 {
			problems[key] = "must be a positive amount with at most 6 decimals"
		}
	}
	tenure, tenureOK := positiveDays(fields, FieldLoanTenure, problems)
	frequency, frequencyOK := positiveDays(fields, FieldPaymentFrequency, problems)
	if tenureOK && frequencyOK && frequency > tenure {
		problems[FieldPaymentFrequency] = "must not exceed the loan tenure"
	}
}

func positiveDays(fields Fields, key string, problems map[string]string) (uint64, bool) {
	raw := fields[key]
	if raw == "" {
		return 0, false
	}
	days, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || days == 0 {
		problems[key] = "must be a positive number of days"
		return 0, false
	}
	return days, true
}

// ValidateAll checks every step up to and including last.
func ValidateAll(fields Fields, last int) error {
	for step := StepLoanDetails; step <= last; step++ {
		if err := Validate(step, fields); err != nil {
			return err
		}
	}
	return nil
}

// ToOpportunityForm converts validated fields into the connector form.
func ToOpportunityForm(fields Fields) *connectors.OpportunityForm {
	return &connectors.OpportunityForm{
		LoanName:         fields[FieldLoanName],
		LoanInfoHash:     fields[FieldLoanInfoHash],
		LoanType:         fields[FieldLoanType],
		LoanAmount:       fields[FieldLoanAmount],
		LoanTenure:       fields[FieldLoanTenure],
		LoanInterest:     fields[FieldLoanInterest],
		PaymentFrequency: fields[FieldPaymentFrequency],
		CollateralHash:   fields[FieldCollateralHash],
		CapitalLoss:      fields[FieldCapitalLoss],
	}
}
