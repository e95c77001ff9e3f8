package connectors

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ReignProtocol/ReignProtocol/contracts"
	"github.com/ReignProtocol/ReignProtocol/units"
)

var (
	ErrEmptyForm            = errors.New("formData is undefined or empty")
	ErrNilOpportunity       = errors.New("opportunity is undefined")
	ErrInvalidOpportunityID = errors.New("invalid opportunity id")
	ErrInvalidForm          = errors.New("invalid opportunity form")
)

// Opportunity is the display record of a loan opportunity. The JSON keys are
// the ones the web frontend reads.
type Opportunity struct {
	ID                     string `json:"id"`
	Borrower               string `json:"borrower"`
	OpportunityName        string `json:"opportunityName"`
	BorrowerDisplayAdd     string `json:"borrowerDisplayAdd"`
	OpportunityInfo        string `json:"opportunityInfo"`
	LoanType               string `json:"loanType"`
	OpportunityAmount      string `json:"opportunityAmount"`
	ActualLoanAmount       string `json:"actualLoanAmount"`
	LoanTenure             string `json:"loanTenure"`
	LoanActualInterest     string `json:"loanActualInterest"`
	LoanInterest           string `json:"loanInterest"`
	PaymentFrequencyInDays string `json:"paymentFrequencyInDays"`
	CollateralDocument     string `json:"collateralDocument"`
	InvestmentLoss         string `json:"InvestmentLoss"`
	Status                 string `json:"status"`
	OpportunityPoolAddress string `json:"opportunityPoolAddress"`
	CreatedOn              string `json:"createdOn"`
	EpochCreationDate      string `json:"epochCreationDate"`

	// Borrower list.
	PoolBalance        string `json:"poolBalance,omitempty"`
	PoolDisplayBalance string `json:"poolDisplayBalance,omitempty"`

	// Repayment dues.
	NextDueDate              string `json:"nextDueDate,omitempty"`
	EpochDueDate             string `json:"epochDueDate,omitempty"`
	RepaymentAmount          string `json:"repaymentAmount,omitempty"`
	RepaymentDisplayAmount   string `json:"repaymentDisplayAmount,omitempty"`
	TotalRepaidAmount        string `json:"totalRepaidAmount,omitempty"`
	TotalLoanRepaymentAmount string `json:"TotalLoanRepaymentAmount,omitempty"`
	IsOverDue                *bool  `json:"isOverDue,omitempty"`

	// Investor view.
	InvestableAmount        string `json:"investableAmount,omitempty"`
	InvestableDisplayAmount string `json:"investableDisplayAmount,omitempty"`
	IsFull                  *bool  `json:"isFull,omitempty"`
	CapitalInvested         string `json:"capitalInvested,omitempty"`
	EstimatedAPY            string `json:"estimatedAPY,omitempty"`
	YieldGenerated          string `json:"yieldGenerated,omitempty"`
}

// BuildOpportunity maps an on-chain record to its display form.
func BuildOpportunity(rec *contracts.OpportunityRecord) (*Opportunity, error) {
	if rec == nil {
		return nil, ErrNilOpportunity
	}
	amount := units.FormatUnits(rec.LoanAmount, units.SixDecimals)
	interest := units.FormatUnits(rec.LoanInterest, units.SixDecimals)
	borrower := rec.Borrower.Hex()
	createdAt := bigOrZero(rec.CreatedAt)

	return &Opportunity{
		ID:                     hexutil.Encode(rec.OpportunityId[:]),
		Borrower:               borrower,
		OpportunityName:        rec.OpportunityName,
		BorrowerDisplayAdd:     units.TrimmedAddress(borrower),
		OpportunityInfo:        rec.OpportunityDescription,
		LoanType:               strconv.Itoa(int(rec.LoanType)),
		OpportunityAmount:      units.DisplayAmount(amount),
		ActualLoanAmount:       amount,
		LoanTenure:             tenureMonths(rec.LoanTermInDays),
		LoanActualInterest:     interest,
		LoanInterest:           interest + "%",
		PaymentFrequencyInDays: bigOrZero(rec.PaymentFrequencyInDays).String() + " Days",
		CollateralDocument:     rec.CollateralDocument,
		InvestmentLoss:         units.FormatUnits(rec.InvestmentLoss, units.SixDecimals),
		Status:                 strconv.Itoa(int(rec.OpportunityStatus)),
		OpportunityPoolAddress: rec.OpportunityPoolAddress.Hex(),
		CreatedOn:              units.ConvertDate(createdAt.Int64()),
		EpochCreationDate:      createdAt.String(),
	}, nil
}

// tenureMonths renders a loan term as months of thirty days, e.g. "1.5 Months".
func tenureMonths(days *big.Int) string {
	f, _ := new(big.Float).SetInt(bigOrZero(days)).Float64()
	return strconv.FormatFloat(f/30, 'f', -1, 64) + " Months"
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// ParseOpportunityID decodes a 0x-prefixed 32 byte opportunity id.
func ParseOpportunityID(raw string) ([32]byte, error) {
	var id [32]byte
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidOpportunityID, raw)
	}
	copy(id[:], decoded)
	return id, nil
}

// OpportunityForm is the loan application submitted by a borrower. Amounts
// and interest are decimal strings with up to six fractional digits; tenure
// and payment frequency are whole days.
type OpportunityForm struct {
	LoanName         string `json:"loan_name" yaml:"loan_name"`
	LoanInfoHash     string `json:"loanInfoHash" yaml:"loanInfoHash"`
	LoanType         string `json:"loan_type" yaml:"loan_type"`
	LoanAmount       string `json:"loan_amount" yaml:"loan_amount"`
	LoanTenure       string `json:"loan_tenure" yaml:"loan_tenure"`
	LoanInterest     string `json:"loan_interest" yaml:"loan_interest"`
	PaymentFrequency string `json:"payment_frequency" yaml:"payment_frequency"`
	CollateralHash   string `json:"collateralHash" yaml:"collateralHash"`
	CapitalLoss      string `json:"capital_loss,omitempty" yaml:"capital_loss,omitempty"`
}

func (f *OpportunityForm) toCreateData(borrower common.Address) (contracts.CreateOpportunityData, error) {
	loanType, err := strconv.ParseUint(strings.TrimSpace(f.LoanType), 10, 8)
	if err != nil {
		return contracts.CreateOpportunityData{}, fmt.Errorf("%w: loan_type %q", ErrInvalidForm, f.LoanType)
	}
	amount, err := units.ParseUnits(f.LoanAmount, units.SixDecimals)
	if err != nil {
		return contracts.CreateOpportunityData{}, fmt.Errorf("%w: loan_amount: %w", ErrInvalidForm, err)
	}
	interest, err := units.ParseUnits(f.LoanInterest, units.SixDecimals)
	if err != nil {
		return contracts.CreateOpportunityData{}, fmt.Errorf("%w: loan_interest: %w", ErrInvalidForm, err)
	}
	capitalLoss := new(big.Int)
	if strings.TrimSpace(f.CapitalLoss) != "" {
		if capitalLoss, err = units.ParseUnits(f.CapitalLoss, units.SixDecimals); err != nil {
			return contracts.CreateOpportunityData{}, fmt.Errorf("%w: capital_loss: %w", ErrInvalidForm, err)
		}
	}
	tenure, ok := new(big.Int).SetString(strings.TrimSpace(f.LoanTenure), 10)
	if !ok || tenure.Sign() < 0 {
		return contracts.CreateOpportunityData{}, fmt.Errorf("%w: loan_tenure %q", ErrInvalidForm, f.LoanTenure)
	}
	frequency, ok := new(big.Int).SetString(strings.TrimSpace(f.PaymentFrequency), 10)
	if !ok || frequency.Sign() < 0 {
		return contracts.CreateOpportunityData{}, fmt.Errorf("%w: payment_frequency %q", ErrInvalidForm, f.PaymentFrequency)
	}
	return contracts.CreateOpportunityData{
		Borrower:               borrower,
		OpportunityName:        f.LoanName,
		OpportunityDescription: f.LoanInfoHash,
		LoanType:               uint8(loanType),
		LoanAmount:             amount,
		LoanTermInDays:         tenure,
		LoanInterest:           interest,
		PaymentFrequencyInDays: frequency,
		CollateralDocument:     f.CollateralHash,
		CapitalLoss:            capitalLoss,
	}, nil
}
