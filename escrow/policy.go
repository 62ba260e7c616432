package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"escrowflow/agreement"
	"escrowflow/fault"
	"escrowflow/money"
)

var (
	// ErrMilestoneNotInAgreement rejects a payout for a foreign milestone.
	ErrMilestoneNotInAgreement = fault.New("MilestoneNotInAgreement", "escrow: milestone does not belong to the agreement")
	// ErrMilestoneNotCompleted rejects a payout for an unfinished milestone.
	ErrMilestoneNotCompleted = fault.New("MilestoneNotCompleted", "escrow: milestone must be completed before payout")
	// ErrAmountExceedsMilestone caps the payout at the milestone value.
	ErrAmountExceedsMilestone = fault.New("AmountExceedsMilestone", "escrow: requested amount exceeds the milestone value")
	// ErrInvalidAgreementTotal rejects policy determination on a non-positive total.
	ErrInvalidAgreementTotal = fault.New("InvalidAgreementTotal", "escrow: agreement total value must be positive")
)

// Thresholds are the payout-to-total ratio boundaries of the approval
// policy. Both boundaries are INCLUSIVE: ratio == Automatic still resolves
// automatic, ratio == Disputed already resolves disputed.
type Thresholds struct {
	Automatic decimal.Decimal
	Disputed  decimal.Decimal
}

// DefaultThresholds returns the production policy: 10% and 50%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Automatic: decimal.NewFromFloat(0.10),
		Disputed:  decimal.NewFromFloat(0.50),
	}
}

// Validate rejects threshold pairs that cannot classify every ratio.
func (t Thresholds) Validate() error {
	if t.Automatic.IsNegative() || t.Disputed.IsNegative() {
		return fmt.Errorf("escrow: thresholds must be non-negative")
	}
	if t.Automatic.GreaterThanOrEqual(t.Disputed) {
		return fmt.Errorf("escrow: automatic threshold must be below disputed threshold")
	}
	return nil
}

// Policy is the stateless cross-aggregate validation run before a milestone
// payout mutates the escrow account. The three checks are always invoked
// together, in order: eligibility, coverage, then policy determination.
type Policy struct {
	thresholds Thresholds
}

// NewPolicy builds the payout policy service.
func NewPolicy(thresholds Thresholds) *Policy {
	return &Policy{thresholds: thresholds}
}

// EnsureMilestoneEligibleForPayout checks that the milestone belongs to the
// agreement, is completed, and the requested amount does not exceed its value.
func (p *Policy) EnsureMilestoneEligibleForPayout(a *agreement.Agreement, m *agreement.Milestone, requested money.Money) error {
	if m.AgreementID != a.ID {
		return ErrMilestoneNotInAgreement
	}
	if m.Status != agreement.MilestoneCompleted {
		return ErrMilestoneNotCompleted
	}
	exceeds, err := requested.GreaterThan(m.Value)
	if err != nil {
		return err
	}
	if exceeds {
		return ErrAmountExceedsMilestone
	}
	return nil
}

// EnsureEscrowCoverage checks currency and balance before a payout request.
func (p *Policy) EnsureEscrowCoverage(account *Account, requested money.Money) error {
	if account.Currency != requested.Currency() {
		return money.ErrCurrencyMismatch
	}
	short, err := account.Balance.LessThan(requested)
	if err != nil {
		return err
	}
	if short {
		return ErrInsufficientBalance
	}
	return nil
}

// DetermineApprovalPolicy maps the payout-to-total ratio onto an approval
// tier. Comparisons multiply through by the total instead of dividing, so
// the inclusive boundaries are never disturbed by division rounding.
func (p *Policy) DetermineApprovalPolicy(a *agreement.Agreement, requested money.Money) (ApprovalType, error) {
	total := a.TotalValue.Amount()
	if !total.IsPositive() {
		return "", ErrInvalidAgreementTotal
	}

	amount := requested.Amount()
	if amount.LessThanOrEqual(total.Mul(p.thresholds.Automatic)) {
		return ApprovalAutomatic, nil
	}
	if amount.GreaterThanOrEqual(total.Mul(p.thresholds.Disputed)) {
		return ApprovalDisputed, nil
	}
	return ApprovalRequired, nil
}
