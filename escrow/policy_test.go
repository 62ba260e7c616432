package escrow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"escrowflow/agreement"
	"escrowflow/money"
)

func policyAgreement(t *testing.T) *agreement.Agreement {
	t.Helper()
	a, err := agreement.New("agr-1", "owner-1", "Sale of industrial unit", nil, nil, money.MustNew("1000.00", "USD"), testNow)
	if err != nil {
		t.Fatalf("new agreement: %v", err)
	}
	err = a.AddParty(agreement.Party{ID: "party-1", Name: "Broker", SplitPercentage: decimal.NewFromInt(100), Role: agreement.RoleBroker}, testNow)
	if err != nil {
		t.Fatalf("add party: %v", err)
	}
	if _, err := a.AddMilestone("ms-1", "Closing", money.MustNew("1000.00", "USD"), testNow.AddDate(0, 1, 0), testNow); err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if err := a.Activate(testNow); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := a.CompleteMilestone("ms-1", nil, nil, testNow); err != nil {
		t.Fatalf("complete milestone: %v", err)
	}
	return a
}

func TestDetermineApprovalPolicy_InclusiveBoundaries(t *testing.T) {
	p := NewPolicy(DefaultThresholds())
	a := policyAgreement(t)

	cases := []struct {
		amount string
		want   ApprovalType
	}{
		{"1.00", ApprovalAutomatic},
		{"99.99", ApprovalAutomatic},
		{"100.00", ApprovalAutomatic}, // ratio exactly 0.10
		{"100.01", ApprovalRequired},
		{"499.99", ApprovalRequired},
		{"500.00", ApprovalDisputed}, // ratio exactly 0.50
		{"1000.00", ApprovalDisputed},
	}
	for _, tc := range cases {
		got, err := p.DetermineApprovalPolicy(a, money.MustNew(tc.amount, "USD"))
		if err != nil {
			t.Fatalf("amount %s: %v", tc.amount, err)
		}
		if got != tc.want {
			t.Errorf("amount %s: expected %q, got %q", tc.amount, tc.want, got)
		}
	}
}

func TestDetermineApprovalPolicy_CustomThresholds(t *testing.T) {
	thresholds := Thresholds{
		Automatic: decimal.RequireFromString("0.25"),
		Disputed:  decimal.RequireFromString("0.75"),
	}
	if err := thresholds.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	p := NewPolicy(thresholds)
	a := policyAgreement(t)

	got, err := p.DetermineApprovalPolicy(a, money.MustNew("250.00", "USD"))
	if err != nil {
		t.Fatalf("determine: %v", err)
	}
	if got != ApprovalAutomatic {
		t.Errorf("expected automatic at the custom boundary, got %q", got)
	}
}

func TestThresholds_Validate(t *testing.T) {
	bad := Thresholds{
		Automatic: decimal.RequireFromString("0.50"),
		Disputed:  decimal.RequireFromString("0.10"),
	}
	if err := bad.Validate(); err == nil {
		t.Errorf("expected inverted thresholds to fail validation")
	}
}

func TestEnsureMilestoneEligibleForPayout(t *testing.T) {
	p := NewPolicy(DefaultThresholds())
	a := policyAgreement(t)
	m := a.FindMilestone("ms-1")

	if err := p.EnsureMilestoneEligibleForPayout(a, m, money.MustNew("500.00", "USD")); err != nil {
		t.Fatalf("eligible milestone rejected: %v", err)
	}

	if err := p.EnsureMilestoneEligibleForPayout(a, m, money.MustNew("1000.01", "USD")); !errors.Is(err, ErrAmountExceedsMilestone) {
		t.Errorf("expected amount-exceeds-milestone, got %v", err)
	}

	foreign := *m
	foreign.AgreementID = "agr-other"
	if err := p.EnsureMilestoneEligibleForPayout(a, &foreign, money.MustNew("10.00", "USD")); !errors.Is(err, ErrMilestoneNotInAgreement) {
		t.Errorf("expected not-in-agreement, got %v", err)
	}

	pending := *m
	pending.Status = agreement.MilestonePending
	if err := p.EnsureMilestoneEligibleForPayout(a, &pending, money.MustNew("10.00", "USD")); !errors.Is(err, ErrMilestoneNotCompleted) {
		t.Errorf("expected not-completed, got %v", err)
	}
}

func TestEnsureEscrowCoverage(t *testing.T) {
	p := NewPolicy(DefaultThresholds())
	a := openAccount(t)
	if _, err := a.Deposit("dep-1", usd(t, "100.00"), nil, nil, testNow); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := p.EnsureEscrowCoverage(a, usd(t, "100.00")); err != nil {
		t.Fatalf("exact coverage rejected: %v", err)
	}
	if err := p.EnsureEscrowCoverage(a, usd(t, "100.01")); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected insufficient balance, got %v", err)
	}
	if err := p.EnsureEscrowCoverage(a, money.MustNew("10.00", "EUR")); !errors.Is(err, money.ErrCurrencyMismatch) {
		t.Errorf("expected currency mismatch, got %v", err)
	}
}
