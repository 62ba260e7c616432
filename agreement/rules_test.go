package agreement

import (
	"testing"
	"time"
)

func TestOutstandingValue(t *testing.T) {
	a := readyAgreement(t)
	rules := NewRules(func() time.Time { return testNow })

	if got := rules.OutstandingValue(a).Amount().String(); got != "1000" {
		t.Errorf("expected 1000 outstanding, got %s", got)
	}

	if err := a.Activate(testNow); err != nil {
		t.Fatalf("activate: %v", err)
	}
	txn := "txn-1"
	if err := a.CompleteMilestone("ms-1", nil, &txn, testNow); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := rules.OutstandingValue(a).Amount().String(); got != "400" {
		t.Errorf("expected 400 outstanding after releasing 600, got %s", got)
	}
}

func TestOverdueMilestones_ReadTimeClassification(t *testing.T) {
	a := readyAgreement(t)

	early := NewRules(func() time.Time { return testNow })
	if got := early.OverdueMilestones(a); len(got) != 0 {
		t.Fatalf("expected no overdue milestones before due date, got %d", len(got))
	}

	late := NewRules(func() time.Time { return testNow.AddDate(0, 2, 0) })
	got := late.OverdueMilestones(a)
	if len(got) != 2 {
		t.Fatalf("expected both milestones overdue, got %d", len(got))
	}
	// Classification is read-only; the rows stay pending.
	for _, m := range a.Milestones {
		if m.Status != MilestonePending {
			t.Errorf("expected milestone %s untouched, got %q", m.ID, m.Status)
		}
	}
}

func TestEnsureCanActivate_IsPure(t *testing.T) {
	a := readyAgreement(t)
	rules := NewRules(nil)

	if err := rules.EnsureCanActivate(a); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := rules.EnsureCanActivate(a); err != nil {
		t.Fatalf("second check with identical input: %v", err)
	}
	if a.Status != StatusDraft {
		t.Errorf("expected check to leave status untouched")
	}
}
