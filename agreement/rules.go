package agreement

import (
	"time"

	"escrowflow/money"
)

// Rules bundles the stateless lifecycle checks run by the application layer
// before issuing agreement commands. All checks are pure; time comes from the
// injected clock so overdue classification stays deterministic.
type Rules struct {
	now func() time.Time
}

// NewRules builds the rules service with the given clock.
func NewRules(now func() time.Time) *Rules {
	if now == nil {
		now = time.Now
	}
	return &Rules{now: now}
}

// EnsureCanActivate validates the structural invariants for Draft -> Active.
func (r *Rules) EnsureCanActivate(a *Agreement) error {
	return ensureCanActivate(a)
}

// EnsureCanComplete validates the invariants for Active -> Completed.
func (r *Rules) EnsureCanComplete(a *Agreement) error {
	return ensureCanComplete(a)
}

// OutstandingValue returns the total value not yet released through completed
// milestones, floored at zero, in the agreement currency.
func (r *Rules) OutstandingValue(a *Agreement) money.Money {
	released, _ := money.Zero(a.TotalValue.Currency())
	for _, m := range a.Milestones {
		if m.Status == MilestoneCompleted {
			released, _ = released.Add(m.Value)
		}
	}

	remaining, err := a.TotalValue.Sub(released)
	if err != nil {
		remaining, _ = money.Zero(a.TotalValue.Currency())
	}
	return remaining
}

// OverdueMilestones classifies pending milestones past their due date. The
// milestone rows themselves are untouched; persisting the transition is the
// sweep service's job.
func (r *Rules) OverdueMilestones(a *Agreement) []Milestone {
	now := r.now()
	var overdue []Milestone
	for _, m := range a.Milestones {
		if m.Status == MilestonePending && m.DueDate.Before(now) {
			overdue = append(overdue, m)
		}
	}
	return overdue
}

func ensureCanActivate(a *Agreement) error {
	if a.Status != StatusDraft {
		return ErrNotDraft
	}
	if len(a.Parties) == 0 {
		return ErrNoParties
	}
	if len(a.Milestones) == 0 {
		return ErrNoMilestones
	}
	// Exact equality on both sums; no epsilon tolerance.
	if !a.splitTotal().Equal(hundred) {
		return ErrSplitNotComplete
	}
	if !a.milestoneTotal().Equal(a.TotalValue) {
		return ErrMilestonesDoNotReconcile
	}
	return nil
}

func ensureCanComplete(a *Agreement) error {
	if a.Status != StatusActive {
		return ErrNotActive
	}
	for _, m := range a.Milestones {
		if m.Status != MilestoneCompleted {
			return ErrMilestonesIncomplete
		}
	}
	return nil
}
