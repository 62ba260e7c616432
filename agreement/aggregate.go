package agreement

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/fault"
	"escrowflow/money"
)

var (
	// ErrNotDraft guards activation of a non-draft agreement.
	ErrNotDraft = fault.New("NotDraft", "agreement: not in draft")
	// ErrNotActive guards completion and dispute of a non-active agreement.
	ErrNotActive = fault.New("NotActive", "agreement: not active")
	// ErrAgreementNotDraft guards structural edits after activation.
	ErrAgreementNotDraft = fault.New("AgreementNotDraft", "agreement: parties and milestones can only change while draft")
	// ErrNoParties fails activation of an agreement without parties.
	ErrNoParties = fault.New("NoParties", "agreement: at least one party required")
	// ErrNoMilestones fails activation of an agreement without milestones.
	ErrNoMilestones = fault.New("NoMilestones", "agreement: at least one milestone required")
	// ErrSplitNotComplete fails activation unless split percentages sum to exactly 100.
	ErrSplitNotComplete = fault.New("SplitNotComplete", "agreement: party splits must sum to exactly 100")
	// ErrMilestonesDoNotReconcile fails activation unless milestone values sum to the total.
	ErrMilestonesDoNotReconcile = fault.New("MilestonesDoNotReconcile", "agreement: milestone values must sum to the total value")
	// ErrMilestonesIncomplete fails completion while any milestone is open.
	ErrMilestonesIncomplete = fault.New("MilestonesIncomplete", "agreement: all milestones must be completed")
	// ErrMilestoneAlreadyCompleted rejects a second completion of the same milestone.
	ErrMilestoneAlreadyCompleted = fault.New("MilestoneAlreadyCompleted", "agreement: milestone already completed")
	// ErrMilestoneNotFound signals the milestone is not part of this agreement.
	ErrMilestoneNotFound = fault.New("MilestoneNotFound", "agreement: milestone not found")
	// ErrPartyNotFound signals the party is not part of this agreement.
	ErrPartyNotFound = fault.New("PartyNotFound", "agreement: party not found")
	// ErrDuplicateParty rejects adding the same party id twice.
	ErrDuplicateParty = fault.New("DuplicateParty", "agreement: party already exists")
	// ErrDuplicateMilestone rejects adding the same milestone id twice.
	ErrDuplicateMilestone = fault.New("DuplicateMilestone", "agreement: milestone already exists")
	// ErrSplitExceedsLimit rejects a party whose split pushes the sum over 100.
	ErrSplitExceedsLimit = fault.New("SplitExceedsLimit", "agreement: party splits cannot exceed 100")
	// ErrMilestonesExceedTotal rejects a milestone pushing the sum past the total value.
	ErrMilestonesExceedTotal = fault.New("MilestonesExceedTotal", "agreement: milestone values cannot exceed the total value")
	// ErrReasonRequired guards cancel/dispute without a reason.
	ErrReasonRequired = fault.New("ReasonRequired", "agreement: reason required")
	// ErrNotDisputed guards resolving an agreement that is not disputed.
	ErrNotDisputed = fault.New("NotDisputed", "agreement: not disputed")
)

var hundred = decimal.NewFromInt(100)

// New creates a draft agreement owned by ownerUserID.
func New(id, ownerUserID, title string, description, terms *string, totalValue money.Money, now time.Time) (*Agreement, error) {
	if id == "" {
		return nil, fmt.Errorf("agreement: missing id")
	}
	if ownerUserID == "" {
		return nil, fmt.Errorf("agreement: missing owner user id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("agreement: title required")
	}
	if !totalValue.IsPositive() {
		return nil, fmt.Errorf("agreement: total value must be positive")
	}

	return &Agreement{
		ID:          id,
		OwnerUserID: ownerUserID,
		Title:       title,
		Description: trimmedOrNil(description),
		Terms:       trimmedOrNil(terms),
		TotalValue:  totalValue,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// AddParty appends a party while the agreement is still draft. The running
// split total may not exceed 100; equality to 100 is checked at activation.
func (a *Agreement) AddParty(p Party, now time.Time) error {
	if a.Status != StatusDraft {
		return ErrAgreementNotDraft
	}
	if p.ID == "" {
		return fmt.Errorf("agreement: missing party id")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("agreement: party name required")
	}
	if p.SplitPercentage.IsNegative() || p.SplitPercentage.GreaterThan(hundred) {
		return fmt.Errorf("agreement: split percentage must be between 0 and 100")
	}
	for _, existing := range a.Parties {
		if existing.ID == p.ID {
			return ErrDuplicateParty
		}
	}
	if a.splitTotal().Add(p.SplitPercentage).GreaterThan(hundred) {
		return ErrSplitExceedsLimit
	}

	p.Name = strings.TrimSpace(p.Name)
	a.Parties = append(a.Parties, p)
	a.UpdatedAt = now
	return nil
}

// AcceptAsParty records the party's acceptance of the agreement terms.
func (a *Agreement) AcceptAsParty(partyID string, now time.Time) error {
	for i := range a.Parties {
		if a.Parties[i].ID != partyID {
			continue
		}
		if a.Parties[i].HasAccepted {
			return nil
		}
		a.Parties[i].HasAccepted = true
		at := now
		a.Parties[i].AcceptedAt = &at
		a.UpdatedAt = now
		return nil
	}
	return ErrPartyNotFound
}

// AddMilestone appends a milestone while the agreement is still draft. The
// milestone currency must match the agreement currency and the running value
// total may not exceed the agreement total.
func (a *Agreement) AddMilestone(id, description string, value money.Money, dueDate time.Time, now time.Time) (*Milestone, error) {
	if a.Status != StatusDraft {
		return nil, ErrAgreementNotDraft
	}
	if id == "" {
		return nil, fmt.Errorf("agreement: missing milestone id")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("agreement: milestone description required")
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("agreement: milestone value must be positive")
	}
	if value.Currency() != a.TotalValue.Currency() {
		return nil, money.ErrCurrencyMismatch
	}
	if dueDate.IsZero() {
		return nil, fmt.Errorf("agreement: milestone due date required")
	}
	for _, existing := range a.Milestones {
		if existing.ID == id {
			return nil, ErrDuplicateMilestone
		}
	}

	running, err := a.milestoneTotal().Add(value)
	if err != nil {
		return nil, err
	}
	if over, _ := running.GreaterThan(a.TotalValue); over {
		return nil, ErrMilestonesExceedTotal
	}

	a.Milestones = append(a.Milestones, Milestone{
		ID:          id,
		AgreementID: a.ID,
		Description: description,
		Value:       value,
		DueDate:     dueDate.UTC(),
		Status:      MilestonePending,
		CreatedAt:   now,
	})
	a.UpdatedAt = now

	a.record(TopicMilestoneCreated, map[string]any{
		"agreement_id": a.ID,
		"milestone_id": id,
		"description":  description,
		"due_date":     dueDate.UTC(),
		"value":        value.Amount().String(),
		"currency":     value.Currency(),
	})

	return &a.Milestones[len(a.Milestones)-1], nil
}

// Activate transitions Draft -> Active once the structural invariants hold.
func (a *Agreement) Activate(now time.Time) error {
	if err := ensureCanActivate(a); err != nil {
		return err
	}

	a.Status = StatusActive
	at := now
	a.ActivatedAt = &at
	a.UpdatedAt = now

	a.record(TopicAgreementActivated, map[string]any{"agreement_id": a.ID})
	return nil
}

// Complete transitions Active -> Completed once every milestone is done.
func (a *Agreement) Complete(now time.Time) error {
	if err := ensureCanComplete(a); err != nil {
		return err
	}

	a.Status = StatusCompleted
	at := now
	a.CompletedAt = &at
	a.UpdatedAt = now

	a.record(TopicAgreementCompleted, map[string]any{"agreement_id": a.ID})
	return nil
}

// Cancel transitions Draft or Active -> Canceled with a mandatory reason.
func (a *Agreement) Cancel(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if a.Status != StatusDraft && a.Status != StatusActive {
		return fault.New("InvalidTransition", fmt.Sprintf("agreement: cannot cancel from %s", a.Status))
	}

	a.Status = StatusCanceled
	at := now
	a.CanceledAt = &at
	a.UpdatedAt = now

	a.record(TopicAgreementCanceled, map[string]any{"agreement_id": a.ID, "reason": reason})
	return nil
}

// Dispute transitions Active -> Disputed with a mandatory reason.
func (a *Agreement) Dispute(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if a.Status != StatusActive {
		return ErrNotActive
	}

	a.Status = StatusDisputed
	a.UpdatedAt = now

	a.record(TopicAgreementDisputed, map[string]any{"agreement_id": a.ID, "reason": reason})
	return nil
}

// Resolve returns a disputed agreement to Active.
func (a *Agreement) Resolve(now time.Time) error {
	if a.Status != StatusDisputed {
		return ErrNotDisputed
	}
	a.Status = StatusActive
	a.UpdatedAt = now
	return nil
}

// CompleteMilestone transitions a milestone to Completed and records the
// payout transaction that released it. A milestone completed earlier without
// a payout may still have one linked; a milestone that already carries a
// released transaction rejects re-completion, which is what stops a retried
// trigger from paying out twice.
func (a *Agreement) CompleteMilestone(milestoneID string, notes *string, releasedTransactionID *string, now time.Time) error {
	m := a.milestone(milestoneID)
	if m == nil {
		return ErrMilestoneNotFound
	}
	if m.Status == MilestoneCompleted {
		if m.ReleasedPayoutTransactionID != nil {
			return ErrMilestoneAlreadyCompleted
		}
		if releasedTransactionID == nil {
			return ErrMilestoneAlreadyCompleted
		}
		m.ReleasedPayoutTransactionID = releasedTransactionID
		a.UpdatedAt = now
		return nil
	}

	m.Status = MilestoneCompleted
	at := now
	m.CompletedAt = &at
	m.CompletionNotes = trimmedOrNil(notes)
	m.ReleasedPayoutTransactionID = releasedTransactionID
	a.UpdatedAt = now

	payload := map[string]any{
		"agreement_id": a.ID,
		"milestone_id": milestoneID,
	}
	if m.CompletionNotes != nil {
		payload["notes"] = *m.CompletionNotes
	}
	a.record(TopicMilestoneCompleted, payload)
	return nil
}

// MarkMilestoneOverdue persists the overdue transition for a pending
// milestone whose due date has passed. Completed milestones are left alone.
func (a *Agreement) MarkMilestoneOverdue(milestoneID string, now time.Time) error {
	m := a.milestone(milestoneID)
	if m == nil {
		return ErrMilestoneNotFound
	}
	if m.Status != MilestonePending {
		return nil
	}
	if !m.DueDate.Before(now) {
		return nil
	}

	m.Status = MilestoneOverdue
	a.UpdatedAt = now

	a.record(TopicMilestoneOverdue, map[string]any{
		"agreement_id": a.ID,
		"milestone_id": milestoneID,
		"due_date":     m.DueDate,
	})
	return nil
}

// AttachEscrowAccount links the escrow account backing this agreement.
func (a *Agreement) AttachEscrowAccount(escrowAccountID string, now time.Time) error {
	if escrowAccountID == "" {
		return fmt.Errorf("agreement: missing escrow account id")
	}
	a.EscrowAccountID = &escrowAccountID
	a.UpdatedAt = now
	return nil
}

// UpdateDetails patches the free-text fields. Empty title is ignored.
func (a *Agreement) UpdateDetails(title string, description, terms *string, now time.Time) {
	if t := strings.TrimSpace(title); t != "" {
		a.Title = t
	}
	if description != nil {
		a.Description = trimmedOrNil(description)
	}
	if terms != nil {
		a.Terms = trimmedOrNil(terms)
	}
	a.UpdatedAt = now
}

// FindMilestone returns the milestone with the given id, or nil.
func (a *Agreement) FindMilestone(milestoneID string) *Milestone {
	return a.milestone(milestoneID)
}

func (a *Agreement) milestone(id string) *Milestone {
	for i := range a.Milestones {
		if a.Milestones[i].ID == id {
			return &a.Milestones[i]
		}
	}
	return nil
}

func (a *Agreement) splitTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Parties {
		total = total.Add(p.SplitPercentage)
	}
	return total
}

func (a *Agreement) milestoneTotal() money.Money {
	total, _ := money.Zero(a.TotalValue.Currency())
	for _, m := range a.Milestones {
		total, _ = total.Add(m.Value)
	}
	return total
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
