package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/event"
	"escrowflow/fault"
	"escrowflow/money"
)

// ErrNotOwner rejects commands issued by anyone but the agreement owner.
var ErrNotOwner = fault.New("NotOwner", "agreement: only the owner can modify the agreement")

// maxSaveAttempts bounds the optimistic-concurrency retry loop.
const maxSaveAttempts = 3

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter appends domain events inside the commit transaction.
type OutboxWriter interface {
	EnqueueAll(ctx context.Context, tx pgx.Tx, events []event.Event) error
}

// Service coordinates agreement commands: load, domain mutation, save with
// version check, outbox write, commit.
type Service struct {
	pool        TxBeginner
	repo        Repository
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

// NewService builds the agreement service.
func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithIDGenerator overrides id generation, for deterministic tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams describes a new draft agreement.
type CreateParams struct {
	OwnerUserID string
	Title       string
	Description *string
	Terms       *string
	TotalValue  money.Money
}

// Create persists a new draft agreement.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Agreement, error) {
	a, err := New(s.idGenerator(), params.OwnerUserID, params.Title, params.Description, params.Terms, params.TotalValue, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := s.flushEvents(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("agreement: commit: %w", err)
	}
	return a, nil
}

// AddPartyParams describes a party joining a draft agreement.
type AddPartyParams struct {
	AgreementID string
	RequestedBy string
	Party       Party
}

// AddParty appends a party to a draft agreement.
func (s *Service) AddParty(ctx context.Context, params AddPartyParams) (string, error) {
	if params.Party.ID == "" {
		params.Party.ID = s.idGenerator()
	}
	err := s.mutate(ctx, params.AgreementID, params.RequestedBy, func(a *Agreement) error {
		return a.AddParty(params.Party, s.now())
	})
	if err != nil {
		return "", err
	}
	return params.Party.ID, nil
}

// AcceptAsParty records a party's acceptance. Any caller may accept on
// behalf of a party they represent; ownership is not required.
func (s *Service) AcceptAsParty(ctx context.Context, agreementID, partyID string) error {
	return s.mutate(ctx, agreementID, "", func(a *Agreement) error {
		return a.AcceptAsParty(partyID, s.now())
	})
}

// AddMilestoneParams describes a milestone added to a draft agreement.
type AddMilestoneParams struct {
	AgreementID string
	RequestedBy string
	MilestoneID string
	Description string
	Value       money.Money
	DueDate     time.Time
}

// AddMilestone creates a milestone on a draft agreement and emits
// milestone.created after commit.
func (s *Service) AddMilestone(ctx context.Context, params AddMilestoneParams) (string, error) {
	if params.MilestoneID == "" {
		params.MilestoneID = s.idGenerator()
	}
	err := s.mutate(ctx, params.AgreementID, params.RequestedBy, func(a *Agreement) error {
		_, err := a.AddMilestone(params.MilestoneID, params.Description, params.Value, params.DueDate, s.now())
		return err
	})
	if err != nil {
		return "", err
	}
	return params.MilestoneID, nil
}

// Activate transitions the agreement Draft -> Active.
func (s *Service) Activate(ctx context.Context, agreementID, requestedBy string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		return a.Activate(s.now())
	})
}

// Complete transitions the agreement Active -> Completed.
func (s *Service) Complete(ctx context.Context, agreementID, requestedBy string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		return a.Complete(s.now())
	})
}

// Cancel transitions the agreement to Canceled with a reason.
func (s *Service) Cancel(ctx context.Context, agreementID, requestedBy, reason string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		return a.Cancel(reason, s.now())
	})
}

// Dispute transitions the agreement Active -> Disputed with a reason.
func (s *Service) Dispute(ctx context.Context, agreementID, requestedBy, reason string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		return a.Dispute(reason, s.now())
	})
}

// Resolve returns a disputed agreement to Active.
func (s *Service) Resolve(ctx context.Context, agreementID, requestedBy string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		return a.Resolve(s.now())
	})
}

// UpdateDetails patches the agreement's free-text fields.
func (s *Service) UpdateDetails(ctx context.Context, agreementID, requestedBy, title string, description, terms *string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		a.UpdateDetails(title, description, terms, s.now())
		return nil
	})
}

// CompleteMilestone marks a milestone as delivered. Payout release happens
// separately; a delivered milestone is what the payout checks look for.
func (s *Service) CompleteMilestone(ctx context.Context, agreementID, requestedBy, milestoneID string, notes *string) error {
	return s.mutate(ctx, agreementID, requestedBy, func(a *Agreement) error {
		return a.CompleteMilestone(milestoneID, notes, nil, s.now())
	})
}

// SweepOverdue persists the overdue transition for every pending milestone
// past its due date, emitting milestone.overdue exactly once per milestone.
func (s *Service) SweepOverdue(ctx context.Context, agreementID string) (int, error) {
	marked := 0
	err := s.mutate(ctx, agreementID, "", func(a *Agreement) error {
		marked = 0
		rules := NewRules(s.now)
		for _, m := range rules.OverdueMilestones(a) {
			if err := a.MarkMilestoneOverdue(m.ID, s.now()); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// Get loads the aggregate for the owner.
func (s *Service) Get(ctx context.Context, agreementID, requestedBy string) (*Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetByID(ctx, tx, agreementID)
	if err != nil {
		return nil, err
	}
	if a.OwnerUserID != requestedBy {
		return nil, ErrNotOwner
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("agreement: commit: %w", err)
	}
	return a, nil
}

// mutate runs one load-check-mutate-save cycle with bounded retry on
// optimistic-concurrency conflicts. An empty requestedBy skips the owner
// check for internal flows.
func (s *Service) mutate(ctx context.Context, agreementID, requestedBy string, apply func(*Agreement) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err := s.mutateOnce(ctx, agreementID, requestedBy, apply)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Service) mutateOnce(ctx context.Context, agreementID, requestedBy string, apply func(*Agreement) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetByID(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if requestedBy != "" && a.OwnerUserID != requestedBy {
		return ErrNotOwner
	}

	if err := apply(a); err != nil {
		return err
	}

	if err := s.repo.Save(ctx, tx, a); err != nil {
		return err
	}
	if err := s.flushEvents(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit: %w", err)
	}
	return nil
}

func (s *Service) flushEvents(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	if s.outbox == nil || len(a.Events()) == 0 {
		a.ClearEvents()
		return nil
	}
	if err := s.outbox.EnqueueAll(ctx, tx, a.Events()); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	a.ClearEvents()
	return nil
}
