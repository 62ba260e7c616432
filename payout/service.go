// Package payout orchestrates the milestone payout trigger: the one flow
// that mutates the agreement and escrow aggregates together. Both saves and
// every outbox write happen in a single transaction; a failure anywhere
// rolls the whole unit of work back, events included.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/agreement"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/fault"
	"escrowflow/money"
)

// ErrAgreementHasNoEscrow rejects payout triggers on agreements without an
// escrow account.
var ErrAgreementHasNoEscrow = fault.New("AgreementHasNoEscrow", "payout: agreement has no escrow account")

const maxAttempts = 3

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter appends domain events inside the commit transaction.
type OutboxWriter interface {
	EnqueueAll(ctx context.Context, tx pgx.Tx, events []event.Event) error
}

// Service runs the trigger-milestone-payout command.
type Service struct {
	pool        TxBeginner
	agreements  agreement.Repository
	escrows     escrow.Repository
	policy      *escrow.Policy
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

// NewService builds the payout orchestration service.
func NewService(pool TxBeginner, agreements agreement.Repository, escrows escrow.Repository, policy *escrow.Policy, outbox OutboxWriter) *Service {
	if agreements == nil {
		agreements = agreement.NewRepository()
	}
	if escrows == nil {
		escrows = escrow.NewRepository()
	}
	if policy == nil {
		policy = escrow.NewPolicy(escrow.DefaultThresholds())
	}
	return &Service{
		pool:        pool,
		agreements:  agreements,
		escrows:     escrows,
		policy:      policy,
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

// TriggerParams describes a milestone payout request.
type TriggerParams struct {
	AgreementID        string
	MilestoneID        string
	RequestedBy        string
	BeneficiaryPartyID *string
	// Amount overrides the milestone value when positive. Zero means "pay the
	// full milestone value".
	Amount   decimal.Decimal
	Currency string
	Notes    *string
}

// Result reports the payout transaction created (or found) by the trigger.
type Result struct {
	TransactionID string
	ApprovalType  escrow.ApprovalType
	// Replayed is true when the milestone was already completed and the
	// existing transaction id was returned instead of creating a new one.
	Replayed bool
}

// Trigger releases a payout for a delivered milestone: it runs the three
// policy checks, requests the escrow payout, and links the transaction to the
// milestone, all in one transaction. Callers retrying after a network failure
// get the original transaction id back instead of a duplicate payout.
// Concurrency conflicts restart the whole read-check-write cycle, bounded to
// a few attempts.
func (s *Service) Trigger(ctx context.Context, params TriggerParams) (Result, error) {
	if params.RequestedBy == "" {
		return Result{}, fmt.Errorf("payout: missing requesting user id")
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := s.triggerOnce(ctx, params)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, agreement.ErrVersionConflict) && !errors.Is(err, escrow.ErrVersionConflict) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func (s *Service) triggerOnce(ctx context.Context, params TriggerParams) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.agreements.GetByID(ctx, tx, params.AgreementID)
	if err != nil {
		return Result{}, err
	}
	if a.OwnerUserID != params.RequestedBy {
		return Result{}, agreement.ErrNotOwner
	}

	milestone := a.FindMilestone(params.MilestoneID)
	if milestone == nil {
		return Result{}, agreement.ErrMilestoneNotFound
	}

	// Idempotent replay: a completed milestone with a recorded payout means
	// the previous trigger committed. Hand back the same transaction.
	if milestone.Status == agreement.MilestoneCompleted && milestone.ReleasedPayoutTransactionID != nil {
		return Result{
			TransactionID: *milestone.ReleasedPayoutTransactionID,
			ApprovalType:  s.approvalTypeOf(ctx, tx, a, *milestone.ReleasedPayoutTransactionID),
			Replayed:      true,
		}, nil
	}

	if a.EscrowAccountID == nil {
		return Result{}, ErrAgreementHasNoEscrow
	}
	account, err := s.escrows.GetByID(ctx, tx, *a.EscrowAccountID)
	if err != nil {
		return Result{}, err
	}

	requested, err := s.resolveAmount(params, milestone)
	if err != nil {
		return Result{}, err
	}

	if err := s.policy.EnsureMilestoneEligibleForPayout(a, milestone, requested); err != nil {
		return Result{}, err
	}
	if err := s.policy.EnsureEscrowCoverage(account, requested); err != nil {
		return Result{}, err
	}
	approvalType, err := s.policy.DetermineApprovalPolicy(a, requested)
	if err != nil {
		return Result{}, err
	}

	transactionID := s.idGenerator()
	now := s.now()

	description := fmt.Sprintf("Payout for milestone %s", milestone.Description)
	if _, err := account.RequestPayout(transactionID, params.BeneficiaryPartyID, requested, &description, approvalType, nil, now); err != nil {
		return Result{}, err
	}

	// Links the payout to the milestone; a concurrent trigger that already
	// linked one loses here and the whole unit of work rolls back.
	if err := a.CompleteMilestone(params.MilestoneID, params.Notes, &transactionID, now); err != nil {
		return Result{}, err
	}

	if err := s.escrows.Save(ctx, tx, account); err != nil {
		return Result{}, err
	}
	if err := s.agreements.Save(ctx, tx, a); err != nil {
		return Result{}, err
	}

	if s.outbox != nil {
		events := append(account.Events(), a.Events()...)
		if err := s.outbox.EnqueueAll(ctx, tx, events); err != nil {
			return Result{}, fmt.Errorf("payout: enqueue outbox: %w", err)
		}
	}
	account.ClearEvents()
	a.ClearEvents()

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("payout: commit: %w", err)
	}

	return Result{TransactionID: transactionID, ApprovalType: approvalType}, nil
}

// resolveAmount picks the explicit amount when positive, the full milestone
// value otherwise. Currency defaults to the milestone currency.
func (s *Service) resolveAmount(params TriggerParams, m *agreement.Milestone) (money.Money, error) {
	currency := params.Currency
	if currency == "" {
		currency = m.Value.Currency()
	}
	if params.Amount.IsPositive() {
		return money.New(params.Amount, currency)
	}
	return money.New(m.Value.Amount(), currency)
}

// approvalTypeOf best-effort recovers the approval tier of a previously
// created transaction for the replay response.
func (s *Service) approvalTypeOf(ctx context.Context, tx pgx.Tx, a *agreement.Agreement, transactionID string) escrow.ApprovalType {
	if a.EscrowAccountID == nil {
		return ""
	}
	account, err := s.escrows.GetByID(ctx, tx, *a.EscrowAccountID)
	if err != nil {
		return ""
	}
	t := account.FindTransaction(transactionID)
	if t == nil || t.ApprovalType == nil {
		return ""
	}
	return *t.ApprovalType
}
