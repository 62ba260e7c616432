package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/agreement"
	"escrowflow/event"
	"escrowflow/fault"
	"escrowflow/money"
)

var (
	// ErrAgreementHasEscrow rejects opening a second account for one agreement.
	ErrAgreementHasEscrow = fault.New("AgreementHasEscrow", "escrow: agreement already has an escrow account")
	// ErrDuplicateIdempotencyKey signals a replayed request hit the key guardrail.
	ErrDuplicateIdempotencyKey = fault.New("DuplicateIdempotencyKey", "escrow: duplicate idempotency key")
)

const maxSaveAttempts = 3

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter appends domain events inside the commit transaction.
type OutboxWriter interface {
	EnqueueAll(ctx context.Context, tx pgx.Tx, events []event.Event) error
}

// Service coordinates escrow account commands and the payment-gateway
// callbacks that move payouts to their terminal states.
type Service struct {
	pool        TxBeginner
	repo        Repository
	agreements  agreement.Repository
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

// NewService builds the escrow service.
func NewService(pool TxBeginner, repo Repository, agreements agreement.Repository, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if agreements == nil {
		agreements = agreement.NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		agreements:  agreements,
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

// CreateAccount opens the escrow account backing an agreement and links it to
// the agreement in the same transaction. One account per agreement.
func (s *Service) CreateAccount(ctx context.Context, agreementID, requestedBy string) (*Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.agreements.GetByID(ctx, tx, agreementID)
	if err != nil {
		return nil, err
	}
	if a.OwnerUserID != requestedBy {
		return nil, agreement.ErrNotOwner
	}
	if a.EscrowAccountID != nil {
		return nil, ErrAgreementHasEscrow
	}

	account, err := Open(s.idGenerator(), a.ID, a.OwnerUserID, a.TotalValue.Currency(), s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.Insert(ctx, tx, account); err != nil {
		return nil, err
	}
	if err := a.AttachEscrowAccount(account.ID, s.now()); err != nil {
		return nil, err
	}
	if err := s.agreements.Save(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := s.flushEvents(ctx, tx, account); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: commit: %w", err)
	}
	return account, nil
}

// DepositParams describes funds arriving from the payment gateway.
type DepositParams struct {
	EscrowAccountID    string
	Amount             money.Money
	Description        *string
	ExternalPaymentRef *string
	IdempotencyKey     string
}

// Deposit credits the account. Gateway webhooks retry, so an idempotency key
// makes the replay a no-op instead of a double credit.
func (s *Service) Deposit(ctx context.Context, params DepositParams) (string, error) {
	transactionID := s.idGenerator()
	err := s.mutate(ctx, params.EscrowAccountID, func(tx pgx.Tx, a *Account) error {
		if params.IdempotencyKey != "" {
			if err := s.repo.InsertIdempotencyKey(ctx, tx, params.IdempotencyKey); err != nil {
				return err
			}
		}
		_, err := a.Deposit(transactionID, params.Amount, params.Description, params.ExternalPaymentRef, s.now())
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return "", nil
		}
		return "", err
	}
	return transactionID, nil
}

// ApprovePayout commits a pending payout after a human decision.
func (s *Service) ApprovePayout(ctx context.Context, escrowAccountID, transactionID, approvedBy string) error {
	return s.mutate(ctx, escrowAccountID, func(tx pgx.Tx, a *Account) error {
		return a.ApprovePayout(transactionID, approvedBy, s.now())
	})
}

// RejectPayout declines a pending payout.
func (s *Service) RejectPayout(ctx context.Context, escrowAccountID, transactionID, rejectedBy, reason string) error {
	return s.mutate(ctx, escrowAccountID, func(tx pgx.Tx, a *Account) error {
		return a.RejectPayout(transactionID, rejectedBy, reason, s.now())
	})
}

// MarkPayoutExecuted is the gateway callback confirming the transfer.
func (s *Service) MarkPayoutExecuted(ctx context.Context, escrowAccountID, transactionID string, externalTransferRef *string) error {
	return s.mutate(ctx, escrowAccountID, func(tx pgx.Tx, a *Account) error {
		return a.MarkPayoutExecuted(transactionID, externalTransferRef, s.now())
	})
}

// MarkPayoutFailed is the gateway callback compensating a failed transfer.
func (s *Service) MarkPayoutFailed(ctx context.Context, escrowAccountID, transactionID, reason string) error {
	return s.mutate(ctx, escrowAccountID, func(tx pgx.Tx, a *Account) error {
		return a.MarkPayoutFailed(transactionID, reason, s.now())
	})
}

// ConnectPayoutAccount links the external gateway account for transfers.
func (s *Service) ConnectPayoutAccount(ctx context.Context, escrowAccountID, accountRef string) error {
	return s.mutate(ctx, escrowAccountID, func(tx pgx.Tx, a *Account) error {
		return a.ConnectPayoutAccount(accountRef, s.now())
	})
}

// Get loads the account with its ledger.
func (s *Service) Get(ctx context.Context, escrowAccountID string) (*Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetByID(ctx, tx, escrowAccountID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: commit: %w", err)
	}
	return a, nil
}

// mutate runs one load-mutate-save cycle with bounded retry on
// optimistic-concurrency conflicts.
func (s *Service) mutate(ctx context.Context, escrowAccountID string, apply func(pgx.Tx, *Account) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err := s.mutateOnce(ctx, escrowAccountID, apply)
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

func (s *Service) mutateOnce(ctx context.Context, escrowAccountID string, apply func(pgx.Tx, *Account) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetByID(ctx, tx, escrowAccountID)
	if err != nil {
		return err
	}
	if err := apply(tx, a); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, tx, a); err != nil {
		return err
	}
	if err := s.flushEvents(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func (s *Service) flushEvents(ctx context.Context, tx pgx.Tx, a *Account) error {
	if s.outbox == nil || len(a.Events()) == 0 {
		a.ClearEvents()
		return nil
	}
	if err := s.outbox.EnqueueAll(ctx, tx, a.Events()); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	a.ClearEvents()
	return nil
}
