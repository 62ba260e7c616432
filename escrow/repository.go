package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/fault"
	"escrowflow/money"
)

var (
	// ErrEscrowNotFound is returned when no account row exists for the id.
	ErrEscrowNotFound = fault.New("EscrowNotFound", "escrow: account not found")
	// ErrVersionConflict signals the optimistic-concurrency check failed on save.
	ErrVersionConflict = fault.New("VersionConflict", "escrow: concurrent modification")
)

// Repository defines the data access required by the escrow services.
type Repository interface {
	GetByID(ctx context.Context, q db.Querier, id string) (*Account, error)
	GetByAgreementID(ctx context.Context, q db.Querier, agreementID string) (*Account, error)
	Insert(ctx context.Context, tx pgx.Tx, a *Account) error
	Save(ctx context.Context, tx pgx.Tx, a *Account) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// PGRepository persists escrow accounts in PostgreSQL.
type PGRepository struct{}

// NewRepository builds the PostgreSQL repository.
func NewRepository() *PGRepository {
	return &PGRepository{}
}

const accountColumns = `
SELECT id::text, agreement_id::text, owner_user_id::text, currency, status,
       payout_account_id, balance::text, created_at, updated_at, version
FROM escrow_accounts
`

// GetByID loads the account with its full ledger.
func (r *PGRepository) GetByID(ctx context.Context, q db.Querier, id string) (*Account, error) {
	return r.get(ctx, q, accountColumns+`WHERE id = $1`, id)
}

// GetByAgreementID loads the one account backing an agreement.
func (r *PGRepository) GetByAgreementID(ctx context.Context, q db.Querier, agreementID string) (*Account, error) {
	return r.get(ctx, q, accountColumns+`WHERE agreement_id = $1`, agreementID)
}

func (r *PGRepository) get(ctx context.Context, q db.Querier, query, arg string) (*Account, error) {
	var (
		a       Account
		balance string
	)
	err := q.QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.AgreementID, &a.OwnerUserID, &a.Currency, &a.Status,
		&a.PayoutAccountID, &balance, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, fmt.Errorf("escrow: load account: %w", err)
	}

	if a.Balance, err = parseMoney(balance, a.Currency); err != nil {
		return nil, fmt.Errorf("escrow: balance: %w", err)
	}

	if a.Transactions, err = r.loadTransactions(ctx, q, a.ID); err != nil {
		return nil, err
	}
	return &a, nil
}

// Insert writes a freshly opened account with version 1.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a *Account) error {
	const query = `
INSERT INTO escrow_accounts
    (id, agreement_id, owner_user_id, currency, status, payout_account_id,
     balance, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
`
	_, err := tx.Exec(ctx, query,
		a.ID, a.AgreementID, a.OwnerUserID, a.Currency, a.Status,
		a.PayoutAccountID, a.Balance.Amount().String(), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("escrow: insert account: %w", err)
	}
	a.Version = 1

	return r.saveTransactions(ctx, tx, a)
}

// Save applies the account state with a conditional update on version. A
// losing writer gets ErrVersionConflict and must re-read before retrying;
// this is what keeps two concurrent payouts from overdrawing a stale balance.
func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, a *Account) error {
	const query = `
UPDATE escrow_accounts
SET status = $1, payout_account_id = $2, balance = $3, updated_at = $4,
    version = version + 1
WHERE id = $5 AND version = $6
`
	tag, err := tx.Exec(ctx, query,
		a.Status, a.PayoutAccountID, a.Balance.Amount().String(), a.UpdatedAt,
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("escrow: save account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	a.Version++

	return r.saveTransactions(ctx, tx, a)
}

func (r *PGRepository) saveTransactions(ctx context.Context, tx pgx.Tx, a *Account) error {
	// Ledger entries are append-only: inserts create them, updates only move
	// them forward through the status machine.
	const query = `
INSERT INTO escrow_transactions
    (id, escrow_account_id, party_id, type, amount, currency, description,
     status, approval_type, approved_by, approved_at, rejected_by,
     rejection_reason, dispute_reason, external_payment_ref,
     external_transfer_ref, balance_restored, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status, approved_by = EXCLUDED.approved_by,
    approved_at = EXCLUDED.approved_at, rejected_by = EXCLUDED.rejected_by,
    rejection_reason = EXCLUDED.rejection_reason,
    dispute_reason = EXCLUDED.dispute_reason,
    external_payment_ref = EXCLUDED.external_payment_ref,
    external_transfer_ref = EXCLUDED.external_transfer_ref,
    balance_restored = EXCLUDED.balance_restored,
    updated_at = EXCLUDED.updated_at
`
	for _, t := range a.Transactions {
		if _, err := tx.Exec(ctx, query,
			t.ID, a.ID, t.PartyID, t.Type, t.Amount.Amount().String(), t.Amount.Currency(),
			t.Description, t.Status, t.ApprovalType, t.ApprovedBy, t.ApprovedAt,
			t.RejectedBy, t.RejectionReason, t.DisputeReason, t.ExternalPaymentRef,
			t.ExternalTransferRef, t.BalanceRestored, t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("escrow: save transaction: %w", err)
		}
	}
	return nil
}

// InsertIdempotencyKey reserves the key inside the active transaction so a
// replayed request aborts before any money movement.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}
	return nil
}

func (r *PGRepository) loadTransactions(ctx context.Context, q db.Querier, accountID string) ([]Transaction, error) {
	const query = `
SELECT id::text, escrow_account_id::text, party_id::text, type, amount::text,
       currency, description, status, approval_type, approved_by::text,
       approved_at, rejected_by::text, rejection_reason, dispute_reason,
       external_payment_ref, external_transfer_ref, balance_restored,
       created_at, updated_at
FROM escrow_transactions
WHERE escrow_account_id = $1
ORDER BY created_at, id
`
	rows, err := q.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load transactions: %w", err)
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		var (
			t      Transaction
			amount string
			ccy    string
		)
		if err := rows.Scan(&t.ID, &t.EscrowAccountID, &t.PartyID, &t.Type, &amount,
			&ccy, &t.Description, &t.Status, &t.ApprovalType, &t.ApprovedBy,
			&t.ApprovedAt, &t.RejectedBy, &t.RejectionReason, &t.DisputeReason,
			&t.ExternalPaymentRef, &t.ExternalTransferRef, &t.BalanceRestored,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan transaction: %w", err)
		}
		if t.Amount, err = parseMoney(amount, ccy); err != nil {
			return nil, fmt.Errorf("escrow: transaction amount: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func parseMoney(amount, currency string) (money.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return money.Money{}, err
	}
	return money.New(d, currency)
}
