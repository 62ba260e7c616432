package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/fault"
	"escrowflow/money"
)

var (
	// ErrAgreementNotFound is returned when no agreement row exists for the id.
	ErrAgreementNotFound = fault.New("AgreementNotFound", "agreement: not found")
	// ErrVersionConflict signals the optimistic-concurrency check failed on save.
	ErrVersionConflict = fault.New("VersionConflict", "agreement: concurrent modification")
)

// Repository defines the data access required by the agreement services.
type Repository interface {
	GetByID(ctx context.Context, q db.Querier, id string) (*Agreement, error)
	Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error
	Save(ctx context.Context, tx pgx.Tx, a *Agreement) error
}

// PGRepository persists agreements in PostgreSQL.
type PGRepository struct{}

// NewRepository builds the PostgreSQL repository.
func NewRepository() *PGRepository {
	return &PGRepository{}
}

// GetByID loads the aggregate with its parties and milestones.
func (r *PGRepository) GetByID(ctx context.Context, q db.Querier, id string) (*Agreement, error) {
	const query = `
SELECT id::text, owner_user_id::text, title, description, terms,
       total_value::text, total_currency, status, escrow_account_id::text,
       created_at, updated_at, activated_at, completed_at, canceled_at, version
FROM commission_agreements
WHERE id = $1
`
	var (
		a           Agreement
		totalAmount string
		totalCcy    string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.OwnerUserID, &a.Title, &a.Description, &a.Terms,
		&totalAmount, &totalCcy, &a.Status, &a.EscrowAccountID,
		&a.CreatedAt, &a.UpdatedAt, &a.ActivatedAt, &a.CompletedAt, &a.CanceledAt, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgreementNotFound
		}
		return nil, fmt.Errorf("agreement: load: %w", err)
	}

	if a.TotalValue, err = parseMoney(totalAmount, totalCcy); err != nil {
		return nil, fmt.Errorf("agreement: total value: %w", err)
	}

	if a.Parties, err = r.loadParties(ctx, q, id); err != nil {
		return nil, err
	}
	if a.Milestones, err = r.loadMilestones(ctx, q, id); err != nil {
		return nil, err
	}

	return &a, nil
}

// Insert writes a freshly created aggregate with version 1.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	const query = `
INSERT INTO commission_agreements
    (id, owner_user_id, title, description, terms, total_value, total_currency,
     status, escrow_account_id, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
`
	_, err := tx.Exec(ctx, query,
		a.ID, a.OwnerUserID, a.Title, a.Description, a.Terms,
		a.TotalValue.Amount().String(), a.TotalValue.Currency(),
		a.Status, a.EscrowAccountID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("agreement: insert: %w", err)
	}
	a.Version = 1

	return r.saveChildren(ctx, tx, a)
}

// Save applies the aggregate state with a conditional update on version.
// A losing writer gets ErrVersionConflict and must re-read before retrying.
func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	const query = `
UPDATE commission_agreements
SET title = $1, description = $2, terms = $3, status = $4,
    escrow_account_id = $5, updated_at = $6, activated_at = $7,
    completed_at = $8, canceled_at = $9, version = version + 1
WHERE id = $10 AND version = $11
`
	tag, err := tx.Exec(ctx, query,
		a.Title, a.Description, a.Terms, a.Status,
		a.EscrowAccountID, a.UpdatedAt, a.ActivatedAt,
		a.CompletedAt, a.CanceledAt,
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("agreement: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	a.Version++

	return r.saveChildren(ctx, tx, a)
}

func (r *PGRepository) saveChildren(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	const partySQL = `
INSERT INTO agreement_parties
    (id, agreement_id, contact_id, company_id, name, email, split_percentage,
     role, payout_account_id, has_accepted, accepted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name, email = EXCLUDED.email,
    split_percentage = EXCLUDED.split_percentage, role = EXCLUDED.role,
    payout_account_id = EXCLUDED.payout_account_id,
    has_accepted = EXCLUDED.has_accepted, accepted_at = EXCLUDED.accepted_at
`
	for _, p := range a.Parties {
		if _, err := tx.Exec(ctx, partySQL,
			p.ID, a.ID, p.ContactID, p.CompanyID, p.Name, p.Email,
			p.SplitPercentage.String(), p.Role, p.PayoutAccountID,
			p.HasAccepted, p.AcceptedAt,
		); err != nil {
			return fmt.Errorf("agreement: save party: %w", err)
		}
	}

	const milestoneSQL = `
INSERT INTO milestones
    (id, agreement_id, description, value_amount, value_currency, due_date,
     status, created_at, completed_at, completion_notes, released_payout_transaction_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    description = EXCLUDED.description, status = EXCLUDED.status,
    completed_at = EXCLUDED.completed_at,
    completion_notes = EXCLUDED.completion_notes,
    released_payout_transaction_id = EXCLUDED.released_payout_transaction_id
`
	for _, m := range a.Milestones {
		if _, err := tx.Exec(ctx, milestoneSQL,
			m.ID, a.ID, m.Description, m.Value.Amount().String(), m.Value.Currency(),
			m.DueDate, m.Status, m.CreatedAt, m.CompletedAt, m.CompletionNotes,
			m.ReleasedPayoutTransactionID,
		); err != nil {
			return fmt.Errorf("agreement: save milestone: %w", err)
		}
	}

	return nil
}

func (r *PGRepository) loadParties(ctx context.Context, q db.Querier, agreementID string) ([]Party, error) {
	const query = `
SELECT id::text, contact_id::text, company_id::text, name, email,
       split_percentage::text, role, payout_account_id, has_accepted, accepted_at
FROM agreement_parties
WHERE agreement_id = $1
ORDER BY id
`
	rows, err := q.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: load parties: %w", err)
	}
	defer rows.Close()

	var parties []Party
	for rows.Next() {
		var (
			p     Party
			split string
		)
		if err := rows.Scan(&p.ID, &p.ContactID, &p.CompanyID, &p.Name, &p.Email,
			&split, &p.Role, &p.PayoutAccountID, &p.HasAccepted, &p.AcceptedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan party: %w", err)
		}
		if p.SplitPercentage, err = decimal.NewFromString(split); err != nil {
			return nil, fmt.Errorf("agreement: party split: %w", err)
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

func (r *PGRepository) loadMilestones(ctx context.Context, q db.Querier, agreementID string) ([]Milestone, error) {
	const query = `
SELECT id::text, agreement_id::text, description, value_amount::text, value_currency,
       due_date, status, created_at, completed_at, completion_notes,
       released_payout_transaction_id::text
FROM milestones
WHERE agreement_id = $1
ORDER BY due_date, id
`
	rows, err := q.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: load milestones: %w", err)
	}
	defer rows.Close()

	var milestones []Milestone
	for rows.Next() {
		var (
			m      Milestone
			amount string
			ccy    string
		)
		if err := rows.Scan(&m.ID, &m.AgreementID, &m.Description, &amount, &ccy,
			&m.DueDate, &m.Status, &m.CreatedAt, &m.CompletedAt, &m.CompletionNotes,
			&m.ReleasedPayoutTransactionID); err != nil {
			return nil, fmt.Errorf("agreement: scan milestone: %w", err)
		}
		if m.Value, err = parseMoney(amount, ccy); err != nil {
			return nil, fmt.Errorf("agreement: milestone value: %w", err)
		}
		milestones = append(milestones, m)
	}
	return milestones, rows.Err()
}

func parseMoney(amount, currency string) (money.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return money.Money{}, err
	}
	return money.New(d, currency)
}
