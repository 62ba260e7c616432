package escrow

import (
	"time"

	"escrowflow/event"
	"escrowflow/money"
)

// AccountStatus is the lifecycle state of an escrow account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TypeDeposit TransactionType = "deposit"
	TypePayout  TransactionType = "payout"
	TypeRefund  TransactionType = "refund"
	TypeFee     TransactionType = "fee"
)

// TransactionStatus is the forward-only state of a ledger entry.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxApproved  TransactionStatus = "approved"
	TxRejected  TransactionStatus = "rejected"
	TxDisputed  TransactionStatus = "disputed"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// ApprovalType is the risk tier a payout lands in based on its size relative
// to the agreement total.
type ApprovalType string

const (
	ApprovalAutomatic ApprovalType = "automatic"
	ApprovalRequired  ApprovalType = "approval_required"
	ApprovalDisputed  ApprovalType = "disputed"
)

// Outbox topics emitted by this package.
const (
	TopicAccountCreated  = "escrow.account_created"
	TopicDepositReceived = "escrow.deposit_received"
	TopicPayoutRequested = "escrow.payout_requested"
	TopicPayoutApproved  = "escrow.payout_approved"
	TopicPayoutRejected  = "escrow.payout_rejected"
	TopicPayoutExecuted  = "escrow.payout_executed"
	TopicPayoutFailed    = "escrow.payout_failed"
)

// Account is the escrow aggregate root: a currency-scoped balance plus an
// append-only transaction ledger. Version backs the optimistic-concurrency
// save so two concurrent payouts cannot both pass coverage on a stale
// balance.
type Account struct {
	ID              string
	AgreementID     string
	OwnerUserID     string
	Currency        string
	Status          AccountStatus
	PayoutAccountID *string
	Balance         money.Money
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Transactions    []Transaction
	Version         int64

	pending []event.Event
}

// Transaction is one ledger entry. Entries are never deleted; they only move
// forward through the status state machine.
type Transaction struct {
	ID                  string
	EscrowAccountID     string
	PartyID             *string
	Type                TransactionType
	Amount              money.Money
	Description         *string
	Status              TransactionStatus
	ApprovalType        *ApprovalType
	ApprovedBy          *string
	ApprovedAt          *time.Time
	RejectedBy          *string
	RejectionReason     *string
	DisputeReason       *string
	ExternalPaymentRef  *string
	ExternalTransferRef *string
	BalanceRestored     bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Events returns the pending domain events accumulated by mutations.
func (a *Account) Events() []event.Event {
	return a.pending
}

// ClearEvents drops pending events after they have been enqueued.
func (a *Account) ClearEvents() {
	a.pending = nil
}

func (a *Account) record(topic string, payload map[string]any) {
	a.pending = append(a.pending, event.New(topic, payload))
}
