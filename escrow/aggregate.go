package escrow

import (
	"fmt"
	"strings"
	"time"

	"escrowflow/fault"
	"escrowflow/money"
)

var (
	// ErrInsufficientBalance signals the balance cannot cover the payout.
	ErrInsufficientBalance = fault.New("InsufficientBalance", "escrow: insufficient balance")
	// ErrAccountNotActive rejects money movement on suspended or closed accounts.
	ErrAccountNotActive = fault.New("EscrowAccountNotActive", "escrow: account is not active")
	// ErrTransactionNotFound signals the ledger entry does not exist.
	ErrTransactionNotFound = fault.New("TransactionNotFound", "escrow: transaction not found")
	// ErrTransactionNotPending guards approve/reject of non-pending payouts.
	ErrTransactionNotPending = fault.New("TransactionNotPending", "escrow: transaction is not pending")
	// ErrTransactionNotApproved guards execution callbacks on non-approved payouts.
	ErrTransactionNotApproved = fault.New("TransactionNotApproved", "escrow: transaction is not approved")
	// ErrNotPayout rejects payout transitions on non-payout entries.
	ErrNotPayout = fault.New("TransactionNotPayout", "escrow: transaction is not a payout")
)

// Open creates an active escrow account for one agreement.
func Open(id, agreementID, ownerUserID, currency string, now time.Time) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("escrow: missing account id")
	}
	if agreementID == "" {
		return nil, fmt.Errorf("escrow: missing agreement id")
	}
	if ownerUserID == "" {
		return nil, fmt.Errorf("escrow: missing owner user id")
	}
	zero, err := money.Zero(currency)
	if err != nil {
		return nil, err
	}

	a := &Account{
		ID:          id,
		AgreementID: agreementID,
		OwnerUserID: ownerUserID,
		Currency:    zero.Currency(),
		Status:      AccountActive,
		Balance:     zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a.record(TopicAccountCreated, map[string]any{
		"escrow_account_id": id,
		"agreement_id":      agreementID,
		"owner_user_id":     ownerUserID,
	})
	return a, nil
}

// Deposit records a completed deposit and credits the balance immediately.
// Deposits are not subject to the approval policy.
func (a *Account) Deposit(transactionID string, amount money.Money, description, externalPaymentRef *string, now time.Time) (*Transaction, error) {
	if a.Status != AccountActive {
		return nil, ErrAccountNotActive
	}
	if amount.Currency() != a.Currency {
		return nil, money.ErrCurrencyMismatch
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("escrow: deposit amount must be positive")
	}

	balance, err := a.Balance.Add(amount)
	if err != nil {
		return nil, err
	}
	a.Balance = balance

	t := a.appendTransaction(Transaction{
		ID:                 transactionID,
		Type:               TypeDeposit,
		Amount:             amount,
		Description:        trimmedOrNil(description),
		Status:             TxCompleted,
		ExternalPaymentRef: externalPaymentRef,
	}, now)

	a.record(TopicDepositReceived, map[string]any{
		"escrow_account_id": a.ID,
		"transaction_id":    transactionID,
		"amount":            amount.Amount().String(),
		"currency":          amount.Currency(),
	})
	return t, nil
}

// RequestPayout creates a payout ledger entry seeded with the approval type
// the policy service determined. Automatic payouts are approved immediately
// and reserve the funds; the other tiers stay pending and leave the balance
// untouched until an explicit approval.
func (a *Account) RequestPayout(transactionID string, partyID *string, amount money.Money, description *string, approvalType ApprovalType, externalRef *string, now time.Time) (*Transaction, error) {
	if a.Status != AccountActive {
		return nil, ErrAccountNotActive
	}
	if amount.Currency() != a.Currency {
		return nil, money.ErrCurrencyMismatch
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("escrow: payout amount must be positive")
	}

	status := TxPending
	if approvalType == ApprovalAutomatic {
		balance, err := a.Balance.Sub(amount)
		if err != nil {
			return nil, ErrInsufficientBalance
		}
		a.Balance = balance
		status = TxApproved
	}

	at := approvalType
	t := a.appendTransaction(Transaction{
		ID:                 transactionID,
		PartyID:            partyID,
		Type:               TypePayout,
		Amount:             amount,
		Description:        trimmedOrNil(description),
		Status:             status,
		ApprovalType:       &at,
		ExternalPaymentRef: externalRef,
	}, now)
	if status == TxApproved {
		approvedAt := now
		t.ApprovedAt = &approvedAt
	}

	payload := map[string]any{
		"escrow_account_id": a.ID,
		"transaction_id":    transactionID,
		"amount":            amount.Amount().String(),
		"currency":          amount.Currency(),
		"approval_type":     string(approvalType),
	}
	if partyID != nil {
		payload["party_id"] = *partyID
	}
	a.record(TopicPayoutRequested, payload)
	return t, nil
}

// ApprovePayout commits a pending payout. Coverage is re-checked here because
// the balance may have moved between request and approval.
func (a *Account) ApprovePayout(transactionID, approvedBy string, now time.Time) error {
	t, err := a.payout(transactionID)
	if err != nil {
		return err
	}
	if t.Status != TxPending {
		return ErrTransactionNotPending
	}

	balance, err := a.Balance.Sub(t.Amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	a.Balance = balance

	t.Status = TxApproved
	t.ApprovedBy = &approvedBy
	at := now
	t.ApprovedAt = &at
	t.UpdatedAt = now
	a.UpdatedAt = now

	approvalType := ApprovalAutomatic
	if t.ApprovalType != nil {
		approvalType = *t.ApprovalType
	}
	a.record(TopicPayoutApproved, map[string]any{
		"escrow_account_id": a.ID,
		"transaction_id":    transactionID,
		"approved_by":       approvedBy,
		"approval_type":     string(approvalType),
	})
	return nil
}

// RejectPayout declines a pending payout. The balance never moved, so there
// is nothing to restore.
func (a *Account) RejectPayout(transactionID, rejectedBy, reason string, now time.Time) error {
	t, err := a.payout(transactionID)
	if err != nil {
		return err
	}
	if t.Status != TxPending {
		return ErrTransactionNotPending
	}

	reason = strings.TrimSpace(reason)
	t.Status = TxRejected
	t.RejectedBy = &rejectedBy
	if reason != "" {
		t.RejectionReason = &reason
	}
	t.UpdatedAt = now
	a.UpdatedAt = now

	a.record(TopicPayoutRejected, map[string]any{
		"escrow_account_id": a.ID,
		"transaction_id":    transactionID,
		"rejected_by":       rejectedBy,
		"reason":            reason,
	})
	return nil
}

// MarkPayoutExecuted records the gateway confirmation for an approved payout.
func (a *Account) MarkPayoutExecuted(transactionID string, externalTransferRef *string, now time.Time) error {
	t, err := a.payout(transactionID)
	if err != nil {
		return err
	}
	if t.Status != TxApproved {
		return ErrTransactionNotApproved
	}

	t.Status = TxCompleted
	t.ExternalTransferRef = trimmedOrNil(externalTransferRef)
	t.UpdatedAt = now
	a.UpdatedAt = now

	payload := map[string]any{
		"escrow_account_id": a.ID,
		"transaction_id":    transactionID,
		"amount":            t.Amount.Amount().String(),
		"currency":          t.Amount.Currency(),
	}
	if t.ExternalTransferRef != nil {
		payload["external_transfer_ref"] = *t.ExternalTransferRef
	}
	a.record(TopicPayoutExecuted, payload)
	return nil
}

// MarkPayoutFailed compensates an approved payout the gateway could not
// execute: the reserved funds go back to the balance exactly once, no matter
// how often the callback is replayed.
func (a *Account) MarkPayoutFailed(transactionID, reason string, now time.Time) error {
	t, err := a.payout(transactionID)
	if err != nil {
		return err
	}
	if t.Status == TxFailed {
		return nil
	}
	if t.Status != TxApproved {
		return ErrTransactionNotApproved
	}

	if !t.BalanceRestored {
		balance, err := a.Balance.Add(t.Amount)
		if err != nil {
			return err
		}
		a.Balance = balance
		t.BalanceRestored = true
	}

	reason = strings.TrimSpace(reason)
	t.Status = TxFailed
	if reason != "" {
		t.RejectionReason = &reason
	}
	t.UpdatedAt = now
	a.UpdatedAt = now

	a.record(TopicPayoutFailed, map[string]any{
		"escrow_account_id": a.ID,
		"transaction_id":    transactionID,
		"reason":            reason,
	})
	return nil
}

// MarkTransactionDisputed flags a ledger entry as disputed.
func (a *Account) MarkTransactionDisputed(transactionID, reason string, now time.Time) error {
	t := a.transaction(transactionID)
	if t == nil {
		return ErrTransactionNotFound
	}

	reason = strings.TrimSpace(reason)
	t.Status = TxDisputed
	if reason != "" {
		t.DisputeReason = &reason
	}
	t.UpdatedAt = now
	a.UpdatedAt = now
	return nil
}

// ConnectPayoutAccount links the external payment-gateway account used for
// transfers out of escrow.
func (a *Account) ConnectPayoutAccount(accountRef string, now time.Time) error {
	accountRef = strings.TrimSpace(accountRef)
	if accountRef == "" {
		return fmt.Errorf("escrow: missing payout account ref")
	}
	a.PayoutAccountID = &accountRef
	a.UpdatedAt = now
	return nil
}

// Suspend blocks further money movement.
func (a *Account) Suspend(now time.Time) {
	a.Status = AccountSuspended
	a.UpdatedAt = now
}

// Close permanently closes the account.
func (a *Account) Close(now time.Time) {
	a.Status = AccountClosed
	a.UpdatedAt = now
}

// FindTransaction returns the ledger entry with the given id, or nil.
func (a *Account) FindTransaction(transactionID string) *Transaction {
	return a.transaction(transactionID)
}

func (a *Account) appendTransaction(t Transaction, now time.Time) *Transaction {
	t.EscrowAccountID = a.ID
	t.CreatedAt = now
	t.UpdatedAt = now
	a.Transactions = append(a.Transactions, t)
	a.UpdatedAt = now
	return &a.Transactions[len(a.Transactions)-1]
}

func (a *Account) payout(transactionID string) (*Transaction, error) {
	t := a.transaction(transactionID)
	if t == nil {
		return nil, ErrTransactionNotFound
	}
	if t.Type != TypePayout {
		return nil, ErrNotPayout
	}
	return t, nil
}

func (a *Account) transaction(id string) *Transaction {
	for i := range a.Transactions {
		if a.Transactions[i].ID == id {
			return &a.Transactions[i]
		}
	}
	return nil
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
