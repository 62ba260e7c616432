// Package actors holds the concurrent workloads driven by the stress harness.
// Each actor loops until stopped, exercising one face of the payout engine
// through the real services and tolerating the domain errors that contention
// is expected to produce.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/agreement"
	"escrowflow/escrow"
	"escrowflow/money"
	"escrowflow/payout"
)

// Depositor streams gateway credits into the account, occasionally replaying
// the previous idempotency key the way a retrying webhook would.
func Depositor(ctx context.Context, svc *escrow.Service, accountID, currency string, stop <-chan struct{}) error {
	var lastKey string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		key := lastKey
		if key == "" || rand.Intn(4) != 0 {
			key = fmt.Sprintf("dep-%d-%d", time.Now().UnixNano(), rand.Int63())
		}
		amount, err := money.New(decimal.NewFromInt(int64(50+rand.Intn(200))), currency)
		if err != nil {
			return fmt.Errorf("depositor amount: %w", err)
		}

		_, err = svc.Deposit(ctx, escrow.DepositParams{
			EscrowAccountID: accountID,
			Amount:          amount,
			IdempotencyKey:  key,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("depositor: %w", err)
		}
		lastKey = key
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Trigger races payout triggers for the same set of milestones. Only the
// first trigger per milestone creates a transaction; the rest must get the
// original transaction id back, never a second payout.
func Trigger(ctx context.Context, svc *payout.Service, agreementID, ownerID string, milestoneIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		milestoneID := milestoneIDs[rand.Intn(len(milestoneIDs))]
		_, err := svc.Trigger(ctx, payout.TriggerParams{
			AgreementID: agreementID,
			MilestoneID: milestoneID,
			RequestedBy: ownerID,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("trigger %s: %w", milestoneID, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Approver scans the ledger and approves or rejects pending payouts,
// exercising the coverage re-check under a moving balance.
func Approver(ctx context.Context, svc *escrow.Service, accountID, approverID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		account, err := svc.Get(ctx, accountID)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("approver load: %w", err)
		}
		for _, t := range account.Transactions {
			if t.Type != escrow.TypePayout || t.Status != escrow.TxPending {
				continue
			}
			if rand.Intn(5) == 0 {
				err = svc.RejectPayout(ctx, accountID, t.ID, approverID, "stress reject")
			} else {
				err = svc.ApprovePayout(ctx, accountID, t.ID, approverID)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("approver decide %s: %w", t.ID, err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Gateway plays the payment gateway: approved payouts get executed or
// failed, and failure callbacks are replayed to prove the balance is
// restored exactly once.
func Gateway(ctx context.Context, svc *escrow.Service, accountID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		account, err := svc.Get(ctx, accountID)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("gateway load: %w", err)
		}
		for _, t := range account.Transactions {
			if t.Type != escrow.TypePayout || t.Status != escrow.TxApproved {
				continue
			}
			if rand.Intn(4) == 0 {
				err = svc.MarkPayoutFailed(ctx, accountID, t.ID, "stress transfer failure")
				if err == nil && rand.Intn(2) == 0 {
					err = svc.MarkPayoutFailed(ctx, accountID, t.ID, "stress transfer failure replay")
				}
			} else {
				ref := fmt.Sprintf("tr_%d", rand.Int63())
				err = svc.MarkPayoutExecuted(ctx, accountID, t.ID, &ref)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("gateway callback %s: %w", t.ID, err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// Sweeper repeatedly runs the overdue sweep; re-sweeps must be no-ops so
// milestone.overdue is emitted at most once per milestone.
func Sweeper(ctx context.Context, svc *agreement.Service, agreementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.SweepOverdue(ctx, agreementID); err != nil && !tolerable(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// tolerable reports whether the error is an expected outcome of contention
// rather than a harness failure.
func tolerable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	expected := []error{
		agreement.ErrVersionConflict,
		agreement.ErrMilestoneAlreadyCompleted,
		agreement.ErrMilestoneNotFound,
		escrow.ErrVersionConflict,
		escrow.ErrInsufficientBalance,
		escrow.ErrMilestoneNotCompleted,
		escrow.ErrTransactionNotPending,
		escrow.ErrTransactionNotApproved,
		escrow.ErrDuplicateIdempotencyKey,
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
