package agreement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/event"
	"escrowflow/money"
)

func newServiceUnderTest(pool *fakePool, repo *fakeRepo, outbox *fakeOutbox) *Service {
	svc := NewService(pool, repo, outbox)
	seq := 0
	svc.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	})
	svc.WithClock(func() time.Time { return testNow })
	return svc
}

func TestCreate_PersistsDraftAndFlushesEvents(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	outbox := &fakeOutbox{}
	svc := newServiceUnderTest(pool, repo, outbox)

	a, err := svc.Create(context.Background(), CreateParams{
		OwnerUserID: "owner-1",
		Title:       "Sale of industrial unit",
		TotalValue:  money.MustNew("1000.00", "USD"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != StatusDraft {
		t.Errorf("expected draft status, got %q", a.Status)
	}
	if repo.inserted == nil || repo.inserted.ID != a.ID {
		t.Errorf("expected insert of the new aggregate")
	}
	if !pool.last().committed {
		t.Errorf("expected commit")
	}
}

func TestActivate_ChecksOwnership(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{agreement: activatableAgreement(t)}
	svc := newServiceUnderTest(pool, repo, &fakeOutbox{})

	err := svc.Activate(context.Background(), "agr-1", "someone-else")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not-owner error, got %v", err)
	}
	if pool.last().committed {
		t.Errorf("expected rollback on ownership failure")
	}
}

func TestActivate_FlushesEventsInsideCommitTx(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{agreement: activatableAgreement(t)}
	outbox := &fakeOutbox{}
	svc := newServiceUnderTest(pool, repo, outbox)

	if err := svc.Activate(context.Background(), "agr-1", "owner-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(outbox.events) == 0 {
		t.Fatalf("expected activation event in outbox")
	}
	if outbox.events[0].Topic != TopicAgreementActivated {
		t.Errorf("expected agreement.activated, got %q", outbox.events[0].Topic)
	}
	if !outbox.enqueuedBeforeCommit {
		t.Errorf("expected outbox write before commit")
	}
	if repo.saved == nil {
		t.Errorf("expected save")
	}
}

func TestMutate_RetriesOnVersionConflict(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		build:    func() *Agreement { return activatableAgreement(t) },
		saveErrs: []error{ErrVersionConflict, ErrVersionConflict},
	}
	svc := newServiceUnderTest(pool, repo, &fakeOutbox{})

	if err := svc.Activate(context.Background(), "agr-1", "owner-1"); err != nil {
		t.Fatalf("activate after retries: %v", err)
	}
	if len(pool.txs) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(pool.txs))
	}
}

func TestMutate_StopsAfterBoundedAttempts(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		build:    func() *Agreement { return activatableAgreement(t) },
		saveErrs: []error{ErrVersionConflict, ErrVersionConflict, ErrVersionConflict, ErrVersionConflict},
	}
	svc := newServiceUnderTest(pool, repo, &fakeOutbox{})

	err := svc.Activate(context.Background(), "agr-1", "owner-1")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict after exhausting retries, got %v", err)
	}
	if len(pool.txs) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", len(pool.txs))
	}
}

func TestSweepOverdue_PersistsTransitions(t *testing.T) {
	a := activatableAgreement(t)
	if err := a.Activate(testNow); err != nil {
		t.Fatalf("activate: %v", err)
	}
	a.ClearEvents()

	pool := &fakePool{}
	repo := &fakeRepo{agreement: a}
	outbox := &fakeOutbox{}
	svc := NewService(pool, repo, outbox).
		WithClock(func() time.Time { return testNow.AddDate(0, 2, 0) })

	marked, err := svc.SweepOverdue(context.Background(), "agr-1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if marked != 2 {
		t.Errorf("expected 2 milestones marked, got %d", marked)
	}
	overdueEvents := 0
	for _, e := range outbox.events {
		if e.Topic == TopicMilestoneOverdue {
			overdueEvents++
		}
	}
	if overdueEvents != 2 {
		t.Errorf("expected one overdue event per milestone, got %d", overdueEvents)
	}
	for _, m := range a.Milestones {
		if m.Status != MilestoneOverdue {
			t.Errorf("expected milestone %s persisted overdue, got %q", m.ID, m.Status)
		}
	}
}

func TestCompleteMilestone_DeliversWithoutPayout(t *testing.T) {
	a := activatableAgreement(t)
	if err := a.Activate(testNow); err != nil {
		t.Fatalf("activate: %v", err)
	}
	a.ClearEvents()

	pool := &fakePool{}
	repo := &fakeRepo{agreement: a}
	svc := newServiceUnderTest(pool, repo, &fakeOutbox{})

	if err := svc.CompleteMilestone(context.Background(), "agr-1", "owner-1", "ms-1", nil); err != nil {
		t.Fatalf("complete milestone: %v", err)
	}
	m := a.FindMilestone("ms-1")
	if m.Status != MilestoneCompleted {
		t.Errorf("expected completed milestone, got %q", m.Status)
	}
	if m.ReleasedPayoutTransactionID != nil {
		t.Errorf("expected no payout link for plain delivery")
	}
}

func activatableAgreement(t *testing.T) *Agreement {
	t.Helper()
	a, err := New("agr-1", "owner-1", "Sale of industrial unit", nil, nil, money.MustNew("1000.00", "USD"), testNow)
	if err != nil {
		t.Fatalf("new agreement: %v", err)
	}
	for i, split := range []string{"60", "40"} {
		err := a.AddParty(Party{
			ID:              fmt.Sprintf("party-%d", i+1),
			Name:            fmt.Sprintf("Party %d", i+1),
			SplitPercentage: decimal.RequireFromString(split),
			Role:            RoleBroker,
		}, testNow)
		if err != nil {
			t.Fatalf("add party: %v", err)
		}
	}
	for i, value := range []string{"600.00", "400.00"} {
		id := fmt.Sprintf("ms-%d", i+1)
		if _, err := a.AddMilestone(id, "Deliverable "+id, money.MustNew(value, "USD"), testNow.AddDate(0, 1, 0), testNow); err != nil {
			t.Fatalf("add milestone: %v", err)
		}
	}
	a.ClearEvents()
	return a
}

type fakeRepo struct {
	agreement *Agreement
	build     func() *Agreement
	saveErrs  []error
	inserted  *Agreement
	saved     *Agreement
}

func (f *fakeRepo) GetByID(ctx context.Context, q db.Querier, id string) (*Agreement, error) {
	if f.build != nil {
		return f.build(), nil
	}
	if f.agreement == nil || f.agreement.ID != id {
		return nil, ErrAgreementNotFound
	}
	return f.agreement, nil
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	f.inserted = a
	return nil
}

func (f *fakeRepo) Save(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		return err
	}
	f.saved = a
	return nil
}

type fakeOutbox struct {
	events               []event.Event
	enqueuedBeforeCommit bool
}

func (f *fakeOutbox) EnqueueAll(ctx context.Context, tx pgx.Tx, events []event.Event) error {
	if ft, ok := tx.(*fakeTx); ok && !ft.committed {
		f.enqueuedBeforeCommit = true
	}
	f.events = append(f.events, events...)
	return nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	if len(f.txs) == 0 {
		return &fakeTx{}
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
