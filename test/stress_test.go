package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/agreement"
	"escrowflow/escrow"
	"escrowflow/money"
	"escrowflow/outbox"
	"escrowflow/payout"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent payout triggers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

type countingPublisher struct {
	published atomic.Int64
}

func (p *countingPublisher) Publish(_ context.Context, _ string, _ []byte) error {
	p.published.Add(1)
	return nil
}

func TestPayoutEngineConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	outboxWriter := outbox.NewWriter()
	agreementSvc := agreement.NewService(pool, nil, outboxWriter)
	escrowSvc := escrow.NewService(pool, nil, nil, outboxWriter)
	payoutSvc := payout.NewService(pool, nil, nil, nil, outboxWriter)

	seedData := mustSeed(t, ctx, pool, agreementSvc, escrowSvc)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Trigger(ctx2, payoutSvc, seedData.agreementID, seedData.ownerID, seedData.deliveredMilestones, stop)
		})
	}
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			return actors.Depositor(ctx2, escrowSvc, seedData.escrowAccountID, "USD", stop)
		})
	}
	g.Go(func() error {
		return actors.Approver(ctx2, escrowSvc, seedData.escrowAccountID, seedData.ownerID, stop)
	})
	g.Go(func() error {
		return actors.Gateway(ctx2, escrowSvc, seedData.escrowAccountID, stop)
	})
	g.Go(func() error {
		return actors.Sweeper(ctx2, agreementSvc, seedData.agreementID, stop)
	})

	publisher := &countingPublisher{}
	dispatcher := outbox.NewDispatcher(pool, publisher).WithPollInterval(500 * time.Millisecond)
	go func() { _ = dispatcher.Run(ctx2) }()

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	if publisher.published.Load() == 0 {
		t.Fatalf("dispatcher published no events during the run")
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	ownerID             string
	agreementID         string
	escrowAccountID     string
	deliveredMilestones []string
}

// mustSeed builds an active agreement with a funded escrow account and three
// delivered milestones for the trigger actors to race over. Two milestones
// are left pending with past due dates so the sweeper has work.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, agreementSvc *agreement.Service, escrowSvc *escrow.Service) seedIDs {
	t.Helper()
	var s seedIDs

	if err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', 'owner') RETURNING id::text`,
		fmt.Sprintf("stress+%d@example.com", rand.Int63()), "Stress Owner",
	).Scan(&s.ownerID); err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	total, err := money.New(decimal.NewFromInt(5000), "USD")
	if err != nil {
		t.Fatalf("seed total: %v", err)
	}
	a, err := agreementSvc.Create(ctx, agreement.CreateParams{
		OwnerUserID: s.ownerID,
		Title:       "Stress commission agreement",
		TotalValue:  total,
	})
	if err != nil {
		t.Fatalf("seed agreement: %v", err)
	}
	s.agreementID = a.ID

	splits := []struct {
		name string
		pct  int64
		role agreement.PartyRole
	}{
		{"Stress Seller", 60, agreement.RoleSeller},
		{"Stress Broker", 40, agreement.RoleBroker},
	}
	for _, sp := range splits {
		if _, err := agreementSvc.AddParty(ctx, agreement.AddPartyParams{
			AgreementID: a.ID,
			RequestedBy: s.ownerID,
			Party: agreement.Party{
				Name:            sp.name,
				SplitPercentage: decimal.NewFromInt(sp.pct),
				Role:            sp.role,
			},
		}); err != nil {
			t.Fatalf("seed party %s: %v", sp.name, err)
		}
	}

	value, err := money.New(decimal.NewFromInt(1000), "USD")
	if err != nil {
		t.Fatalf("seed milestone value: %v", err)
	}
	milestoneIDs := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		due := time.Now().Add(30 * 24 * time.Hour)
		if i >= 3 {
			due = time.Now().Add(-24 * time.Hour)
		}
		id, err := agreementSvc.AddMilestone(ctx, agreement.AddMilestoneParams{
			AgreementID: a.ID,
			RequestedBy: s.ownerID,
			Description: fmt.Sprintf("Stress milestone %d", i+1),
			Value:       value,
			DueDate:     due,
		})
		if err != nil {
			t.Fatalf("seed milestone %d: %v", i+1, err)
		}
		milestoneIDs = append(milestoneIDs, id)
	}

	if err := agreementSvc.Activate(ctx, a.ID, s.ownerID); err != nil {
		t.Fatalf("seed activate: %v", err)
	}

	account, err := escrowSvc.CreateAccount(ctx, a.ID, s.ownerID)
	if err != nil {
		t.Fatalf("seed escrow account: %v", err)
	}
	s.escrowAccountID = account.ID

	funding, err := money.New(decimal.NewFromInt(3000), "USD")
	if err != nil {
		t.Fatalf("seed funding: %v", err)
	}
	if _, err := escrowSvc.Deposit(ctx, escrow.DepositParams{
		EscrowAccountID: account.ID,
		Amount:          funding,
		IdempotencyKey:  fmt.Sprintf("seed-%d", rand.Int63()),
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	for _, id := range milestoneIDs[:3] {
		if err := agreementSvc.CompleteMilestone(ctx, a.ID, s.ownerID, id, nil); err != nil {
			t.Fatalf("seed deliver milestone %s: %v", id, err)
		}
	}
	s.deliveredMilestones = milestoneIDs[:3]

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_accounts", `SELECT id, balance, version, updated_at FROM escrow_accounts ORDER BY updated_at DESC LIMIT 20`},
		{"escrow_transactions", `SELECT id, type, amount, status, balance_restored, updated_at FROM escrow_transactions ORDER BY updated_at DESC LIMIT 50`},
		{"milestones", `SELECT id, status, released_payout_transaction_id, completed_at FROM milestones ORDER BY created_at DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
