package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/payout"
)

// logPublisher is the default outbox sink until a broker is wired in.
type logPublisher struct{}

func (logPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	log.Printf("event %s %s", topic, payload)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	thresholds, err := thresholdsFromEnv()
	if err != nil {
		log.Fatalf("payout thresholds: %v", err)
	}

	agreementRepo := agreement.NewRepository()
	escrowRepo := escrow.NewRepository()
	outboxWriter := outbox.NewWriter()
	policy := escrow.NewPolicy(thresholds)

	agreementService := agreement.NewService(pool, agreementRepo, outboxWriter)
	escrowService := escrow.NewService(pool, escrowRepo, agreementRepo, outboxWriter)
	payoutService := payout.NewService(pool, agreementRepo, escrowRepo, policy, outboxWriter)
	authService := auth.NewService(auth.NewRepository(pool), mustEnv("JWT_SECRET"))

	log.Printf("services ready: agreement=%t escrow=%t payout=%t auth=%t",
		agreementService != nil, escrowService != nil, payoutService != nil, authService != nil)

	dispatcher := outbox.NewDispatcher(pool, logPublisher{})
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("outbox dispatcher: %v", err)
	}
}

// thresholdsFromEnv reads the approval-policy boundaries, falling back to the
// production defaults of 10% and 50%.
func thresholdsFromEnv() (escrow.Thresholds, error) {
	thresholds := escrow.DefaultThresholds()

	if v := os.Getenv("PAYOUT_AUTO_THRESHOLD"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return escrow.Thresholds{}, err
		}
		thresholds.Automatic = d
	}
	if v := os.Getenv("PAYOUT_DISPUTE_THRESHOLD"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return escrow.Thresholds{}, err
		}
		thresholds.Disputed = d
	}
	if err := thresholds.Validate(); err != nil {
		return escrow.Thresholds{}, err
	}
	return thresholds, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env %s", key)
	}
	return v
}
