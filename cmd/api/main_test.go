package main

import (
	"testing"

	"escrowflow/escrow"
)

func TestThresholdsFromEnv_Defaults(t *testing.T) {
	t.Setenv("PAYOUT_AUTO_THRESHOLD", "")
	t.Setenv("PAYOUT_DISPUTE_THRESHOLD", "")

	got, err := thresholdsFromEnv()
	if err != nil {
		t.Fatalf("thresholdsFromEnv: %v", err)
	}

	want := escrow.DefaultThresholds()
	if !got.Automatic.Equal(want.Automatic) || !got.Disputed.Equal(want.Disputed) {
		t.Fatalf("expected defaults %+v, got %+v", want, got)
	}
}

func TestThresholdsFromEnv_Overrides(t *testing.T) {
	t.Setenv("PAYOUT_AUTO_THRESHOLD", "0.05")
	t.Setenv("PAYOUT_DISPUTE_THRESHOLD", "0.75")

	got, err := thresholdsFromEnv()
	if err != nil {
		t.Fatalf("thresholdsFromEnv: %v", err)
	}

	if got.Automatic.String() != "0.05" {
		t.Fatalf("expected automatic 0.05, got %s", got.Automatic)
	}
	if got.Disputed.String() != "0.75" {
		t.Fatalf("expected disputed 0.75, got %s", got.Disputed)
	}
}

func TestThresholdsFromEnv_RejectsGarbage(t *testing.T) {
	t.Setenv("PAYOUT_AUTO_THRESHOLD", "ten percent")

	if _, err := thresholdsFromEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestThresholdsFromEnv_RejectsInvertedBounds(t *testing.T) {
	t.Setenv("PAYOUT_AUTO_THRESHOLD", "0.9")
	t.Setenv("PAYOUT_DISPUTE_THRESHOLD", "0.5")

	if _, err := thresholdsFromEnv(); err == nil {
		t.Fatal("expected validation error")
	}
}
