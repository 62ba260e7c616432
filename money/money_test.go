package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNew_NormalizesCurrency(t *testing.T) {
	m, err := New(decimal.NewFromInt(10), " brl ")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if m.Currency() != "BRL" {
		t.Errorf("expected BRL, got %s", m.Currency())
	}
}

func TestNew_RejectsNegativeAmount(t *testing.T) {
	if _, err := New(decimal.NewFromInt(-1), "BRL"); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestNew_RejectsBadCurrency(t *testing.T) {
	for _, code := range []string{"", "BR", "BRLX"} {
		if _, err := New(decimal.NewFromInt(1), code); !errors.Is(err, ErrInvalidCurrency) {
			t.Errorf("currency %q: expected ErrInvalidCurrency, got %v", code, err)
		}
	}
}

func TestComparisons_CurrencyMismatchFailsLoudly(t *testing.T) {
	brl := MustNew("10", "BRL")
	usd := MustNew("10", "USD")

	if _, err := brl.Cmp(usd); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Cmp: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := brl.LessThan(usd); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("LessThan: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := brl.Add(usd); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Add: expected ErrCurrencyMismatch, got %v", err)
	}
	if brl.Equal(usd) {
		t.Errorf("Equal across currencies must be false")
	}
}

func TestSub_RejectsNegativeResult(t *testing.T) {
	a := MustNew("10", "BRL")
	b := MustNew("15", "BRL")
	if _, err := a.Sub(b); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestArithmetic_ExactDecimals(t *testing.T) {
	a := MustNew("0.1", "BRL")
	b := MustNew("0.2", "BRL")

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !sum.Equal(MustNew("0.3", "BRL")) {
		t.Errorf("expected exactly 0.3, got %s", sum)
	}
}

func TestRatio(t *testing.T) {
	part := MustNew("100", "BRL")
	total := MustNew("1000", "BRL")

	ratio, err := part.Ratio(total)
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if !ratio.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("expected 0.1, got %s", ratio)
	}

	if _, err := part.Ratio(MustNew("0", "BRL")); err == nil {
		t.Errorf("expected error on zero base")
	}
	if _, err := part.Ratio(MustNew("100", "USD")); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}
}
