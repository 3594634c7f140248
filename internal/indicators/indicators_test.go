package indicators

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	got, err := SMA([]float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("SMA failed: %v", err)
	}
	if got != 2.5 {
		t.Errorf("Expected 2.5, got %f", got)
	}

	if _, err := SMA(nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
}

func TestEMA_SeedAndFold(t *testing.T) {
	// Seed = mean(1,2,3) = 2, k = 0.5
	// 4 -> 4*0.5 + 2*0.5 = 3
	// 5 -> 5*0.5 + 3*0.5 = 4
	got, err := EMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("EMA failed: %v", err)
	}
	if !almostEqual(got, 4) {
		t.Errorf("Expected 4, got %f", got)
	}
}

func TestEMA_InvalidParameters(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		period int
	}{
		{"too short", []float64{1, 2}, 3},
		{"period one", []float64{1, 2, 3}, 1},
		{"empty", nil, 20},
	}
	for _, tc := range cases {
		if _, err := EMA(tc.values, tc.period); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("%s: expected ErrInvalidParameter, got %v", tc.name, err)
		}
	}
}

func TestRSI_AllGainsIsHundred(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(100 + i)
	}
	got, err := RSI(values, 14)
	if err != nil {
		t.Fatalf("RSI failed: %v", err)
	}
	if got != 100 {
		t.Errorf("Expected 100, got %f", got)
	}

	// Flat series: zero average loss also yields 100.
	flat := []float64{5, 5, 5, 5, 5}
	got, _ = RSI(flat, 3)
	if got != 100 {
		t.Errorf("Expected 100 for flat series, got %f", got)
	}
}

func TestRSI_Bounded(t *testing.T) {
	values := []float64{44, 44.3, 44.1, 43.6, 44.3, 44.8, 45.1, 45.4, 45.8, 46.1, 45.9, 46.3, 45.6, 46.3, 46.3, 46, 46.4, 46.2, 45.6, 46.2}
	got, err := RSI(values, 14)
	if err != nil {
		t.Fatalf("RSI failed: %v", err)
	}
	if got < 0 || got > 100 {
		t.Errorf("RSI out of range: %f", got)
	}

	falling := []float64{10, 9, 8, 7, 6, 5}
	got, _ = RSI(falling, 3)
	if got != 0 {
		t.Errorf("Expected 0 for strictly falling series, got %f", got)
	}
}

func TestRSI_InsufficientHistory(t *testing.T) {
	if _, err := RSI(make([]float64, 14), 14); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
}

func TestATR(t *testing.T) {
	highs := []float64{10, 12, 13, 12}
	lows := []float64{9, 10, 11, 10}
	closes := []float64{9.5, 11, 12, 11}
	// TR: max(2, 2.5, 0.5)=2.5 ; max(2, 2, 0)=2 ; max(2, 0, 2)=2
	// seed(period 2) = (2.5+2)/2 = 2.25 ; roll: (2.25*1 + 2)/2 = 2.125
	got, err := ATR(highs, lows, closes, 2)
	if err != nil {
		t.Fatalf("ATR failed: %v", err)
	}
	if !almostEqual(got, 2.125) {
		t.Errorf("Expected 2.125, got %f", got)
	}

	again, _ := ATR(highs, lows, closes, 2)
	if again != got {
		t.Errorf("ATR not deterministic: %f vs %f", got, again)
	}
}

func TestATR_MismatchedInputs(t *testing.T) {
	if _, err := ATR([]float64{1, 2, 3}, []float64{1, 2}, []float64{1, 2, 3}, 2); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
	if _, err := ATR([]float64{1, 2}, []float64{1, 2}, []float64{1, 2}, 2); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter for short input, got %v", err)
	}
}

func TestPctChange(t *testing.T) {
	got, err := PctChange(100, 110)
	if err != nil || !almostEqual(got, 0.1) {
		t.Errorf("Expected 0.1, got %f (%v)", got, err)
	}
	if _, err := PctChange(0, 10); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("Expected ErrDivisionByZero, got %v", err)
	}
}

func TestStd(t *testing.T) {
	if Std([]float64{42}) != 0 {
		t.Error("Expected 0 for a single value")
	}
	got := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !almostEqual(got, 2) {
		t.Errorf("Expected 2, got %f", got)
	}
}
