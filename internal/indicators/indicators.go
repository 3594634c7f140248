// Package indicators holds the pure numeric functions the strategy is built on.
// All inputs are chronological, oldest first.
package indicators

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyInput       = errors.New("indicators: empty input")
	ErrInvalidParameter = errors.New("indicators: invalid parameter")
	ErrDivisionByZero   = errors.New("indicators: division by zero")
)

// SMA is the arithmetic mean of values.
func SMA(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), nil
}

// EMA seeds with the SMA of the first period values and folds the rest in
// with k = 2/(period+1).
func EMA(values []float64, period int) (float64, error) {
	if period <= 1 || len(values) < period {
		return 0, fmt.Errorf("%w: ema needs period > 1 and %d values, got %d", ErrInvalidParameter, period, len(values))
	}
	k := 2.0 / float64(period+1)
	current, _ := SMA(values[:period])
	for _, v := range values[period:] {
		current = v*k + current*(1-k)
	}
	return current, nil
}

// RSI is Wilder's relative strength index over the last period differences.
func RSI(values []float64, period int) (float64, error) {
	if period <= 1 || len(values) < period+1 {
		return 0, fmt.Errorf("%w: rsi needs %d values, got %d", ErrInvalidParameter, period+1, len(values))
	}
	gains := make([]float64, 0, len(values)-1)
	losses := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		gains = append(gains, math.Max(diff, 0))
		losses = append(losses, math.Max(-diff, 0))
	}
	avgGain := wilder(gains, period)
	avgLoss := wilder(losses, period)
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// ATR is Wilder's average true range.
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	if period <= 1 || len(highs) != len(lows) || len(lows) != len(closes) || len(highs) < period+1 {
		return 0, fmt.Errorf("%w: atr needs %d aligned highs/lows/closes", ErrInvalidParameter, period+1)
	}
	tr := make([]float64, 0, len(highs)-1)
	for i := 1; i < len(highs); i++ {
		h, l, pc := highs[i], lows[i], closes[i-1]
		tr = append(tr, math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc))))
	}
	return wilder(tr, period), nil
}

// wilder seeds with the mean of the first period values and rolls the rest
// with avg = (avg*(period-1) + v) / period. len(series) >= period.
func wilder(series []float64, period int) float64 {
	avg, _ := SMA(series[:period])
	for _, v := range series[period:] {
		avg = (avg*float64(period-1) + v) / float64(period)
	}
	return avg
}

// PctChange is (end-start)/start.
func PctChange(start, end float64) (float64, error) {
	if start == 0 {
		return 0, fmt.Errorf("%w: pct change from zero", ErrDivisionByZero)
	}
	return (end - start) / start, nil
}

// Std is the population standard deviation; fewer than 2 values yield 0.
func Std(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mu, _ := SMA(values)
	variance := 0.0
	for _, v := range values {
		variance += (v - mu) * (v - mu)
	}
	return math.Sqrt(variance / float64(len(values)))
}

// Max returns the largest value, or 0 for an empty slice.
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Tail returns the last n values (all of them if fewer).
func Tail(values []float64, n int) []float64 {
	if n >= len(values) {
		return values
	}
	return values[len(values)-n:]
}
