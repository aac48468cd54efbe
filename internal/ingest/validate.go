// Package ingest brings the local bar store up to date with a market-data
// provider, one ticker at a time or as a parallel batch.
package ingest

import (
	"fmt"
	"math"
	"strings"

	"splitbuy/internal/domain"
	"splitbuy/internal/util"
)

// ValidationKind classifies why a bar was rejected.
type ValidationKind string

const (
	NullField      ValidationKind = "NULL_FIELD"
	NegativeVolume ValidationKind = "NEGATIVE_VOLUME"
	InvalidOHLC    ValidationKind = "INVALID_OHLC"
)

// ValidationError describes a rejected bar. It matches domain.ErrValidation
// with errors.Is.
type ValidationError struct {
	Kind   ValidationKind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns domain.ErrValidation.
func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// ValidateBar checks a provider bar and converts it to a domain.Bar. Checks
// run in order: missing fields, negative volume, then OHLC consistency.
func ValidateBar(raw domain.RawBar) (domain.Bar, error) {
	if strings.TrimSpace(raw.Ticker) == "" {
		return domain.Bar{}, &ValidationError{Kind: NullField, Field: "ticker", Reason: "missing"}
	}
	if raw.Date.IsZero() {
		return domain.Bar{}, &ValidationError{Kind: NullField, Field: "date", Reason: "missing"}
	}
	prices := []struct {
		name string
		v    *float64
	}{
		{"open", raw.Open},
		{"high", raw.High},
		{"low", raw.Low},
		{"close", raw.Close},
		{"adj_close", raw.AdjClose},
	}
	for _, p := range prices {
		if p.v == nil {
			return domain.Bar{}, &ValidationError{Kind: NullField, Field: p.name, Reason: "missing"}
		}
		if math.IsNaN(*p.v) || math.IsInf(*p.v, 0) {
			return domain.Bar{}, &ValidationError{Kind: NullField, Field: p.name, Reason: "not a number"}
		}
	}
	if raw.Volume == nil {
		return domain.Bar{}, &ValidationError{Kind: NullField, Field: "volume", Reason: "missing"}
	}

	if *raw.Volume < 0 {
		return domain.Bar{}, &ValidationError{
			Kind: NegativeVolume, Field: "volume",
			Reason: fmt.Sprintf("%d < 0", *raw.Volume),
		}
	}

	o, h, l, c := *raw.Open, *raw.High, *raw.Low, *raw.Close
	if l > math.Min(math.Min(o, c), h) {
		return domain.Bar{}, &ValidationError{
			Kind: InvalidOHLC, Field: "low",
			Reason: fmt.Sprintf("low %g above min(open %g, close %g, high %g)", l, o, c, h),
		}
	}
	if h < math.Max(math.Max(o, c), l) {
		return domain.Bar{}, &ValidationError{
			Kind: InvalidOHLC, Field: "high",
			Reason: fmt.Sprintf("high %g below max(open %g, close %g, low %g)", h, o, c, l),
		}
	}

	return domain.Bar{
		Ticker:   strings.ToUpper(raw.Ticker),
		Date:     util.Day(raw.Date),
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		AdjClose: *raw.AdjClose,
		Volume:   *raw.Volume,
	}, nil
}
