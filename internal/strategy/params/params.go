// Package params carries strategy parameters in a strategy-neutral form
// and decodes them into each strategy's typed config.
//
// Values arrive loosely typed: YAML gives int, float64 and bool, JSON gives
// float64 and bool, and the command line gives strings parsed by Set.
package params

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"splitbuy/internal/domain"
)

// Params maps parameter names to values.
type Params map[string]any

// Clone returns a shallow copy of p. The copy is never nil.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns p overlaid with o.
func (p Params) Merge(o Params) Params {
	out := p.Clone()
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Set parses "key=value" into p. Values are booleans or numbers.
func (p Params) Set(kv string) error {
	key, raw, ok := strings.Cut(kv, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("parameter %q: want key=value: %w", kv, domain.ErrConfigInvalid)
	}
	raw = strings.TrimSpace(raw)
	// Numbers first: ParseBool also takes "1" and "0".
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		p[key] = f
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("parameter %s: %q is not a number or bool: %w", key, raw, domain.ErrConfigInvalid)
	}
	p[key] = b
	return nil
}

// Decoder copies known keys out of a Params into typed fields. Keys never
// asked for are reported by Err, so misspelled parameters fail loudly.
type Decoder struct {
	p    Params
	used map[string]bool
	errs []string
}

// NewDecoder returns a Decoder over p.
func NewDecoder(p Params) *Decoder {
	return &Decoder{p: p, used: make(map[string]bool)}
}

func (d *Decoder) lookup(key string) (any, bool) {
	d.used[key] = true
	v, ok := d.p[key]
	return v, ok
}

func (d *Decoder) fail(key string, v any, want string) {
	d.errs = append(d.errs, fmt.Sprintf("%s: %v (%T) is not %s", key, v, v, want))
}

// Float sets *dst from key when present.
func (d *Decoder) Float(key string, dst *float64) {
	v, ok := d.lookup(key)
	if !ok {
		return
	}
	f, ok := number(v)
	if !ok {
		d.fail(key, v, "a number")
		return
	}
	*dst = f
}

// Int sets *dst from key when present. Fractional values are rejected.
func (d *Decoder) Int(key string, dst *int) {
	var n int64
	if d.integer(key, &n) {
		*dst = int(n)
	}
}

// Int64 is Int for int64 fields.
func (d *Decoder) Int64(key string, dst *int64) {
	d.integer(key, dst)
}

func (d *Decoder) integer(key string, dst *int64) bool {
	v, ok := d.lookup(key)
	if !ok {
		return false
	}
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		d.fail(key, v, "an integer")
		return false
	}
	*dst = int64(f)
	return true
}

// Bool sets *dst from key when present. 0 and 1 are accepted.
func (d *Decoder) Bool(key string, dst *bool) {
	v, ok := d.lookup(key)
	if !ok {
		return
	}
	if b, ok := v.(bool); ok {
		*dst = b
		return
	}
	if f, ok := number(v); ok && (f == 0 || f == 1) {
		*dst = f == 1
		return
	}
	d.fail(key, v, "a bool")
}

// Err reports type mismatches and unknown keys as domain.ErrConfigInvalid.
func (d *Decoder) Err() error {
	errs := append([]string(nil), d.errs...)
	var unknown []string
	for k := range d.p {
		if !d.used[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, "unknown parameter "+strconv.Quote(k))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", strings.Join(errs, "; "), domain.ErrConfigInvalid)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
