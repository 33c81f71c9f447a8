// Package enrich validates decoded records and adds derived fields.
package enrich

import (
	"fmt"
	"math"
	"strings"
	"time"

	"eventpipe/internal/pubsub"
	"eventpipe/internal/record"
)

// ValidationError lists the required fields a record is missing.
type ValidationError struct {
	Kind    record.Kind
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is missing required fields: %s", e.Kind, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == pubsub.ErrValidationFailed
}

type Enricher struct {
	now func() time.Time
}

type Option func(*Enricher)

func WithClock(now func() time.Time) Option {
	return func(e *Enricher) {
		e.now = now
	}
}

func New(opts ...Option) *Enricher {
	e := &Enricher{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich checks required fields, computes total_amount, normalises status
// fields and stamps processed_at. rec is not modified.
func (e *Enricher) Enrich(rec record.Record) (*record.Enriched, error) {
	var missing []string
	for _, name := range rec.Required() {
		if !rec.Field(name).Present() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Kind: rec.Kind(), Missing: missing}
	}

	out := rec.Clone()
	for _, name := range out.Normalized() {
		v := out.Field(name)
		if v.IsText() {
			out.SetField(name, record.Text(strings.ToUpper(strings.TrimSpace(v.String()))))
		}
	}

	return &record.Enriched{
		Record:      out,
		TotalAmount: TotalAmount(out),
		ProcessedAt: e.now().UTC(),
	}, nil
}

// TotalAmount returns quantity*price rounded to two decimals, or nil when
// either side is not numeric.
func TotalAmount(rec record.Record) *float64 {
	qv, pv := rec.Pricing()
	q, ok := qv.Float()
	if !ok {
		return nil
	}
	p, ok := pv.Float()
	if !ok {
		return nil
	}

	total := Round2(q * p)
	if math.IsInf(total, 0) || math.IsNaN(total) {
		return nil
	}
	return &total
}

// Round2 rounds half away from zero to two decimal places.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
