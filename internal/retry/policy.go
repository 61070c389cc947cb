// Package retry implements the structured backoff policy spec.md §9 asks for
// in place of the source's hand-rolled per-worker tables: "{base, factor,
// cap, step_count} so workers share one implementation."
package retry

import "time"

// Policy is an exponential backoff schedule with a ceiling.
type Policy struct {
	Base      time.Duration
	Factor    float64
	Cap       time.Duration
	StepCount int
}

// Delay returns the backoff duration for the given attempt (0-indexed),
// clamped at Cap once it's reached and never exceeding StepCount steps of
// growth.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > p.StepCount {
		attempt = p.StepCount
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	out := time.Duration(d)
	if out > p.Cap {
		return p.Cap
	}
	return out
}

// MetadataStreamPolicy is the literal table spec.md §4.4 specifies:
// {3, 3, 5, 10, 20, 30, 60, 120, 300, 300} seconds. It's expressed as an
// explicit table rather than derived from Policy because the source values
// don't follow a clean geometric progression (the first two steps repeat).
var MetadataStreamPolicy = Table{3, 3, 5, 10, 20, 30, 60, 120, 300, 300}

// Table is an explicit, non-geometric backoff schedule in seconds.
type Table []int

// Delay returns the backoff for the given attempt, clamped to the table's
// last entry once attempts exceed its length.
func (t Table) Delay(attempt int) time.Duration {
	if len(t) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(t) {
		attempt = len(t) - 1
	}
	return time.Duration(t[attempt]) * time.Second
}
