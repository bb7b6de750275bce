// Package retry provides the reusable backoff policy value used by every
// network-facing component instead of scattered sleeps.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a small value describing an exponential backoff schedule.
// It is immutable and cheap to copy, so each call site builds its own
// backoff.BackOff from the same shared Policy value.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// Default is the admin-call policy from the spec: base 1s, factor 2,
// cap 30s, max 5 tries within a cycle.
var Default = Policy{Base: time.Second, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 5}

// Probe is the shorter policy used for per-probe transient retries
// (default 3 tries).
var Probe = Policy{Base: 250 * time.Millisecond, Factor: 2, Cap: 5 * time.Second, MaxAttempts: 3}

func (p Policy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = 0 // bounded by MaxAttempts, not wall-clock
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Retryable marks an error as eligible for another attempt; any other
// error returned by op is treated as permanent and aborts the retry loop.
type Retryable struct{ Err error }

func (r Retryable) Error() string { return r.Err.Error() }
func (r Retryable) Unwrap() error { return r.Err }

// Do runs op under the policy's backoff schedule, retrying only errors
// wrapped in Retryable. A plain error returned by op stops the loop
// immediately (it is a fatal failure, not a transient one).
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var r Retryable
		if ok := asRetryable(err, &r); ok {
			return r.Err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(p.backoff(), ctx))
}

func asRetryable(err error, target *Retryable) bool {
	r, ok := err.(Retryable)
	if ok {
		*target = r
	}
	return ok
}
