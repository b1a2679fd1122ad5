package authz

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/grants"
)

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, BaseDelay: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Retrying retries transient failures of the wrapped client with bounded
// exponential backoff. Batch entries rejected with a transient code are
// resubmitted on their own; other failures are returned untouched.
type Retrying struct {
	next    Client
	policy  RetryPolicy
	logger  *zap.Logger
	onRetry func(op string)
}

func NewRetrying(next Client, policy RetryPolicy, logger *zap.Logger, onRetry func(op string)) *Retrying {
	if onRetry == nil {
		onRetry = func(string) {}
	}
	return &Retrying{next: next, policy: policy, logger: logger.Named("authz"), onRetry: onRetry}
}

var errTransientEntries = errors.New("transient entry failures")

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy.backOff(ctx), r.notify(op))
	if err != nil && IsTransient(err) {
		return &RetryError{Op: op, Attempts: attempt, Err: err}
	}
	return err
}

func (r *Retrying) notify(op string) backoff.Notify {
	return func(err error, wait time.Duration) {
		r.onRetry(op)
		r.logger.Info("retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
}

func (r *Retrying) Grant(ctx context.Context, e grants.Entry) error {
	return r.do(ctx, "grant", func() error { return r.next.Grant(ctx, e) })
}

func (r *Retrying) Revoke(ctx context.Context, e grants.Entry) error {
	return r.do(ctx, "revoke", func() error { return r.next.Revoke(ctx, e) })
}

func (r *Retrying) ListGrants(ctx context.Context, principal string, res grants.Resource) ([]PrincipalGrant, error) {
	var out []PrincipalGrant
	err := r.do(ctx, "list_grants", func() error {
		var err error
		out, err = r.next.ListGrants(ctx, principal, res)
		return err
	})
	return out, err
}

func (r *Retrying) BatchGrant(ctx context.Context, entries []grants.Entry) (BatchResult, error) {
	return r.batch(ctx, "batch_grant", entries, r.next.BatchGrant)
}

func (r *Retrying) BatchRevoke(ctx context.Context, entries []grants.Entry) (BatchResult, error) {
	return r.batch(ctx, "batch_revoke", entries, r.next.BatchRevoke)
}

func (r *Retrying) batch(ctx context.Context, op string, entries []grants.Entry,
	call func(context.Context, []grants.Entry) (BatchResult, error)) (BatchResult, error) {
	var total BatchResult
	var held []Failure
	pending := entries
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		res, err := call(ctx, pending)
		total.Applied += res.Applied
		if err != nil {
			total.Failures = append(total.Failures, res.Failures...)
			if IsTransient(err) {
				pending = unapplied(pending, res)
				return err
			}
			return backoff.Permanent(err)
		}

		held = held[:0]
		for _, f := range res.Failures {
			if transientCode(f.Code, f.Message) {
				held = append(held, f)
			} else {
				total.Failures = append(total.Failures, f)
			}
		}
		if len(held) == 0 {
			return nil
		}
		retry := make(map[string]struct{}, len(held))
		for _, f := range held {
			retry[f.EntryID] = struct{}{}
		}
		next := pending[:0:0]
		for _, e := range pending {
			if _, ok := retry[e.ID]; ok {
				next = append(next, e)
			}
		}
		pending = next
		return errTransientEntries
	}, r.policy.backOff(ctx), r.notify(op))

	switch {
	case err == nil:
		return total, nil
	case errors.Is(err, errTransientEntries):
		// Entries still rejected after the last attempt are reported as
		// ordinary failures.
		total.Failures = append(total.Failures, held...)
		return total, nil
	case IsTransient(err):
		return total, &RetryError{Op: op, Attempts: attempt, Err: err}
	}
	return total, err
}

// unapplied drops the entries a failed call already processed. Chunks are
// sent in order, so those are the first Applied+len(Failures) entries.
func unapplied(entries []grants.Entry, res BatchResult) []grants.Entry {
	done := res.Applied + len(res.Failures)
	if done <= 0 || done > len(entries) {
		return entries
	}
	return entries[done:]
}
