package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type (
	Config struct {
		// TransientAttempts is the total number of attempts (including the first)
		// an operation failing with a transient tool error may be given.
		TransientAttempts int `yaml:"transient_attempts" env:"RETRY_TRANSIENT_ATTEMPTS" env-default:"3"`

		// StorageAttempts is the equivalent of TransientAttempts for storage errors.
		StorageAttempts int `yaml:"storage_attempts" env:"RETRY_STORAGE_ATTEMPTS" env-default:"2"`

		InitialIntervalMillis int `yaml:"initial_interval_millis" env:"RETRY_INITIAL_INTERVAL_MILLIS" env-default:"2000"`
		MaxIntervalMillis     int `yaml:"max_interval_millis" env:"RETRY_MAX_INTERVAL_MILLIS" env-default:"30000"`
	}

	// Policy decides whether a failed operation is retried based on the Kind
	// of error it returned. Only ToolTransient and StorageError are ever
	// retried; each has its own attempt ceiling.
	Policy struct {
		TransientAttempts int
		StorageAttempts   int
		InitialInterval   time.Duration
		MaxInterval       time.Duration
	}

	// Notify is called after a failed attempt which is going to be retried.
	Notify func(err error, wait time.Duration)

	// kindBackOff wraps an exponential backoff, stopping once the ceiling for the
	// Kind of the most recent failure has been reached.
	kindBackOff struct {
		inner  *backoff.ExponentialBackOff
		policy Policy
		counts map[Kind]int
		last   Kind
	}
)

func NewPolicy(config Config) Policy {
	return Policy{
		TransientAttempts: config.TransientAttempts,
		StorageAttempts:   config.StorageAttempts,
		InitialInterval:   time.Duration(config.InitialIntervalMillis) * time.Millisecond,
		MaxInterval:       time.Duration(config.MaxIntervalMillis) * time.Millisecond,
	}
}

func (p Policy) limit(k Kind) int {
	switch k {
	case ToolTransient:
		return p.TransientAttempts
	case StorageError:
		return p.StorageAttempts
	}

	return 1
}

// Do runs the operation, retrying it according to the policy. The error returned
// is the error from the final attempt (retaining its classification), or the
// context error if the context was cancelled while waiting to retry.
func (p Policy) Do(ctx context.Context, op func() error, notify Notify) error {
	b := &kindBackOff{inner: backoff.NewExponentialBackOff(), policy: p, counts: make(map[Kind]int)}
	b.inner.InitialInterval = p.InitialInterval
	b.inner.MaxInterval = p.MaxInterval
	b.inner.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		if !kind.Retryable() {
			return backoff.Permanent(err)
		}

		b.last = kind
		return err
	}, backoff.WithContext(b, ctx), backoff.Notify(notify))
}

func (b *kindBackOff) NextBackOff() time.Duration {
	b.counts[b.last]++
	if b.counts[b.last] >= b.policy.limit(b.last) {
		return backoff.Stop
	}

	return b.inner.NextBackOff()
}

func (b *kindBackOff) Reset() {
	b.inner.Reset()
	b.counts = make(map[Kind]int)
}
