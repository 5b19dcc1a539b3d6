package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/stretchr/testify/assert"
)

var errExpected = errors.New("test: expected error")

var policy = retry.Policy{TransientAttempts: 3, StorageAttempts: 2}

func Test_Do_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	notified := 0

	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return retry.Transient(errExpected)
		}
		return nil
	}, func(error, time.Duration) { notified++ })

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func Test_Do_StopsAtCeiling(t *testing.T) {
	t.Parallel()
	tests := []struct {
		wrap     func(error) error
		expected int
	}{
		{retry.Transient, 3},
		{retry.Storage, 2},
		{retry.Permanent, 1},
		{retry.Rejected, 1},
		{func(err error) error { return err }, 1},
	}

	for _, test := range tests {
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			return test.wrap(errExpected)
		}, nil)

		assert.ErrorIs(t, err, errExpected)
		assert.Equal(t, test.expected, calls)
	}
}

func Test_Do_ClassificationIsPreserved(t *testing.T) {
	t.Parallel()
	err := policy.Do(context.Background(), func() error {
		return fmt.Errorf("fetch failed: %w", retry.Permanent(errExpected))
	}, nil)

	assert.Equal(t, retry.ToolPermanent, retry.KindOf(err))

	err = policy.Do(context.Background(), func() error { return retry.Transient(errExpected) }, nil)
	assert.Equal(t, retry.ToolTransient, retry.KindOf(err))
}

func Test_Do_StopsWhenContextCancelled(t *testing.T) {
	t.Parallel()
	slow := retry.Policy{TransientAttempts: 100, InitialInterval: time.Hour, MaxInterval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(time.Millisecond*100, cancel)

	calls := 0
	started := time.Now()
	err := slow.Do(ctx, func() error {
		calls++
		return retry.Transient(errExpected)
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(started), time.Second*5)
}

func Test_KindOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, retry.ToolPermanent, retry.KindOf(errExpected))
	assert.Equal(t, retry.ValidationRejected, retry.KindOf(retry.Rejected(errExpected)))
	assert.Equal(t, retry.StorageError, retry.KindOf(fmt.Errorf("wrapped: %w", retry.Storage(errExpected))))
	assert.Nil(t, retry.Transient(nil))
	assert.True(t, retry.ToolTransient.Retryable())
	assert.False(t, retry.LinkExpired.Retryable())
}
