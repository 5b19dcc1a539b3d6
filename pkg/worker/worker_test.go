package worker_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Hoard/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WorkerRunsTaskUntilNoWorkRemains(t *testing.T) {
	t.Parallel()
	var remaining atomic.Int32
	remaining.Store(5)

	var executed atomic.Int32
	w := worker.NewWorker("test", func(worker.Worker) (bool, error) {
		if remaining.Load() == 0 {
			return false, nil
		}

		remaining.Add(-1)
		executed.Add(1)
		return true, nil
	})

	done := make(chan struct{})
	go func() { w.Start(); close(done) }()

	assert.Eventually(t, func() bool { return executed.Load() == 5 && w.Status() == worker.Sleeping }, time.Second, time.Millisecond)

	remaining.Store(2)
	w.WakeupChan() <- 1
	assert.Eventually(t, func() bool { return executed.Load() == 7 && w.Status() == worker.Sleeping }, time.Second, time.Millisecond)

	w.Close()
	w.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after close")
	}
	assert.Equal(t, worker.Finished, w.Status())
}

func Test_WorkerSleepsAfterError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	w := worker.NewWorker("failing", func(worker.Worker) (bool, error) {
		calls.Add(1)
		return true, errors.New("boom")
	})

	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(w))
	require.NoError(t, pool.Start())

	assert.Eventually(t, func() bool { return calls.Load() == 1 && w.Status() == worker.Sleeping }, time.Second, time.Millisecond)

	pool.Close()
	assert.EqualValues(t, 1, calls.Load())
}

func Test_PoolLifecycle(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	task := func(worker.Worker) (bool, error) {
		calls.Add(1)
		return false, nil
	}

	pool := worker.NewWorkerPool()
	assert.Error(t, pool.WakeupWorkers(), "pool which is not started cannot be woken")

	require.NoError(t, pool.PushWorker(worker.NewWorker("a", task), worker.NewWorker("b", task)))
	require.NoError(t, pool.Start())
	assert.Error(t, pool.Start())
	assert.Error(t, pool.PushWorker(worker.NewWorker("c", task)))

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, pool.WakeupWorkers())
	assert.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, time.Millisecond)

	pool.Close()
	for _, w := range pool.Workers() {
		assert.Equal(t, worker.Finished, w.Status())
	}

	assert.Error(t, pool.WakeupWorkers())
}
