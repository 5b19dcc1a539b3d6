package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mutex sync.Mutex
	sent  []uuid.UUID
}

func (b *recordingBroadcaster) BroadcastJobUpdate(id uuid.UUID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.sent = append(b.sent, id)
	return nil
}

func (b *recordingBroadcaster) broadcasts() []uuid.UUID {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return append([]uuid.UUID(nil), b.sent...)
}

func Test_Activity_BurstOfUpdatesIsDebounced(t *testing.T) {
	t.Parallel()
	recorder := &recordingBroadcaster{}
	service := newActivityService(recorder, event.New())

	id := uuid.New()
	require.NoError(t, service.handleEvent(event.HandlerEvent{Event: event.JOB_SUBMITTED, Payload: id}))
	for i := 0; i < 5; i++ {
		require.NoError(t, service.handleEvent(event.HandlerEvent{Event: event.JOB_UPDATE, Payload: id}))
		time.Sleep(50 * time.Millisecond)
	}

	assert.Empty(t, recorder.broadcasts(), "updates should be held until the debounce expires")
	require.Eventually(t, func() bool { return len(recorder.broadcasts()) == 1 }, MAX_TIMER_DURATION, 50*time.Millisecond)

	// Both timers are cleared once the broadcast fires
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []uuid.UUID{id}, recorder.broadcasts())
}

func Test_Activity_TerminalEventsAreBroadcastPromptly(t *testing.T) {
	t.Parallel()
	recorder := &recordingBroadcaster{}
	service := newActivityService(recorder, event.New())

	completed, failed := uuid.New(), uuid.New()
	require.NoError(t, service.handleEvent(event.HandlerEvent{Event: event.JOB_COMPLETE, Payload: completed}))
	require.NoError(t, service.handleEvent(event.HandlerEvent{Event: event.JOB_FAILED, Payload: failed}))

	require.Eventually(t, func() bool { return len(recorder.broadcasts()) == 2 }, DEBOUNCE_DURATION/2, 25*time.Millisecond)
	assert.ElementsMatch(t, []uuid.UUID{completed, failed}, recorder.broadcasts())
}

func Test_Activity_RejectsMalformedEvents(t *testing.T) {
	t.Parallel()
	service := newActivityService(&recordingBroadcaster{}, event.New())

	assert.Error(t, service.handleEvent(event.HandlerEvent{Event: event.JOB_UPDATE, Payload: "not-a-uuid"}))
	assert.Error(t, service.handleEvent(event.HandlerEvent{Event: event.Event("job:unknown"), Payload: uuid.New()}))
}

func Test_Activity_ShutdownStopsPendingBroadcasts(t *testing.T) {
	t.Parallel()
	recorder := &recordingBroadcaster{}
	service := newActivityService(recorder, event.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- service.Run(ctx) }()

	require.NoError(t, service.handleEvent(event.HandlerEvent{Event: event.JOB_UPDATE, Payload: uuid.New()}))
	cancel()
	require.NoError(t, <-done)

	service.Lock()
	assert.Empty(t, service.debounceTimers)
	assert.Empty(t, service.maxTimers)
	service.Unlock()

	time.Sleep(RAPID_EVENT_MAX_TIMER_DURATION)
	assert.Empty(t, recorder.broadcasts())
}
