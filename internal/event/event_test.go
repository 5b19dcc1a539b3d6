package event_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Dispatch(t *testing.T) {
	t.Parallel()
	bus := event.New()

	var received []event.Event
	bus.RegisterHandlerFunction(event.JOB_UPDATE, func(e event.Event, _ event.Payload) { received = append(received, e) })

	ch := make(event.HandlerChannel, 4)
	bus.RegisterHandlerChannel(ch, event.JOB_COMPLETE, event.JOB_FAILED)

	id := uuid.New()
	bus.Dispatch(event.JOB_UPDATE, id)
	bus.Dispatch(event.JOB_COMPLETE, id)
	bus.Dispatch(event.JOB_FAILED, "not-a-uuid")
	bus.Dispatch(event.Event("unknown"), id)

	assert.Equal(t, []event.Event{event.JOB_UPDATE}, received)
	require.Len(t, ch, 1)
	msg := <-ch
	assert.Equal(t, event.JOB_COMPLETE, msg.Event)
	assert.Equal(t, id, msg.Payload)
}
