package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/event"
	"github.com/hbomb79/Hoard/pkg/logger"
)

const (
	DEBOUNCE_DURATION  time.Duration = time.Second * 2
	MAX_TIMER_DURATION time.Duration = time.Second * 5

	RAPID_EVENT_DEBOUNCE_DURATION  time.Duration = time.Millisecond * 250
	RAPID_EVENT_MAX_TIMER_DURATION time.Duration = time.Second
)

type (
	broadcastHandler func(uuid.UUID) error

	broadcaster interface {
		BroadcastJobUpdate(uuid.UUID) error
	}

	// activityService listens for job events and forwards them to the
	// broadcaster. Bursts of events for the same job are debounced so that
	// a job moving rapidly through the pipeline produces few broadcasts.
	activityService struct {
		*sync.Mutex
		broadcaster
		eventBus       event.EventHandler
		debounceTimers map[uuid.UUID]*time.Timer
		maxTimers      map[uuid.UUID]*time.Timer
	}
)

func newActivityService(broadcaster broadcaster, event event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		broadcaster:    broadcaster,
		eventBus:       event,
		debounceTimers: make(map[uuid.UUID]*time.Timer),
		maxTimers:      make(map[uuid.UUID]*time.Timer),
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan, event.JOB_SUBMITTED, event.JOB_UPDATE, event.JOB_COMPLETE, event.JOB_FAILED)

	log.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			service.stopTimers()
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	jobID, ok := ev.Payload.(uuid.UUID)
	if !ok {
		return errors.New("illegal payload (expected UUID)")
	}

	switch ev.Event {
	case event.JOB_SUBMITTED, event.JOB_UPDATE:
		service.scheduleEventBroadcast(jobID, service.BroadcastJobUpdate)
	case event.JOB_COMPLETE, event.JOB_FAILED:
		service.scheduleRapidEventBroadcast(jobID, service.BroadcastJobUpdate)
	default:
		return errors.New("unknown event type")
	}

	return nil
}

func (service *activityService) scheduleEventBroadcast(jobID uuid.UUID, handler broadcastHandler) {
	service._scheduleEventBroadcast(jobID, handler, DEBOUNCE_DURATION, MAX_TIMER_DURATION)
}

// scheduleRapidEventBroadcast is used for terminal events, which are the
// last update a job will receive and so are worth delivering promptly.
func (service *activityService) scheduleRapidEventBroadcast(jobID uuid.UUID, handler broadcastHandler) {
	service._scheduleEventBroadcast(jobID, handler, RAPID_EVENT_DEBOUNCE_DURATION, RAPID_EVENT_MAX_TIMER_DURATION)
}

func (service *activityService) _scheduleEventBroadcast(jobID uuid.UUID, handler broadcastHandler, debounceTime time.Duration, maxTime time.Duration) {
	service.Lock()
	defer service.Unlock()

	broadcaster := func() { service.broadcast(jobID, handler) }

	// Cancel and re-set a debounce timer
	if t, ok := service.debounceTimers[jobID]; ok {
		t.Stop()
	}
	service.debounceTimers[jobID] = time.AfterFunc(debounceTime, broadcaster)

	// Set a max timer if not already set
	if _, ok := service.maxTimers[jobID]; !ok {
		service.maxTimers[jobID] = time.AfterFunc(maxTime, broadcaster)
	}
}

func (service *activityService) broadcast(jobID uuid.UUID, handler broadcastHandler) {
	service.Lock()
	if t, ok := service.debounceTimers[jobID]; ok {
		t.Stop()
		delete(service.debounceTimers, jobID)
	}

	if t, ok := service.maxTimers[jobID]; ok {
		t.Stop()
		delete(service.maxTimers, jobID)
	}
	service.Unlock()

	if err := handler(jobID); err != nil {
		log.Emit(logger.WARNING, "Failed to broadcast update for job %s: %v\n", jobID, err)
	}
}

func (service *activityService) stopTimers() {
	service.Lock()
	defer service.Unlock()

	for id, t := range service.debounceTimers {
		t.Stop()
		delete(service.debounceTimers, id)
	}
	for id, t := range service.maxTimers {
		t.Stop()
		delete(service.maxTimers, id)
	}
}
