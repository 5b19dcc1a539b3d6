package api

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/api/downloads"
	"github.com/hbomb79/Hoard/internal/http/websocket"
	"github.com/hbomb79/Hoard/internal/job"
)

const (
	TITLE_JOB_UPDATE = "JOB_UPDATE"
)

type (
	JobUpdate struct {
		JobID uuid.UUID      `json:"job_id"`
		Job   *downloads.Dto `json:"job"`
	}

	JobStore interface {
		GetJob(id uuid.UUID) (*job.Job, error)
	}

	broadcaster struct {
		socketHub *websocket.SocketHub
		jobStore  JobStore
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, jobStore JobStore) *broadcaster {
	return &broadcaster{socketHub, jobStore}
}

// BroadcastJobUpdate pushes the current state of the job to the sockets of the
// client which owns it, and to any admin sockets.
func (hub *broadcaster) BroadcastJobUpdate(id uuid.UUID) error {
	j, err := hub.jobStore.GetJob(id)
	if err != nil {
		return fmt.Errorf("failed to load job %s for broadcast: %w", id, err)
	}

	dto := downloads.NewDto(j)
	hub.broadcast(TITLE_JOB_UPDATE, &j.ClientID, JobUpdate{JobID: id, Job: &dto})
	return nil
}

func (hub *broadcaster) broadcast(title string, audience *uuid.UUID, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title:    title,
		Body:     map[string]interface{}{"arguments": update},
		Type:     websocket.Update,
		Audience: audience,
	})
}
