package helpers

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/client"
	"github.com/hbomb79/Hoard/internal/job"
)

// MemoryStore is an in-memory stand-in for the data orchestrator. It mirrors
// the claim and compare-and-set semantics of the SQL stores so that worker
// and pipeline behaviour can be tested without a database.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*client.Client
	apiKeys map[string]uuid.UUID
	jobs    map[uuid.UUID]*job.Job
	order   []uuid.UUID
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[uuid.UUID]*client.Client),
		apiKeys: make(map[string]uuid.UUID),
		jobs:    make(map[uuid.UUID]*job.Job),
		now:     time.Now,
	}
}

// AddClient registers a client which authenticates with the apiKey given.
func (s *MemoryStore) AddClient(c *client.Client, apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.ID] = c
	s.apiKeys[apiKey] = c.ID
}

func (s *MemoryStore) CreateClient(name string, downloadFolder string) (*client.Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.Name == name {
			return nil, "", client.ErrNameTaken
		}
	}

	c := &client.Client{ID: uuid.New(), Name: name, DownloadFolder: downloadFolder, CreatedAt: s.now(), UpdatedAt: s.now()}
	key := NewAPIKey()
	s.clients[c.ID] = c
	s.apiKeys[key] = c.ID
	return c, key, nil
}

func (s *MemoryStore) GetClient(id uuid.UUID) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[id]; ok {
		cp := *c
		return &cp, nil
	}

	return nil, client.ErrClientNotFound
}

func (s *MemoryStore) GetClientWithAPIKey(apiKey string) (*client.Client, error) {
	s.mu.Lock()
	id, ok := s.apiKeys[apiKey]
	s.mu.Unlock()
	if !ok {
		return nil, client.ErrClientNotFound
	}

	return s.GetClient(id)
}

func (s *MemoryStore) ListClients() ([]*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*client.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		out = append(out, &cp)
	}

	return out, nil
}

func (s *MemoryStore) InsertJobs(jobs []*job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		if _, ok := s.clients[j.ClientID]; !ok {
			return fmt.Errorf("client %s does not exist", j.ClientID)
		}
	}

	for i, j := range jobs {
		j.Status = job.Pending
		j.CreatedAt = s.now().Add(time.Duration(i))
		j.UpdatedAt = j.CreatedAt
		cp := *j
		s.jobs[j.ID] = &cp
		s.order = append(s.order, j.ID)
	}

	return nil
}

func (s *MemoryStore) GetJob(id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		cp := *j
		return &cp, nil
	}

	return nil, job.ErrJobNotFound
}

func (s *MemoryStore) GetJobForClient(clientID uuid.UUID, id uuid.UUID) (*job.Job, error) {
	j, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if j.ClientID != clientID {
		return nil, job.ErrJobNotFound
	}

	return j, nil
}

func (s *MemoryStore) ListJobs(clientID *uuid.UUID, limit uint64, offset uint64) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if clientID != nil && j.ClientID != *clientID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if limit > 0 && uint64(len(out)) >= limit {
			break
		}

		cp := *j
		out = append(out, &cp)
	}

	return out, nil
}

func (s *MemoryStore) ClaimJob(owner string, lease time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status.IsTerminal() {
			continue
		}
		if j.ClaimedBy != nil && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now) {
			continue
		}

		expiry := now.Add(lease)
		j.ClaimedBy = &owner
		j.LeaseExpiresAt = &expiry
		cp := *j
		return &cp, nil
	}

	return nil, nil
}

func (s *MemoryStore) RenewJobLease(id uuid.UUID, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.ClaimedBy == nil || *j.ClaimedBy != owner {
		return job.ErrClaimLost
	}

	expiry := s.now().Add(lease)
	j.LeaseExpiresAt = &expiry
	return nil
}

func (s *MemoryStore) ReleaseJob(id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok && j.ClaimedBy != nil && *j.ClaimedBy == owner {
		j.ClaimedBy = nil
		j.LeaseExpiresAt = nil
	}

	return nil
}

func (s *MemoryStore) TransitionJob(id uuid.UUID, owner string, from job.Status, t job.Transition) (*job.Job, error) {
	if !from.CanTransitionTo(t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrIllegalTransition, from, t.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != from || j.ClaimedBy == nil || *j.ClaimedBy != owner {
		return nil, job.ErrClaimLost
	}

	if t.To == job.Completed && t.ResultPath == nil {
		return nil, fmt.Errorf("completed job %s requires a result path", id)
	}
	if (t.To == job.Failed || t.To == job.Rejected) && t.ErrorDetail == nil {
		return nil, fmt.Errorf("terminal failure of job %s requires an error detail", id)
	}

	j.Status = t.To
	j.UpdatedAt = s.now()
	if t.StagingPath != nil {
		j.StagingPath = t.StagingPath
	}
	if t.ResultPath != nil {
		j.ResultPath = t.ResultPath
	}
	if t.ResultMeta != nil {
		j.ResultMeta = t.ResultMeta
	}
	if t.Scenes != nil {
		j.Scenes = t.Scenes
	}
	if t.ErrorDetail != nil {
		j.ErrorDetail = t.ErrorDetail
	}
	if t.To.IsTerminal() {
		j.StagingPath = nil
		j.ClaimedBy = nil
		j.LeaseExpiresAt = nil
	}

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) IncrementJobAttempts(id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.ClaimedBy == nil || *j.ClaimedBy != owner {
		return job.ErrClaimLost
	}

	j.Attempts++
	return nil
}

func (s *MemoryStore) RequestJobCancel(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return job.ErrJobTerminal
	}

	j.CancelRequested = true
	return nil
}

func (s *MemoryStore) ReconcileJobs(maxAttempts int) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released, failed int64
	for _, j := range s.jobs {
		if j.Status.IsTerminal() {
			continue
		}

		if j.ClaimedBy != nil {
			j.ClaimedBy = nil
			j.LeaseExpiresAt = nil
			j.Attempts++
			released++
		}
		if j.Attempts > maxAttempts {
			detail := "exceeded maximum attempts"
			j.Status = job.Failed
			j.ErrorDetail = &detail
			j.StagingPath = nil
			failed++
		}
	}

	return released, failed, nil
}

// Claim marks the job as claimed by owner, as if a worker had claimed it.
func (s *MemoryStore) Claim(id uuid.UUID, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := s.now().Add(time.Hour)
	s.jobs[id].ClaimedBy = &owner
	s.jobs[id].LeaseExpiresAt = &expiry
}

// NewAPIKey returns a random key in the same format as the keys issued to
// real clients.
func NewAPIKey() string {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}

	return "hk_" + base64.RawURLEncoding.EncodeToString(secret)
}
