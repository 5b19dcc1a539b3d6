package job_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/client"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/tests/helpers"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "worker-test"

func setup(t *testing.T) (*sqlx.DB, *job.Store, *client.Client) {
	db := helpers.RequireDatabase(t)
	clients := client.NewStore([]byte("0123456789abcdef0123456789abcdef"))
	c, _, err := clients.Create(db, "client-"+uuid.NewString(), t.TempDir())
	require.NoError(t, err)

	return db, &job.Store{}, c
}

func insert(t *testing.T, db *sqlx.DB, store *job.Store, clientID uuid.UUID, count int) []*job.Job {
	jobs := make([]*job.Job, count)
	for i := range jobs {
		jobs[i] = &job.Job{
			ClientID:  clientID,
			SourceURL: "https://media.example/video",
			Tags:      []string{"t"},
			Override:  &job.RequestOverride{Method: "POST", Headers: map[string]string{"Referer": "https://media.example"}},
		}
	}

	require.NoError(t, store.InsertBatch(db, jobs))
	return jobs
}

func Test_InsertAndGet(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	jobs := insert(t, db, store, c.ID, 2)

	got, err := store.GetWithID(db, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, job.Pending, got.Status)
	assert.Equal(t, []string{"t"}, got.Tags)
	assert.Equal(t, "POST", got.Override.Method)
	assert.Equal(t, "https://media.example", got.Override.Headers["Referer"])
	assert.Nil(t, got.ResultPath)
	assert.Nil(t, got.ErrorDetail)

	_, err = store.GetForClient(db, uuid.New(), jobs[0].ID)
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	_, err = store.GetWithID(db, uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	listed, err := store.List(db, &c.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func Test_ClaimIsExclusive(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	insert(t, db, store, c.ID, 10)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		claimed = make(map[uuid.UUID]int)
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				j, err := store.Claim(db, uuid.NewString(), time.Minute)
				if !assert.NoError(t, err) || j == nil {
					return
				}

				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, 10)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func Test_TransitionRequiresClaim(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	insert(t, db, store, c.ID, 1)

	j, err := store.Claim(db, owner, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)

	_, err = store.Transition(db, j.ID, "someone-else", job.Pending, job.Transition{To: job.Validating})
	assert.ErrorIs(t, err, job.ErrClaimLost)

	_, err = store.Transition(db, j.ID, owner, job.Fetching, job.Transition{To: job.Fixing})
	assert.ErrorIs(t, err, job.ErrClaimLost, "stale expected status must not match")

	_, err = store.Transition(db, j.ID, owner, job.Pending, job.Transition{To: job.Pending})
	assert.ErrorIs(t, err, job.ErrIllegalTransition)

	updated, err := store.Transition(db, j.ID, owner, job.Pending, job.Transition{To: job.Validating})
	require.NoError(t, err)
	assert.Equal(t, job.Validating, updated.Status)

	path := "/downloads/" + j.ID.String() + ".mp4"
	done, err := store.Transition(db, j.ID, owner, job.Validating, job.Transition{
		To:         job.Completed,
		ResultPath: &path,
		ResultMeta: &job.ResultMeta{MimeType: "video/mp4", Extension: ".mp4", Size: 10},
		Scenes:     []job.Scene{{Index: 1, Start: 0, End: 1.5}},
	})
	require.NoError(t, err)
	assert.Equal(t, job.Completed, done.Status)
	assert.Equal(t, path, *done.ResultPath)
	assert.Equal(t, "video/mp4", done.ResultMeta.MimeType)
	assert.Len(t, done.Scenes, 1)
	assert.Nil(t, done.ClaimedBy)

	next, err := store.Claim(db, owner, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next, "terminal jobs must never be claimed")
}

func Test_CompletedRequiresResultPath(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	insert(t, db, store, c.ID, 1)

	j, err := store.Claim(db, owner, time.Minute)
	require.NoError(t, err)

	_, err = store.Transition(db, j.ID, owner, job.Pending, job.Transition{To: job.Completed})
	assert.Error(t, err)
}

func Test_ExpiredLeaseCanBeReclaimed(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	insert(t, db, store, c.ID, 1)

	first, err := store.Claim(db, "first", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(50 * time.Millisecond)
	second, err := store.Claim(db, "second", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	assert.ErrorIs(t, store.RenewLease(db, first.ID, "first", time.Minute), job.ErrClaimLost)
	assert.NoError(t, store.RenewLease(db, second.ID, "second", time.Minute))
}

func Test_ReconcileOrphans(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	insert(t, db, store, c.ID, 2)

	a, err := store.Claim(db, owner, time.Hour)
	require.NoError(t, err)
	b, err := store.Claim(db, owner, time.Hour)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE job SET attempts = 5 WHERE id = $1`, b.ID)
	require.NoError(t, err)

	released, err := store.ReleaseOrphaned(db)
	require.NoError(t, err)
	assert.EqualValues(t, 2, released)

	failed, err := store.FailExhausted(db, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, failed)

	reloadedA, err := store.GetWithID(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Pending, reloadedA.Status)
	assert.Equal(t, 1, reloadedA.Attempts)
	assert.Nil(t, reloadedA.ClaimedBy)

	reloadedB, err := store.GetWithID(db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, reloadedB.Status)
	assert.Equal(t, "exceeded maximum attempts", *reloadedB.ErrorDetail)
}

func Test_RequestCancel(t *testing.T) {
	t.Parallel()
	db, store, c := setup(t)
	jobs := insert(t, db, store, c.ID, 1)

	require.NoError(t, store.RequestCancel(db, jobs[0].ID))
	reloaded, err := store.GetWithID(db, jobs[0].ID)
	require.NoError(t, err)
	assert.True(t, reloaded.CancelRequested)

	j, err := store.Claim(db, owner, time.Minute)
	require.NoError(t, err)
	reason := "cancelled by request"
	_, err = store.Transition(db, j.ID, owner, job.Pending, job.Transition{To: job.Failed, ErrorDetail: &reason})
	require.NoError(t, err)

	assert.ErrorIs(t, store.RequestCancel(db, jobs[0].ID), job.ErrJobTerminal)
}
