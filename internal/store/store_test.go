package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleSession(id string) *models.Session {
	return &models.Session{
		ID:             id,
		ProjectID:      "proj-1",
		Name:           "session-" + id,
		Status:         models.SessionPending,
		InputMode:      models.InputWatch,
		WatchDirectory: "/data/movies",
		FilePattern:    "*.tiff",
		Optics:         models.OpticsParams{PixelSize: 1.4, Voltage: 300},
		Jobs:           map[string]string{},
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := sampleSession("s1")
	sess.Jobs["import"] = "job-a"
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.Name, got.Name)
	assert.Equal(t, models.SessionPending, got.Status)
	assert.Equal(t, 1.4, got.Optics.PixelSize)
	assert.Equal(t, "job-a", got.Jobs["import"])
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := sampleSession("s1")
	require.NoError(t, st.CreateSession(ctx, sess))

	sess.Status = models.SessionRunning
	sess.State.PassCount = 3
	require.NoError(t, st.UpdateSession(ctx, sess))

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, 3, got.State.PassCount)
}

func TestListSessionsByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := sampleSession("a")
	a.Status = models.SessionRunning
	b := sampleSession("b")
	b.Status = models.SessionStopped
	c := sampleSession("c")
	c.Status = models.SessionPaused
	for _, s := range []*models.Session{a, b, c} {
		require.NoError(t, st.CreateSession(ctx, s))
	}

	got, err := st.ListSessions(ctx, models.SessionRunning, models.SessionPaused)
	require.NoError(t, err)
	require.Len(t, got, 2)

	all, err := st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPassHistoryRehydration(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := sampleSession("s1")
	require.NoError(t, st.CreateSession(ctx, sess))

	for i := 1; i <= 3; i++ {
		pass := models.Pass{
			Number:      i,
			Counts:      models.StageCounts{MoviesImported: i * 10},
			CompletedAt: time.Now(),
		}
		require.NoError(t, st.AppendPass(ctx, "s1", pass))
	}

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.PassHistory, 3)
	assert.Equal(t, 1, got.PassHistory[0].Number)
	assert.Equal(t, 30, got.PassHistory[2].Counts.MoviesImported)
}

func sampleJob(id, name string, seq int) *models.Job {
	return &models.Job{
		ID:        id,
		ProjectID: "proj-1",
		SessionID: "s1",
		Name:      name,
		Seq:       seq,
		Type:      models.StageImport,
		Status:    models.JobPending,
		CreatedAt: time.Now(),
	}
}

func TestDuplicateJobNameRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertJob(ctx, sampleJob("j1", "job001", 1)))
	err := st.InsertJob(ctx, sampleJob("j2", "job001", 1))
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Same name in another project is fine.
	other := sampleJob("j3", "job001", 1)
	other.ProjectID = "proj-2"
	assert.NoError(t, st.InsertJob(ctx, other))
}

func TestDeleteJobReleasesName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := sampleJob("j1", "job001", 1)
	require.NoError(t, st.InsertJob(ctx, job))
	require.NoError(t, st.DeleteJob(ctx, "j1"))

	_, err := st.GetJob(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The name is free again.
	assert.NoError(t, st.InsertJob(ctx, sampleJob("j2", "job001", 1)))
}

func TestIngestedFilesRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	paths, err := st.IngestedFiles(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, paths)

	batch := []string{"/data/m002.tiff", "/data/m001.tiff"}
	require.NoError(t, st.MarkIngested(ctx, "sess-1", batch))
	// Re-marking an already ingested path is a no-op.
	require.NoError(t, st.MarkIngested(ctx, "sess-1", []string{"/data/m001.tiff", "/data/m003.tiff"}))

	paths, err = st.IngestedFiles(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/m001.tiff", "/data/m002.tiff", "/data/m003.tiff"}, paths)

	// Ingestion state is per session.
	paths, err = st.IngestedFiles(ctx, "sess-2")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestMaxJobSeqAndCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seq, err := st.MaxJobSeq(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 0, seq)

	require.NoError(t, st.InsertJob(ctx, sampleJob("j1", "job001", 1)))
	require.NoError(t, st.InsertJob(ctx, sampleJob("j2", "job005", 5)))

	seq, err = st.MaxJobSeq(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 5, seq)

	count, err := st.CountJobs(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestJobsBySession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j1 := sampleJob("j1", "job001", 1)
	j2 := sampleJob("j2", "job002", 2)
	j3 := sampleJob("j3", "job003", 3)
	j3.SessionID = "s2"
	for _, j := range []*models.Job{j1, j2, j3} {
		require.NoError(t, st.InsertJob(ctx, j))
	}

	jobs, err := st.JobsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestUpdateJobPersistsStatusAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := sampleJob("j1", "job001", 1)
	require.NoError(t, st.InsertJob(ctx, job))

	now := time.Now()
	job.Status = models.JobSuccess
	job.StartedAt = &now
	job.EndedAt = &now
	job.PipelineStats.MicrographCount = 42
	require.NoError(t, st.UpdateJob(ctx, job))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, got.Status)
	assert.Equal(t, 42, got.PipelineStats.MicrographCount)
	require.NotNil(t, got.StartedAt)
}

// TestConcurrentNameAllocation exercises the read-propose-insert retry
// protocol from many goroutines against one project.
func TestConcurrentNameAllocation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("j-%d-%d", w, i)
				for attempt := 0; ; attempt++ {
					if attempt > 100 {
						errs <- fmt.Errorf("worker %d gave up", w)
						return
					}
					seq, err := st.MaxJobSeq(ctx, "proj-1")
					if err != nil {
						errs <- err
						return
					}
					job := sampleJob(id, fmt.Sprintf("job%03d", seq+1), seq+1)
					err = st.InsertJob(ctx, job)
					if err == nil {
						break
					}
					if !errors.Is(err, ErrDuplicateName) {
						errs <- err
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	count, err := st.CountJobs(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, count)

	seq, err := st.MaxJobSeq(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, seq, "sequence numbers must be dense when every insert retried to success")
}
