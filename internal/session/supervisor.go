package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/krpothula/cryoprocess-sub001/internal/broadcast"
	"github.com/krpothula/cryoprocess-sub001/internal/chain"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
	"github.com/krpothula/cryoprocess-sub001/internal/watch"
)

// StageFailure means a stage job ended without success. It halts the
// current pass but leaves the session running.
type StageFailure struct {
	Stage   models.StageType
	JobName string
	Message string
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed (job %s): %s", e.Stage, e.JobName, e.Message)
}

// supervisor is the per-session driving goroutine's control surface.
// loopCtx stops new-pass triggering; jobCtx additionally cancels the
// in-flight scheduler run, so stop without cancelInFlight lets the
// current job finish.
type supervisor struct {
	sess *models.Session

	loopCtx    context.Context
	loopCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc

	paused atomic.Bool
	done   chan struct{}
}

func newSupervisor(sess *models.Session) *supervisor {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &supervisor{
		sess:       sess,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		jobCtx:     jobCtx,
		jobCancel:  jobCancel,
		done:       make(chan struct{}),
	}
}

// runSession is the supervisor body. Watch mode polls until stopped;
// existing mode drains the directory once and completes the session.
func (m *Manager) runSession(sup *supervisor) {
	defer close(sup.done)
	sess := sup.sess

	// Files handed to earlier passes are persisted, so a restarted
	// process never re-imports what the session already processed.
	ingested, err := m.store.IngestedFiles(context.Background(), sess.ID)
	if err != nil {
		m.failSession(sess, fmt.Errorf("failed to load ingestion state: %w", err))
		return
	}

	if sess.InputMode == models.InputExisting {
		files, err := filepath.Glob(filepath.Join(sess.WatchDirectory, sess.FilePattern))
		if err != nil {
			m.failSession(sess, fmt.Errorf("bad file pattern: %w", err))
			return
		}
		files = excludePaths(files, ingested)
		sort.Strings(files)
		if len(files) > 0 {
			if err := m.ingest(sess, files); err != nil {
				m.failSession(sess, err)
				return
			}
			if err := m.runPass(sup, files); err != nil {
				m.failSession(sess, err)
				return
			}
		}
		m.completeSession(sess)
		return
	}

	watcher := watch.New(sess.WatchDirectory, sess.FilePattern, m.logger)
	watcher.Seed(ingested)
	ticker := time.NewTicker(m.cfg.WatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sup.loopCtx.Done():
			return
		case <-ticker.C:
		}
		if sup.paused.Load() {
			continue
		}

		batch, err := watcher.Scan()
		if err != nil {
			m.logger.Warn().Str("session", sess.ID).Err(err).Msg("Watch scan failed")
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if err := m.ingest(sess, batch); err != nil {
			m.failSession(sess, err)
			return
		}
		if err := m.runPass(sup, batch); err != nil {
			m.failSession(sess, err)
			return
		}
	}
}

// ingest durably records a batch before it enters a pass.
func (m *Manager) ingest(sess *models.Session, batch []string) error {
	if err := m.store.MarkIngested(context.Background(), sess.ID, batch); err != nil {
		return fmt.Errorf("failed to record ingested files: %w", err)
	}
	return nil
}

// excludePaths drops entries of files that appear in seen.
func excludePaths(files, seen []string) []string {
	if len(seen) == 0 {
		return files
	}
	skip := make(map[string]bool, len(seen))
	for _, p := range seen {
		skip[p] = true
	}
	out := files[:0]
	for _, f := range files {
		if !skip[f] {
			out = append(out, f)
		}
	}
	return out
}

// runPass drives one stage-chain iteration over a batch of stable input
// files. Stage failures and stop requests end the pass early without an
// error; only unrecoverable conditions (store loss) are returned.
func (m *Manager) runPass(sup *supervisor, files []string) error {
	sess := sup.sess
	passNum := sess.State.PassCount + 1
	m.logger.Info().
		Str("session", sess.ID).
		Int("pass", passNum).
		Int("files", len(files)).
		Msg("Pass started")

	imp, err := m.runStage(sup, models.StageImport, nil, chain.Params{
		MovieFiles:      files,
		ExecutionMethod: m.execMethod,
	})
	if err != nil {
		return m.handleStageError(sup, models.StageImport, err)
	}
	m.updateState(sess, func(st *models.SessionState) {
		st.Counts.MoviesImported += imp.PipelineStats.MicrographCount
	})
	if sup.loopCtx.Err() != nil {
		return nil
	}

	mc, err := m.runStage(sup, models.StageMotionCorr, []*models.Job{imp}, chain.Params{
		Binning:         sess.Processing.Binning,
		ExecutionMethod: m.execMethod,
	})
	if err != nil {
		return m.handleStageError(sup, models.StageMotionCorr, err)
	}
	m.updateState(sess, func(st *models.SessionState) {
		st.Counts.MoviesMotion += mc.PipelineStats.MicrographCount
	})
	if sup.loopCtx.Err() != nil {
		return nil
	}

	ctf, err := m.runStage(sup, models.StageCtfFind, []*models.Job{mc}, chain.Params{
		ExecutionMethod: m.execMethod,
	})
	if err != nil {
		return m.handleStageError(sup, models.StageCtfFind, err)
	}
	m.updateState(sess, func(st *models.SessionState) {
		st.Counts.MoviesCtf += ctf.PipelineStats.MicrographCount
	})

	if sess.Processing.PickingEnabled && sup.loopCtx.Err() == nil {
		if err := m.runPickingTail(sup, ctf); err != nil {
			return err
		}
	}

	return m.finishPass(sess, passNum)
}

// runPickingTail runs AutoPick, Extract, and conditionally Class2D.
func (m *Manager) runPickingTail(sup *supervisor, ctf *models.Job) error {
	sess := sup.sess

	pick, err := m.runStage(sup, models.StageAutoPick, []*models.Job{ctf}, chain.Params{
		ExecutionMethod: m.execMethod,
	})
	if err != nil {
		return m.handleStageError(sup, models.StageAutoPick, err)
	}
	m.updateState(sess, func(st *models.SessionState) {
		st.Counts.MoviesPicked += pick.PipelineStats.MicrographCount
	})
	if sup.loopCtx.Err() != nil {
		return nil
	}

	// Extract consumes both the CTF and the picking outputs.
	ext, err := m.runStage(sup, models.StageExtract, []*models.Job{ctf, pick}, chain.Params{
		BoxSize:         sess.Processing.BoxSize,
		RescaledSize:    sess.Processing.RescaledSize,
		ExecutionMethod: m.execMethod,
	})
	if err != nil {
		return m.handleStageError(sup, models.StageExtract, err)
	}
	m.updateState(sess, func(st *models.SessionState) {
		st.Counts.ParticlesExtracted += ext.PipelineStats.ParticleCount
	})
	if sup.loopCtx.Err() != nil {
		return nil
	}

	// Class2D fires only when particles accumulated since the last run
	// cross the threshold, never merely for staying above it.
	if !sess.Class2D.Enabled {
		return nil
	}
	total := sess.State.Counts.ParticlesExtracted
	if total-sess.State.Class2DWatermark < sess.Class2D.ParticleThreshold {
		return nil
	}

	cls, err := m.runStage(sup, models.StageClass2D, []*models.Job{ext}, chain.Params{
		ClassCount:      sess.Class2D.ClassCount,
		ExecutionMethod: m.execMethod,
	})
	if err != nil {
		return m.handleStageError(sup, models.StageClass2D, err)
	}
	m.updateState(sess, func(st *models.SessionState) {
		st.Counts.Classes2D = cls.PipelineStats.ClassCount
		st.Class2DWatermark = total
	})
	return nil
}

// runStage builds one job, drives it to a terminal status, and folds its
// output metadata back into the job record.
func (m *Manager) runStage(sup *supervisor, stage models.StageType, upstream []*models.Job, params chain.Params) (*models.Job, error) {
	sess := sup.sess

	m.mu.Lock()
	sess.State.CurrentStage = stage
	m.publishSession(sess)
	m.mu.Unlock()

	job, err := m.builder.BuildNext(sup.jobCtx, sess, stage, upstream, params)
	if err != nil {
		var verr *chain.ValidationError
		if errors.As(err, &verr) {
			return nil, &StageFailure{Stage: stage, Message: verr.Error()}
		}
		return nil, fmt.Errorf("failed to build %s job: %w", stage, err)
	}
	m.publishJob(sess, job)

	status, prior, err := m.runner.Run(sup.jobCtx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to track job %s: %w", job.Name, err)
	}
	m.publishJob(sess, job)

	if status == models.JobSuccess {
		if stats, err := m.meta.Extract(sup.jobCtx, job); err != nil {
			m.logger.Warn().
				Str("job", job.Name).
				Err(err).
				Msg("Metadata extraction failed, keeping inherited stats")
		} else {
			job.PipelineStats = stats
			if err := m.store.UpdateJob(context.Background(), job); err != nil {
				return nil, fmt.Errorf("failed to persist job stats: %w", err)
			}
		}
		m.mu.Lock()
		sess.Jobs[stage.Key()] = job.ID
		m.mu.Unlock()
	}

	m.notifier.JobFinished(job, prior)

	if status != models.JobSuccess {
		return job, &StageFailure{Stage: stage, JobName: job.Name, Message: job.ErrorMessage}
	}
	return job, nil
}

// handleStageError contains a stage failure at the session boundary. A
// failure caused by a stop request is not an error at all; a genuine
// StageFailure is recorded and broadcast at error level exactly once.
// Anything else is unrecoverable and moves the session to error.
func (m *Manager) handleStageError(sup *supervisor, stage models.StageType, err error) error {
	if sup.jobCtx.Err() != nil || sup.loopCtx.Err() != nil {
		return nil
	}

	var sf *StageFailure
	if !errors.As(err, &sf) {
		return err
	}

	sess := sup.sess
	m.logger.Error().
		Str("session", sess.ID).
		Str("stage", string(stage)).
		Str("job", sf.JobName).
		Msg("Stage failed, pass halted")

	m.mu.Lock()
	sess.State.Error = sf.Error()
	sess.State.CurrentStage = ""
	sess.UpdatedAt = time.Now()
	if err := m.store.UpdateSession(context.Background(), sess); err != nil {
		m.logger.Error().Str("session", sess.ID).Err(err).Msg("Failed to persist session")
	}
	m.bcast.Publish(broadcast.Event{
		Type:      broadcast.EventSessionUpdate,
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Stage:     stage,
		Level:     broadcast.LevelError,
		Message:   sf.Error(),
	})
	m.mu.Unlock()
	return nil
}

// finishPass appends the immutable pass record and publishes it.
func (m *Manager) finishPass(sess *models.Session, passNum int) error {
	now := time.Now()
	var pass models.Pass

	m.mu.Lock()
	sess.State.PassCount = passNum
	sess.State.LastPassAt = now
	sess.State.CurrentStage = ""
	sess.State.Error = ""
	pass = models.Pass{Number: passNum, Counts: sess.State.Counts, CompletedAt: now}
	sess.PassHistory = append(sess.PassHistory, pass)
	sess.UpdatedAt = now

	ctx := context.Background()
	if err := m.store.AppendPass(ctx, sess.ID, pass); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to record pass %d: %w", passNum, err)
	}
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to persist session after pass %d: %w", passNum, err)
	}
	m.publishSession(sess)
	m.mu.Unlock()

	m.logger.Info().
		Str("session", sess.ID).
		Int("pass", passNum).
		Int("movies", pass.Counts.MoviesImported).
		Int("particles", pass.Counts.ParticlesExtracted).
		Msg("Pass completed")
	return nil
}

// completeSession is the natural end of an existing-mode session.
func (m *Manager) completeSession(sess *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.Status.Terminal() {
		return
	}
	if _, err := m.setStatus(context.Background(), sess, models.SessionCompleted); err != nil {
		m.logger.Error().Str("session", sess.ID).Err(err).Msg("Failed to mark session completed")
	}
}

// failSession moves a session to the terminal error status.
func (m *Manager) failSession(sess *models.Session, cause error) {
	m.logger.Error().Str("session", sess.ID).Err(cause).Msg("Session failed")

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.Status.Terminal() {
		return
	}
	sess.State.Error = cause.Error()
	sess.State.CurrentStage = ""
	if _, err := m.setStatus(context.Background(), sess, models.SessionError); err != nil {
		m.logger.Error().Str("session", sess.ID).Err(err).Msg("Failed to persist error status")
	}
}

// updateState applies a mutation to the session state under the manager
// lock so snapshot readers never observe a torn write.
func (m *Manager) updateState(sess *models.Session, fn func(*models.SessionState)) {
	m.mu.Lock()
	fn(&sess.State)
	m.mu.Unlock()
}
