// Package session implements the per-session orchestration state machine:
// lifecycle transitions, pass sequencing over the stage chain, and pass
// history accumulation.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/krpothula/cryoprocess-sub001/internal/broadcast"
	"github.com/krpothula/cryoprocess-sub001/internal/chain"
	"github.com/krpothula/cryoprocess-sub001/internal/config"
	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
	"github.com/krpothula/cryoprocess-sub001/internal/store"
)

// TransitionError reports a lifecycle operation that has no edge from
// the session's current status.
type TransitionError struct {
	Op   string
	From models.SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s session", e.Op, e.From)
}

// JobRunner drives one job to a terminal status. prior is the last
// non-terminal status the job held before the terminal transition.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) (status, prior models.JobStatus, err error)
}

// JobBuilder constructs the next job of a stage chain.
type JobBuilder interface {
	BuildNext(ctx context.Context, sess *models.Session, stage models.StageType, upstream []*models.Job, params chain.Params) (*models.Job, error)
}

// Manager owns every session supervisor in the process. All session and
// job mutation is routed through it; external callers only read
// snapshots.
type Manager struct {
	store    *store.Store
	runner   JobRunner
	builder  JobBuilder
	bcast    *broadcast.Broadcaster
	notifier *broadcast.Notifier
	meta     MetadataExtractor
	cfg      *config.Config
	logger   *logging.Logger

	execMethod models.ExecutionMethod

	mu       sync.Mutex
	sessions map[string]*models.Session
	sups     map[string]*supervisor
	group    errgroup.Group
}

// NewManager wires the orchestration core together.
func NewManager(st *store.Store, runner JobRunner, builder JobBuilder, bcast *broadcast.Broadcaster, notifier *broadcast.Notifier, meta MetadataExtractor, cfg *config.Config, logger *logging.Logger) *Manager {
	exec := models.ExecDirect
	if cfg.SchedulerBackend == "queued" {
		exec = models.ExecQueued
	}
	return &Manager{
		store:      st,
		runner:     runner,
		builder:    builder,
		bcast:      bcast,
		notifier:   notifier,
		meta:       meta,
		cfg:        cfg,
		logger:     logger,
		execMethod: exec,
		sessions:   make(map[string]*models.Session),
		sups:       make(map[string]*supervisor),
	}
}

// Create validates and persists a new session in pending state.
func (m *Manager) Create(ctx context.Context, sess *models.Session) error {
	if sess.ProjectID == "" {
		return fmt.Errorf("session requires a project id")
	}
	if sess.Name == "" {
		return fmt.Errorf("session requires a name")
	}
	if sess.Optics.PixelSize <= 0 {
		return fmt.Errorf("optics pixel size must be positive, got %g", sess.Optics.PixelSize)
	}
	if sess.InputMode == "" {
		sess.InputMode = models.InputWatch
	}
	if sess.WatchDirectory == "" {
		return fmt.Errorf("session requires a watch directory")
	}
	if sess.FilePattern == "" {
		sess.FilePattern = "*.tiff"
	}
	if sess.Processing.Binning <= 0 {
		sess.Processing.Binning = 1
	}
	if sess.Class2D.Enabled && !sess.Processing.PickingEnabled {
		return fmt.Errorf("class2d requires picking to be enabled")
	}

	sess.ID = ulid.Make().String()
	sess.Status = models.SessionPending
	sess.Jobs = make(map[string]string)
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.publishSession(sess)
	m.mu.Unlock()

	m.logger.Info().
		Str("session", sess.ID).
		Str("project", sess.ProjectID).
		Str("name", sess.Name).
		Msg("Session created")
	return nil
}

// Start begins watching and processing. Starting a running session is a
// no-op; starting a paused one resumes it.
func (m *Manager) Start(ctx context.Context, id string) (models.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}

	switch sess.Status {
	case models.SessionRunning:
		return sess.Status, nil
	case models.SessionPending, models.SessionPaused:
		return m.startLocked(ctx, sess)
	default:
		return sess.Status, &TransitionError{Op: "start", From: sess.Status}
	}
}

// Pause suspends new-pass triggering. In-flight jobs keep running.
func (m *Manager) Pause(ctx context.Context, id string) (models.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}

	switch sess.Status {
	case models.SessionPaused:
		return sess.Status, nil
	case models.SessionRunning:
		if sup := m.sups[id]; sup != nil {
			sup.paused.Store(true)
		}
		return m.setStatus(ctx, sess, models.SessionPaused)
	default:
		return sess.Status, &TransitionError{Op: "pause", From: sess.Status}
	}
}

// Resume restarts new-pass triggering on a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (models.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}

	switch sess.Status {
	case models.SessionRunning:
		return sess.Status, nil
	case models.SessionPaused:
		return m.startLocked(ctx, sess)
	default:
		return sess.Status, &TransitionError{Op: "resume", From: sess.Status}
	}
}

// Stop ends the session. With cancelInFlight the currently running job
// is cancelled through the scheduler; otherwise it runs to completion
// while no further stages are submitted.
func (m *Manager) Stop(ctx context.Context, id string, cancelInFlight bool) (models.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}

	switch sess.Status {
	case models.SessionStopped:
		return sess.Status, nil
	case models.SessionRunning, models.SessionPaused:
		if sup := m.sups[id]; sup != nil {
			if cancelInFlight {
				sup.jobCancel()
			}
			sup.loopCancel()
		}
		return m.setStatus(ctx, sess, models.SessionStopped)
	default:
		return sess.Status, &TransitionError{Op: "stop", From: sess.Status}
	}
}

// Get returns a snapshot of the session including state, jobs map, and
// pass history.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// GetStats returns per-stage summaries of the session's latest jobs.
func (m *Manager) GetStats(ctx context.Context, id string) (map[string]models.JobSummary, error) {
	m.mu.Lock()
	sess, err := m.load(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	jobIDs := make(map[string]string, len(sess.Jobs))
	for k, v := range sess.Jobs {
		jobIDs[k] = v
	}
	m.mu.Unlock()

	out := make(map[string]models.JobSummary, len(jobIDs))
	for stageKey, jobID := range jobIDs {
		job, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			m.logger.Warn().Str("job", jobID).Err(err).Msg("Stats lookup skipped unloadable job")
			continue
		}
		out[stageKey] = job.Summary()
	}
	return out, nil
}

// Restore reloads persisted sessions after a process restart. Running
// sessions come back paused so an operator resumes them explicitly and
// nothing is ever double-submitted.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx,
		models.SessionPending, models.SessionRunning, models.SessionPaused)
	if err != nil {
		return fmt.Errorf("failed to list sessions for restore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range sessions {
		if sess.Status == models.SessionRunning {
			sess.Status = models.SessionPaused
			sess.UpdatedAt = time.Now()
			if err := m.store.UpdateSession(ctx, sess); err != nil {
				return err
			}
			m.logger.Info().Str("session", sess.ID).Msg("Reloaded running session as paused")
		}
		m.sessions[sess.ID] = sess
	}
	return nil
}

// Close stops all supervisors and waits for them to drain. In-flight
// jobs are cancelled.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, sup := range m.sups {
		sup.jobCancel()
		sup.loopCancel()
	}
	m.mu.Unlock()
	return m.group.Wait()
}

// startLocked flips the session to running and ensures a supervisor is
// driving it. Callers hold m.mu.
func (m *Manager) startLocked(ctx context.Context, sess *models.Session) (models.SessionStatus, error) {
	if sup := m.sups[sess.ID]; sup != nil {
		sup.paused.Store(false)
		return m.setStatus(ctx, sess, models.SessionRunning)
	}

	status, err := m.setStatus(ctx, sess, models.SessionRunning)
	if err != nil {
		return status, err
	}

	sup := newSupervisor(sess)
	m.sups[sess.ID] = sup
	m.group.Go(func() error {
		m.runSession(sup)
		return nil
	})
	return status, nil
}

// setStatus persists a status change and publishes it. Callers hold m.mu.
func (m *Manager) setStatus(ctx context.Context, sess *models.Session, status models.SessionStatus) (models.SessionStatus, error) {
	from := sess.Status
	sess.Status = status
	sess.UpdatedAt = time.Now()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		sess.Status = from
		return from, err
	}
	m.logger.Info().
		Str("session", sess.ID).
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("Session status changed")
	m.publishSession(sess)
	return status, nil
}

// load fetches a session into the in-memory map. Callers hold m.mu.
func (m *Manager) load(ctx context.Context, id string) (*models.Session, error) {
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = sess
	return sess, nil
}

// publishSession emits a live_session_update snapshot. Callers hold m.mu.
func (m *Manager) publishSession(sess *models.Session) {
	m.bcast.Publish(broadcast.Event{
		Type:      broadcast.EventSessionUpdate,
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Stage:     sess.State.CurrentStage,
		Counts:    sess.State.Counts,
	})
}

func (m *Manager) publishJob(sess *models.Session, job *models.Job) {
	m.bcast.Publish(broadcast.Event{
		Type:      broadcast.EventJobUpdate,
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		JobID:     job.ID,
		Status:    string(job.Status),
		Stage:     job.Type,
	})
}
