// Package chain builds the next job in a session's stage chain: unique
// name allocation, output path layout, pipeline-stats inheritance, and
// command construction.
package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
	"github.com/krpothula/cryoprocess-sub001/internal/pixelsize"
	"github.com/krpothula/cryoprocess-sub001/internal/store"
)

// ValidationError means the requested job could not be built from its
// inputs. No job record is created when it is returned.
type ValidationError struct {
	Stage  models.StageType
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cannot build %s job: %s", e.Stage, e.Reason)
}

// Params carries the stage-specific inputs for one BuildNext call.
type Params struct {
	// MovieFiles are the stable input files for an Import job.
	MovieFiles []string

	// Stage transformations.
	Binning      float64 // MotionCorr
	BoxSize      int     // Extract
	RescaledSize int     // Extract, 0 disables rescaling
	ClassCount   int     // Class2D

	ExecutionMethod models.ExecutionMethod

	// Values are forwarded verbatim into the job record's parameters.
	Values map[string]string
}

// Builder constructs jobs for the session state machine.
type Builder struct {
	store       *store.Store
	resolver    *pixelsize.Resolver
	logger      *logging.Logger
	projectRoot string
	maxRetries  int
}

// NewBuilder creates a builder rooted at projectRoot.
func NewBuilder(st *store.Store, resolver *pixelsize.Resolver, projectRoot string, maxNameRetries int, logger *logging.Logger) *Builder {
	if maxNameRetries < 1 {
		maxNameRetries = 1
	}
	return &Builder{
		store:       st,
		resolver:    resolver,
		logger:      logger,
		projectRoot: projectRoot,
		maxRetries:  maxNameRetries,
	}
}

// BuildNext validates the upstream jobs, allocates a project-unique name,
// inherits pipeline stats, renders the stage command, and persists the
// new job in pending state.
func (b *Builder) BuildNext(ctx context.Context, sess *models.Session, stage models.StageType, upstream []*models.Job, params Params) (*models.Job, error) {
	if !stage.Valid() {
		return nil, &ValidationError{Stage: stage, Reason: fmt.Sprintf("unknown stage type %q", stage)}
	}

	if stage == models.StageImport {
		if len(params.MovieFiles) == 0 {
			return nil, &ValidationError{Stage: stage, Reason: "no input movies"}
		}
	} else {
		if len(upstream) == 0 {
			return nil, &ValidationError{Stage: stage, Reason: "no upstream jobs"}
		}
		for _, up := range upstream {
			if up.Status != models.JobSuccess {
				return nil, &ValidationError{
					Stage:  stage,
					Reason: fmt.Sprintf("upstream job %s is %s, not success", up.Name, up.Status),
				}
			}
			if _, err := os.Stat(up.OutputPath); err != nil {
				return nil, &ValidationError{
					Stage:  stage,
					Reason: fmt.Sprintf("upstream output %s missing: %v", up.OutputPath, err),
				}
			}
		}
	}

	now := time.Now()
	job := &models.Job{
		ID:              ulid.Make().String(),
		ProjectID:       sess.ProjectID,
		SessionID:       sess.ID,
		Type:            stage,
		Status:          models.JobPending,
		ExecutionMethod: params.ExecutionMethod,
		Parameters:      params.Values,
		CreatedAt:       now,
	}
	for _, up := range upstream {
		job.InputJobIDs = append(job.InputJobIDs, up.ID)
	}
	job.PipelineStats = b.mergeStats(ctx, sess, job, stage, upstream, params)

	if err := b.allocate(ctx, job); err != nil {
		return nil, err
	}

	job.OutputPath = filepath.Join(b.projectRoot, string(stage), job.Name)
	if err := os.MkdirAll(job.OutputPath, 0o755); err != nil {
		// Release the reserved name so the failed build leaves no
		// pending job record behind.
		if derr := b.store.DeleteJob(ctx, job.ID); derr != nil {
			b.logger.Warn().Str("job", job.ID).Err(derr).Msg("Failed to release job record")
		}
		return nil, fmt.Errorf("failed to create output directory %s: %w", job.OutputPath, err)
	}

	job.Command, job.GPU, job.MPIProcs = buildCommand(stage, sess, job, upstream, params)

	if err := b.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	b.logger.Info().
		Str("session", sess.ID).
		Str("job", job.Name).
		Str("stage", string(stage)).
		Float64("pixel_size", job.PipelineStats.PixelSize).
		Msg("Built job")

	return job, nil
}

// mergeStats combines inherited upstream values with stage overrides.
// Stats fields the stage doesn't touch carry forward; the stage's own
// outputs stay zero until the job completes and the extractor fills them.
func (b *Builder) mergeStats(ctx context.Context, sess *models.Session, job *models.Job, stage models.StageType, upstream []*models.Job, params Params) models.PipelineStats {
	var stats models.PipelineStats

	if stage == models.StageImport {
		stats.PixelSize = sess.Optics.PixelSize
		stats.Voltage = sess.Optics.Voltage
		stats.SphericalAberration = sess.Optics.SphericalAberration
		stats.AmplitudeContrast = sess.Optics.AmplitudeContrast
		stats.MicrographCount = len(params.MovieFiles)
		return stats
	}

	// Carry forward from the first upstream carrying a value.
	for _, up := range upstream {
		if stats.Voltage == 0 {
			stats.Voltage = up.PipelineStats.Voltage
		}
		if stats.SphericalAberration == 0 {
			stats.SphericalAberration = up.PipelineStats.SphericalAberration
		}
		if stats.AmplitudeContrast == 0 {
			stats.AmplitudeContrast = up.PipelineStats.AmplitudeContrast
		}
		if stats.MicrographCount == 0 {
			stats.MicrographCount = up.PipelineStats.MicrographCount
		}
		if stats.ParticleCount == 0 {
			stats.ParticleCount = up.PipelineStats.ParticleCount
		}
		if stats.BoxSize == 0 {
			stats.BoxSize = up.PipelineStats.BoxSize
		}
	}

	// Stage overrides before resolving, because the resolver applies this
	// job's own transformation from these fields.
	switch stage {
	case models.StageMotionCorr:
		stats.Binning = params.Binning
	case models.StageExtract:
		stats.BoxSize = params.BoxSize
		stats.RescaledSize = params.RescaledSize
	case models.StageClass2D:
		stats.ClassCount = params.ClassCount
	}

	job.PipelineStats = stats
	result, err := b.resolver.Resolve(ctx, job)
	if err != nil {
		b.logger.Warn().Str("job", job.ID).Err(err).Msg("Pixel size resolution failed")
		return stats
	}
	if result.Resolved {
		stats.PixelSize = result.PixelSize
	} else {
		b.logger.Warn().
			Str("job", job.ID).
			Strs("chain", result.Chain).
			Msg("Pixel size unresolved, leaving unset")
	}
	return stats
}

// allocate assigns a project-unique sequential name with bounded retry,
// falling back to a count-based name so the pipeline never wedges on
// numbering. The store's unique (project, name) index is the arbiter
// under concurrent sessions.
func (b *Builder) allocate(ctx context.Context, job *models.Job) error {
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		seq, err := b.store.MaxJobSeq(ctx, job.ProjectID)
		if err != nil {
			return err
		}
		job.Seq = seq + 1
		job.Name = fmt.Sprintf("job%03d", job.Seq)

		err = b.store.InsertJob(ctx, job)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateName) {
			return err
		}
		b.logger.Debug().
			Str("name", job.Name).
			Int("attempt", attempt).
			Msg("Job name collision, retrying")
	}

	count, err := b.store.CountJobs(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	suffix := strings.ToLower(ulid.Make().String())
	job.Seq = 0
	job.Name = fmt.Sprintf("job_c%d_%s", count+1, suffix[len(suffix)-6:])
	b.logger.Warn().
		Str("name", job.Name).
		Str("project", job.ProjectID).
		Msg("Sequential name allocation exhausted, using count-based fallback")

	if err := b.store.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("fallback name allocation failed: %w", err)
	}
	return nil
}
