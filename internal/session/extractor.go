package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/krpothula/cryoprocess-sub001/internal/metadata"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// MetadataExtractor returns derived statistics for a completed job. The
// default implementation reads the stage's output STAR table; tests
// substitute fakes.
type MetadataExtractor interface {
	Extract(ctx context.Context, job *models.Job) (models.PipelineStats, error)
}

// outputTables maps each stage to the STAR file its toolkit writes into
// the job output directory.
var outputTables = map[models.StageType]string{
	models.StageImport:     "movies.star",
	models.StageMotionCorr: "corrected_micrographs.star",
	models.StageCtfFind:    "micrographs_ctf.star",
	models.StageAutoPick:   "autopick.star",
	models.StageExtract:    "particles.star",
	models.StageClass2D:    "run_model.star",
}

// starExtractor counts rows in stage output tables through the metadata
// cache, so repeated pass aggregation never re-parses an unchanged file.
type starExtractor struct {
	cache       *metadata.Cache
	version     int
	sampleLimit int
}

// NewStarExtractor builds the default STAR-backed extractor.
func NewStarExtractor(cache *metadata.Cache, version, sampleLimit int) MetadataExtractor {
	return &starExtractor{cache: cache, version: version, sampleLimit: sampleLimit}
}

// Extract fills the stage's authoritative count fields from the job's
// output table, leaving inherited fields untouched.
func (e *starExtractor) Extract(ctx context.Context, job *models.Job) (models.PipelineStats, error) {
	stats := job.PipelineStats

	table, ok := outputTables[job.Type]
	if !ok {
		return stats, fmt.Errorf("no output table known for stage %s", job.Type)
	}
	summary, err := e.cache.Load(filepath.Join(job.OutputPath, table), e.version, e.sampleLimit)
	if err != nil {
		return stats, fmt.Errorf("failed to read %s output: %w", job.Type, err)
	}

	switch job.Type {
	case models.StageImport, models.StageMotionCorr, models.StageCtfFind, models.StageAutoPick:
		stats.MicrographCount = summary.TotalCount
	case models.StageExtract:
		stats.ParticleCount = summary.TotalCount
	case models.StageClass2D:
		stats.ClassCount = summary.TotalCount
	}
	return stats, nil
}
