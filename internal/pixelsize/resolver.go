// Package pixelsize resolves the authoritative physical pixel size
// (Å/pixel) for any pipeline job by walking its dependency graph back to
// the Import job(s) that anchor it.
package pixelsize

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// Tolerance is the relative disagreement between inherited values above
// which a discrepancy is surfaced instead of silently picking one.
const Tolerance = 0.001 // 0.1%

// JobSource loads jobs by id. The store satisfies this; tests inject a map.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Result is the outcome of a resolution walk.
type Result struct {
	// PixelSize is valid only when Resolved is true.
	PixelSize float64
	Resolved  bool

	// Ambiguous is set when input jobs disagreed beyond Tolerance. The
	// value from the most recently created parent is used; Candidates
	// holds the disagreeing values for diagnostics.
	Ambiguous  bool
	Candidates []float64

	// Chain lists the job ids visited, in the topological order the
	// resolver processed them. For unresolved results this is the chain
	// it failed to traverse.
	Chain []string
}

// Resolver walks job dependency DAGs. It holds no per-walk state and is
// safe for concurrent use.
type Resolver struct {
	jobs   JobSource
	logger *logging.Logger
}

// New creates a resolver reading jobs from src.
func New(src JobSource, logger *logging.Logger) *Resolver {
	return &Resolver{jobs: src, logger: logger}
}

// Resolve computes the authoritative pixel size for job. It never
// substitutes a default: a job with no resolvable Import ancestor comes
// back with Resolved == false.
func (r *Resolver) Resolve(ctx context.Context, job *models.Job) (Result, error) {
	arena, err := r.collect(ctx, job)
	if err != nil {
		return Result{}, err
	}

	order, err := topoSort(arena)
	if err != nil {
		return Result{}, err
	}

	values := make(map[string]float64, len(order))
	result := Result{Chain: order}

	for _, id := range order {
		node := arena[id]

		var base float64
		resolved := false

		if node.Type == models.StageImport || len(node.InputJobIDs) == 0 {
			// Import anchors the walk; anything else without parents is a
			// backfill gap and stays unresolved.
			if node.Type == models.StageImport {
				base = node.EffectivePixelSize()
				resolved = base > 0
			}
		} else {
			parents := resolvedParents(node, arena, values)
			if len(parents) > 0 {
				resolved = true
				base = parents[0].value
				if disagree(parents) {
					result.Ambiguous = true
					for _, p := range parents {
						result.Candidates = append(result.Candidates, p.value)
					}
					r.logger.Warn().
						Str("job", node.ID).
						Floats64("candidates", result.Candidates).
						Msg("Inherited pixel sizes disagree, using most recent parent")
				}
			}
		}

		if !resolved {
			continue
		}

		values[id] = transform(node, base)
	}

	v, ok := values[job.ID]
	if !ok {
		return result, nil
	}
	result.PixelSize = v
	result.Resolved = true
	return result, nil
}

// transform applies the stage-specific pixel-size change a job performs
// on its inherited value.
func transform(job *models.Job, inherited float64) float64 {
	switch job.Type {
	case models.StageMotionCorr:
		if job.PipelineStats.Binning > 0 {
			return inherited / job.PipelineStats.Binning
		}
	case models.StageExtract:
		if job.PipelineStats.RescaledSize > 0 && job.PipelineStats.BoxSize > 0 &&
			job.PipelineStats.RescaledSize != job.PipelineStats.BoxSize {
			return inherited * float64(job.PipelineStats.BoxSize) / float64(job.PipelineStats.RescaledSize)
		}
	}
	return inherited
}

type parentValue struct {
	job   *models.Job
	value float64
}

// resolvedParents returns the parent values that resolved, most recently
// created first, so index 0 is the authoritative pick under ambiguity.
func resolvedParents(job *models.Job, arena map[string]*models.Job, values map[string]float64) []parentValue {
	var parents []parentValue
	for _, pid := range job.InputJobIDs {
		p, ok := arena[pid]
		if !ok {
			continue
		}
		if v, ok := values[pid]; ok {
			parents = append(parents, parentValue{job: p, value: v})
		}
	}
	sort.SliceStable(parents, func(i, j int) bool {
		if !parents[i].job.CreatedAt.Equal(parents[j].job.CreatedAt) {
			return parents[i].job.CreatedAt.After(parents[j].job.CreatedAt)
		}
		return parents[i].job.ID > parents[j].job.ID
	})
	return parents
}

func disagree(parents []parentValue) bool {
	for i := 1; i < len(parents); i++ {
		a, b := parents[0].value, parents[i].value
		ref := math.Max(math.Abs(a), math.Abs(b))
		if ref == 0 {
			continue
		}
		if math.Abs(a-b)/ref > Tolerance {
			return true
		}
	}
	return false
}

// collect loads the job and all transitive ancestors into an arena keyed
// by identity. Missing ancestors are tolerated (backfill gaps); store
// errors are not.
func (r *Resolver) collect(ctx context.Context, job *models.Job) (map[string]*models.Job, error) {
	arena := map[string]*models.Job{job.ID: job}
	queue := append([]string(nil), job.InputJobIDs...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := arena[id]; ok {
			continue
		}
		parent, err := r.jobs.GetJob(ctx, id)
		if err != nil {
			// A dangling reference is a data gap the caller sees as an
			// unresolved chain, not a hard failure.
			r.logger.Debug().Str("job", id).Err(err).Msg("Ancestor not loadable during pixel size walk")
			continue
		}
		arena[id] = parent
		queue = append(queue, parent.InputJobIDs...)
	}
	return arena, nil
}

// topoSort orders the arena parents-before-children (Kahn). Creation or
// insertion order is deliberately ignored so out-of-order backfills
// still resolve correctly.
func topoSort(arena map[string]*models.Job) ([]string, error) {
	indegree := make(map[string]int, len(arena))
	children := make(map[string][]string, len(arena))

	for id := range arena {
		indegree[id] = 0
	}
	for id, job := range arena {
		for _, pid := range job.InputJobIDs {
			if _, ok := arena[pid]; !ok {
				continue
			}
			indegree[id]++
			children[pid] = append(children[pid], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready) // deterministic order across runs

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(arena) {
		return nil, fmt.Errorf("job dependency graph contains a cycle (%d of %d jobs ordered)", len(order), len(arena))
	}
	return order, nil
}
