package chain

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// commandSpec is one entry in the per-stage command table.
type commandSpec struct {
	gpu      bool
	mpiProcs int
	render   func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string
}

var commandTable = map[models.StageType]commandSpec{
	models.StageImport: {
		render: func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string {
			return fmt.Sprintf(
				"relion_import --do_movies --i %q --odir %q --angpix %g --kV %g --Cs %g --Q0 %g",
				strings.Join(params.MovieFiles, ","), job.OutputPath,
				sess.Optics.PixelSize, sess.Optics.Voltage,
				sess.Optics.SphericalAberration, sess.Optics.AmplitudeContrast)
		},
	},
	models.StageMotionCorr: {
		gpu: true,
		render: func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string {
			return fmt.Sprintf(
				"relion_run_motioncorr --i %q --o %q --bin_factor %g --use_own --dose_weighting --gpu \"\"",
				upstreamStar(upstream, "movies.star"), job.OutputPath, params.Binning)
		},
	},
	models.StageCtfFind: {
		mpiProcs: 4,
		render: func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string {
			return fmt.Sprintf(
				"relion_run_ctffind --i %q --o %q --CS %g --HT %g --AmpCnst %g --use_ctffind4",
				upstreamStar(upstream, "corrected_micrographs.star"), job.OutputPath,
				job.PipelineStats.SphericalAberration, job.PipelineStats.Voltage,
				job.PipelineStats.AmplitudeContrast)
		},
	},
	models.StageAutoPick: {
		gpu: true,
		render: func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string {
			return fmt.Sprintf(
				"relion_autopick --i %q --odir %q --pickname autopick --LoG --LoG_diam_min %s --LoG_diam_max %s --angpix %g",
				upstreamStar(upstream, "micrographs_ctf.star"), job.OutputPath,
				paramOr(params, "diam_min", "150"), paramOr(params, "diam_max", "180"),
				job.PipelineStats.PixelSize)
		},
	},
	models.StageExtract: {
		render: func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string {
			cmd := fmt.Sprintf(
				"relion_preprocess --i %q --coord_dir %q --part_dir %q --part_star particles.star --extract --extract_size %d --norm --bg_radius %d",
				upstreamStar(upstream, "micrographs_ctf.star"),
				upstreamDir(upstream, models.StageAutoPick), job.OutputPath,
				params.BoxSize, params.BoxSize/2)
			if params.RescaledSize > 0 && params.RescaledSize != params.BoxSize {
				cmd += fmt.Sprintf(" --scale %d", params.RescaledSize)
			}
			return cmd
		},
	},
	models.StageClass2D: {
		gpu:      true,
		mpiProcs: 5,
		render: func(sess *models.Session, job *models.Job, upstream []*models.Job, params Params) string {
			return fmt.Sprintf(
				"relion_refine --i %q --o %q --K %d --iter 25 --tau2_fudge 2 --particle_diameter %s --dont_combine_weights_via_disc --pool 30 --ctf --zero_mask --gpu \"\"",
				upstreamStar(upstream, "particles.star"),
				filepath.Join(job.OutputPath, "run"), params.ClassCount,
				paramOr(params, "particle_diameter", "200"))
		},
	},
}

// buildCommand renders the stage command for a job and reports its
// GPU and MPI requirements. MPI only applies to queued execution.
func buildCommand(stage models.StageType, sess *models.Session, job *models.Job, upstream []*models.Job, params Params) (string, bool, int) {
	spec, ok := commandTable[stage]
	if !ok {
		return "", false, 0
	}
	cmd := spec.render(sess, job, upstream, params)
	mpi := spec.mpiProcs
	if params.ExecutionMethod != models.ExecQueued {
		mpi = 0
	} else if mpi > 1 {
		cmd = fmt.Sprintf("mpirun -n %d %s", mpi, cmd)
	}
	return cmd, spec.gpu, mpi
}

// upstreamStar locates the named star file under the first upstream job
// that produced it. Falls back to the first upstream's output directory.
func upstreamStar(upstream []*models.Job, name string) string {
	if len(upstream) == 0 {
		return name
	}
	return filepath.Join(upstream[0].OutputPath, name)
}

// upstreamDir returns the output path of the upstream job of the given
// stage, or the first upstream when no stage matches.
func upstreamDir(upstream []*models.Job, stage models.StageType) string {
	for _, up := range upstream {
		if up.Type == stage {
			return up.OutputPath
		}
	}
	if len(upstream) > 0 {
		return upstream[0].OutputPath
	}
	return "."
}

func paramOr(params Params, key, fallback string) string {
	if v, ok := params.Values[key]; ok && v != "" {
		return v
	}
	return fallback
}
