package models

import "time"

// JobStatus is the canonical five-state job status. Backend-specific
// scheduler states are normalized into these by the scheduler adapter.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// ExecutionMethod selects how a job's command is executed.
type ExecutionMethod string

const (
	ExecDirect ExecutionMethod = "direct" // local process spawn
	ExecQueued ExecutionMethod = "queued" // batch queue submission
)

// PipelineStats is the uniform statistics record carried by every job.
// Fields that do not apply to a stage stay zero rather than absent, so
// downstream stages can inherit without caring about the producer type.
type PipelineStats struct {
	PixelSize           float64 `json:"pixelSize"` // Å/pixel at this stage
	Voltage             float64 `json:"voltage"`   // kV
	SphericalAberration float64 `json:"sphericalAberration"`
	AmplitudeContrast   float64 `json:"amplitudeContrast"`
	Binning             float64 `json:"binning"`      // MotionCorr binning factor
	BoxSize             int     `json:"boxSize"`      // Extract box, pixels
	RescaledSize        int     `json:"rescaledSize"` // Extract rescale target, pixels
	MicrographCount     int     `json:"micrographCount"`
	ParticleCount       int     `json:"particleCount"`
	ClassCount          int     `json:"classCount"`
}

// Job is one unit of scheduled work within a session's pass.
type Job struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"projectId"`
	SessionID       string            `json:"sessionId"`
	Name            string            `json:"name"` // unique within the project
	Seq             int               `json:"seq"`  // sequence number behind Name, 0 for fallback names
	Type            StageType         `json:"type"`
	Status          JobStatus         `json:"status"`
	ExecutionMethod ExecutionMethod   `json:"executionMethod"`
	SchedulerHandle string            `json:"schedulerHandle,omitempty"` // pid or queue job id
	InputJobIDs     []string          `json:"inputJobIds,omitempty"`     // upstream dependencies (DAG, not tree)
	OutputPath      string            `json:"outputPath"`
	Command         string            `json:"command"`
	GPU             bool              `json:"gpu"`
	MPIProcs        int               `json:"mpiProcs,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	PipelineStats   PipelineStats     `json:"pipelineStats"`

	// LegacyPixelSize is the pre-pipeline_stats field some persisted jobs
	// still carry. PipelineStats.PixelSize wins when both are set.
	LegacyPixelSize float64 `json:"pixelSize,omitempty"`

	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Duration returns wall time between start and end, zero if either is unset.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}

// EffectivePixelSize applies the precedence policy for the legacy field:
// pipeline_stats wins, the legacy job-level value is only a fallback.
func (j *Job) EffectivePixelSize() float64 {
	if j.PipelineStats.PixelSize > 0 {
		return j.PipelineStats.PixelSize
	}
	return j.LegacyPixelSize
}

// JobSummary is the read-only view of a job exposed through GetStats.
type JobSummary struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Type     StageType     `json:"type"`
	Status   JobStatus     `json:"status"`
	Duration time.Duration `json:"duration"`
	Stats    PipelineStats `json:"stats"`
	Error    string        `json:"error,omitempty"`
}

// Summary builds the dashboard view of the job.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:       j.ID,
		Name:     j.Name,
		Type:     j.Type,
		Status:   j.Status,
		Duration: j.Duration(),
		Stats:    j.PipelineStats,
		Error:    j.ErrorMessage,
	}
}
