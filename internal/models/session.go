package models

import "time"

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Terminal reports whether the session can no longer transition.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionCompleted || s == SessionError
}

// InputMode selects how a session discovers its input movies.
type InputMode string

const (
	// InputWatch keeps polling the watch directory for new files.
	InputWatch InputMode = "watch"
	// InputExisting processes the files present at start, then completes.
	InputExisting InputMode = "existing"
)

// OpticsParams are the microscope parameters fixed at session creation.
type OpticsParams struct {
	PixelSize           float64 `json:"pixelSize"` // Å/pixel at the detector
	Voltage             float64 `json:"voltage"`   // kV
	SphericalAberration float64 `json:"sphericalAberration"`
	AmplitudeContrast   float64 `json:"amplitudeContrast"`
}

// ProcessingParams are the per-session stage parameters applied to every
// pass. Picking gates the AutoPick/Extract/Class2D tail of the chain.
type ProcessingParams struct {
	Binning        float64 `json:"binning"`
	PickingEnabled bool    `json:"pickingEnabled"`
	BoxSize        int     `json:"boxSize"`
	RescaledSize   int     `json:"rescaledSize"` // 0 disables rescaling
}

// Class2DConfig controls threshold-triggered 2D classification.
type Class2DConfig struct {
	Enabled           bool `json:"enabled"`
	ParticleThreshold int  `json:"particleThreshold"`
	ClassCount        int  `json:"classCount"`
}

// StageCounts holds cumulative per-stage output counts for a session.
type StageCounts struct {
	MoviesImported     int `json:"moviesImported"`
	MoviesMotion       int `json:"moviesMotion"`
	MoviesCtf          int `json:"moviesCtf"`
	MoviesPicked       int `json:"moviesPicked"`
	ParticlesExtracted int `json:"particlesExtracted"`
	Classes2D          int `json:"classes2d"`
}

// Pass is an immutable record of one completed stage-chain iteration.
// The counts are cumulative session totals at the moment the pass finished.
type Pass struct {
	Number      int         `json:"passNumber"`
	Counts      StageCounts `json:"counts"`
	CompletedAt time.Time   `json:"completedAt"`
}

// SessionState is the mutable progress snapshot of a session.
type SessionState struct {
	CurrentStage StageType   `json:"currentStage,omitempty"`
	Counts       StageCounts `json:"counts"`
	PassCount    int         `json:"passCount"`
	LastPassAt   time.Time   `json:"lastPassAt,omitzero"`

	// Class2DWatermark is the cumulative extracted-particle count at the
	// last Class2D submission. Class2D re-triggers only when particles
	// accumulated since then cross the configured threshold again.
	Class2DWatermark int `json:"class2dWatermark"`

	Error string `json:"error,omitempty"`
}

// Session is one continuous watch-and-process run. It is created once,
// mutated only by the session state machine, and never deleted -- it can
// only transition to a terminal status.
type Session struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"projectId"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	InputMode      InputMode     `json:"inputMode"`
	WatchDirectory string        `json:"watchDirectory"`
	FilePattern    string        `json:"filePattern"`
	Optics         OpticsParams  `json:"optics"`

	// Jobs maps stage key ("import", "motioncorr", ...) to the latest
	// job id produced for that stage.
	Jobs map[string]string `json:"jobs"`

	Processing  ProcessingParams `json:"processing"`
	Class2D     Class2DConfig    `json:"class2dConfig"`
	State       SessionState     `json:"state"`
	PassHistory []Pass           `json:"passHistory"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to read-only consumers.
func (s *Session) Clone() *Session {
	out := *s
	out.Jobs = make(map[string]string, len(s.Jobs))
	for k, v := range s.Jobs {
		out.Jobs[k] = v
	}
	out.PassHistory = make([]Pass, len(s.PassHistory))
	copy(out.PassHistory, s.PassHistory)
	return &out
}
