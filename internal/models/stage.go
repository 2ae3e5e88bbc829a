// Package models defines data structures shared across the cryoprocess core.
package models

// StageType identifies a pipeline stage. The values double as directory
// names under the project root, so they are capitalized RELION-style.
type StageType string

const (
	StageImport     StageType = "Import"
	StageMotionCorr StageType = "MotionCorr"
	StageCtfFind    StageType = "CtfFind"
	StageAutoPick   StageType = "AutoPick"
	StageExtract    StageType = "Extract"
	StageClass2D    StageType = "Class2D"
)

// StageOrder lists the stages in pipeline execution order.
var StageOrder = []StageType{
	StageImport,
	StageMotionCorr,
	StageCtfFind,
	StageAutoPick,
	StageExtract,
	StageClass2D,
}

// Key returns the lower-case stage key used in a session's jobs map.
func (s StageType) Key() string {
	switch s {
	case StageImport:
		return "import"
	case StageMotionCorr:
		return "motioncorr"
	case StageCtfFind:
		return "ctffind"
	case StageAutoPick:
		return "autopick"
	case StageExtract:
		return "extract"
	case StageClass2D:
		return "class2d"
	default:
		return string(s)
	}
}

// Valid reports whether the stage is one of the known pipeline stages.
func (s StageType) Valid() bool {
	for _, known := range StageOrder {
		if s == known {
			return true
		}
	}
	return false
}
