package pipeline

import (
	"time"

	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/modes"
)

// Stage names an analysis pass.
type Stage string

const (
	StageBaseline Stage = "baseline"
	StageActive   Stage = "active"
)

// StageStatus is the outcome of one stage within a run.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Status is the outcome of a whole run.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusPartial means the baseline is valid but the active stage failed.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Inputs are everything a run reads. A run never looks at state outside them.
type Inputs struct {
	User      *backend.Image
	Model     *backend.Image
	Language  string
	Mode      modes.Mode
	ModeState modes.State
}

// StageOutcome records how a stage ended.
type StageOutcome struct {
	Status   StageStatus
	Result   *backend.Result
	Err      error
	Duration time.Duration
	// FromBaseline is set when the mode defines the active result as the
	// baseline result and no second call was made.
	FromBaseline bool
}

// Run is one orchestration from submission to completion.
type Run struct {
	ID         string
	Inputs     Inputs
	Baseline   StageOutcome
	Meta       *backend.Meta
	Active     StageOutcome
	Status     Status
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Latency is the wall time of the run.
func (r *Run) Latency() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
