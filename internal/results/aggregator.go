// Package results turns finished pipeline runs into presentation-ready views.
package results

import (
	"time"

	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/pipeline"
)

// StageView is one result card.
type StageView struct {
	Status pipeline.StageStatus `json:"status"`
	Result *backend.Result      `json:"result,omitempty"`
	// HasVisual is false both for text-only results and for missing results.
	HasVisual bool   `json:"has_visual"`
	Error     string `json:"error,omitempty"`
}

// View is what the presentation layer renders for a run.
type View struct {
	RunID    string          `json:"run_id"`
	Status   pipeline.Status `json:"status"`
	Mode     string          `json:"mode"`
	Language string          `json:"language"`
	Baseline StageView       `json:"baseline"`
	Active   StageView       `json:"active"`
	// ActiveFromBaseline marks modes whose active card shows the baseline.
	ActiveFromBaseline bool `json:"active_from_baseline"`
	// ActiveUnavailable is set when the active stage failed. It is distinct
	// from ActiveTextOnly, which is a successful result without an image.
	ActiveUnavailable bool `json:"active_unavailable"`
	ActiveTextOnly    bool `json:"active_text_only"`
	// Superseded is set when a newer run or upload replaced this run before
	// it finished. Superseded views are never displayed.
	Superseded  bool      `json:"superseded"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// HasVisual reports whether result carries an image.
func HasVisual(result *backend.Result) bool {
	return result != nil && result.Image != nil
}

// Aggregate builds the view for run. It only reads the run.
func Aggregate(run *pipeline.Run) *View {
	view := &View{
		RunID:              run.ID,
		Status:             run.Status,
		Mode:               string(run.Inputs.Mode),
		Language:           run.Inputs.Language,
		Baseline:           stageView(run.Baseline),
		Active:             stageView(run.Active),
		ActiveFromBaseline: run.Active.FromBaseline,
		LatencyMs:          run.Latency().Milliseconds(),
		CompletedAt:        run.FinishedAt,
	}
	view.ActiveUnavailable = run.Active.Status == pipeline.StageFailed
	view.ActiveTextOnly = run.Active.Status == pipeline.StageSucceeded && !HasVisual(run.Active.Result)
	if run.Err != nil {
		view.Error = run.Err.Error()
	}
	return view
}

func stageView(outcome pipeline.StageOutcome) StageView {
	sv := StageView{
		Status:    outcome.Status,
		Result:    outcome.Result,
		HasVisual: HasVisual(outcome.Result),
	}
	if outcome.Err != nil {
		sv.Error = outcome.Err.Error()
	}
	return sv
}
