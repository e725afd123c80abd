// Package pipeline runs the two-stage body analysis for one submission.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/connectivity"
	"github.com/example/chakshot/internal/logging"
	"github.com/example/chakshot/internal/modes"
)

// ConnectivityGate exposes the current backend availability.
type ConnectivityGate interface {
	Snapshot() connectivity.Snapshot
}

// Orchestrator dispatches the baseline stage and, when the mode asks for it,
// the active stage that consumes the baseline's ratio metadata.
type Orchestrator struct {
	backend backend.Client
	gate    ConnectivityGate
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(client backend.Client, gate ConnectivityGate, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		backend: client,
		gate:    gate,
		logger:  logger.Named("pipeline"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Run executes one submission. Missing images or an offline backend fail
// before any network call with a *ValidationError or *ConnectivityError and a
// nil run. A baseline failure returns the failed run together with its
// *StageError. An active-stage failure is recorded in the run, which is then
// partial, and the returned error is nil.
func (o *Orchestrator) Run(ctx context.Context, in Inputs) (*Run, error) {
	if err := validateInputs(in); err != nil {
		return nil, err
	}
	if snap := o.gate.Snapshot(); snap.State != connectivity.Online {
		return nil, &ConnectivityError{State: snap.State}
	}
	desc := modes.Describe(in.Mode)

	run := &Run{
		ID:        o.newID(),
		Inputs:    in,
		StartedAt: o.now(),
	}
	opLogger := logging.WithOperation(o.logger, "pipeline.run", run.ID).With(
		zap.String("mode", string(in.Mode)),
		zap.String("language", in.Language),
	)

	if !o.runBaseline(ctx, run, opLogger) {
		run.Active = StageOutcome{Status: StageSkipped}
		run.Status = StatusFailed
		run.Err = run.Baseline.Err
		run.FinishedAt = o.now()
		return run, run.Err
	}

	if !desc.RequiresSecondStage {
		alias := *run.Baseline.Result
		run.Active = StageOutcome{Status: StageSucceeded, Result: &alias, FromBaseline: true}
		run.Status = StatusSuccess
		run.FinishedAt = o.now()
		opLogger.Info("run completed", zap.String("status", string(run.Status)))
		return run, nil
	}

	if o.runActive(ctx, run, desc, opLogger) {
		run.Status = StatusSuccess
	} else {
		run.Status = StatusPartial
	}
	run.FinishedAt = o.now()
	opLogger.Info("run completed", zap.String("status", string(run.Status)))
	return run, nil
}

func (o *Orchestrator) runBaseline(ctx context.Context, run *Run, opLogger *zap.Logger) bool {
	in := run.Inputs
	started := o.now()
	resp, err := o.backend.ProcessBaseline(ctx, backend.BaselineRequest{
		User:     *in.User,
		Model:    *in.Model,
		Language: in.Language,
	})
	elapsed := o.now().Sub(started)
	if err != nil {
		wrapped := &StageError{Stage: StageBaseline, Err: logging.NewOperationError("pipeline.stage_baseline", run.ID, err)}
		opLogger.Error("baseline stage failed", zap.Error(wrapped))
		run.Baseline = StageOutcome{Status: StageFailed, Err: wrapped, Duration: elapsed}
		return false
	}

	result := resp.Baseline
	result.Image = normalizeImage(result.Image)
	meta := resp.Meta
	run.Baseline = StageOutcome{Status: StageSucceeded, Result: &result, Duration: elapsed}
	run.Meta = &meta
	opLogger.Info("baseline stage succeeded",
		zap.Float64("user_heads", result.Analysis.UserHeads),
		zap.Float64("model_heads", result.Analysis.ModelHeads),
		zap.Duration("elapsed", elapsed))
	return true
}

func (o *Orchestrator) runActive(ctx context.Context, run *Run, desc modes.Descriptor, opLogger *zap.Logger) bool {
	in := run.Inputs
	started := o.now()
	fail := func(err error) bool {
		wrapped := &StageError{Stage: StageActive, Err: logging.NewOperationError("pipeline.stage_active", run.ID, err)}
		opLogger.Error("active stage failed; baseline result kept", zap.Error(wrapped))
		run.Active = StageOutcome{Status: StageFailed, Err: wrapped, Duration: o.now().Sub(started)}
		return false
	}

	userRatios, err := marshalRatios(run.Meta.UserRatios)
	if err != nil {
		return fail(err)
	}
	modelRatios, err := marshalRatios(run.Meta.ModelRatios)
	if err != nil {
		return fail(err)
	}

	resp, err := o.backend.ProcessActive(ctx, backend.ActiveRequest{
		User:            *in.User,
		Model:           *in.Model,
		Mode:            desc.WireName,
		Language:        in.Language,
		ExtraFields:     desc.BuildExtraFields(in.ModeState),
		UserRatiosJSON:  userRatios,
		ModelRatiosJSON: modelRatios,
	})
	if err != nil {
		return fail(err)
	}

	result := resp.Active
	result.Image = normalizeImage(result.Image)
	run.Active = StageOutcome{Status: StageSucceeded, Result: &result, Duration: o.now().Sub(started)}
	opLogger.Info("active stage succeeded",
		zap.Bool("has_image", result.Image != nil),
		zap.Duration("elapsed", run.Active.Duration))
	return true
}

func validateInputs(in Inputs) error {
	if in.User == nil || len(in.User.Data) == 0 {
		return &ValidationError{Field: "user_image", Reason: "both photos are required"}
	}
	if in.Model == nil || len(in.Model.Data) == 0 {
		return &ValidationError{Field: "model_image", Reason: "both photos are required"}
	}
	return nil
}

// normalizeImage maps an absent or empty image to nil.
func normalizeImage(img []byte) []byte {
	if len(img) == 0 {
		return nil
	}
	return img
}

func marshalRatios(r backend.Ratios) (string, error) {
	if r == nil {
		r = backend.Ratios{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
