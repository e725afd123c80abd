package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/connectivity"
	"github.com/example/chakshot/internal/logging"
	"github.com/example/chakshot/internal/modes"
	"github.com/example/chakshot/internal/pipeline"
	"github.com/example/chakshot/internal/repository"
	"github.com/example/chakshot/internal/results"
	"github.com/example/chakshot/internal/retry"
	"github.com/example/chakshot/internal/session"
)

var (
	// ErrNoView is returned when the session has nothing to display.
	ErrNoView = errors.New("no result to display")
	// ErrNoVisual is returned when an export is requested for a card without an image.
	ErrNoVisual = errors.New("result has no image")
	// ErrRunNotFound is returned for unknown or foreign run ids.
	ErrRunNotFound = errors.New("run not found")
)

// RunRepository defines the persistence operations needed by the use case.
type RunRepository interface {
	SaveLog(ctx context.Context, log *repository.RunLog) error
	FindByRunIDAndSubject(ctx context.Context, runID, subject string) (*repository.RunLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Orchestrator runs one submission.
type Orchestrator interface {
	Run(ctx context.Context, in pipeline.Inputs) (*pipeline.Run, error)
}

// Monitor is the connectivity surface the use case exposes.
type Monitor interface {
	Snapshot() connectivity.Snapshot
	ManualRefresh(ctx context.Context) connectivity.Snapshot
}

// VersionSource reports the backend version.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// Options carries the settings the use case needs.
type Options struct {
	DefaultLanguage    string
	SupportedLanguages []string
	ClientVersion      string
	ResultTTL          time.Duration
}

// SubmitRequest is a user's request to analyze the current images.
type SubmitRequest struct {
	Mode     string
	Flow     string
	Language string
}

// VersionStatus compares the client and backend versions.
type VersionStatus struct {
	Client   string `json:"client"`
	Server   string `json:"server"`
	Mismatch bool   `json:"mismatch"`
}

// RunSummary is the persisted record of a run.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Mode           string    `json:"mode"`
	Language       string    `json:"language"`
	Status         string    `json:"status"`
	BaselineStatus string    `json:"baseline_status"`
	ActiveStatus   string    `json:"active_status"`
	Error          string    `json:"error,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunRecord is what GetRun returns: the full view while it is cached, and
// the stored summary afterwards.
type RunRecord struct {
	RunID   string        `json:"run_id"`
	View    *results.View `json:"view,omitempty"`
	Summary *RunSummary   `json:"summary,omitempty"`
}

type cachedRun struct {
	Subject string        `json:"subject"`
	View    *results.View `json:"view"`
}

// AnalysisUseCase ties sessions, the orchestrator, the aggregator and the
// supporting stores together.
type AnalysisUseCase struct {
	sessions     *session.Store
	orchestrator Orchestrator
	monitor      Monitor
	versions     VersionSource
	cache        Cache
	repo         RunRepository
	logger       *zap.Logger
	opts         Options
	retryPolicy  retry.Policy
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(sessions *session.Store, orchestrator Orchestrator, monitor Monitor, versions VersionSource, cache Cache, repo RunRepository, logger *zap.Logger, opts Options) *AnalysisUseCase {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	return &AnalysisUseCase{
		sessions:     sessions,
		orchestrator: orchestrator,
		monitor:      monitor,
		versions:     versions,
		cache:        cache,
		repo:         repo,
		logger:       logger.Named("analysis_usecase"),
		opts:         opts,
		retryPolicy:  retry.DefaultPolicy,
	}
}

// UploadImage captures an image for the subject's session and invalidates
// any displayed result.
func (uc *AnalysisUseCase) UploadImage(subject string, role session.Role, img *backend.Image) {
	uc.sessions.Get(subject).SetImage(role, img)
	uc.logger.Debug("image captured",
		zap.String("subject", subject),
		zap.String("role", string(role)),
		zap.Int("bytes", len(img.Data)))
}

// Submit runs the pipeline on the session's current images. Validation and
// connectivity failures return a nil view. A baseline failure returns the
// failed view together with the stage error.
func (uc *AnalysisUseCase) Submit(ctx context.Context, subject string, req SubmitRequest) (*results.View, error) {
	mode, err := modes.Parse(req.Mode)
	if err != nil {
		return nil, &pipeline.ValidationError{Field: "mode", Reason: err.Error()}
	}
	flow, err := modes.ParseFlow(req.Flow)
	if err != nil {
		return nil, &pipeline.ValidationError{Field: "flow", Reason: err.Error()}
	}
	lang, err := uc.resolveLanguage(req.Language)
	if err != nil {
		return nil, err
	}

	sess := uc.sessions.Get(subject)
	ticket, err := sess.Begin()
	if err != nil {
		return nil, err
	}
	run, runErr := uc.orchestrator.Run(ctx, pipeline.Inputs{
		User:      ticket.User,
		Model:     ticket.Model,
		Language:  lang,
		Mode:      mode,
		ModeState: modes.State{Flow: flow},
	})
	if run == nil {
		return nil, runErr
	}

	view := results.Aggregate(run)
	if !sess.Apply(ticket.Seq, view) {
		view.Superseded = true
		logging.WithOperation(uc.logger, "usecase.submit", run.ID).Info("discarding superseded run result")
	}
	uc.record(ctx, subject, run, view)
	return view, runErr
}

// CurrentView returns the view displayed for subject.
func (uc *AnalysisUseCase) CurrentView(subject string) (*results.View, error) {
	view := uc.sessions.Get(subject).View()
	if view == nil {
		return nil, ErrNoView
	}
	return view, nil
}

// Export returns the filename and image bytes for a card of the displayed view.
func (uc *AnalysisUseCase) Export(subject string, stage pipeline.Stage) (string, []byte, error) {
	view, err := uc.CurrentView(subject)
	if err != nil {
		return "", nil, err
	}
	var card results.StageView
	switch stage {
	case pipeline.StageBaseline:
		card = view.Baseline
	case pipeline.StageActive:
		card = view.Active
	default:
		return "", nil, &pipeline.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	if !results.HasVisual(card.Result) {
		return "", nil, ErrNoVisual
	}
	return results.DeriveExportName("chakshot-"+string(stage), view.CompletedAt), card.Result.Image, nil
}

// GetRun returns a run owned by subject from the cache, or its stored summary.
func (uc *AnalysisUseCase) GetRun(ctx context.Context, subject, runID string) (*RunRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_run", runID)
	var (
		raw  string
		miss bool
	)
	err := retry.Do(ctx, uc.logger, uc.retryPolicy, "cache.get.run", runID, func() error {
		value, err := uc.cache.Get(ctx, runCacheKey(runID))
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	switch {
	case err == nil && miss:
	case err == nil:
		var payload cachedRun
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			opLogger.Warn("failed to decode cached run", zap.Error(err))
		} else if payload.Subject == subject && payload.View != nil {
			return &RunRecord{RunID: runID, View: payload.View}, nil
		} else {
			return nil, ErrRunNotFound
		}
	default:
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRunIDAndSubject(ctx, runID, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunNotFound, err)
	}
	return &RunRecord{RunID: runID, Summary: &RunSummary{
		RunID:          log.RunID,
		Mode:           log.Mode,
		Language:       log.Language,
		Status:         log.Status,
		BaselineStatus: log.BaselineStatus,
		ActiveStatus:   log.ActiveStatus,
		Error:          log.Error,
		LatencyMs:      log.LatencyMs,
		CreatedAt:      log.CreatedAt,
	}}, nil
}

// Connectivity returns the current backend availability.
func (uc *AnalysisUseCase) Connectivity() connectivity.Snapshot {
	return uc.monitor.Snapshot()
}

// RefreshConnectivity forces an immediate liveness probe.
func (uc *AnalysisUseCase) RefreshConnectivity(ctx context.Context) connectivity.Snapshot {
	return uc.monitor.ManualRefresh(ctx)
}

// CheckVersion compares the backend version with the client's. A mismatch is
// informational and does not produce an error.
func (uc *AnalysisUseCase) CheckVersion(ctx context.Context) (*VersionStatus, error) {
	server, err := uc.versions.Version(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.check_version", "", err)
	}
	status := &VersionStatus{
		Client:   uc.opts.ClientVersion,
		Server:   server,
		Mismatch: strings.TrimSpace(server) != strings.TrimSpace(uc.opts.ClientVersion),
	}
	if status.Mismatch {
		uc.logger.Warn("backend version differs from client",
			zap.String("client_version", status.Client),
			zap.String("server_version", status.Server))
	}
	return status, nil
}

func (uc *AnalysisUseCase) resolveLanguage(lang string) (string, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return uc.opts.DefaultLanguage, nil
	}
	if len(uc.opts.SupportedLanguages) == 0 {
		return lang, nil
	}
	for _, l := range uc.opts.SupportedLanguages {
		if strings.EqualFold(l, lang) {
			return lang, nil
		}
	}
	return "", &pipeline.ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", lang)}
}

// record caches the view and stores the run summary. Neither failure affects
// the run.
func (uc *AnalysisUseCase) record(ctx context.Context, subject string, run *pipeline.Run, view *results.View) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", run.ID)

	serialized, err := json.Marshal(cachedRun{Subject: subject, View: view})
	if err != nil {
		opLogger.Warn("failed to serialize run view", zap.Error(err))
	} else if err := retry.Do(ctx, uc.logger, uc.retryPolicy, "cache.set.run", run.ID, func() error {
		return uc.cache.Set(ctx, runCacheKey(run.ID), string(serialized), uc.opts.ResultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache run view", zap.Error(err))
	}

	log := &repository.RunLog{
		RunID:          run.ID,
		Subject:        subject,
		Mode:           string(run.Inputs.Mode),
		Language:       run.Inputs.Language,
		Status:         string(run.Status),
		BaselineStatus: string(run.Baseline.Status),
		ActiveStatus:   string(run.Active.Status),
		LatencyMs:      run.Latency().Milliseconds(),
		CreatedAt:      run.StartedAt.UTC(),
	}
	if run.Err != nil {
		log.Error = run.Err.Error()
	} else if run.Active.Err != nil {
		log.Error = run.Active.Err.Error()
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist run log", zap.Error(err))
	}
}
