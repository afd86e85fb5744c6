package fitd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/fitting"
	"github.com/welltest-lab/fitting-core/internal/metrics"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

var (
	ErrRunNotFound  = errors.New("fit run not found")
	ErrRunExists    = errors.New("fit run already exists")
	ErrRunTerminal  = errors.New("fit run is terminal")
	ErrRunActive    = errors.New("fit run is already running")
	ErrRunIDMissing = errors.New("fit_id is required")
	ErrDatasetBusy  = errors.New("another fit is active for this dataset and model")
)

const defaultUpdateBuffer = 64

var (
	errStopRequested = errors.New("stop requested")
	errShuttingDown  = errors.New("service shutting down")
)

// RunExecutor runs fits in the background, one goroutine per run, with
// per-run cancellation. At most one fit is active per dataset/model
// fingerprint.
type RunExecutor struct {
	store    *RunStore
	registry *reservoir.Registry

	options      fitting.Options
	updateBuffer int
	archive      archive.Archive
	codec        archive.Codec
	notifier     *Notifier
	metrics      *metrics.Collector
	log          *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	done    map[string]chan struct{} // closed once the run goroutine exits
	active  map[uint64]string        // fingerprint -> fit id
	wg      sync.WaitGroup
}

// ExecutorOption configures a RunExecutor.
type ExecutorOption func(*RunExecutor)

// WithFitOptions sets the optimizer defaults that requests override.
func WithFitOptions(o fitting.Options) ExecutorOption {
	return func(e *RunExecutor) { e.options = o }
}

// WithUpdateBuffer sets the per-run iteration update channel capacity.
func WithUpdateBuffer(n int) ExecutorOption {
	return func(e *RunExecutor) {
		if n >= 0 {
			e.updateBuffer = n
		}
	}
}

// WithArchive archives every completed fit into a, payloads encoded by codec.
func WithArchive(a archive.Archive, codec archive.Codec) ExecutorOption {
	return func(e *RunExecutor) {
		e.archive = a
		e.codec = codec
	}
}

// WithNotifier posts terminal runs to their callback URL.
func WithNotifier(n *Notifier) ExecutorOption {
	return func(e *RunExecutor) { e.notifier = n }
}

// WithMetrics records per-fit measurements into c.
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *RunExecutor) {
		if c != nil {
			e.metrics = c
		}
	}
}

// WithExecutorLogger sets the logger. Defaults to logger.Default.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *RunExecutor) { e.log = l }
}

func NewRunExecutor(store *RunStore, registry *reservoir.Registry, opts ...ExecutorOption) *RunExecutor {
	e := &RunExecutor{
		store:        store,
		registry:     registry,
		options:      fitting.DefaultOptions(),
		updateBuffer: defaultUpdateBuffer,
		codec:        archive.NoopCodec{},
		metrics:      metrics.NewCollector(0),
		cancels:      make(map[string]context.CancelCauseFunc),
		done:         make(map[string]chan struct{}),
		active:       make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RunExecutor) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return logger.Default
}

// Registry returns the model registry fits are resolved against.
func (e *RunExecutor) Registry() *reservoir.Registry {
	return e.registry
}

// Archive returns the configured archive, or nil.
func (e *RunExecutor) Archive() archive.Archive {
	return e.archive
}

// Metrics returns the collector fit measurements are recorded into.
func (e *RunExecutor) Metrics() *metrics.Collector {
	return e.metrics
}

// Create validates req against the registry and stores a PENDING run.
// Parameters the request omits take the model defaults.
func (e *RunExecutor) Create(fitID string, req *models.FitRequest) (*FitRecord, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", models.ErrInvalidRequest)
	}
	model, err := e.registry.Get(req.Model)
	if err != nil {
		return nil, err
	}
	params, err := model.Resolve(req.Parameters)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Parameters = params
	resolved.Data = *req.Data.Clone()
	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	if resolved.CallbackURL != "" {
		if err := ValidateCallbackURL(resolved.CallbackURL); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}
	}
	return e.store.Create(fitID, &resolved)
}

// CreateAndStart creates a run and starts it. When the start is refused the
// new run is removed again, so a failed call leaves nothing behind.
func (e *RunExecutor) CreateAndStart(fitID string, req *models.FitRequest) (*FitRecord, error) {
	rec, err := e.Create(fitID, req)
	if err != nil {
		return nil, err
	}
	started, err := e.Start(rec.Run.ID)
	if err != nil {
		if rmErr := e.store.Remove(rec.Run.ID); rmErr != nil {
			e.logger().Warn("failed to remove unstarted fit", "fit_id", rec.Run.ID, "error", rmErr)
		}
		return nil, err
	}
	return started, nil
}

// Start begins executing a run asynchronously and returns it RUNNING.
// Starting a running fit is a no-op.
func (e *RunExecutor) Start(fitID string) (*FitRecord, error) {
	if fitID == "" {
		return nil, ErrRunIDMissing
	}

	rec, ok := e.store.Get(fitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	if rec.Run.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrRunTerminal, fitID)
	}

	e.mu.Lock()
	if _, running := e.cancels[fitID]; running {
		e.mu.Unlock()
		return e.current(fitID)
	}
	if owner, busy := e.active[rec.Fingerprint]; busy && owner != fitID {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: fit %s holds it", ErrDatasetBusy, owner)
	}
	updated, err := e.store.SetStatus(fitID, RunStatusRunning, "")
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, ErrRunActive) {
			return e.current(fitID)
		}
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	e.active[rec.Fingerprint] = fitID
	e.cancels[fitID] = cancel
	e.done[fitID] = make(chan struct{})
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runFit(ctx, updated)
	return updated, nil
}

func (e *RunExecutor) current(fitID string) (*FitRecord, error) {
	rec, ok := e.store.Get(fitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	return rec, nil
}

// Stop cancels a run. A pending run is cancelled at once. For a running run
// Stop waits for its goroutine, which stores the last accepted state before
// marking the run CANCELLED. Stopping a finished run returns ErrRunTerminal.
func (e *RunExecutor) Stop(fitID string) (*FitRecord, error) {
	if fitID == "" {
		return nil, ErrRunIDMissing
	}
	rec, found := e.store.Get(fitID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, fitID)
	}
	if rec.Run.Status == RunStatusCancelled {
		return rec, nil
	}

	e.mu.Lock()
	cancel, running := e.cancels[fitID]
	if running {
		done := e.done[fitID]
		e.mu.Unlock()
		cancel(errStopRequested)
		<-done
		return e.current(fitID)
	}
	// Holding mu keeps a concurrent Start from launching the run meanwhile.
	updated, err := e.store.SetStatus(fitID, RunStatusCancelled, "")
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.notify(updated)
	return updated, nil
}

// Wait blocks until every started fit has finished.
func (e *RunExecutor) Wait() {
	e.wg.Wait()
}

// Shutdown cancels all active fits and waits for them, or for ctx. Runs
// still going when ctx ends are marked CANCELLED.
func (e *RunExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.cancels))
	for id, cancel := range e.cancels {
		cancel(errShuttingDown)
		ids = append(ids, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, id := range ids {
			if _, err := e.store.SetStatus(id, RunStatusCancelled, errShuttingDown.Error()); err != nil && !errors.Is(err, ErrRunTerminal) {
				e.logger().Warn("failed to cancel fit on shutdown", "fit_id", id, "error", err)
			}
		}
		return ctx.Err()
	}
	if e.notifier != nil {
		e.notifier.Wait()
	}
	return nil
}

func (e *RunExecutor) cleanup(rec *FitRecord) {
	e.mu.Lock()
	if cancel, ok := e.cancels[rec.Run.ID]; ok {
		cancel(nil)
		delete(e.cancels, rec.Run.ID)
	}
	if done, ok := e.done[rec.Run.ID]; ok {
		close(done)
		delete(e.done, rec.Run.ID)
	}
	if e.active[rec.Fingerprint] == rec.Run.ID {
		delete(e.active, rec.Fingerprint)
	}
	e.mu.Unlock()
	e.wg.Done()
}

func (e *RunExecutor) runFit(ctx context.Context, rec *FitRecord) {
	defer e.cleanup(rec)

	fitID := rec.Run.ID
	log := e.logger().With("fit_id", fitID, "model", rec.Request.Model)

	model, err := e.registry.Get(rec.Request.Model)
	if err != nil {
		e.fail(fitID, err)
		return
	}

	updates := make(chan models.IterationUpdate, e.updateBuffer)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for u := range updates {
			if err := e.store.AppendUpdate(fitID, u); err != nil {
				log.Warn("failed to record iteration", "iteration", u.Iteration, "error", err)
			}
		}
	}()

	optimizer := fitting.NewOptimizer(e.options.WithRequest(rec.Request)).
		WithLogger(log).
		WithUpdates(updates)

	log.Info("starting fit", "samples", rec.Request.Data.Len(), "parameters", len(rec.Request.Parameters))
	start := time.Now()
	state, err := optimizer.Run(ctx, &rec.Request.Data, rec.Request.Parameters, model.Function)
	close(updates)
	<-drained
	if err != nil {
		metrics.RecordFailure(e.metrics, rec.Request.Model)
		e.fail(fitID, err)
		return
	}
	metrics.RecordFit(e.metrics, rec.Request.Model, state, time.Since(start))

	if err := e.store.SetState(fitID, state); err != nil {
		log.Error("failed to store fit state", "error", err)
	}

	// The terminal status follows SetState so readers never see a finished
	// run without its state. A stop that arrives while the optimizer is
	// finishing still wins.
	status, msg := RunStatusCompleted, ""
	if state.Status == models.FitStatusCancelled || ctx.Err() != nil {
		status = RunStatusCancelled
		if errors.Is(context.Cause(ctx), errShuttingDown) {
			msg = errShuttingDown.Error()
		}
	}
	final, err := e.store.SetStatus(fitID, status, msg)
	if err != nil {
		if !errors.Is(err, ErrRunTerminal) {
			log.Error("failed to set final status", "error", err)
			return
		}
		final, _ = e.store.Get(fitID)
	}
	log.Info("fit finished",
		"status", final.Run.Status,
		"outcome", state.Status,
		"iterations", state.Iteration,
		"sse", state.SSE,
		"elapsed", time.Since(start))

	if final.Run.Status == RunStatusCompleted {
		e.archiveRecord(ctx, final)
	}
	e.notify(final)
}

func (e *RunExecutor) fail(fitID string, cause error) {
	e.logger().Error("fit failed", "fit_id", fitID, "error", cause)
	rec, err := e.store.SetStatus(fitID, RunStatusFailed, cause.Error())
	if err != nil {
		if !errors.Is(err, ErrRunTerminal) {
			e.logger().Error("failed to set failed status", "fit_id", fitID, "error", err)
		}
		return
	}
	e.notify(rec)
}

func (e *RunExecutor) notify(rec *FitRecord) {
	if e.notifier != nil {
		e.notifier.Notify(rec)
	}
}

// AnalysisFor builds the persisted analysis of a run.
func AnalysisFor(rec *FitRecord) *archive.Analysis {
	a := &archive.Analysis{
		Name:       rec.Request.AnalysisName,
		ModelType:  rec.Request.Model,
		Parameters: rec.Request.Parameters.Clone(),
		Observed:   rec.Request.Data.Clone(),
		Result:     rec.State.Clone(),
		FitID:      rec.Run.ID,
		UpdatedAt:  time.UnixMilli(rec.Run.CreatedAtUnixMs).UTC(),
	}
	if rec.Run.EndedAtUnixMs > 0 {
		a.UpdatedAt = time.UnixMilli(rec.Run.EndedAtUnixMs).UTC()
	}
	if a.Name == "" {
		a.Name = rec.Run.ID
	}
	if rec.Request.DerivativeWeight != nil {
		a.DerivativeWeight = *rec.Request.DerivativeWeight
	}
	if rec.Request.SmoothingWindow != nil {
		a.SmoothingWindow = *rec.Request.SmoothingWindow
	}
	return a
}

func (e *RunExecutor) archiveRecord(ctx context.Context, rec *FitRecord) {
	if e.archive == nil {
		return
	}
	entry, err := archive.NewRecord(rec.Run.ID, AnalysisFor(rec), e.codec)
	if err != nil {
		e.logger().Error("failed to encode archive record", "fit_id", rec.Run.ID, "error", err)
		return
	}
	// Detached from the fit's cancellation.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.archive.Put(putCtx, entry); err != nil {
		e.logger().Error("failed to archive fit", "fit_id", rec.Run.ID, "error", err)
		return
	}
	e.logger().Debug("fit archived", "fit_id", rec.Run.ID, "codec", entry.Codec, "bytes", len(entry.Payload))
}
