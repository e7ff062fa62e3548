package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/lyzr/analyzer/cmd/analyzer-worker/deadletter"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/delivery"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/stager"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/tool"
	"github.com/lyzr/analyzer/common/jobstore"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/queue"
	"github.com/lyzr/analyzer/common/retry"
	"github.com/lyzr/analyzer/common/sarif"
	"github.com/lyzr/analyzer/common/telemetry"
)

// detachedTimeout bounds queue and store calls made after the attempt context is gone
const detachedTimeout = 5 * time.Second

// Stager downloads a manifest into a directory
type Stager interface {
	Stage(ctx context.Context, manifest models.Manifest, workdir string) (map[string][]string, error)
}

// Deliverer posts a result document to a callback
type Deliverer interface {
	Deliver(ctx context.Context, target delivery.Target, payload []byte) (int, error)
}

// Config bounds one job attempt
type Config struct {
	ScratchDir     string
	MaxAttempts    int
	RetryBackoff   retry.Backoff
	Lease          time.Duration
	StagingTimeout time.Duration
	ToolTimeout    time.Duration

	// Send a failure-flavored result when a job fails before delivery
	NotifyFailure bool

	// Callback attempts allowed over the life of a job, across redeliveries.
	// Zero leaves the bound to the Deliverer.
	MaxDeliveryAttempts int
}

// Deps are the collaborators an Executor drives
type Deps struct {
	Queue     queue.JobQueue
	Store     jobstore.Store
	Stager    Stager
	Analyzer  tool.Analyzer
	Builder   *sarif.Builder
	Deliverer Deliverer
	Sink      deadletter.Sink
	Telemetry *telemetry.Telemetry
}

// Executor runs one claimed job through staging, analysis, reporting and delivery
type Executor struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	now  func() time.Time
}

// New creates an executor
func New(cfg Config, deps Deps, log *logger.Logger) *Executor {
	return &Executor{
		cfg:  cfg,
		deps: deps,
		log:  log.WithComponent("executor"),
		now:  time.Now,
	}
}

// attempt carries the state of one claim of one job
type attempt struct {
	d     *queue.Delivery
	job   *models.Job
	rec   *models.JobRecord
	phase models.Phase
	log   *logger.Logger
}

// Process drives a claimed job to its next resting point: acked (delivered, failed or
// already terminal) or nacked for retry. The returned error only reports queue or store
// failures; job failures are recorded, not returned.
func (e *Executor) Process(ctx context.Context, d *queue.Delivery) (err error) {
	job := d.Job
	log := e.log.WithJobID(job.JobID, job.Request.AssetID)

	rec, err := e.deps.Store.Get(ctx, job.JobID)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		rec = &models.JobRecord{
			JobID:        job.JobID,
			AssetID:      job.Request.AssetID,
			State:        models.JobPending,
			AttemptCount: job.AttemptCount,
		}
	case err != nil:
		log.Error("job store unavailable, returning job", "error", err)
		return e.nack(ctx, d, e.cfg.RetryBackoff.Delay(1))
	}

	if rec.State.IsTerminal() {
		log.Info("job already terminal, acknowledging redelivery", "state", rec.State)
		return e.deps.Queue.Ack(ctx, d)
	}

	// The record survives a lost nack; trust whichever count is higher
	if rec.AttemptCount > job.AttemptCount {
		job.AttemptCount = rec.AttemptCount
	}
	job.State = models.JobPending

	a := &attempt{d: d, job: job, rec: rec, phase: models.PhaseStaging, log: log}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "panic", r, "stack", string(debug.Stack()))
			err = e.phaseFailed(ctx, a, fmt.Errorf("panic: %v", r))
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, d, log)

	if len(rec.Payload) > 0 {
		log.Info("resuming delivery of stored result", "payload_digest", rec.PayloadDigest)
		a.phase = models.PhaseReporting
		if err := e.advance(ctx, a, models.JobReporting); err != nil {
			return e.phaseFailed(ctx, a, err)
		}
		return e.deliver(ctx, a, rec.Payload)
	}

	log.Info("processing job", "attempt", job.AttemptCount+1, "max_attempts", e.cfg.MaxAttempts)

	workdir := filepath.Join(e.cfg.ScratchDir, job.JobID)
	if err := freshDir(workdir); err != nil {
		return e.phaseFailed(ctx, a, &stager.StagingError{Kind: stager.KindIOError, Err: err})
	}
	defer e.removeScratch(workdir, log)

	// Staging
	if err := e.advance(ctx, a, models.JobStaging); err != nil {
		return e.phaseFailed(ctx, a, err)
	}
	staged, err := e.stage(ctx, job, workdir)
	if err != nil {
		return e.phaseFailed(ctx, a, err)
	}

	// Analyzing
	a.phase = models.PhaseAnalyzing
	if err := e.advance(ctx, a, models.JobAnalyzing); err != nil {
		return e.phaseFailed(ctx, a, err)
	}
	findings, err := e.analyze(ctx, workdir, staged)
	if err != nil {
		return e.phaseFailed(ctx, a, err)
	}

	// Reporting
	a.phase = models.PhaseReporting
	if err := e.advance(ctx, a, models.JobReporting); err != nil {
		return e.phaseFailed(ctx, a, err)
	}
	payload, err := e.report(ctx, a, findings)
	if err != nil {
		return e.phaseFailed(ctx, a, err)
	}

	return e.deliver(ctx, a, payload)
}

func (e *Executor) stage(ctx context.Context, job *models.Job, workdir string) (map[string][]string, error) {
	defer e.deps.Telemetry.RecordDuration("staging", time.Now())

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StagingTimeout)
	defer cancel()

	return e.deps.Stager.Stage(ctx, job.Request.ArtifactManifest, workdir)
}

func (e *Executor) analyze(ctx context.Context, workdir string, staged map[string][]string) ([]models.Finding, error) {
	defer e.deps.Telemetry.RecordDuration("analyzing", time.Now())

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	findings, err := e.deps.Analyzer.Analyze(ctx, workdir, staged)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var terr *tool.ToolError
		if !errors.As(err, &terr) {
			err = &tool.ToolError{Tool: "analyzer", Kind: tool.KindTimeout, Err: err}
		}
	}
	return findings, err
}

// report builds the result document and stores it. If an earlier attempt already stored
// one, that document wins and is what gets delivered.
func (e *Executor) report(ctx context.Context, a *attempt, findings []models.Finding) ([]byte, error) {
	defer e.deps.Telemetry.RecordDuration("reporting", time.Now())

	doc := e.deps.Builder.Build(sarif.RunContext{
		JobID:         a.job.JobID,
		AssetID:       a.job.Request.AssetID,
		AssetMetadata: a.job.Request.AssetMetadata,
	}, findings)

	payload, err := sarif.Marshal(doc)
	if err != nil {
		return nil, err
	}

	canonical, digest, err := e.deps.Store.SavePayload(ctx, a.job.JobID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to store result: %w", err)
	}
	a.rec.PayloadDigest = digest

	a.log.Info("result ready", "findings", len(findings), "payload_digest", digest, "bytes", len(canonical))
	return canonical, nil
}

// deliver sends the canonical payload and settles the job
func (e *Executor) deliver(ctx context.Context, a *attempt, payload []byte) error {
	a.phase = models.PhaseDelivery
	target := e.target(a.job)

	if e.cfg.MaxDeliveryAttempts > 0 {
		remaining := e.cfg.MaxDeliveryAttempts - a.rec.DeliveryAttempts
		if remaining <= 0 {
			a.rec.FailedPhase = models.PhaseDelivery
			a.rec.LastError = fmt.Sprintf("callback delivery budget spent: %d of %d attempts used",
				a.rec.DeliveryAttempts, e.cfg.MaxDeliveryAttempts)
			return e.fail(ctx, a, "delivery_exhausted")
		}
		target.MaxAttempts = remaining
	}

	start := time.Now()
	attempts, err := e.deps.Deliverer.Deliver(ctx, target, payload)
	e.deps.Telemetry.RecordDuration("delivery", start)
	a.rec.DeliveryAttempts += attempts

	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(a)
		}
		a.rec.FailedPhase = models.PhaseDelivery
		a.rec.LastError = err.Error()
		return e.fail(ctx, a, "delivery_exhausted")
	}

	if err := e.advance(ctx, a, models.JobDelivered); err != nil {
		a.log.Error("failed to record delivery", "error", err)
	}

	a.log.Info("job delivered", "delivery_attempts", attempts)
	e.deps.Telemetry.RecordEvent("job_delivered", map[string]any{"delivery_attempts": a.rec.DeliveryAttempts})
	return e.deps.Queue.Ack(ctx, a.d)
}

// phaseFailed counts a staging/analysis/reporting failure against the attempt budget
func (e *Executor) phaseFailed(ctx context.Context, a *attempt, cause error) error {
	if ctx.Err() != nil {
		return e.interrupted(a)
	}

	a.job.AttemptCount++
	a.rec.AttemptCount = a.job.AttemptCount
	a.rec.FailedPhase = a.phase
	a.rec.LastError = cause.Error()

	if a.job.AttemptCount >= e.cfg.MaxAttempts {
		a.log.Error("phase failed, attempts exhausted",
			"phase", a.phase,
			"attempts", a.job.AttemptCount,
			"error", cause)
		return e.fail(ctx, a, reasonFor(cause))
	}

	delay := e.cfg.RetryBackoff.Delay(a.job.AttemptCount)
	a.log.Warn("phase failed, retrying",
		"phase", a.phase,
		"attempts", a.job.AttemptCount,
		"max_attempts", e.cfg.MaxAttempts,
		"retry_in", delay,
		"error", cause)

	a.job.State = models.JobPending
	a.rec.State = models.JobPending
	e.save(ctx, a)

	return e.deps.Queue.Nack(ctx, a.d, delay)
}

// interrupted returns the job untouched when the worker is shutting down
func (e *Executor) interrupted(a *attempt) error {
	ctx, cancel := detached()
	defer cancel()

	a.log.Info("worker stopping, returning job to queue", "phase", a.phase)

	a.job.State = models.JobPending
	a.rec.State = models.JobPending
	e.save(ctx, a)

	return e.nack(ctx, a.d, 0)
}

// fail moves the job to failed, dead-letters it and acknowledges it
func (e *Executor) fail(ctx context.Context, a *attempt, reason string) error {
	if err := e.advance(ctx, a, models.JobFailed); err != nil {
		a.log.Error("failed to record failure", "error", err)
	}

	term := &models.TerminalRecord{
		JobID:            a.job.JobID,
		AssetID:          a.job.Request.AssetID,
		State:            models.JobFailed,
		Phase:            a.rec.FailedPhase,
		Reason:           reason,
		AttemptCount:     a.rec.AttemptCount,
		DeliveryAttempts: a.rec.DeliveryAttempts,
		LastError:        a.rec.LastError,
		FailedAt:         e.now().UTC(),
	}
	if err := e.deps.Sink.Record(ctx, term); err != nil {
		a.log.Error("dead-letter write failed; job record still holds the failure", "error", err)
	}

	a.log.Error("job failed",
		"phase", term.Phase,
		"reason", reason,
		"attempts", term.AttemptCount,
		"delivery_attempts", term.DeliveryAttempts,
		"last_error", term.LastError)
	e.deps.Telemetry.RecordEvent("job_failed", map[string]any{
		"phase":  string(term.Phase),
		"reason": reason,
	})

	if e.cfg.NotifyFailure && term.Phase != models.PhaseDelivery {
		e.notifyFailure(ctx, a, reason)
	}

	return e.deps.Queue.Ack(ctx, a.d)
}

// notifyFailure tells the caller about a job that never produced a result.
// Its outcome is logged and counted but never changes the job's fate.
func (e *Executor) notifyFailure(ctx context.Context, a *attempt, reason string) {
	doc := e.deps.Builder.BuildFailure(sarif.RunContext{
		JobID:         a.job.JobID,
		AssetID:       a.job.Request.AssetID,
		AssetMetadata: a.job.Request.AssetMetadata,
	}, a.rec.FailedPhase, reason)

	payload, err := sarif.Marshal(doc)
	if err != nil {
		a.log.Error("failed to build failure notification", "error", err)
		return
	}

	attempts, err := e.deps.Deliverer.Deliver(ctx, e.target(a.job), payload)
	a.rec.DeliveryAttempts += attempts
	e.save(ctx, a)

	if err != nil {
		a.log.Warn("failure notification not delivered", "attempts", attempts, "error", err)
		return
	}
	a.log.Info("failure notification delivered", "attempts", attempts)
}

func (e *Executor) target(job *models.Job) delivery.Target {
	return delivery.Target{
		JobID: job.JobID,
		URL:   job.Request.CallbackURL,
		Token: job.Request.CallbackToken,
	}
}

// advance applies a state transition to the job and persists the record
func (e *Executor) advance(ctx context.Context, a *attempt, to models.JobState) error {
	if err := a.job.Transition(to); err != nil {
		return err
	}
	a.rec.State = to
	a.rec.AttemptCount = a.job.AttemptCount
	e.save(ctx, a)
	return nil
}

// save persists the record. A failed write is logged and the attempt carries on.
func (e *Executor) save(ctx context.Context, a *attempt) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = detached()
		defer cancel()
	}

	a.rec.UpdatedAt = e.now().UTC()
	if err := e.deps.Store.Save(ctx, a.rec); err != nil {
		a.log.Warn("failed to save job record", "state", a.rec.State, "error", err)
	}
}

func (e *Executor) nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = detached()
		defer cancel()
	}
	return e.deps.Queue.Nack(ctx, d, delay)
}

// heartbeat extends the lease every third of its length until ctx ends
func (e *Executor) heartbeat(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	interval := e.cfg.Lease / 3
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.deps.Queue.Extend(ctx, d); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("failed to extend lease", "error", err)
			}
		}
	}
}

func (e *Executor) removeScratch(dir string, log *logger.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("failed to remove scratch directory", "dir", dir, "error", err)
	}
}

// freshDir removes anything left by a crashed attempt and recreates dir
func freshDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear scratch directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return nil
}

func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), detachedTimeout)
}

// reasonFor names the failure class recorded on a dead-lettered job
func reasonFor(err error) string {
	var serr *stager.StagingError
	var terr *tool.ToolError
	var derr *delivery.DeliveryError

	switch {
	case errors.As(err, &serr):
		return string(serr.Kind)
	case errors.As(err, &terr):
		return "tool_" + string(terr.Kind)
	case errors.As(err, &derr):
		return "delivery_exhausted"
	default:
		return "internal_error"
	}
}
