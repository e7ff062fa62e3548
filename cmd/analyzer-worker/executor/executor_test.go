package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// callbackServer records every POST and answers with status(n) for the n-th request
type callbackServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	status func(n int) int
}

func newCallbackServer(t *testing.T, status func(n int) int) *callbackServer {
	t.Helper()
	cb := &callbackServer{status: status}
	cb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cb.mu.Lock()
		cb.bodies = append(cb.bodies, body)
		n := len(cb.bodies)
		cb.mu.Unlock()
		w.WriteHeader(cb.status(n))
	}))
	t.Cleanup(cb.Close)
	return cb
}

func (cb *callbackServer) hits() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.bodies)
}

func (cb *callbackServer) body(i int) []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.bodies[i]
}

func always(code int) func(int) int {
	return func(int) int { return code }
}

type harness struct {
	exec      *Executor
	queue     *queue.MemoryQueue
	store     *jobstore.MemoryStore
	sink      *deadletter.MemorySink
	telemetry *telemetry.Telemetry
	scratch   string
	callback  *callbackServer
	artifacts *httptest.Server
	fetches   *int32
}

type harnessOption func(*Config, *Deps)

func withAnalyzer(a tool.Analyzer) harnessOption {
	return func(_ *Config, d *Deps) { d.Analyzer = a }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

// newHarness wires an executor against in-memory backends, a local artifact server
// serving a.c (10 bytes) and a callback server answering with status
func newHarness(t *testing.T, status func(int) int, artifactStatus func(n int) int, opts ...harnessOption) *harness {
	t.Helper()
	log := logger.Discard()

	h := &harness{
		queue:     queue.NewMemoryQueue(time.Minute, 200*time.Millisecond, log),
		store:     jobstore.NewMemoryStore(),
		sink:      deadletter.NewMemorySink(),
		telemetry: telemetry.New(0, log),
		scratch:   t.TempDir(),
		callback:  newCallbackServer(t, status),
		fetches:   new(int32),
	}

	h.artifacts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(h.fetches, 1)
		if artifactStatus != nil {
			if code := artifactStatus(int(n)); code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
		}
		_, _ = w.Write([]byte("0123456789"))
	}))
	t.Cleanup(h.artifacts.Close)

	cfg := Config{
		ScratchDir:     h.scratch,
		MaxAttempts:    3,
		RetryBackoff:   retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Lease:          time.Minute,
		StagingTimeout: 5 * time.Second,
		ToolTimeout:    5 * time.Second,
		NotifyFailure:  true,

		MaxDeliveryAttempts: 3,
	}
	deps := Deps{
		Queue:    h.queue,
		Store:    h.store,
		Stager:   stager.New(5*time.Second, log),
		Analyzer: tool.NewStaticAnalyzer(),
		Builder:  sarif.NewBuilder("cwe-checker", "1.0.0"),
		Deliverer: delivery.NewClient(delivery.Options{
			AnalyzerName:    "cwe-checker",
			AnalyzerVersion: "1.0.0",
			MaxAttempts:     3,
			Backoff:         retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
			Timeout:         time.Second,
		}, log),
		Sink:      h.sink,
		Telemetry: h.telemetry,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.exec = New(cfg, deps, log)
	return h
}

func (h *harness) request() models.AnalysisRequest {
	return models.AnalysisRequest{
		AssetID:       "asset-1",
		CallbackURL:   h.callback.URL + "/results",
		CallbackToken: "secret-token",
		AssetMetadata: json.RawMessage(`{"vendor": "acme", "serial": 9007199254740993}`),
		ArtifactManifest: models.Manifest{
			"source": {{
				ArtifactID:  "A1",
				Filename:    "a.c",
				SizeBytes:   models.Size(10),
				DownloadURL: h.artifacts.URL + "/a.c",
			}},
		},
	}
}

func (h *harness) enqueue(t *testing.T) *models.Job {
	t.Helper()
	job := models.NewJob(h.request(), time.Now())
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	return job
}

func (h *harness) claim(t *testing.T) *queue.Delivery {
	t.Helper()
	d, err := h.queue.Claim(context.Background(), "test-consumer")
	require.NoError(t, err)
	require.NotNil(t, d, "expected a visible job")
	return d
}

// drain processes claims until the queue is empty and returns how many attempts ran
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	attempts := 0
	for i := 0; i < 10; i++ {
		depth, err := h.queue.Depth(context.Background())
		require.NoError(t, err)
		if depth == 0 {
			return attempts
		}
		require.NoError(t, h.exec.Process(context.Background(), h.claim(t)))
		attempts++
	}
	t.Fatal("queue did not drain")
	return attempts
}

func (h *harness) record(t *testing.T, jobID string) *models.JobRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec
}

func (h *harness) assertScratchRemoved(t *testing.T, jobID string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(h.scratch, jobID))
	assert.True(t, os.IsNotExist(err), "scratch directory should be removed")
}

func decodeLog(t *testing.T, body []byte) *sarif.Log {
	t.Helper()
	var doc sarif.Log
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Runs, 1)
	return &doc
}

func TestProcess_DeliversFindings(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), nil)
	job := h.enqueue(t)

	assert.Equal(t, 1, h.drain(t))

	require.Equal(t, 1, h.callback.hits())
	doc := decodeLog(t, h.callback.body(0))
	run := doc.Runs[0]
	require.Len(t, run.Tool.Driver.Rules, 1)
	assert.Equal(t, "CWE-787", run.Tool.Driver.Rules[0].ID)
	require.Len(t, run.Results, 1)
	assert.Equal(t, "CWE-787", run.Results[0].RuleID)
	assert.Equal(t, job.JobID, run.Properties["job_id"])
	assert.Equal(t, "asset-1", run.Properties["asset_id"])
	assert.Contains(t, string(h.callback.body(0)), `"serial":9007199254740993`)

	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobDelivered, rec.State)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Equal(t, 1, rec.DeliveryAttempts)
	assert.Equal(t, jobstore.Digest(h.callback.body(0)), rec.PayloadDigest)

	assert.Empty(t, h.sink.Records())
	assert.Equal(t, int32(1), atomic.LoadInt32(h.fetches))
	h.assertScratchRemoved(t, job.JobID)

	stats := h.telemetry.Snapshot()
	for _, phase := range []string{"staging", "analyzing", "reporting", "delivery"} {
		assert.Equal(t, int64(1), stats[phase].Count, phase)
	}
	assert.Equal(t, int64(1), h.telemetry.EventCount("job_delivered"))
}

func TestProcess_DeliveryExhaustedFailsJob(t *testing.T) {
	h := newHarness(t, always(http.StatusInternalServerError), nil)
	job := h.enqueue(t)

	assert.Equal(t, 1, h.drain(t))

	// Bounded by the delivery budget, with no failure notification on top
	assert.Equal(t, 3, h.callback.hits())

	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobFailed, rec.State)
	assert.Equal(t, models.PhaseDelivery, rec.FailedPhase)
	assert.Equal(t, 3, rec.DeliveryAttempts)

	records := h.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, job.JobID, records[0].JobID)
	assert.Equal(t, "asset-1", records[0].AssetID)
	assert.Equal(t, models.PhaseDelivery, records[0].Phase)
	assert.Equal(t, "delivery_exhausted", records[0].Reason)
	assert.Equal(t, int64(1), h.telemetry.EventCount("job_failed"))
	assert.Zero(t, h.telemetry.EventCount("job_delivered"))

	h.assertScratchRemoved(t, job.JobID)
}

func TestProcess_RedeliveryOfTerminalJobIsAcked(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), nil)
	job := h.enqueue(t)
	h.drain(t)
	require.Equal(t, 1, h.callback.hits())

	// The same job shows up again, e.g. after a lease expired just before the ack
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	assert.Equal(t, 1, h.drain(t))

	assert.Equal(t, 1, h.callback.hits())
	assert.Equal(t, int32(1), atomic.LoadInt32(h.fetches))
	assert.Equal(t, models.JobDelivered, h.record(t, job.JobID).State)
}

func TestProcess_ResumesStoredPayload(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), nil)
	job := h.enqueue(t)

	// A previous attempt crashed after storing its result but before delivering it
	stored := []byte(`{"version":"2.1.0","runs":[]}`)
	_, _, err := h.store.SavePayload(context.Background(), job.JobID, stored)
	require.NoError(t, err)

	h.drain(t)

	require.Equal(t, 1, h.callback.hits())
	assert.Equal(t, stored, h.callback.body(0))
	assert.Equal(t, int32(0), atomic.LoadInt32(h.fetches))
	assert.Equal(t, models.JobDelivered, h.record(t, job.JobID).State)
}

func TestProcess_RedeliveryKeepsDeliveryBudget(t *testing.T) {
	h := newHarness(t, always(http.StatusInternalServerError), nil)
	job := h.enqueue(t)

	// A previous claim stored the result and spent two callback attempts before its lease lapsed
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, &models.JobRecord{
		JobID:            job.JobID,
		AssetID:          job.Request.AssetID,
		State:            models.JobReporting,
		DeliveryAttempts: 2,
	}))
	_, _, err := h.store.SavePayload(ctx, job.JobID, []byte(`{"version":"2.1.0","runs":[]}`))
	require.NoError(t, err)

	assert.Equal(t, 1, h.drain(t))

	assert.Equal(t, 1, h.callback.hits(), "only the remaining attempt is spent")
	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobFailed, rec.State)
	assert.Equal(t, models.PhaseDelivery, rec.FailedPhase)
	assert.Equal(t, 3, rec.DeliveryAttempts)

	records := h.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "delivery_exhausted", records[0].Reason)
	assert.Equal(t, 3, records[0].DeliveryAttempts)
}

func TestProcess_SpentDeliveryBudgetFailsWithoutPosting(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), nil)
	job := h.enqueue(t)

	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, &models.JobRecord{
		JobID:            job.JobID,
		AssetID:          job.Request.AssetID,
		State:            models.JobReporting,
		DeliveryAttempts: 3,
	}))
	_, _, err := h.store.SavePayload(ctx, job.JobID, []byte(`{"version":"2.1.0","runs":[]}`))
	require.NoError(t, err)

	assert.Equal(t, 1, h.drain(t))

	assert.Equal(t, 0, h.callback.hits())
	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobFailed, rec.State)
	assert.Equal(t, 3, rec.DeliveryAttempts)
}

func TestProcess_StagingFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), always(http.StatusNotFound))
	job := h.enqueue(t)

	assert.Equal(t, 3, h.drain(t))

	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobFailed, rec.State)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Equal(t, models.PhaseStaging, rec.FailedPhase)
	assert.NotEmpty(t, rec.LastError)

	records := h.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, string(stager.KindDownloadFailed), records[0].Reason)
	assert.Equal(t, 3, records[0].AttemptCount)

	// Failure notification carries no findings
	require.Equal(t, 1, h.callback.hits())
	doc := decodeLog(t, h.callback.body(0))
	assert.Empty(t, doc.Runs[0].Results)
	require.Len(t, doc.Runs[0].Invocations, 1)
	assert.False(t, doc.Runs[0].Invocations[0].ExecutionSuccessful)
	assert.Equal(t, "failed", doc.Runs[0].Properties["status"])

	h.assertScratchRemoved(t, job.JobID)
}

func TestProcess_FailureNotificationDisabled(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), always(http.StatusNotFound),
		withConfig(func(c *Config) { c.NotifyFailure = false }))
	job := h.enqueue(t)

	h.drain(t)

	assert.Equal(t, models.JobFailed, h.record(t, job.JobID).State)
	assert.Equal(t, 0, h.callback.hits())
}

func TestProcess_StagingRecoversOnRetry(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), func(n int) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	job := h.enqueue(t)

	assert.Equal(t, 2, h.drain(t))

	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobDelivered, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, 1, h.callback.hits())
	assert.Empty(t, h.sink.Records())
}

func TestProcess_ToolTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), nil,
		withAnalyzer(&blockingAnalyzer{started: make(chan struct{})}),
		withConfig(func(c *Config) {
			c.ToolTimeout = 50 * time.Millisecond
			c.MaxAttempts = 1
		}))
	job := h.enqueue(t)

	h.drain(t)

	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobFailed, rec.State)
	assert.Equal(t, models.PhaseAnalyzing, rec.FailedPhase)

	records := h.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "tool_"+string(tool.KindTimeout), records[0].Reason)
}

func TestProcess_ShutdownReturnsJobWithoutCountingAttempt(t *testing.T) {
	analyzer := &blockingAnalyzer{started: make(chan struct{})}
	h := newHarness(t, always(http.StatusOK), nil, withAnalyzer(analyzer))
	job := h.enqueue(t)
	d := h.claim(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.Process(ctx, d) }()

	<-analyzer.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not return after cancellation")
	}

	again := h.claim(t)
	assert.Equal(t, job.JobID, again.Job.JobID)
	assert.Equal(t, 0, again.Job.AttemptCount)
	assert.Equal(t, models.JobPending, h.record(t, job.JobID).State)
	assert.Empty(t, h.sink.Records())
	assert.Equal(t, 0, h.callback.hits())
	h.assertScratchRemoved(t, job.JobID)
}

func TestProcess_PanicIsRetryable(t *testing.T) {
	h := newHarness(t, always(http.StatusOK), nil, withAnalyzer(panicAnalyzer{}))
	job := h.enqueue(t)

	require.NoError(t, h.exec.Process(context.Background(), h.claim(t)))

	rec := h.record(t, job.JobID)
	assert.Equal(t, models.JobPending, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, models.PhaseAnalyzing, rec.FailedPhase)
	assert.Contains(t, rec.LastError, "panic")

	again := h.claim(t)
	assert.Equal(t, 1, again.Job.AttemptCount)
}

func TestProcess_HeartbeatKeepsLease(t *testing.T) {
	log := logger.Discard()
	h := newHarness(t, always(http.StatusOK), nil,
		withAnalyzer(sleepAnalyzer(300*time.Millisecond)),
		withConfig(func(c *Config) { c.Lease = 90 * time.Millisecond }))
	h.queue = queue.NewMemoryQueue(90*time.Millisecond, 50*time.Millisecond, log)
	h.exec.deps.Queue = h.queue
	h.enqueue(t)

	d := h.claim(t)
	done := make(chan error, 1)
	go func() { done <- h.exec.Process(context.Background(), d) }()

	time.Sleep(150 * time.Millisecond)
	other, err := h.queue.Claim(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, other, "lease should still be held")

	require.NoError(t, <-done)
	assert.Equal(t, 1, h.callback.hits())
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, "checksum_mismatch", reasonFor(&stager.StagingError{Kind: stager.KindChecksumMismatch}))
	assert.Equal(t, "tool_exit", reasonFor(&tool.ToolError{Kind: tool.KindExit}))
	assert.Equal(t, "delivery_exhausted", reasonFor(&delivery.DeliveryError{}))
	assert.Equal(t, "internal_error", reasonFor(errors.New("boom")))
}

// blockingAnalyzer waits for its context to end
type blockingAnalyzer struct {
	started chan struct{}
	once    sync.Once
}

func (a *blockingAnalyzer) Analyze(ctx context.Context, _ string, _ map[string][]string) ([]models.Finding, error) {
	a.once.Do(func() { close(a.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type panicAnalyzer struct{}

func (panicAnalyzer) Analyze(context.Context, string, map[string][]string) ([]models.Finding, error) {
	panic("tool crashed")
}

type sleepAnalyzer time.Duration

func (s sleepAnalyzer) Analyze(ctx context.Context, _ string, _ map[string][]string) ([]models.Finding, error) {
	select {
	case <-time.After(time.Duration(s)):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
