// Package pipeline schedules batch enrichment requests through the
// parse → normalize → assign-SKU → persist stages with bounded
// concurrency, retries, cancellation and cleanup.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/config"
	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// Item is one unit of work inside a processing request.
type Item struct {
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Unit         string     `json:"unit"`
	UseCategory  string     `json:"use_category,omitempty"`
	Description  *string    `json:"description,omitempty"`
	RawProductID *uuid.UUID `json:"raw_product_id,omitempty"`
}

// Processor runs the sequential stages for one item. On failure it
// reports the stage that failed.
type Processor interface {
	Process(ctx context.Context, item Item) (*storage.EnrichedOutput, storage.Stage, error)
}

// RequestStore is the request-level persistence the orchestrator
// drives. Counter updates go through the orchestrator only.
type RequestStore interface {
	Create(ctx context.Context, pr *storage.ProcessingRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.ProcessingRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status storage.RequestStatus, errMsg *string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, processed, succeeded, failed int, stage storage.Stage) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Statistics(ctx context.Context) (*storage.ProcessingStatistics, error)
}

// RecordStore is the per-item persistence.
type RecordStore interface {
	CreatePending(ctx context.Context, requestID uuid.UUID, keys []string, snapshots [][]byte) error
	Update(ctx context.Context, rec *storage.ProcessingRecord) error
	ListByRequest(ctx context.Context, requestID uuid.UUID, status storage.RecordStatus) ([]*storage.ProcessingRecord, error)
	ResetFailed(ctx context.Context, requestID uuid.UUID) ([]string, error)
	Progress(ctx context.Context, requestID uuid.UUID) (*storage.RequestProgress, error)
}

// TerminalReaper is an optional RecordStore capability: deleting aged
// terminal record state held outside the relational request table. The
// cleanup pass invokes it when present.
type TerminalReaper interface {
	ReapTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrQueueFull is returned when the submission queue is saturated.
var ErrQueueFull = errors.New("pipeline: request queue is full")

// ErrNotRetryable is returned when retrying a non-terminal request.
var ErrNotRetryable = errors.New("pipeline: request is not in a terminal state")

// Orchestrator owns the request state machine and the worker pools.
type Orchestrator struct {
	cfg       config.BatchConfig
	requests  RequestStore
	records   RecordStore
	processor Processor
	logger    *observability.Logger

	queue chan uuid.UUID

	mu      sync.Mutex
	cancels map[uuid.UUID]*atomic.Bool

	runCtx  context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewOrchestrator creates an orchestrator over the given stores.
func NewOrchestrator(cfg config.BatchConfig, requests RequestStore, records RecordStore, processor Processor, logger *observability.Logger) *Orchestrator {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 10
	}
	if cfg.InnerConcurrency <= 0 {
		cfg.InnerConcurrency = 5
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Orchestrator{
		cfg:       cfg,
		requests:  requests,
		records:   records,
		processor: processor,
		logger:    logger,
		queue:     make(chan uuid.UUID, 4*cfg.MaxConcurrentBatches),
		cancels:   make(map[uuid.UUID]*atomic.Bool),
	}
}

// Start launches the worker pool and the cleanup reaper.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.runCtx, o.stop = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < o.cfg.MaxConcurrentBatches; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-o.runCtx.Done():
					return
				case requestID := <-o.queue:
					o.runRequest(o.runCtx, requestID)
				}
			}
		}()
	}

	if o.cfg.CleanupInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.reapLoop(o.runCtx)
		}()
	}
}

// Stop drains the workers. In-flight requests finish their current
// item and are re-queued on next start via their pending records.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	stop := o.stop
	o.mu.Unlock()

	stop()
	o.wg.Wait()
}

// Submit creates a processing request for the items and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, items []Item) (uuid.UUID, error) {
	if len(items) == 0 {
		return uuid.Nil, fmt.Errorf("%w: empty batch", dberr.ErrQuery)
	}

	request := &storage.ProcessingRequest{Total: len(items)}
	if err := o.requests.Create(ctx, request); err != nil {
		return uuid.Nil, err
	}

	keys := make([]string, len(items))
	snapshots := make([][]byte, len(items))
	for i, item := range items {
		if item.Key == "" {
			item.Key = fmt.Sprintf("item-%04d", i)
			items[i] = item
		}
		keys[i] = item.Key
		snapshot, err := json.Marshal(item)
		if err != nil {
			return uuid.Nil, fmt.Errorf("snapshot item %q: %w", item.Key, err)
		}
		snapshots[i] = snapshot
	}
	if err := o.records.CreatePending(ctx, request.RequestID, keys, snapshots); err != nil {
		return uuid.Nil, err
	}

	select {
	case o.queue <- request.RequestID:
		return request.RequestID, nil
	default:
		msg := ErrQueueFull.Error()
		_ = o.requests.UpdateStatus(ctx, request.RequestID, storage.RequestStatusFailed, &msg)
		return uuid.Nil, ErrQueueFull
	}
}

// Cancel requests cooperative cancellation. In-flight items run to
// completion; the request transitions once workers quiesce.
func (o *Orchestrator) Cancel(requestID uuid.UUID) {
	o.cancelFlag(requestID).Store(true)
}

func (o *Orchestrator) cancelFlag(requestID uuid.UUID) *atomic.Bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag, ok := o.cancels[requestID]
	if !ok {
		flag = &atomic.Bool{}
		o.cancels[requestID] = flag
	}
	return flag
}

func (o *Orchestrator) dropCancelFlag(requestID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, requestID)
}

// Retry moves a terminal request's failed records back to pending and
// re-enqueues it. Returns how many records were reset.
func (o *Orchestrator) Retry(ctx context.Context, requestID uuid.UUID) (int, error) {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if !request.Status.Terminal() {
		return 0, ErrNotRetryable
	}

	keys, err := o.records.ResetFailed(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	o.dropCancelFlag(requestID)
	if err := o.requests.UpdateStatus(ctx, requestID, storage.RequestStatusQueued, nil); err != nil {
		return 0, err
	}
	select {
	case o.queue <- requestID:
		return len(keys), nil
	default:
		return 0, ErrQueueFull
	}
}

// Status returns the request plus its record-level progress.
func (o *Orchestrator) Status(ctx context.Context, requestID uuid.UUID) (*storage.ProcessingRequest, *storage.RequestProgress, error) {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	progress, err := o.records.Progress(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return request, progress, nil
}

// Results returns the request's records, optionally filtered by
// status, sliced by skip/limit.
func (o *Orchestrator) Results(ctx context.Context, requestID uuid.UUID, status storage.RecordStatus, skip, limit int) ([]*storage.ProcessingRecord, int, error) {
	if _, err := o.requests.GetByID(ctx, requestID); err != nil {
		return nil, 0, err
	}
	recs, err := o.records.ListByRequest(ctx, requestID, status)
	if err != nil {
		return nil, 0, err
	}
	total := len(recs)
	if skip < 0 {
		skip = 0
	}
	if skip >= total {
		return []*storage.ProcessingRecord{}, total, nil
	}
	recs = recs[skip:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, total, nil
}

// Statistics aggregates processing history.
func (o *Orchestrator) Statistics(ctx context.Context) (*storage.ProcessingStatistics, error) {
	return o.requests.Statistics(ctx)
}

// Cleanup reaps terminal requests older than the configured TTL.
func (o *Orchestrator) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-o.cfg.CleanupTTL)
	deleted, err := o.requests.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return deleted, err
	}

	// Terminal record state may also live outside the request table
	// (degraded runs persist into the vector progress collection); reap
	// it wherever it sits. A failed side reap does not undo the
	// relational cleanup, the next cycle retries it.
	if reaper, ok := o.records.(TerminalReaper); ok {
		reaped, err := reaper.ReapTerminal(ctx, cutoff)
		if err != nil {
			o.logger.Warn().Err(err).Msg("terminal record reap failed")
			return deleted, nil
		}
		deleted += int64(reaped)
	}
	return deleted, nil
}

func (o *Orchestrator) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Cleanup(ctx)
			if err != nil {
				o.logger.Error().Err(err).Msg("processing cleanup failed")
				continue
			}
			if n > 0 {
				o.logger.Info().Int64("reaped", n).Msg("terminal processing requests reaped")
			}
		}
	}
}

type itemResult struct {
	record *storage.ProcessingRecord
	output *storage.EnrichedOutput
	stage  storage.Stage
	err    error
}

// runRequest drives one request to a terminal state. It is the single
// writer of the request's counters.
func (o *Orchestrator) runRequest(ctx context.Context, requestID uuid.UUID) {
	logger := o.logger.WithContext(ctx)
	flag := o.cancelFlag(requestID)
	defer o.dropCancelFlag(requestID)

	if err := o.requests.UpdateStatus(ctx, requestID, storage.RequestStatusProcessing, nil); err != nil {
		logger.Error().Err(err).Str("request_id", requestID.String()).Msg("request start failed")
		return
	}

	pending, err := o.records.ListByRequest(ctx, requestID, storage.RecordStatusPending)
	if err != nil {
		o.failRequest(ctx, requestID, err)
		return
	}

	// A retry run resumes counters from the surviving records.
	progress, err := o.records.Progress(ctx, requestID)
	if err != nil {
		o.failRequest(ctx, requestID, err)
		return
	}
	processed := progress.Succeeded + progress.Failed
	succeeded := progress.Succeeded
	failed := progress.Failed

	cancelled := false
	for start := 0; start < len(pending); start += o.cfg.ChunkSize {
		if flag.Load() {
			cancelled = true
			break
		}
		end := start + o.cfg.ChunkSize
		if end > len(pending) {
			end = len(pending)
		}

		results := o.processChunk(ctx, pending[start:end], flag)
		for _, res := range results {
			rec := res.record
			if res.err != nil {
				rec.Status = storage.RecordStatusFailed
				rec.Stage = res.stage
				msg := res.err.Error()
				rec.Error = &msg
				failed++
			} else {
				rec.Status = storage.RecordStatusSucceeded
				rec.Stage = storage.StagePersist
				rec.Output = res.output
				rec.Error = nil
				succeeded++
			}
			processed++
			if err := o.records.Update(ctx, rec); err != nil {
				logger.Error().Err(err).Str("material_key", rec.MaterialKey).
					Msg("record update failed")
			}
		}

		if err := o.requests.UpdateProgress(ctx, requestID, processed, succeeded, failed, storage.StagePersist); err != nil {
			logger.Error().Err(err).Str("request_id", requestID.String()).
				Msg("progress update failed")
		}
	}

	status := storage.RequestStatusCompleted
	if cancelled || flag.Load() {
		status = storage.RequestStatusCancelled
	}
	if err := o.requests.UpdateStatus(ctx, requestID, status, nil); err != nil {
		logger.Error().Err(err).Str("request_id", requestID.String()).Msg("request finish failed")
	}
	logger.Info().
		Str("request_id", requestID.String()).
		Str("status", string(status)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("processing request finished")
}

// processChunk runs one chunk's items under the inner semaphore. The
// cancel flag is honored between item dispatches; dispatched items run
// to completion.
func (o *Orchestrator) processChunk(ctx context.Context, recs []*storage.ProcessingRecord, flag *atomic.Bool) []itemResult {
	sem := make(chan struct{}, o.cfg.InnerConcurrency)
	results := make([]itemResult, 0, len(recs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, rec := range recs {
		if flag.Load() {
			break
		}

		rec.Status = storage.RecordStatusInProgress
		rec.Stage = storage.StageParse
		if err := o.records.Update(ctx, rec); err != nil {
			mu.Lock()
			results = append(results, itemResult{record: rec, stage: storage.StageParse, err: err})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(rec *storage.ProcessingRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			var item Item
			if err := json.Unmarshal(rec.InputSnapshot, &item); err != nil {
				mu.Lock()
				results = append(results, itemResult{record: rec, stage: storage.StageParse,
					err: fmt.Errorf("decode input snapshot: %w", err)})
				mu.Unlock()
				return
			}

			output, stage, err := o.processWithRetry(ctx, item)
			mu.Lock()
			results = append(results, itemResult{record: rec, output: output, stage: stage, err: err})
			mu.Unlock()
		}(rec)
	}

	wg.Wait()
	return results
}

// processWithRetry applies the transient-error retry budget to one
// item. Permanent errors surface immediately.
func (o *Orchestrator) processWithRetry(ctx context.Context, item Item) (*storage.EnrichedOutput, storage.Stage, error) {
	var output *storage.EnrichedOutput
	var stage storage.Stage

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), uint64(o.cfg.RetryBudget)), ctx)

	err := backoff.Retry(func() error {
		var err error
		output, stage, err = o.processor.Process(ctx, item)
		if err != nil && !dberr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	return output, stage, err
}

func (o *Orchestrator) failRequest(ctx context.Context, requestID uuid.UUID, cause error) {
	msg := cause.Error()
	if err := o.requests.UpdateStatus(ctx, requestID, storage.RequestStatusFailed, &msg); err != nil {
		o.logger.Error().Err(err).Str("request_id", requestID.String()).Msg("request fail transition failed")
	}
}
