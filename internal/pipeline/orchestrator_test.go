package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/config"
	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/enrich"
	"github.com/stroyka-ai/material-catalog/internal/reference"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

type memRequests struct {
	mu sync.Mutex
	m  map[uuid.UUID]*storage.ProcessingRequest
}

func newMemRequests() *memRequests {
	return &memRequests{m: map[uuid.UUID]*storage.ProcessingRequest{}}
}

func (s *memRequests) Create(ctx context.Context, pr *storage.ProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr.RequestID == uuid.Nil {
		pr.RequestID = uuid.New()
	}
	pr.Status = storage.RequestStatusQueued
	pr.CurrentStage = storage.StageParse
	pr.CreatedAt = time.Now()
	cp := *pr
	s.m[pr.RequestID] = &cp
	return nil
}

func (s *memRequests) GetByID(ctx context.Context, id uuid.UUID) (*storage.ProcessingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.m[id]
	if !ok {
		return nil, dberr.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (s *memRequests) UpdateStatus(ctx context.Context, id uuid.UUID, status storage.RequestStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.m[id]
	if !ok {
		return dberr.ErrNotFound
	}
	pr.Status = status
	if errMsg != nil {
		pr.Error = errMsg
	}
	now := time.Now()
	if status == storage.RequestStatusProcessing && pr.StartedAt == nil {
		pr.StartedAt = &now
	}
	if status.Terminal() {
		pr.CompletedAt = &now
	}
	return nil
}

func (s *memRequests) UpdateProgress(ctx context.Context, id uuid.UUID, processed, succeeded, failed int, stage storage.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.m[id]
	if !ok {
		return dberr.ErrNotFound
	}
	pr.Processed = processed
	pr.Succeeded = succeeded
	pr.FailedCount = failed
	pr.CurrentStage = stage
	return nil
}

func (s *memRequests) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, pr := range s.m {
		if pr.Status.Terminal() && pr.CompletedAt != nil && pr.CompletedAt.Before(cutoff) {
			delete(s.m, id)
			n++
		}
	}
	return n, nil
}

func (s *memRequests) Statistics(ctx context.Context) (*storage.ProcessingStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &storage.ProcessingStatistics{RequestsByStatus: map[string]int{}}
	for _, pr := range s.m {
		stats.TotalRequests++
		stats.RequestsByStatus[string(pr.Status)]++
		stats.TotalRecords += pr.Total
		stats.SucceededRecords += pr.Succeeded
		stats.FailedRecords += pr.FailedCount
	}
	if stats.TotalRecords > 0 {
		stats.SuccessRate = float64(stats.SucceededRecords) / float64(stats.TotalRecords)
	}
	return stats, nil
}

type memRecords struct {
	mu sync.Mutex
	m  map[uuid.UUID]map[string]*storage.ProcessingRecord
}

func newMemRecords() *memRecords {
	return &memRecords{m: map[uuid.UUID]map[string]*storage.ProcessingRecord{}}
}

func (s *memRecords) CreatePending(ctx context.Context, requestID uuid.UUID, keys []string, snapshots [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[requestID] == nil {
		s.m[requestID] = map[string]*storage.ProcessingRecord{}
	}
	for i, key := range keys {
		s.m[requestID][key] = &storage.ProcessingRecord{
			RequestID:     requestID,
			MaterialKey:   key,
			Status:        storage.RecordStatusPending,
			Stage:         storage.StageParse,
			InputSnapshot: snapshots[i],
			UpdatedAt:     time.Now(),
		}
	}
	return nil
}

func (s *memRecords) Update(ctx context.Context, rec *storage.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.m[rec.RequestID][rec.MaterialKey]
	if !ok {
		return dberr.ErrNotFound
	}
	if rec.Status == storage.RecordStatusInProgress {
		existing.Attempts++
	}
	existing.Status = rec.Status
	existing.Stage = rec.Stage
	existing.Output = rec.Output
	existing.Error = rec.Error
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *memRecords) ListByRequest(ctx context.Context, requestID uuid.UUID, status storage.RecordStatus) ([]*storage.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.ProcessingRecord
	for _, rec := range s.m[requestID] {
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaterialKey < out[j].MaterialKey })
	return out, nil
}

func (s *memRecords) ResetFailed(ctx context.Context, requestID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, rec := range s.m[requestID] {
		if rec.Status == storage.RecordStatusFailed {
			rec.Status = storage.RecordStatusPending
			rec.Stage = storage.StageParse
			rec.Error = nil
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memRecords) Progress(ctx context.Context, requestID uuid.UUID) (*storage.RequestProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &storage.RequestProgress{}
	for _, rec := range s.m[requestID] {
		p.Total++
		switch rec.Status {
		case storage.RecordStatusPending:
			p.Pending++
		case storage.RecordStatusInProgress:
			p.InProgress++
		case storage.RecordStatusSucceeded:
			p.Succeeded++
		case storage.RecordStatusFailed:
			p.Failed++
		}
	}
	return p, nil
}

type stubProcessor struct {
	fn    func(item Item) error
	delay time.Duration
	calls atomic.Int64
}

func (p *stubProcessor) Process(ctx context.Context, item Item) (*storage.EnrichedOutput, storage.Stage, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.fn != nil {
		if err := p.fn(item); err != nil {
			return nil, storage.StageNormalize, err
		}
	}
	return &storage.EnrichedOutput{}, storage.StagePersist, nil
}

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{
		MaxConcurrentBatches: 2,
		InnerConcurrency:     4,
		ChunkSize:            20,
		RetryBudget:          2,
		CleanupTTL:           30 * 24 * time.Hour,
	}
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{Name: "material", Unit: "шт"}
	}
	return out
}

func waitTerminal(t *testing.T, o *Orchestrator, id uuid.UUID) *storage.ProcessingRequest {
	t.Helper()
	var request *storage.ProcessingRequest
	require.Eventually(t, func() bool {
		var err error
		request, _, err = o.Status(context.Background(), id)
		return err == nil && request.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return request
}

func TestOrchestrator_CompletesBatch(t *testing.T) {
	o := NewOrchestrator(testBatchConfig(), newMemRequests(), newMemRecords(), &stubProcessor{}, nil)
	o.Start(context.Background())
	defer o.Stop()

	id, err := o.Submit(context.Background(), items(50))
	require.NoError(t, err)

	request := waitTerminal(t, o, id)
	assert.Equal(t, storage.RequestStatusCompleted, request.Status)
	assert.Equal(t, 50, request.Processed)
	assert.Equal(t, 50, request.Succeeded)
	assert.Equal(t, 0, request.FailedCount)

	_, progress, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 50, progress.Succeeded)
	assert.Equal(t, 0, progress.Pending)
}

func TestOrchestrator_FailuresAndRetry(t *testing.T) {
	var pass atomic.Bool
	proc := &stubProcessor{fn: func(item Item) error {
		if !pass.Load() && item.Key == "item-0003" {
			return errors.New("parse blew up")
		}
		return nil
	}}

	o := NewOrchestrator(testBatchConfig(), newMemRequests(), newMemRecords(), proc, nil)
	o.Start(context.Background())
	defer o.Stop()

	ctx := context.Background()
	id, err := o.Submit(ctx, items(5))
	require.NoError(t, err)

	request := waitTerminal(t, o, id)
	assert.Equal(t, storage.RequestStatusCompleted, request.Status)
	assert.Equal(t, 4, request.Succeeded)
	assert.Equal(t, 1, request.FailedCount)

	failedRecs, _, err := o.Results(ctx, id, storage.RecordStatusFailed, 0, 0)
	require.NoError(t, err)
	require.Len(t, failedRecs, 1)
	assert.Equal(t, "item-0003", failedRecs[0].MaterialKey)
	require.NotNil(t, failedRecs[0].Error)
	assert.Contains(t, *failedRecs[0].Error, "parse blew up")

	// Explicit retry moves failed back to pending and reruns.
	pass.Store(true)
	reset, err := o.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	request = waitTerminal(t, o, id)
	assert.Equal(t, storage.RequestStatusCompleted, request.Status)
	assert.Equal(t, 5, request.Succeeded)
	assert.Equal(t, 0, request.FailedCount)
}

func TestOrchestrator_RetryRequiresTerminalState(t *testing.T) {
	requests := newMemRequests()
	o := NewOrchestrator(testBatchConfig(), requests, newMemRecords(), &stubProcessor{}, nil)

	pr := &storage.ProcessingRequest{Total: 1}
	require.NoError(t, requests.Create(context.Background(), pr))
	require.NoError(t, requests.UpdateStatus(context.Background(), pr.RequestID, storage.RequestStatusProcessing, nil))

	_, err := o.Retry(context.Background(), pr.RequestID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestOrchestrator_TransientErrorsRetriedWithinBudget(t *testing.T) {
	var attempts atomic.Int64
	proc := &stubProcessor{fn: func(item Item) error {
		if attempts.Add(1) == 1 {
			return dberr.ErrTimeout
		}
		return nil
	}}

	o := NewOrchestrator(testBatchConfig(), newMemRequests(), newMemRecords(), proc, nil)
	o.Start(context.Background())
	defer o.Stop()

	id, err := o.Submit(context.Background(), items(1))
	require.NoError(t, err)

	request := waitTerminal(t, o, id)
	assert.Equal(t, storage.RequestStatusCompleted, request.Status)
	assert.Equal(t, 1, request.Succeeded)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestOrchestrator_CancelIsCooperative(t *testing.T) {
	cfg := testBatchConfig()
	cfg.ChunkSize = 10
	proc := &stubProcessor{delay: 5 * time.Millisecond}

	o := NewOrchestrator(cfg, newMemRequests(), newMemRecords(), proc, nil)
	o.Start(context.Background())
	defer o.Stop()

	ctx := context.Background()
	id, err := o.Submit(ctx, items(250))
	require.NoError(t, err)

	// Let some work land, then cancel.
	require.Eventually(t, func() bool {
		_, progress, err := o.Status(ctx, id)
		return err == nil && progress.Succeeded > 0
	}, 10*time.Second, 5*time.Millisecond)
	o.Cancel(id)

	request := waitTerminal(t, o, id)
	assert.Equal(t, storage.RequestStatusCancelled, request.Status)

	_, progress, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Less(t, progress.Succeeded+progress.Failed, 250,
		"cancellation must stop the run before all items complete")
	assert.Greater(t, progress.Pending, 0, "undispatched items stay pending")
	assert.Equal(t, 0, progress.InProgress, "in-flight items ran to completion")
	assert.Equal(t, 250, progress.Total)
}

func TestOrchestrator_SubmitEmptyBatch(t *testing.T) {
	o := NewOrchestrator(testBatchConfig(), newMemRequests(), newMemRecords(), &stubProcessor{}, nil)
	_, err := o.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, dberr.ErrQuery)
}

func TestOrchestrator_Cleanup(t *testing.T) {
	requests := newMemRequests()
	o := NewOrchestrator(testBatchConfig(), requests, newMemRecords(), &stubProcessor{}, nil)

	ctx := context.Background()
	pr := &storage.ProcessingRequest{Total: 1}
	require.NoError(t, requests.Create(ctx, pr))
	require.NoError(t, requests.UpdateStatus(ctx, pr.RequestID, storage.RequestStatusCompleted, nil))

	// Backdate completion past the TTL.
	requests.mu.Lock()
	old := time.Now().Add(-31 * 24 * time.Hour)
	requests.m[pr.RequestID].CompletedAt = &old
	requests.mu.Unlock()

	n, err := o.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = requests.GetByID(ctx, pr.RequestID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

type reapingRecords struct {
	*memRecords
	mu      sync.Mutex
	cutoffs []time.Time
	reaped  int
}

func (r *reapingRecords) ReapTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return r.reaped, nil
}

func TestOrchestrator_CleanupReapsSideRecordStores(t *testing.T) {
	requests := newMemRequests()
	records := &reapingRecords{memRecords: newMemRecords(), reaped: 2}
	o := NewOrchestrator(testBatchConfig(), requests, records, &stubProcessor{}, nil)

	ctx := context.Background()
	pr := &storage.ProcessingRequest{Total: 1}
	require.NoError(t, requests.Create(ctx, pr))
	require.NoError(t, requests.UpdateStatus(ctx, pr.RequestID, storage.RequestStatusCompleted, nil))

	requests.mu.Lock()
	old := time.Now().Add(-31 * 24 * time.Hour)
	requests.m[pr.RequestID].CompletedAt = &old
	requests.mu.Unlock()

	n, err := o.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "request deletion and side-store reaping both count")

	records.mu.Lock()
	defer records.mu.Unlock()
	require.Len(t, records.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), records.cutoffs[0], time.Minute)
}

func TestEnricher_EndToEnd(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewMockEmbedder(16)
	refs := reference.NewSet(vectorstore.NewMemoryStore(16), emb)
	require.NoError(t, refs.Seed(ctx, nil))

	_, err := refs.Materials.Add(ctx, reference.Entry{Name: "цемент м500 кг серый", SKU: "CEM-500"})
	require.NoError(t, err)

	completer := &embedding.MockCompleter{
		Response: `{"color": "серый", "parsed_unit": "кг", "unit_coefficient": null, "confidence": 0.9}`,
	}

	var persisted *storage.Material
	enricher := NewEnricher(
		enrich.NewParser(completer, nil),
		enrich.NewNormalizer(refs, 0.80, 0.85),
		enrich.NewAssigner(refs, emb, 0.88, 0.75, 5, false),
		func(ctx context.Context, m *storage.Material, vector []float32) error {
			persisted = m
			return nil
		},
	)

	out, stage, err := enricher.Process(ctx, Item{Key: "k1", Name: "Цемент М500", Unit: "кг"})
	require.NoError(t, err)
	assert.Equal(t, storage.StagePersist, stage)

	require.NotNil(t, persisted)
	require.NotNil(t, persisted.SKU)
	assert.Equal(t, "CEM-500", *persisted.SKU)
	assert.Equal(t, "цемент", persisted.UseCategory)
	require.NotNil(t, out.ParsedUnit)
	assert.Equal(t, "кг", *out.ParsedUnit)
	require.NotNil(t, out.SKUConfidence)
	assert.Equal(t, storage.SKUConfidenceHigh, *out.SKUConfidence)
	assert.False(t, out.SelfSeeded)
	assert.NotEmpty(t, persisted.Embedding)
}

func TestEnricher_PersistFailureReportsStage(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewMockEmbedder(16)
	refs := reference.NewSet(vectorstore.NewMemoryStore(16), emb)

	enricher := NewEnricher(
		enrich.NewParser(&embedding.MockCompleter{Response: `{"confidence": 0.9}`}, nil),
		enrich.NewNormalizer(refs, 0.80, 0.85),
		enrich.NewAssigner(refs, emb, 0.88, 0.75, 5, false),
		func(ctx context.Context, m *storage.Material, vector []float32) error {
			return dberr.ErrConnection
		},
	)

	_, stage, err := enricher.Process(ctx, Item{Key: "k1", Name: "Кирпич", Unit: "шт"})
	assert.ErrorIs(t, err, dberr.ErrConnection)
	assert.Equal(t, storage.StagePersist, stage)
}
