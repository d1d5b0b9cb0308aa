package fabric

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// Well-known binding targets.
const (
	TargetPostgres = "postgres"
	TargetVector   = "vector"
)

// RelationalRecords is the relational side of record persistence.
type RelationalRecords interface {
	CreatePending(ctx context.Context, requestID uuid.UUID, keys []string, snapshots [][]byte) error
	Update(ctx context.Context, rec *storage.ProcessingRecord) error
	ListByRequest(ctx context.Context, requestID uuid.UUID, status storage.RecordStatus) ([]*storage.ProcessingRecord, error)
	ResetFailed(ctx context.Context, requestID uuid.UUID) ([]string, error)
	Progress(ctx context.Context, requestID uuid.UUID) (*storage.RequestProgress, error)
}

// RecordStore routes per-item processing persistence through the
// fabric. The relational store is the primary; when it is unavailable,
// record snapshots and progress reads degrade to the vector-backed
// progress collection so batch status stays observable. Input
// snapshots and full record listings stay relational-only, so a
// degraded run keeps its progress but cannot start new work.
type RecordStore struct {
	router     *Router
	relational RelationalRecords
	progress   *VectorProgressStore
}

// NewRecordStore creates the fabric-routed record store. The caller
// binds KindProcessingProgress with the postgres and vector targets.
func NewRecordStore(router *Router, relational RelationalRecords, progress *VectorProgressStore) *RecordStore {
	return &RecordStore{router: router, relational: relational, progress: progress}
}

// CreatePending writes the request's pending records.
func (s *RecordStore) CreatePending(ctx context.Context, requestID uuid.UUID, keys []string, snapshots [][]byte) error {
	return s.router.Write(ctx, KindProcessingProgress, requestID, func(ctx context.Context, target string) error {
		if target == TargetVector {
			now := time.Now()
			for _, key := range keys {
				rec := &storage.ProcessingRecord{
					RequestID:   requestID,
					MaterialKey: key,
					Status:      storage.RecordStatusPending,
					Stage:       storage.StageParse,
					UpdatedAt:   now,
				}
				if err := s.progress.UpsertRecord(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		}
		return s.relational.CreatePending(ctx, requestID, keys, snapshots)
	}, nil)
}

// Update persists one record transition. The vector replay is an
// upsert keyed by (request, material_key), so a retried write cannot
// duplicate.
func (s *RecordStore) Update(ctx context.Context, rec *storage.ProcessingRecord) error {
	return s.router.Write(ctx, KindProcessingProgress, recordPointID(rec.RequestID, rec.MaterialKey),
		func(ctx context.Context, target string) error {
			if target == TargetVector {
				return s.progress.UpsertRecord(ctx, rec)
			}
			return s.relational.Update(ctx, rec)
		}, nil)
}

// ListByRequest returns full records with snapshots and outputs. Only
// the relational store holds those, so this does not degrade.
func (s *RecordStore) ListByRequest(ctx context.Context, requestID uuid.UUID, status storage.RecordStatus) ([]*storage.ProcessingRecord, error) {
	return s.relational.ListByRequest(ctx, requestID, status)
}

// ResetFailed moves failed records back to pending, relational-only.
func (s *RecordStore) ResetFailed(ctx context.Context, requestID uuid.UUID) ([]string, error) {
	return s.relational.ResetFailed(ctx, requestID)
}

// ReapTerminal deletes aged terminal records from the vector progress
// collection. The relational side is reaped with its parent request
// rows; this covers the state degraded runs left behind.
func (s *RecordStore) ReapTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	return s.progress.ReapTerminal(ctx, cutoff)
}

// Progress aggregates record status, falling back to the vector scan
// when the relational store is unavailable.
func (s *RecordStore) Progress(ctx context.Context, requestID uuid.UUID) (*storage.RequestProgress, error) {
	var out *storage.RequestProgress
	err := s.router.Read(ctx, KindProcessingProgress, func(ctx context.Context, target string) error {
		var readErr error
		if target == TargetVector {
			out, readErr = s.progress.Progress(ctx, requestID)
		} else {
			out, readErr = s.relational.Progress(ctx, requestID)
		}
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
