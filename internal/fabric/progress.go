package fabric

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

// ProgressCollection is the vector collection used when the relational
// store is unavailable and progress tracking degrades to vector-backed
// records.
const ProgressCollection = "processing_records"

// VectorProgressStore mirrors processing records into a vector
// collection whose payload carries the record fields. The vectors
// themselves are deterministic placeholders; only the payload matters.
// Reads are filtered scans with aggregation, O(N) in records.
type VectorProgressStore struct {
	store     vectorstore.Store
	dimension int
}

// NewVectorProgressStore creates a degraded-mode progress store.
func NewVectorProgressStore(store vectorstore.Store, dimension int) *VectorProgressStore {
	return &VectorProgressStore{store: store, dimension: dimension}
}

// recordPointID derives the stable point id from the record's
// composite key, so replays upsert rather than duplicate.
func recordPointID(requestID uuid.UUID, materialKey string) uuid.UUID {
	return uuid.NewSHA1(requestID, []byte(materialKey))
}

// UpsertRecord writes one record snapshot into the collection.
func (s *VectorProgressStore) UpsertRecord(ctx context.Context, rec *storage.ProcessingRecord) error {
	payload := map[string]interface{}{
		"request_id":   rec.RequestID.String(),
		"material_key": rec.MaterialKey,
		"status":       string(rec.Status),
		"stage":        string(rec.Stage),
		"attempts":     rec.Attempts,
		"updated_at":   rec.UpdatedAt.UTC().Unix(),
	}
	if rec.Error != nil {
		payload["error"] = *rec.Error
	}

	point := vectorstore.Point{
		ID:      recordPointID(rec.RequestID, rec.MaterialKey),
		Vector:  embedding.FallbackVector(rec.MaterialKey, s.dimension),
		Payload: payload,
	}
	return s.store.Upsert(ctx, ProgressCollection, []vectorstore.Point{point})
}

// Progress aggregates a request's records by status.
func (s *VectorProgressStore) Progress(ctx context.Context, requestID uuid.UUID) (*storage.RequestProgress, error) {
	points, err := s.store.List(ctx, ProgressCollection, &vectorstore.Filter{
		Equals: map[string]interface{}{"request_id": requestID.String()},
	}, 0)
	if err != nil {
		return nil, err
	}

	progress := &storage.RequestProgress{}
	for _, p := range points {
		progress.Total++
		status, _ := p.Payload["status"].(string)
		switch storage.RecordStatus(status) {
		case storage.RecordStatusPending:
			progress.Pending++
		case storage.RecordStatusInProgress:
			progress.InProgress++
		case storage.RecordStatusSucceeded:
			progress.Succeeded++
		case storage.RecordStatusFailed:
			progress.Failed++
		}
	}
	return progress, nil
}

// ReapTerminal deletes terminal records last touched before the cutoff
// and returns how many were removed.
func (s *VectorProgressStore) ReapTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	points, err := s.store.List(ctx, ProgressCollection, nil, 0)
	if err != nil {
		return 0, err
	}

	reaped := 0
	cut := cutoff.UTC().Unix()
	for _, p := range points {
		status, _ := p.Payload["status"].(string)
		if !storage.RecordStatus(status).Terminal() {
			continue
		}
		updated, ok := toInt64(p.Payload["updated_at"])
		if !ok || updated >= cut {
			continue
		}
		if err := s.store.Delete(ctx, ProgressCollection, p.ID); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
