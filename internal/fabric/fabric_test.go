package fabric

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/pipeline"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

func newRouter() *Router {
	return NewRouter(5*time.Second, nil)
}

func TestRouter_ReadFallsThroughOnConnectionError(t *testing.T) {
	r := newRouter()
	r.Bind(KindMaterialRead,
		NewBinding("postgres", time.Second),
		NewBinding("vector", time.Second),
	)

	var targets []string
	err := r.Read(context.Background(), KindMaterialRead, func(ctx context.Context, target string) error {
		targets = append(targets, target)
		if target == "postgres" {
			return dberr.ErrConnection
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "vector", targets[len(targets)-1])
	assert.Equal(t, "postgres", targets[0])
}

func TestRouter_ReadSurfacesQueryErrorImmediately(t *testing.T) {
	r := newRouter()
	r.Bind(KindMaterialRead,
		NewBinding("postgres", time.Second),
		NewBinding("vector", time.Second),
	)

	calls := 0
	err := r.Read(context.Background(), KindMaterialRead, func(ctx context.Context, target string) error {
		calls++
		return dberr.ErrQuery
	})
	assert.ErrorIs(t, err, dberr.ErrQuery)
	assert.Equal(t, 1, calls, "query errors must not fall through or retry")
}

func TestRouter_ReadRetriesTimeoutOnce(t *testing.T) {
	r := newRouter()
	r.Bind(KindVectorSearch, NewBinding("vector", time.Second))

	attempts := 0
	err := r.Read(context.Background(), KindVectorSearch, func(ctx context.Context, target string) error {
		attempts++
		if attempts == 1 {
			return dberr.ErrTimeout
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRouter_ReadNoBinding(t *testing.T) {
	r := newRouter()
	err := r.Read(context.Background(), KindLexicalSearch, func(ctx context.Context, target string) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNoBinding)
}

func TestRouter_WriteReplaysOnFallback(t *testing.T) {
	r := newRouter()
	r.Bind(KindMaterialWrite,
		NewBinding("postgres", time.Second),
		NewBinding("vector", time.Second),
	)

	id := uuid.New()
	writes := map[string]int{}
	err := r.Write(context.Background(), KindMaterialWrite, id,
		func(ctx context.Context, target string) error {
			writes[target]++
			if target == "postgres" {
				return dberr.ErrConnection
			}
			return nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, writes["postgres"])
	assert.Equal(t, 1, writes["vector"])
}

func TestRouter_WriteCompensatesAfterTimeout(t *testing.T) {
	r := newRouter()
	r.Bind(KindMaterialWrite,
		NewBinding("postgres", time.Second),
		NewBinding("vector", time.Second),
	)

	var compensated []string
	err := r.Write(context.Background(), KindMaterialWrite, uuid.New(),
		func(ctx context.Context, target string) error {
			if target == "postgres" {
				return dberr.ErrTimeout
			}
			return nil
		},
		func(ctx context.Context, target string) error {
			compensated = append(compensated, target)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres"}, compensated)
}

func TestRouter_WriteQueryErrorSurfaces(t *testing.T) {
	r := newRouter()
	r.Bind(KindMaterialWrite,
		NewBinding("postgres", time.Second),
		NewBinding("vector", time.Second),
	)

	calls := 0
	err := r.Write(context.Background(), KindMaterialWrite, uuid.New(),
		func(ctx context.Context, target string) error {
			calls++
			return dberr.ErrConflict
		}, nil)
	assert.ErrorIs(t, err, dberr.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRouter_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	r := newRouter()
	b := NewBinding("postgres", time.Second)
	r.Bind(KindMaterialRead, b)

	for i := 0; i < 6; i++ {
		_ = r.Read(context.Background(), KindMaterialRead, func(ctx context.Context, target string) error {
			return dberr.ErrConnection
		})
	}
	assert.True(t, b.Open())

	_, degraded := r.Health()
	assert.True(t, degraded)
}

func TestVectorProgressStore_Aggregation(t *testing.T) {
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore(8)
	ps := NewVectorProgressStore(vs, 8)
	requestID := uuid.New()

	mk := func(key string, status storage.RecordStatus) *storage.ProcessingRecord {
		return &storage.ProcessingRecord{
			RequestID:   requestID,
			MaterialKey: key,
			Status:      status,
			Stage:       storage.StageNormalize,
			UpdatedAt:   time.Now(),
		}
	}
	require.NoError(t, ps.UpsertRecord(ctx, mk("a", storage.RecordStatusSucceeded)))
	require.NoError(t, ps.UpsertRecord(ctx, mk("b", storage.RecordStatusFailed)))
	require.NoError(t, ps.UpsertRecord(ctx, mk("c", storage.RecordStatusPending)))

	// Upserting the same key again must not duplicate.
	require.NoError(t, ps.UpsertRecord(ctx, mk("a", storage.RecordStatusSucceeded)))

	p, err := ps.Progress(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Succeeded)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 1, p.Pending)
}

// The routed record store must expose reaping so the pipeline cleanup
// pass picks it up through the capability check.
var _ pipeline.TerminalReaper = (*RecordStore)(nil)

func TestVectorProgressStore_ReapTerminal(t *testing.T) {
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore(8)
	ps := NewVectorProgressStore(vs, 8)
	requestID := uuid.New()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, ps.UpsertRecord(ctx, &storage.ProcessingRecord{
		RequestID: requestID, MaterialKey: "stale",
		Status: storage.RecordStatusSucceeded, UpdatedAt: old,
	}))
	require.NoError(t, ps.UpsertRecord(ctx, &storage.ProcessingRecord{
		RequestID: requestID, MaterialKey: "stale-pending",
		Status: storage.RecordStatusPending, UpdatedAt: old,
	}))
	require.NoError(t, ps.UpsertRecord(ctx, &storage.ProcessingRecord{
		RequestID: requestID, MaterialKey: "fresh",
		Status: storage.RecordStatusSucceeded, UpdatedAt: time.Now(),
	}))

	reaped, err := ps.ReapTerminal(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, reaped, "only terminal records past the cutoff are reaped")

	p, err := ps.Progress(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
}

func TestCachedBody_SingleReadAndReplay(t *testing.T) {
	payload := `{"name":"Цемент М500"}`
	var viaHelper string
	var viaBody string

	h := CachedBody(DefaultBodyLimit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := BodyString(r.Context())
		require.NoError(t, err)
		viaHelper = s

		var decoded struct {
			Name string `json:"name"`
		}
		require.NoError(t, BodyJSON(r.Context(), &decoded))
		assert.Equal(t, "Цемент М500", decoded.Name)

		// The framework-facing body still replays the same bytes.
		buf := make([]byte, len(payload))
		n, _ := r.Body.Read(buf)
		viaBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/materials", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, viaHelper)
	assert.Equal(t, payload, viaBody)
}

func TestCachedBody_OversizedRejectedEarly(t *testing.T) {
	reached := false
	h := CachedBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/materials", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, reached)
	assert.Contains(t, rec.Body.String(), "request_too_large")
}

func TestCachedBody_SkipsGet(t *testing.T) {
	h := CachedBody(DefaultBodyLimit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := BodyBytes(r.Context())
		assert.ErrorIs(t, err, ErrNoBody)
	}))

	req := httptest.NewRequest(http.MethodGet, "/materials", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
}
