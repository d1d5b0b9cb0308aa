package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
)

func newMock(t *testing.T) (DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func materialRows(m *Material) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "use_category", "unit", "sku", "description", "color", "created_at", "updated_at",
	}).AddRow(m.ID, m.Name, m.UseCategory, m.Unit, m.SKU, m.Description, m.Color, m.CreatedAt, m.UpdatedAt)
}

func TestMaterialRepository_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)

	m := &Material{Name: "Цемент М500", UseCategory: "cement", Unit: "kg"}

	mock.ExpectExec("INSERT INTO materials").
		WithArgs(sqlmock.AnyArg(), m.Name, m.UseCategory, m.Unit, nil, nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), m))
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterialRepository_CreateDuplicateSKU(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)

	mock.ExpectExec("INSERT INTO materials").
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "materials_sku_unique"})

	err := repo.Create(context.Background(), &Material{Name: "x", Unit: "kg"})
	assert.ErrorIs(t, err, dberr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterialRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)

	id := uuid.New()
	mock.ExpectQuery("SELECT .+ FROM materials WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestMaterialRepository_UpdateMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)

	mock.ExpectExec("UPDATE materials").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &Material{ID: uuid.New(), Name: "x", Unit: "kg"})
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestMaterialRepository_DeleteTwice(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM materials").WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM materials").WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), id))
	assert.ErrorIs(t, repo.Delete(context.Background(), id), dberr.ErrNotFound)
}

func TestMaterialRepository_BulkCreateSkipsDuplicates(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)
	ctx := context.Background()

	existing := &Material{
		ID: uuid.New(), Name: "Кирпич", Unit: "шт",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}

	// First item is new, second already exists, third repeats the first
	// within the same batch.
	mock.ExpectQuery("SELECT .+ FROM materials WHERE name").
		WithArgs("Цемент", "kg").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO materials").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .+ FROM materials WHERE name").
		WithArgs("Кирпич", "шт").
		WillReturnRows(materialRows(existing))

	res, err := repo.BulkCreate(ctx, []*Material{
		{Name: "Цемент", Unit: "kg"},
		{Name: "Кирпич", Unit: "шт"},
		{Name: "Цемент", Unit: "kg"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
	assert.Equal(t, []string{"Кирпич", "Цемент"}, res.Duplicates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterialRepository_LexicalSearch(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMaterialRepository(db)

	m := &Material{ID: uuid.New(), Name: "Цемент М500", Unit: "kg",
		CreatedAt: time.Now(), UpdatedAt: time.Now()}
	rows := sqlmock.NewRows([]string{
		"id", "name", "use_category", "unit", "sku", "description", "color",
		"created_at", "updated_at", "rank",
	}).AddRow(m.ID, m.Name, m.UseCategory, m.Unit, m.SKU, m.Description, m.Color,
		m.CreatedAt, m.UpdatedAt, 0.72)

	mock.ExpectQuery("similarity").
		WithArgs("цемент", 10).
		WillReturnRows(rows)

	got, scores, err := repo.LexicalSearch(context.Background(), "цемент", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
	assert.InDelta(t, 0.72, scores[0], 1e-9)
}

func TestProcessingRequestRepository_StatusTransitions(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProcessingRequestRepository(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE processing_requests").
		WithArgs(id, RequestStatusProcessing, nil, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE processing_requests").
		WithArgs(id, RequestStatusCompleted, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, repo.UpdateStatus(ctx, id, RequestStatusProcessing, nil))
	require.NoError(t, repo.UpdateStatus(ctx, id, RequestStatusCompleted, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessingRecordRepository_CreatePending(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProcessingRecordRepository(db)
	id := uuid.New()

	mock.ExpectExec("INSERT INTO processing_records").
		WithArgs(id, "item-1", []byte(`{"name":"a"}`), sqlmock.AnyArg(),
			"item-2", []byte(`{"name":"b"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.CreatePending(context.Background(), id,
		[]string{"item-1", "item-2"},
		[][]byte{[]byte(`{"name":"a"}`), []byte(`{"name":"b"}`)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessingRecordRepository_CreatePendingLengthMismatch(t *testing.T) {
	db, _ := newMock(t)
	repo := NewProcessingRecordRepository(db)

	err := repo.CreatePending(context.Background(), uuid.New(),
		[]string{"a", "b"}, [][]byte{nil})
	assert.ErrorIs(t, err, dberr.ErrQuery)
}

func TestProcessingRecordRepository_ResetFailed(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProcessingRecordRepository(db)
	id := uuid.New()

	mock.ExpectQuery("UPDATE processing_records").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"material_key"}).
			AddRow("item-3").AddRow("item-7"))

	keys, err := repo.ResetFailed(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-3", "item-7"}, keys)
}

func TestProcessingRecordRepository_Progress(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProcessingRecordRepository(db)
	id := uuid.New()

	mock.ExpectQuery("SELECT status, count").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).AddRow("succeeded", 5).AddRow("failed", 2))

	p, err := repo.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, p.Total)
	assert.Equal(t, 3, p.Pending)
	assert.Equal(t, 5, p.Succeeded)
	assert.Equal(t, 2, p.Failed)
}

func TestRequestStatus_Terminal(t *testing.T) {
	assert.False(t, RequestStatusQueued.Terminal())
	assert.False(t, RequestStatusProcessing.Terminal())
	assert.True(t, RequestStatusCompleted.Terminal())
	assert.True(t, RequestStatusFailed.Terminal())
	assert.True(t, RequestStatusCancelled.Terminal())
}

func TestUnitRepository_GetByName(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUnitRepository(db)

	u := &Unit{ID: uuid.New(), Name: "м3", CreatedAt: time.Now()}
	mock.ExpectQuery("SELECT .+ FROM units WHERE name").
		WithArgs("м3").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow(u.ID, u.Name, nil, u.CreatedAt))

	got, err := repo.GetByName(context.Background(), "м3")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}
