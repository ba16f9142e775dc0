package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/store"
)

func TestLedgerHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := &mockLedgerRepo{
		runs: []store.Run{{
			ID:        uuid.New(),
			Status:    store.RunSuccess,
			StartedAt: time.Now().Add(-time.Hour),
			Completed: 4,
		}},
	}
	handler := NewLedgerHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=success&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, 4, body.Runs[0].Completed)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunSuccess, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
}

func TestLedgerHandlerListRunsClampsLimit(t *testing.T) {
	t.Parallel()

	repo := &mockLedgerRepo{}
	handler := NewLedgerHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=100000&offset=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxRunLimit, repo.lastLimit)
	require.Equal(t, 5, repo.lastOffset)
	require.Nil(t, repo.lastStatus)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestLedgerHandlerListRunsInvalidStatus(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?status=exploded", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerHandlerListRunsRepoError(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{err: errors.New("db down")}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLedgerHandlerNilRepo(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLedgerHandlerGetRunNotFound(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{err: store.ErrNotFound}, zap.NewNop())

	runID := uuid.New()
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil), runID.String())
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerHandlerGetRunInvalidID(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{}, zap.NewNop())
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil), "nope")
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerHandlerListItemsInvalidLimit(t *testing.T) {
	t.Parallel()

	handler := NewLedgerHandler(&mockLedgerRepo{}, zap.NewNop())
	runID := uuid.New()
	req := withRunIDParam(
		httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/items?limit=-1", nil),
		runID.String(),
	)
	rec := httptest.NewRecorder()
	handler.ListItems(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerRoutesLedgerEndpoints(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	reason := "drained"
	repo := &mockLedgerRepo{
		runs: []store.Run{{ID: runID, Status: store.RunPartial, StartedAt: time.Unix(0, 0).UTC(), EndReason: &reason}},
		items: []store.ItemRecord{{
			RunID:   runID,
			Source:  "a/book.xlsx",
			Row:     2,
			Session: "main",
			Outcome: store.ItemDone,
			Attempt: 1,
			At:      time.Unix(5, 0).UTC(),
		}},
	}
	server := NewServer(Options{Ledger: NewLedgerHandler(repo, zap.NewNop())}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runBody struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runBody))
	require.Equal(t, runID.String(), runBody.Run.ID)
	require.Equal(t, "partial", runBody.Run.Status)
	require.NotNil(t, runBody.Run.EndReason)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var itemsBody struct {
		Items []itemDTO `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &itemsBody))
	require.Len(t, itemsBody.Items, 1)
	require.Equal(t, "done", itemsBody.Items[0].Outcome)
	require.Empty(t, itemsBody.Items[0].Artifacts)
	require.Equal(t, defaultItemLimit, repo.lastLimit)
}

type mockLedgerRepo struct {
	mu         sync.Mutex
	runs       []store.Run
	items      []store.ItemRecord
	err        error
	lastStatus *store.RunStatus
	lastLimit  int
	lastOffset int
}

func (m *mockLedgerRepo) StartRun(context.Context, uuid.UUID, time.Time) error {
	return m.err
}

func (m *mockLedgerRepo) FinishRun(context.Context, store.Run) error {
	return m.err
}

func (m *mockLedgerRepo) RecordItems(context.Context, []store.ItemRecord) error {
	return m.err
}

func (m *mockLedgerRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	if len(m.runs) > 0 {
		return m.runs[0], nil
	}
	return store.Run{}, m.err
}

func (m *mockLedgerRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStatus, m.lastLimit, m.lastOffset = status, limit, offset
	return m.runs, m.err
}

func (m *mockLedgerRepo) ListItems(_ context.Context, _ uuid.UUID, limit, offset int) ([]store.ItemRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit, m.lastOffset = limit, offset
	return m.items, m.err
}

func withRunIDParam(r *http.Request, runID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", runID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
