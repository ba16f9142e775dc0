package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/store"
)

type exampleLedgerRepo struct {
	runs []store.Run
}

func (e *exampleLedgerRepo) StartRun(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (e *exampleLedgerRepo) FinishRun(context.Context, store.Run) error {
	return nil
}

func (e *exampleLedgerRepo) RecordItems(context.Context, []store.ItemRecord) error {
	return nil
}

func (e *exampleLedgerRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return e.runs[0], nil
}

func (e *exampleLedgerRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return e.runs, nil
}

func (e *exampleLedgerRepo) ListItems(context.Context, uuid.UUID, int, int) ([]store.ItemRecord, error) {
	return nil, nil
}

// ExampleLedgerHandler_ListRuns shows how to serve the /v1/runs endpoint.
func ExampleLedgerHandler_ListRuns() {
	repo := &exampleLedgerRepo{
		runs: []store.Run{{
			ID:        uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
			Status:    store.RunSuccess,
			StartedAt: time.Unix(0, 0),
			Completed: 12,
		}},
	}
	handler := NewLedgerHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, completed: %v\n", len(payload.Runs), payload.Runs[0]["completed"])
	// Output:
	// returned runs: 1, completed: 12
}
