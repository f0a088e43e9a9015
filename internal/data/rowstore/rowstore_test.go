package rowstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/harvestly/ingest-backend/internal/data/repos/testutil"
	"github.com/harvestly/ingest-backend/internal/data/rowstore"
	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
)

func TestRowStoreInsertQueryCount(t *testing.T) {
	// testutil.DB runs the service migration set, so the sink tables
	// must already exist without any per-test DDL.
	db := testutil.DB(t)

	store := rowstore.New(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	docID := uuid.New().String()

	rows := []map[string]interface{}{
		{"id": uuid.New().String(), "document_id": docID, "page_id": "p1", "page_no": 1, "text": "a", "confidence": 0.9, "created_at": time.Now()},
		{"id": uuid.New().String(), "document_id": docID, "page_id": "p2", "page_no": 2, "text": "b", "confidence": 0.8, "created_at": time.Now()},
	}
	if err := store.Insert(dbc, "document_page", rows); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(dbc, "document_page", nil); err != nil {
		t.Fatalf("Insert empty: %v", err)
	}

	got, err := store.Query(dbc, "document_page", map[string]interface{}{"document_id": docID}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}

	n, err := store.Count(dbc, "document_page", map[string]interface{}{"document_id": docID})
	if err != nil || n != 2 {
		t.Fatalf("Count: n=%d err=%v", n, err)
	}

	limited, err := store.Query(dbc, "document_page", nil, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited Query: len=%d err=%v", len(limited), err)
	}
}

func TestMigrationsCreateResultTables(t *testing.T) {
	db := testutil.DB(t)
	store := rowstore.New(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	row := map[string]interface{}{
		"id":          uuid.New().String(),
		"document_id": uuid.New().String(),
		"job_id":      uuid.New().String(),
		"pages":       3,
		"confidence":  0.92,
		"entities":    5,
		"created_at":  time.Now(),
	}
	if err := store.Insert(dbc, "document_result", []map[string]interface{}{row}); err != nil {
		t.Fatalf("Insert into document_result: %v", err)
	}
	n, err := store.Count(dbc, "document_result", map[string]interface{}{"job_id": row["job_id"]})
	if err != nil || n != 1 {
		t.Fatalf("Count: n=%d err=%v", n, err)
	}
}
