package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const modelSchemaSQL = `
CREATE TABLE IF NOT EXISTS genpipe_models (
    id               VARCHAR(64)  PRIMARY KEY,
    provider         VARCHAR(64)  NOT NULL,
    api_format       VARCHAR(32)  NOT NULL,
    endpoint         TEXT         NOT NULL,
    api_key          TEXT         NOT NULL,
    output_type      VARCHAR(32)  NOT NULL,
    priority         INTEGER      NOT NULL DEFAULT 0,
    weight           INTEGER      NOT NULL DEFAULT 0,
    status           VARCHAR(32)  NOT NULL,
    is_active        INTEGER      NOT NULL DEFAULT 0,
    cost_per_request INTEGER      NOT NULL DEFAULT 0
);
`

func openCatalogDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(modelSchemaSQL); err != nil {
		db.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedModel(t *testing.T, db *sql.DB, m ModelRecord) {
	t.Helper()
	active := 0
	if m.IsActive {
		active = 1
	}
	_, err := db.Exec(`INSERT INTO genpipe_models
		(id, provider, api_format, endpoint, api_key, output_type, priority, weight, status, is_active, cost_per_request)
		VALUES (?, ?, ?, ?, ?, 'image', ?, ?, ?, ?, ?)`,
		m.ID, m.Provider, m.APIFormat, m.Endpoint, m.APIKey, m.Priority, m.Weight, m.Status, active, m.CostPerRequest)
	if err != nil {
		t.Fatalf("seed model %s: %v", m.ID, err)
	}
}

// noCache disables the selector cache so every call hits the catalog.
var noCache = SelectorOptions{CacheTTL: -1}

func TestSelector_StrictMatchWinsByPriorityThenWeight(t *testing.T) {
	db := openCatalogDB(t, "sel_strict")
	seedModel(t, db, ModelRecord{ID: "low", Provider: "a", APIFormat: "chat", Status: "active", IsActive: true, Priority: 3, Weight: 9})
	seedModel(t, db, ModelRecord{ID: "high", Provider: "a", APIFormat: "chat", Status: "active", IsActive: true, Priority: 8, Weight: 1})
	seedModel(t, db, ModelRecord{ID: "heavy", Provider: "a", APIFormat: "chat", Status: "active", IsActive: true, Priority: 8, Weight: 5})

	sel := NewSelector(NewSQLCatalog(db), noCache)
	m, err := sel.SelectBestModel(context.Background(), Requirements{OutputType: "image"})
	if err != nil {
		t.Fatalf("SelectBestModel: %v", err)
	}
	if m.ID != "heavy" {
		t.Fatalf("want heavy (priority 8, weight 5) got %s", m.ID)
	}
}

func TestSelector_FallsBackToStatusOnly(t *testing.T) {
	db := openCatalogDB(t, "sel_status")
	// status says active but the flag was never migrated.
	seedModel(t, db, ModelRecord{ID: "m1", Provider: "a", APIFormat: "chat", Status: "active", IsActive: false, Priority: 5})

	sel := NewSelector(NewSQLCatalog(db), noCache)
	m, err := sel.SelectBestModel(context.Background(), Requirements{OutputType: "image"})
	if err != nil {
		t.Fatalf("SelectBestModel: %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("want m1 got %s", m.ID)
	}
}

func TestSelector_FallsBackToFlagOnly(t *testing.T) {
	db := openCatalogDB(t, "sel_flag")
	seedModel(t, db, ModelRecord{ID: "m1", Provider: "a", APIFormat: "chat", Status: "migrating", IsActive: true, Priority: 5})

	sel := NewSelector(NewSQLCatalog(db), noCache)
	m, err := sel.SelectBestModel(context.Background(), Requirements{OutputType: "image"})
	if err != nil {
		t.Fatalf("SelectBestModel: %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("want m1 got %s", m.ID)
	}
}

func TestSelector_EmptyChainReportsCatalogSize(t *testing.T) {
	db := openCatalogDB(t, "sel_empty")
	seedModel(t, db, ModelRecord{ID: "off1", Provider: "a", APIFormat: "chat", Status: "disabled", IsActive: false})
	seedModel(t, db, ModelRecord{ID: "off2", Provider: "a", APIFormat: "chat", Status: "disabled", IsActive: false})

	sel := NewSelector(NewSQLCatalog(db), noCache)
	_, err := sel.SelectBestModel(context.Background(), Requirements{OutputType: "image"})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError got %v", err)
	}
	if nf.TotalModels != 2 {
		t.Fatalf("want 2 catalog rows in error got %d", nf.TotalModels)
	}
}

func TestPGRebind(t *testing.T) {
	got := pgRebind(`SELECT id FROM genpipe_models WHERE status = ? AND is_active = ?`)
	want := `SELECT id FROM genpipe_models WHERE status = $1 AND is_active = $2`
	if got != want {
		t.Fatalf("want %q got %q", want, got)
	}
	if got := pgRebind(`SELECT COUNT(*) FROM genpipe_models`); got != `SELECT COUNT(*) FROM genpipe_models` {
		t.Fatalf("query without placeholders must be unchanged: %q", got)
	}
}

type countingCatalog struct {
	inner Catalog
	picks int
}

func (c *countingCatalog) Pick(ctx context.Context, req Requirements, f Filter) (*ModelRecord, error) {
	c.picks++
	return c.inner.Pick(ctx, req, f)
}

func (c *countingCatalog) Count(ctx context.Context) (int, error) {
	return c.inner.Count(ctx)
}

func TestSelector_CachesPicks(t *testing.T) {
	db := openCatalogDB(t, "sel_cache")
	seedModel(t, db, ModelRecord{ID: "m1", Provider: "a", APIFormat: "chat", Status: "active", IsActive: true, Priority: 5})

	counting := &countingCatalog{inner: NewSQLCatalog(db)}
	sel := NewSelector(counting, SelectorOptions{CacheTTL: time.Minute})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := sel.SelectBestModel(ctx, Requirements{OutputType: "image"}); err != nil {
			t.Fatalf("SelectBestModel: %v", err)
		}
	}
	if counting.picks != 1 {
		t.Fatalf("want 1 catalog query across 5 selections, got %d", counting.picks)
	}
}
