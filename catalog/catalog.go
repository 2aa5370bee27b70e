// Package catalog selects an upstream generation model from a ranked catalog.
// The catalog is owned elsewhere; this package only reads it.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ModelRecord is one row of the model catalog. Read-only here.
type ModelRecord struct {
	ID             string
	Provider       string
	APIFormat      string
	Endpoint       string
	APIKey         string // may be an indirection token like {{NAME}}
	Priority       int
	Weight         int
	Status         string
	IsActive       bool
	CostPerRequest int64
}

// Requirements narrows the candidate set for one request.
type Requirements struct {
	OutputType string // e.g. "image"
	Provider   string // optional pin to one provider
}

func (r Requirements) key() string {
	return r.OutputType + "|" + r.Provider
}

// Filter is one step of the selection fallback chain.
type Filter int

const (
	// FilterStrict matches status = 'active' AND is_active.
	FilterStrict Filter = iota
	// FilterStatus matches status = 'active' regardless of the flag.
	FilterStatus
	// FilterFlag matches is_active regardless of status.
	FilterFlag
)

// Catalog reads candidate models. Pick returns nil (no error) when no row
// matches; ordering is priority desc then weight desc, first row wins.
type Catalog interface {
	Pick(ctx context.Context, req Requirements, f Filter) (*ModelRecord, error)
	Count(ctx context.Context) (int, error)
}

// SQLCatalog reads the catalog from a relational DB.
type SQLCatalog struct {
	db *sql.DB
}

func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

func (c *SQLCatalog) Pick(ctx context.Context, req Requirements, f Filter) (*ModelRecord, error) {
	if c.db == nil {
		return nil, errors.New("nil db")
	}
	where := []string{}
	args := []any{}
	switch f {
	case FilterStrict:
		where = append(where, "status = 'active'", "is_active = 1")
	case FilterStatus:
		where = append(where, "status = 'active'")
	case FilterFlag:
		where = append(where, "is_active = 1")
	default:
		return nil, fmt.Errorf("unknown filter %d", f)
	}
	if req.OutputType != "" {
		where = append(where, "output_type = ?")
		args = append(args, req.OutputType)
	}
	if req.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, req.Provider)
	}
	q := `SELECT id, provider, api_format, endpoint, api_key, priority, weight,
		status, is_active, cost_per_request FROM genpipe_models
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY priority DESC, weight DESC LIMIT 1`
	m, err := scanModel(c.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		m, err2 := scanModel(c.db.QueryRowContext(ctx, pgRebind(q), args...))
		if err2 != nil {
			if errors.Is(err2, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		return m, nil
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*ModelRecord, error) {
	m := ModelRecord{}
	var active int
	if err := row.Scan(&m.ID, &m.Provider, &m.APIFormat, &m.Endpoint, &m.APIKey,
		&m.Priority, &m.Weight, &m.Status, &active, &m.CostPerRequest); err != nil {
		return nil, err
	}
	m.IsActive = active != 0
	return &m, nil
}

// pgRebind rewrites '?' placeholders to '$N', mirroring the task store's
// fallback so both SQL layers behave the same against Postgres drivers.
func pgRebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLCatalog) Count(ctx context.Context) (int, error) {
	if c.db == nil {
		return 0, errors.New("nil db")
	}
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM genpipe_models`).Scan(&n)
	return n, err
}
