// Package resolve discovers provisioned paths so that administration flows
// can address the engines without knowing the tree in advance. The engines
// themselves never search; they only operate on the path they are given.
package resolve

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/kbq/internal/provision"
	"github.com/roach88/kbq/internal/txn"
)

// Query selects provisioned paths of one kind. Pattern is an ltree lquery
// (e.g. "svc.*", "*.worker_*"); empty matches every path.
type Query struct {
	Kind    provision.Kind
	Pattern string
}

// Resolver turns a query into concrete paths.
type Resolver interface {
	ResolvePaths(ctx context.Context, q Query) ([]string, error)
}

// SQLResolver resolves against the slot tables.
type SQLResolver struct {
	db *sql.DB
}

var _ Resolver = (*SQLResolver)(nil)

// NewSQLResolver creates a resolver over db.
func NewSQLResolver(db *sql.DB) *SQLResolver {
	return &SQLResolver{db: db}
}

// ResolvePaths returns the distinct paths holding pools of q.Kind, sorted.
// A malformed pattern is reported by the database as an unexpected error.
func (r *SQLResolver) ResolvePaths(ctx context.Context, q Query) ([]string, error) {
	kind, err := provision.ParseKind(string(q.Kind))
	if err != nil {
		return nil, err
	}
	pattern := strings.TrimSpace(q.Pattern)
	if strings.ContainsAny(pattern, " \t\n") {
		return nil, txn.Invalid("pattern", pattern, "pattern must not contain whitespace")
	}

	column := kind.PathColumn()
	query := `SELECT DISTINCT ` + column + `::text FROM ` + kind.Table()
	var args []any
	if pattern != "" {
		query += ` WHERE ` + column + ` ~ $1::lquery`
		args = append(args, pattern)
	}
	query += ` ORDER BY 1`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve %s paths: %w", kind, err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paths: %w", err)
	}
	return paths, nil
}
