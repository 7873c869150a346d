package repositories

import (
	"context"
	"fmt"

	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/sqlsafe"
)

// Column describes one column of an inspected table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

// CatalogRepository provides read-only access to the Postgres catalog. The
// pipeline stages use it to decide what already exists before mutating
// anything, and the duplicate detector uses it to exclude constrained columns.
type CatalogRepository interface {
	TableExists(ctx context.Context, schema, table string) (bool, error)
	ColumnExists(ctx context.Context, schema, table, column string) (bool, error)
	TableHasPrimaryKey(ctx context.Context, schema, table string) (bool, error)
	// TableColumns returns the table's columns in ordinal order, or an empty
	// slice when the table does not exist.
	TableColumns(ctx context.Context, schema, table string) ([]Column, error)
	// ColumnIsUniqueOrPK reports whether the column participates in a primary
	// key or unique constraint, or is covered by a unique index that was never
	// declared as a table constraint.
	ColumnIsUniqueOrPK(ctx context.Context, schema, table, column string) (bool, error)
	ListTables(ctx context.Context, schema string) ([]string, error)
	CountTableRows(ctx context.Context, schema, table string) (int64, error)
}

type catalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(db *database.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

var _ CatalogRepository = (*catalogRepository)(nil)

func (r *catalogRepository) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var regclass *string
	err := r.db.QueryRow(ctx, `SELECT to_regclass($1)::text`, schema+"."+table).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return regclass != nil, nil
}

func (r *catalogRepository) ColumnExists(ctx context.Context, schema, table, column string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, schema, table, column).Scan(&exists); err != nil {
		return false, fmt.Errorf("check column %s.%s.%s: %w", schema, table, column, err)
	}
	return exists, nil
}

func (r *catalogRepository) TableHasPrimaryKey(ctx context.Context, schema, table string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.table_constraints
			WHERE table_schema = $1 AND table_name = $2 AND constraint_type = 'PRIMARY KEY'
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, schema, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check primary key %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func (r *catalogRepository) TableColumns(ctx context.Context, schema, table string) ([]Column, error) {
	const query = `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := r.db.Query(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	return columns, nil
}

// ColumnIsUniqueOrPK checks declared constraints first, then falls back to
// pg_index. The second check matters because unique indexes created directly
// (rather than via a constraint) never show up in table_constraints.
func (r *catalogRepository) ColumnIsUniqueOrPK(ctx context.Context, schema, table, column string) (bool, error) {
	const constraintQuery = `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name
			 AND tc.table_schema = kcu.table_schema
			WHERE tc.table_schema = $1
			  AND tc.table_name = $2
			  AND kcu.column_name = $3
			  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		)`

	var constrained bool
	if err := r.db.QueryRow(ctx, constraintQuery, schema, table, column).Scan(&constrained); err != nil {
		return false, fmt.Errorf("check constraints on %s.%s.%s: %w", schema, table, column, err)
	}
	if constrained {
		return true, nil
	}

	const indexQuery = `
		SELECT EXISTS (
			SELECT 1
			FROM pg_index i
			JOIN pg_class t ON t.oid = i.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(i.indkey)
			WHERE n.nspname = $1
			  AND t.relname = $2
			  AND a.attname = $3
			  AND i.indisunique
		)`

	var unique bool
	if err := r.db.QueryRow(ctx, indexQuery, schema, table, column).Scan(&unique); err != nil {
		return false, fmt.Errorf("check unique indexes on %s.%s.%s: %w", schema, table, column, err)
	}
	return unique, nil
}

func (r *catalogRepository) ListTables(ctx context.Context, schema string) ([]string, error) {
	const query = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	rows, err := r.db.Query(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	return tables, nil
}

func (r *catalogRepository) CountTableRows(ctx context.Context, schema, table string) (int64, error) {
	qualified, err := sqlsafe.QualifiedTable(schema, table)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, qualified)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", qualified, err)
	}
	return count, nil
}
