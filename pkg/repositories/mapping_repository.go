package repositories

import (
	"context"
	"fmt"

	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/sqlsafe"
)

// MappingRepository manages the normalization mapping table that pairs raw
// institution spellings with their canonical form.
type MappingRepository interface {
	// EnsureTable creates the mapping table and its unique index on the
	// original spelling when they do not exist yet.
	EnsureTable(ctx context.Context, schema string) error
	// Upsert inserts a mapping row, replacing the normalized value when the
	// original spelling is already present.
	Upsert(ctx context.Context, schema, original, normalized string) error
	Count(ctx context.Context, schema string) (int64, error)
}

type mappingRepository struct {
	db    *database.DB
	table string
}

// NewMappingRepository creates a new MappingRepository for the given table.
func NewMappingRepository(db *database.DB, table string) MappingRepository {
	return &mappingRepository{db: db, table: table}
}

var _ MappingRepository = (*mappingRepository)(nil)

func (r *mappingRepository) qualified(schema string) (string, error) {
	return sqlsafe.QualifiedTable(schema, r.table)
}

func (r *mappingRepository) EnsureTable(ctx context.Context, schema string) error {
	qualified, err := r.qualified(schema)
	if err != nil {
		return err
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			"original" TEXT NOT NULL,
			"normalized" TEXT NOT NULL
		)`, qualified)
	if _, err := r.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create mapping table %s: %w", qualified, err)
	}

	indexName := sqlsafe.QuoteIdentifier(r.table + "_original_idx")
	createIndex := fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ("original")`,
		indexName, qualified)
	if _, err := r.db.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("create mapping index on %s: %w", qualified, err)
	}

	return nil
}

func (r *mappingRepository) Upsert(ctx context.Context, schema, original, normalized string) error {
	qualified, err := r.qualified(schema)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s ("original", "normalized")
		VALUES ($1, $2)
		ON CONFLICT ("original") DO UPDATE SET "normalized" = EXCLUDED."normalized"`,
		qualified)
	if _, err := r.db.Exec(ctx, query, original, normalized); err != nil {
		return fmt.Errorf("upsert mapping %q: %w", original, err)
	}

	return nil
}

func (r *mappingRepository) Count(ctx context.Context, schema string) (int64, error) {
	qualified, err := r.qualified(schema)
	if err != nil {
		return 0, err
	}

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, qualified)
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count mapping rows in %s: %w", qualified, err)
	}
	return count, nil
}
