package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/sqlsafe"
)

// DedupRepository owns the derived deduplicated table: the full rebuild from
// the raw source, the idempotent schema evolution steps, and the UUID
// reconciliation update.
type DedupRepository interface {
	// Rebuild drops and recreates the deduplicated table from the raw source
	// joined against the normalization mapping.
	Rebuild(ctx context.Context, schema string) error
	// AddColumn adds a column with the given SQL type.
	AddColumn(ctx context.Context, schema, column, sqlType string) error
	// AddIdentityColumn adds an id SERIAL column, with a primary key
	// constraint when withPK is true.
	AddIdentityColumn(ctx context.Context, schema string, withPK bool) error
	// BackfillCountry copies uuid_country from the country reference table,
	// matched on uuid_institution. Returns the number of rows updated.
	BackfillCountry(ctx context.Context, schema string) (int64, error)
	// ReconcileUUIDs collapses each (institution, uuid_country) group onto its
	// minimum uuid_institution, preserving the replaced value in
	// uuid_deprecated. Returns the number of rows updated.
	ReconcileUUIDs(ctx context.Context, schema string) (int64, error)
	CountRows(ctx context.Context, schema string) (int64, error)
	CountDeduplicated(ctx context.Context, schema string) (int64, error)
	LastDeduplicationRun(ctx context.Context, schema string) (*time.Time, error)
}

type dedupRepository struct {
	db           *database.DB
	sourceTable  string
	mappingTable string
	dedupTable   string
	countryTable string
}

// NewDedupRepository creates a new DedupRepository over the configured tables.
func NewDedupRepository(db *database.DB, sourceTable, mappingTable, dedupTable, countryTable string) DedupRepository {
	return &dedupRepository{
		db:           db,
		sourceTable:  sourceTable,
		mappingTable: mappingTable,
		dedupTable:   dedupTable,
		countryTable: countryTable,
	}
}

var _ DedupRepository = (*dedupRepository)(nil)

func (r *dedupRepository) Rebuild(ctx context.Context, schema string) error {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return err
	}
	source, err := sqlsafe.QualifiedTable(schema, r.sourceTable)
	if err != nil {
		return err
	}
	mapping, err := sqlsafe.QualifiedTable(schema, r.mappingTable)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, dedup)); err != nil {
		return fmt.Errorf("drop %s: %w", dedup, err)
	}

	// Rows with a mapping entry are marked deduplicated and timestamped; rows
	// without one pass through unchanged. Blank source names are dropped.
	create := fmt.Sprintf(`
		CREATE TABLE %s AS
		SELECT
			COALESCE(m."normalized", i.institution) AS institution,
			i.institution AS original_institution,
			CASE WHEN m."normalized" IS NOT NULL THEN TRUE ELSE FALSE END AS was_deduplicated,
			CASE WHEN m."normalized" IS NOT NULL THEN CURRENT_TIMESTAMP ELSE NULL END AS deduplication_timestamp,
			i.uuid_institution,
			i.english_name,
			i.parent_institution
		FROM %s i
		LEFT JOIN %s m ON i.institution = m."original"
		WHERE i.institution IS NOT NULL AND LENGTH(TRIM(i.institution)) > 0`,
		dedup, source, mapping)
	if _, err := r.db.Exec(ctx, create); err != nil {
		return fmt.Errorf("rebuild %s: %w", dedup, err)
	}

	return nil
}

// columnTypes restricts AddColumn to the types the evolution step actually
// adds, so a column name can never smuggle arbitrary SQL into the ALTER.
var columnTypes = map[string]bool{
	"VARCHAR": true,
	"TEXT":    true,
}

func (r *dedupRepository) AddColumn(ctx context.Context, schema, column, sqlType string) error {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return err
	}
	if err := sqlsafe.ValidateIdentifier(column); err != nil {
		return err
	}
	if !columnTypes[sqlType] {
		return fmt.Errorf("unsupported column type %q", sqlType)
	}

	query := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`,
		dedup, sqlsafe.QuoteIdentifier(column), sqlType)
	if _, err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("add column %s to %s: %w", column, dedup, err)
	}
	return nil
}

func (r *dedupRepository) AddIdentityColumn(ctx context.Context, schema string, withPK bool) error {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return err
	}

	definition := "id SERIAL"
	if withPK {
		definition = "id SERIAL PRIMARY KEY"
	}
	query := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, dedup, definition)
	if _, err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("add identity column to %s: %w", dedup, err)
	}
	return nil
}

func (r *dedupRepository) BackfillCountry(ctx context.Context, schema string) (int64, error) {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return 0, err
	}
	country, err := sqlsafe.QualifiedTable(schema, r.countryTable)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s d
		SET uuid_country = ic.uuid_country
		FROM %s ic
		WHERE d.uuid_institution = ic.uuid_institution`,
		dedup, country)
	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backfill uuid_country on %s: %w", dedup, err)
	}
	return tag.RowsAffected(), nil
}

func (r *dedupRepository) ReconcileUUIDs(ctx context.Context, schema string) (int64, error) {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return 0, err
	}

	// Groups where uuid_country is NULL on both sides still match, so rows
	// without a country collapse onto a single canonical uuid as well.
	query := fmt.Sprintf(`
		WITH normalized_uuids AS (
			SELECT
				MIN(uuid_institution) AS normalized_uuid,
				institution,
				uuid_country
			FROM %s
			GROUP BY institution, uuid_country
		),
		records_to_update AS (
			SELECT
				inst.id,
				inst.uuid_institution AS old_uuid,
				norm.normalized_uuid
			FROM %s inst
			JOIN normalized_uuids norm
				ON inst.institution = norm.institution
				AND (
					(inst.uuid_country IS NULL AND norm.uuid_country IS NULL)
					OR (inst.uuid_country = norm.uuid_country)
				)
			WHERE inst.was_deduplicated = TRUE
				AND (inst.uuid_institution IS DISTINCT FROM norm.normalized_uuid)
		)
		UPDATE %s inst
		SET
			uuid_deprecated = r.old_uuid,
			uuid_institution = r.normalized_uuid
		FROM records_to_update r
		WHERE inst.id = r.id`,
		dedup, dedup, dedup)
	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reconcile uuids on %s: %w", dedup, err)
	}
	return tag.RowsAffected(), nil
}

func (r *dedupRepository) CountRows(ctx context.Context, schema string) (int64, error) {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, dedup)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", dedup, err)
	}
	return count, nil
}

func (r *dedupRepository) CountDeduplicated(ctx context.Context, schema string) (int64, error) {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return 0, err
	}

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE was_deduplicated = TRUE`, dedup)
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count deduplicated rows in %s: %w", dedup, err)
	}
	return count, nil
}

func (r *dedupRepository) LastDeduplicationRun(ctx context.Context, schema string) (*time.Time, error) {
	dedup, err := sqlsafe.QualifiedTable(schema, r.dedupTable)
	if err != nil {
		return nil, err
	}

	var last *time.Time
	query := fmt.Sprintf(`SELECT MAX(deduplication_timestamp) FROM %s`, dedup)
	if err := r.db.QueryRow(ctx, query).Scan(&last); err != nil {
		return nil, fmt.Errorf("query last deduplication run on %s: %w", dedup, err)
	}
	return last, nil
}
