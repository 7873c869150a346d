package repositories

import (
	"context"
	"fmt"

	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/sqlsafe"
)

const duplicateGroupLimit = 100

// DuplicatesRepository runs the grouping queries behind the duplicate
// detector. It works against arbitrary tables, so every identifier is
// validated and quoted before it reaches a query.
type DuplicatesRepository interface {
	// GroupDuplicates returns up to 100 value groups in the column with more
	// than one row, largest groups first. Values are compared as text, and
	// lowercased when caseInsensitive is set on a text-like column.
	GroupDuplicates(ctx context.Context, schema, table, column string, textLike, caseInsensitive, hasID bool) ([]models.DuplicateGroup, error)
	// FetchGroupRows returns the full rows whose column matches the grouped
	// value, using the same comparison that produced the group.
	FetchGroupRows(ctx context.Context, schema, table, column, value string, textLike, caseInsensitive, hasID bool) ([]map[string]any, error)
}

type duplicatesRepository struct {
	db *database.DB
}

// NewDuplicatesRepository creates a new DuplicatesRepository.
func NewDuplicatesRepository(db *database.DB) DuplicatesRepository {
	return &duplicatesRepository{db: db}
}

var _ DuplicatesRepository = (*duplicatesRepository)(nil)

// valueExpr builds the text expression a column is grouped and compared on.
func valueExpr(column string, textLike, caseInsensitive bool) string {
	quoted := sqlsafe.QuoteIdentifier(column)
	if textLike && caseInsensitive {
		return fmt.Sprintf("LOWER(%s::text)", quoted)
	}
	return fmt.Sprintf("(%s)::text", quoted)
}

func (r *duplicatesRepository) GroupDuplicates(ctx context.Context, schema, table, column string, textLike, caseInsensitive, hasID bool) ([]models.DuplicateGroup, error) {
	qualified, err := sqlsafe.QualifiedTable(schema, table)
	if err != nil {
		return nil, err
	}
	if err := sqlsafe.ValidateIdentifier(column); err != nil {
		return nil, err
	}

	idExpr := "NULL::bigint[]"
	if hasID {
		idExpr = "array_agg(id)::bigint[]"
	}
	expr := valueExpr(column, textLike, caseInsensitive)

	query := fmt.Sprintf(`
		SELECT %s AS val, %s AS ids, COUNT(*) AS cnt
		FROM %s
		WHERE %s IS NOT NULL
		GROUP BY %s
		HAVING COUNT(*) > 1
		ORDER BY cnt DESC
		LIMIT %d`,
		expr, idExpr, qualified, sqlsafe.QuoteIdentifier(column), expr, duplicateGroupLimit)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("group duplicates on %s.%s: %w", qualified, column, err)
	}
	defer rows.Close()

	var groups []models.DuplicateGroup
	for rows.Next() {
		var g models.DuplicateGroup
		if err := rows.Scan(&g.Value, &g.IDs, &g.Count); err != nil {
			return nil, fmt.Errorf("scan duplicate group: %w", err)
		}
		groups = append(groups, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate groups: %w", err)
	}

	return groups, nil
}

func (r *duplicatesRepository) FetchGroupRows(ctx context.Context, schema, table, column, value string, textLike, caseInsensitive, hasID bool) ([]map[string]any, error) {
	qualified, err := sqlsafe.QualifiedTable(schema, table)
	if err != nil {
		return nil, err
	}
	if err := sqlsafe.ValidateIdentifier(column); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`,
		qualified, valueExpr(column, textLike, caseInsensitive))
	if hasID {
		query += ` ORDER BY id`
	}

	rows, err := r.db.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("fetch duplicate rows on %s.%s: %w", qualified, column, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read duplicate row: %w", err)
		}
		record := make(map[string]any, len(fields))
		for i, f := range fields {
			record[f.Name] = values[i]
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate rows: %w", err)
	}

	return records, nil
}
