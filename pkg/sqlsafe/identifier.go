// Package sqlsafe validates and quotes SQL identifiers that originate from
// callers. Table and column names cannot be bound as statement parameters, so
// every dynamic identifier is screened here and then quoted with pgx before it
// is interpolated into a query body.
package sqlsafe

import (
	"fmt"
	"regexp"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/jackc/pgx/v5"
)

// identifierPattern matches the identifiers we accept from callers: a leading
// letter or underscore followed by letters, digits or underscores. This is
// stricter than what Postgres allows with quoting, and that is intentional.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier rejects names that are not plain SQL identifiers or that
// trip libinjection's SQLi detector.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(name); isSQLi {
		return fmt.Errorf("identifier %q rejected (fingerprint %s)", name, fingerprint)
	}
	return nil
}

// QuoteIdentifier returns the quoted form of a single identifier.
func QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QualifiedTable validates both identifiers and returns a quoted table
// reference. If schema is empty, returns just the quoted table name,
// otherwise "schema"."table".
func QualifiedTable(schema, table string) (string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", err
	}
	if schema == "" {
		return QuoteIdentifier(table), nil
	}
	if err := ValidateIdentifier(schema); err != nil {
		return "", err
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table), nil
}
