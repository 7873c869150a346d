package models

import "time"

// MappingReport is the outcome of one mapping CSV ingestion.
type MappingReport struct {
	Inserted          int      `json:"inserted"`
	AutoFixed         int      `json:"auto_fixed"`
	AutoFixedExamples []string `json:"auto_fixed_examples,omitempty"`
	FoundRows         int      `json:"found_rows,omitempty"`
	Errors            []string `json:"errors"`
	Error             string   `json:"error,omitempty"`
}

// Success reports whether the ingestion completed without a fatal error.
// Per-row errors do not make the run fatal.
func (r *MappingReport) Success() bool {
	return r.Error == ""
}

// RebuildReport is the outcome of a full derived-table rebuild.
type RebuildReport struct {
	Success bool   `json:"success"`
	Table   string `json:"table"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SchemaReport is the outcome of the idempotent schema evolution stage.
// Each independent step lands in exactly one of Executed or Skipped, or adds
// to Errors. Success is true only when Errors is empty.
type SchemaReport struct {
	Success  bool     `json:"success"`
	Executed []string `json:"executed"`
	Skipped  []string `json:"skipped"`
	Errors   []string `json:"errors"`
}

// ReconcileReport is the outcome of the UUID reconciliation stage.
type ReconcileReport struct {
	Success  bool     `json:"success"`
	Updated  int64    `json:"updated"`
	Executed []string `json:"executed"`
	Skipped  []string `json:"skipped"`
	Errors   []string `json:"errors"`
}

// DuplicateGroup describes one cluster of rows sharing a value in a column.
type DuplicateGroup struct {
	Value   string           `json:"value"`
	IDs     []int64          `json:"ids,omitempty"`
	Count   int              `json:"count"`
	Records []map[string]any `json:"records"`
}

// DuplicatesReport maps column names to the duplicate groups found in them.
type DuplicatesReport struct {
	Table   string                      `json:"table"`
	Columns map[string][]DuplicateGroup `json:"columns"`
	Error   string                      `json:"error,omitempty"`
	Details string                      `json:"details,omitempty"`
}

// RunAllReport collects the reports of a full pipeline run, keyed by stage.
type RunAllReport struct {
	InsertMapping      *MappingReport   `json:"insert_mapping"`
	ApplyDeduplication *RebuildReport   `json:"apply_deduplication"`
	AddColumns         *SchemaReport    `json:"add_columns"`
	UpdateUUIDs        *ReconcileReport `json:"update_uuids"`
	Success            bool             `json:"success"`
}

// PipelineRun is the last-run snapshot, overwritten by each invocation.
type PipelineRun struct {
	Mode      string    `json:"mode"`
	Schema    string    `json:"schema"`
	TaskID    string    `json:"task_id,omitempty"`
	Schedule  string    `json:"schedule,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Success   bool      `json:"success"`
	Report    any       `json:"report,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DedupStats summarizes the state of the derived table for monitoring.
type DedupStats struct {
	TotalRows        int64      `json:"total_rows"`
	DeduplicatedRows int64      `json:"deduplicated_rows"`
	DedupRate        float64    `json:"dedup_rate"`
	LastDedupRun     *time.Time `json:"last_dedup_run,omitempty"`
}
