package models

import (
	"encoding/json"
	"time"
)

// Schedule describes a named recurring pipeline job. The pending timer is an
// implementation detail of the scheduler and is not part of the model.
type Schedule struct {
	Name     string
	Mode     string
	Schema   string
	Interval time.Duration
	Enabled  bool
	Created  time.Time
}

// MarshalJSON renders the interval in whole seconds, matching the API surface.
func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name            string    `json:"name"`
		Mode            string    `json:"mode"`
		Schema          string    `json:"schema"`
		IntervalSeconds int64     `json:"interval_seconds"`
		Enabled         bool      `json:"enabled"`
		Created         time.Time `json:"created"`
	}{
		Name:            s.Name,
		Mode:            s.Mode,
		Schema:          s.Schema,
		IntervalSeconds: int64(s.Interval / time.Second),
		Enabled:         s.Enabled,
		Created:         s.Created,
	})
}
