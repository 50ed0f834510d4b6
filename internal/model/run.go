package model

import "time"

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunStats holds the counts reported by a pipeline run.
type RunStats struct {
	CitiesAttempted    int   `json:"cities_attempted"`
	CitiesSucceeded    int   `json:"cities_succeeded"`
	CitiesEmpty        int   `json:"cities_empty"`
	CitiesSkipped      int   `json:"cities_skipped"`
	CitiesFailed       int   `json:"cities_failed"`
	RecordsFetched     int   `json:"records_fetched"`
	RecordsUpserted    int64 `json:"records_upserted"`
	RecordsPruned      int64 `json:"records_pruned"`
	PopulationsUpdated int64 `json:"populations_updated"`
	CitiesChanged      int   `json:"cities_changed"`
	WatershedsChanged  int   `json:"watersheds_changed"`
}

// Run is one logged execution of the update pipeline.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats"`
	Error       string     `json:"error,omitempty"`
}

// Duration returns the elapsed run time, or zero while the run is in progress.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// WarningChange describes a level transition for a city or watershed.
type WarningChange struct {
	Kind string       `json:"kind"` // "city" or "watershed"
	ID   int64        `json:"id"`
	Name string       `json:"name"`
	From WarningLevel `json:"from"`
	To   WarningLevel `json:"to"`
	At   time.Time    `json:"at"`
}
