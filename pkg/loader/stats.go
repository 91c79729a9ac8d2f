package loader

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DimensionStats summarizes one dimension merge within a run.
type DimensionStats struct {
	Opened      int `json:"opened"`
	Closed      int `json:"closed"`
	Unchanged   int `json:"unchanged"`
	Quarantined int `json:"quarantined"`
}

// FactStats summarizes one fact table within a run.
type FactStats struct {
	Loaded      int `json:"loaded"`
	Quarantined int `json:"quarantined"`
}

// RunStats is the durable record of one pipeline run, appended to
// run_log and served by the status endpoint.
type RunStats struct {
	RunID      uuid.UUID                 `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	LoadDate   time.Time                 `json:"load_date"`
	Success    bool                      `json:"success"`
	Error      string                    `json:"error,omitempty"`
	Dimensions map[string]DimensionStats `json:"dimensions"`
	Facts      map[string]FactStats      `json:"facts"`
}

func newRunStats(runID uuid.UUID, startedAt, loadDate time.Time) *RunStats {
	return &RunStats{
		RunID:      runID,
		StartedAt:  startedAt,
		LoadDate:   loadDate,
		Dimensions: map[string]DimensionStats{},
		Facts:      map[string]FactStats{},
	}
}

// MarshalStats renders the per-entity breakdown for the stats_json
// column.
func (s *RunStats) MarshalStats() ([]byte, error) {
	return json.Marshal(struct {
		Dimensions map[string]DimensionStats `json:"dimensions"`
		Facts      map[string]FactStats      `json:"facts"`
	}{Dimensions: s.Dimensions, Facts: s.Facts})
}
