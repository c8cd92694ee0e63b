package sampler

import (
	"fmt"
	"time"
)

// Report summarizes one pull
type Report struct {
	RunID   string `json:"run_id"`
	Periods int    `json:"periods"`
	Windows int    `json:"windows"`
	Samples int    `json:"samples_per_period"`
	Rows    int    `json:"rows"`

	// Failed counts windows dropped under the best-effort policy
	Failed        int   `json:"failed"`
	FailedWindows []int `json:"failed_windows,omitempty"`

	Elapsed time.Duration `json:"elapsed"`

	// Err aggregates the dropped windows' errors; nil when none failed
	Err error `json:"-"`
}

// Summary renders the outcome for humans, e.g. "2 of 9 windows failed"
func (r *Report) Summary() string {
	if r.Failed == 0 {
		return fmt.Sprintf("%d windows fetched, %d rows", r.Windows, r.Rows)
	}
	return fmt.Sprintf("%d of %d windows failed, %d rows", r.Failed, r.Windows, r.Rows)
}

// Event describes a finished window fetch
type Event struct {
	RunID   string    `json:"run_id"`
	Window  int       `json:"window"`
	Windows int       `json:"windows"`
	Start   string    `json:"start"`
	End     string    `json:"end"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
