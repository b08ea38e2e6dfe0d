package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskShortfallRefresh recomputes derived shortfall flags on active sheets.
	TaskShortfallRefresh = "grid:shortfall_refresh"
	// TaskSheetArchive archives sheets whose delivery date has passed.
	TaskSheetArchive = "grid:sheet_archive"
)

// ShortfallRefreshPayload carries scheduling metadata.
type ShortfallRefreshPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewShortfallRefreshTask constructs an Asynq task for the shortfall sweep.
func NewShortfallRefreshTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ShortfallRefreshPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskShortfallRefresh, body, asynq.Queue(QueueDefault)), nil
}

// SheetArchivePayload names the cutoff below which active sheets close.
// A zero cutoff means "start of today".
type SheetArchivePayload struct {
	Cutoff time.Time `json:"cutoff"`
}

// NewSheetArchiveTask constructs an Asynq task for sheet archival.
func NewSheetArchiveTask(cutoff time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SheetArchivePayload{Cutoff: cutoff})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSheetArchive, body, asynq.Queue(QueueDefault)), nil
}
