package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/traceline-erp/traceline-erp/internal/grid"
)

// GridMaintainer is the slice of the grid service the worker drives.
type GridMaintainer interface {
	Sheets(ctx context.Context, status grid.SheetStatus, limit, offset int) ([]grid.Sheet, error)
	RefreshShortfalls(ctx context.Context, sheetID int64) (int, error)
	ArchivePastSheets(ctx context.Context, cutoff time.Time) (int, error)
}

// NewShortfallRefreshHandler sweeps every active sheet and recomputes the
// derived shortfall flags. Best effort: a failing sheet is logged and the
// sweep moves on.
func NewShortfallRefreshHandler(svc GridMaintainer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ShortfallRefreshPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		sheets, err := svc.Sheets(ctx, grid.SheetActive, 200, 0)
		if err != nil {
			return err
		}
		total := 0
		for _, sheet := range sheets {
			updated, err := svc.RefreshShortfalls(ctx, sheet.ID)
			if err != nil {
				logger.Warn("shortfall refresh",
					slog.Int64("sheet_id", sheet.ID),
					slog.Any("error", err))
				continue
			}
			total += updated
		}
		logger.Info("shortfall refresh done",
			slog.Int("sheets", len(sheets)),
			slog.Int("cells_updated", total))
		return nil
	}
}

// NewSheetArchiveHandler archives active sheets whose delivery date is
// before the payload cutoff, defaulting to the start of today.
func NewSheetArchiveHandler(svc GridMaintainer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SheetArchivePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		cutoff := payload.Cutoff
		if cutoff.IsZero() {
			cutoff = time.Now().UTC().Truncate(24 * time.Hour)
		}
		archived, err := svc.ArchivePastSheets(ctx, cutoff)
		if err != nil {
			return err
		}
		logger.Info("sheet archive done",
			slog.Time("cutoff", cutoff),
			slog.Int("archived", archived))
		return nil
	}
}
