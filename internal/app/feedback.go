package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crash-sentry/internal/storage"
)

// Feedback records a rider's assessment of a crash event.
func (a *App) Feedback(ctx context.Context, id int64, verdict, comments string) error {
	fb := storage.Feedback{Verdict: verdict, Comments: comments}
	if !fb.Valid() {
		return storage.ErrInvalidFeedback
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot record feedback")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.SubmitFeedback(ctx, id, fb); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("crash event %d not found", id)
		}
		return err
	}
	a.Logger.Info().Int64("event_id", id).Str("feedback", verdict).Msg("feedback recorded")
	return nil
}
