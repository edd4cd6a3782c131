package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/kv"
)

// VisitedRecorder writes visit outcomes to the KV store and, when configured,
// mirrors them into the SQL archive for offline analysis.
type VisitedRecorder struct {
	store   *kv.Store
	archive *PostgresArchive
	logger  *zap.Logger
}

// NewVisitedRecorder builds the recorder. archive may be nil.
func NewVisitedRecorder(store *kv.Store, archive *PostgresArchive, logger *zap.Logger) *VisitedRecorder {
	return &VisitedRecorder{
		store:   store,
		archive: archive,
		logger:  logger,
	}
}

// Record persists one visit. The KV write is authoritative; an archive
// failure is logged and swallowed.
func (r *VisitedRecorder) Record(ctx context.Context, rec *kv.VisitedRecord) error {
	if err := r.store.PutVisited(ctx, rec); err != nil {
		return err
	}

	if r.archive != nil {
		if err := r.archive.InsertVisit(ctx, rec); err != nil {
			r.logger.Warn("visited archive insert failed",
				zap.String("url", rec.URL),
				zap.Error(err),
			)
		}
	}
	return nil
}
