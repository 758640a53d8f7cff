package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
)

// SyncLogRepository appends audit rows. Entries are write-once and never
// mutated; retention is time-bounded via PurgeOlderThan.
type SyncLogRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSyncLogRepository constructs a SyncLogRepository.
func NewSyncLogRepository(db *sqlx.DB, logger *zap.Logger) *SyncLogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncLogRepository{db: db, logger: logger}
}

// Append inserts one audit row.
func (r *SyncLogRepository) Append(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO sync_logs (id, sync_type, entity_id, operation, endpoint, status_code, duration_ms, error, created_at)
        VALUES (:id, :sync_type, :entity_id, :operation, :endpoint, :status_code, :duration_ms, :error, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// RecordFetch implements the SDMS client's audit sink. Failures are logged
// and swallowed so auditing can never fail the audited operation.
func (r *SyncLogRepository) RecordFetch(ctx context.Context, entry models.SyncLogEntry) {
	if err := r.Append(ctx, &entry); err != nil {
		r.logger.Warn("audit write failed",
			zap.String("sync_type", entry.SyncType),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
	}
}

// PurgeOlderThan removes audit rows past retention.
func (r *SyncLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sync_logs WHERE created_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sync logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
