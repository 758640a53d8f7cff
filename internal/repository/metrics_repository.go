package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sdms-sync-api/internal/models"
)

// MetricsRepository persists per-user engagement records. It is the single
// enforcement point for the field-ownership partition: ApplyBatchUpdate can
// only touch batch-owned columns, ApplyEventUpdate only event-owned ones.
// Interleaved writers are therefore safe without locking.
type MetricsRepository struct {
	db *sqlx.DB
}

// NewMetricsRepository constructs a MetricsRepository.
func NewMetricsRepository(db *sqlx.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

const metricsColumns = `id, user_id, course_id, period_start, period_type,
    total_actions, active_days, first_access, last_access, time_spent_seconds,
    resource_views, unique_resources, page_views, video_starts,
    forum_views, forum_posts, forum_replies, chat_messages, files_downloaded, assignment_views,
    activities_total,
    quizzes_attempted, quizzes_avg_score, assignments_submitted, activities_completed, course_progress,
    created_at, updated_at`

// ApplyBatchUpdate upserts the batch-owned column group. On insert the
// event-owned columns get their zero defaults; on conflict they are left
// untouched; the update set deliberately never names them.
func (r *MetricsRepository) ApplyBatchUpdate(ctx context.Context, b *models.BatchMetrics) error {
	now := time.Now().UTC()
	const query = `INSERT INTO user_metrics
        (id, user_id, course_id, period_start, period_type,
         total_actions, active_days, first_access, last_access, time_spent_seconds,
         resource_views, unique_resources, page_views, video_starts,
         forum_views, forum_posts, forum_replies, chat_messages, files_downloaded, assignment_views,
         activities_total,
         quizzes_attempted, quizzes_avg_score, assignments_submitted, activities_completed, course_progress,
         created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5,
                $6, $7, $8, $9, $10,
                $11, $12, $13, $14,
                $15, $16, $17, $18, $19, $20,
                $21,
                0, 0, 0, 0, 0,
                $22, $22)
        ON CONFLICT (user_id, course_id, period_start, period_type) DO UPDATE SET
            total_actions = EXCLUDED.total_actions,
            active_days = EXCLUDED.active_days,
            first_access = EXCLUDED.first_access,
            last_access = EXCLUDED.last_access,
            time_spent_seconds = EXCLUDED.time_spent_seconds,
            resource_views = EXCLUDED.resource_views,
            unique_resources = EXCLUDED.unique_resources,
            page_views = EXCLUDED.page_views,
            video_starts = EXCLUDED.video_starts,
            forum_views = EXCLUDED.forum_views,
            forum_posts = EXCLUDED.forum_posts,
            forum_replies = EXCLUDED.forum_replies,
            chat_messages = EXCLUDED.chat_messages,
            files_downloaded = EXCLUDED.files_downloaded,
            assignment_views = EXCLUDED.assignment_views,
            activities_total = EXCLUDED.activities_total,
            updated_at = EXCLUDED.updated_at`
	key := b.Key
	if _, err := r.db.ExecContext(ctx, query,
		uuid.NewString(), key.UserID, key.CourseID, key.PeriodStart.UTC(), key.PeriodType,
		b.TotalActions, b.ActiveDays, b.FirstAccess, b.LastAccess, b.TimeSpentSeconds,
		b.ResourceViews, b.UniqueResources, b.PageViews, b.VideoStarts,
		b.ForumViews, b.ForumPosts, b.ForumReplies, b.ChatMessages, b.FilesDownloaded, b.AssignmentViews,
		b.ActivitiesTotal, now); err != nil {
		return fmt.Errorf("apply batch metrics: %w", err)
	}
	return nil
}

// GetOrCreate ensures a record exists for the key with all columns at their
// zero defaults, then returns it. Idempotent under concurrent callers.
func (r *MetricsRepository) GetOrCreate(ctx context.Context, key models.MetricsKey) (*models.UserMetrics, error) {
	now := time.Now().UTC()
	const insert = `INSERT INTO user_metrics
        (id, user_id, course_id, period_start, period_type,
         total_actions, active_days, first_access, last_access, time_spent_seconds,
         resource_views, unique_resources, page_views, video_starts,
         forum_views, forum_posts, forum_replies, chat_messages, files_downloaded, assignment_views,
         activities_total,
         quizzes_attempted, quizzes_avg_score, assignments_submitted, activities_completed, course_progress,
         created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, 0, 0, NULL, NULL, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, $6, $6)
        ON CONFLICT (user_id, course_id, period_start, period_type) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert,
		uuid.NewString(), key.UserID, key.CourseID, key.PeriodStart.UTC(), key.PeriodType, now); err != nil {
		return nil, fmt.Errorf("ensure metrics row: %w", err)
	}
	return r.FindByKey(ctx, key)
}

// FindByKey loads one record.
func (r *MetricsRepository) FindByKey(ctx context.Context, key models.MetricsKey) (*models.UserMetrics, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_metrics
        WHERE user_id = $1 AND course_id = $2 AND period_start = $3 AND period_type = $4`, metricsColumns)
	var m models.UserMetrics
	if err := r.db.GetContext(ctx, &m, query, key.UserID, key.CourseID, key.PeriodStart.UTC(), key.PeriodType); err != nil {
		return nil, err
	}
	return &m, nil
}

// ApplyEventUpdate mutates the event-owned column group only. Nil pointers
// leave the current value in place; deltas accumulate.
func (r *MetricsRepository) ApplyEventUpdate(ctx context.Context, e *models.EventMetrics) error {
	const query = `UPDATE user_metrics SET
            quizzes_attempted = COALESCE($5, quizzes_attempted),
            quizzes_avg_score = COALESCE($6, quizzes_avg_score),
            assignments_submitted = assignments_submitted + $7,
            activities_completed = activities_completed + $8,
            course_progress = COALESCE($9, course_progress),
            updated_at = $10
        WHERE user_id = $1 AND course_id = $2 AND period_start = $3 AND period_type = $4`
	key := e.Key
	if _, err := r.db.ExecContext(ctx, query,
		key.UserID, key.CourseID, key.PeriodStart.UTC(), key.PeriodType,
		e.QuizzesAttempted, e.QuizzesAvgScore, e.AssignmentsDelta, e.CompletionsDelta,
		e.CourseProgress, time.Now().UTC()); err != nil {
		return fmt.Errorf("apply event metrics: %w", err)
	}
	return nil
}

// ListForUser returns a user's records for a period type, newest first.
func (r *MetricsRepository) ListForUser(ctx context.Context, userID int64, courseID *int64, periodType models.PeriodType, limit int) ([]models.UserMetrics, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s FROM user_metrics WHERE user_id = $1 AND period_type = $2", metricsColumns)
	args := []interface{}{userID, periodType}
	if courseID != nil {
		query += fmt.Sprintf(" AND course_id = $%d", len(args)+1)
		args = append(args, *courseID)
	}
	query += fmt.Sprintf(" ORDER BY period_start DESC LIMIT %d", limit)

	var records []models.UserMetrics
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list user metrics: %w", err)
	}
	return records, nil
}

// ListForSchoolPeriod returns all user records for a school and period.
func (r *MetricsRepository) ListForSchoolPeriod(ctx context.Context, schoolID string, periodStart time.Time, periodType models.PeriodType) ([]models.UserMetrics, error) {
	const query = `SELECT m.id, m.user_id, m.course_id, m.period_start, m.period_type,
        m.total_actions, m.active_days, m.first_access, m.last_access, m.time_spent_seconds,
        m.resource_views, m.unique_resources, m.page_views, m.video_starts,
        m.forum_views, m.forum_posts, m.forum_replies, m.chat_messages, m.files_downloaded, m.assignment_views,
        m.activities_total,
        m.quizzes_attempted, m.quizzes_avg_score, m.assignments_submitted, m.activities_completed, m.course_progress,
        m.created_at, m.updated_at
        FROM user_metrics m
        JOIN sdms_user_links l ON l.user_id = m.user_id
        WHERE l.school_id = $1 AND m.period_start = $2 AND m.period_type = $3`
	var records []models.UserMetrics
	if err := r.db.SelectContext(ctx, &records, query, schoolID, periodStart.UTC(), periodType); err != nil {
		return nil, fmt.Errorf("list school period metrics: %w", err)
	}
	return records, nil
}

// PurgeOlderThan removes records whose period predates the cutoff.
func (r *MetricsRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM user_metrics WHERE period_start < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge user metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertQuizAttempt records an attempt, deduplicated on attempt_id. Returns
// false when the attempt was already recorded (an observer retry).
func (r *MetricsRepository) InsertQuizAttempt(ctx context.Context, attempt *models.QuizAttempt) (bool, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	const query = `INSERT INTO quiz_attempts (id, attempt_id, user_id, course_id, score_percent, submitted_at)
        VALUES (:id, :attempt_id, :user_id, :course_id, :score_percent, :submitted_at)
        ON CONFLICT (attempt_id) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, attempt)
	if err != nil {
		return false, fmt.Errorf("insert quiz attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QuizScores returns the recorded score percentages for a user+course inside
// a window, used to recompute the weekly average from source data.
func (r *MetricsRepository) QuizScores(ctx context.Context, userID, courseID int64, from, to time.Time) ([]float64, error) {
	const query = `SELECT score_percent FROM quiz_attempts
        WHERE user_id = $1 AND course_id = $2 AND submitted_at >= $3 AND submitted_at < $4
        ORDER BY submitted_at`
	var scores []float64
	if err := r.db.SelectContext(ctx, &scores, query, userID, courseID, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("load quiz scores: %w", err)
	}
	return scores, nil
}
