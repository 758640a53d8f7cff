package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sdms-sync-api/internal/models"
)

// SchoolMetricsRepository persists per-school roll-ups. Rows are replaced
// wholesale each aggregation cycle; there is no concurrent writer to merge
// against, unlike user_metrics.
type SchoolMetricsRepository struct {
	db *sqlx.DB
}

// NewSchoolMetricsRepository constructs a SchoolMetricsRepository.
func NewSchoolMetricsRepository(db *sqlx.DB) *SchoolMetricsRepository {
	return &SchoolMetricsRepository{db: db}
}

// Replace upserts the full roll-up row for its key.
func (r *SchoolMetricsRepository) Replace(ctx context.Context, m *models.SchoolMetrics) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.PeriodStart = m.PeriodStart.UTC()
	m.ComputedAt = time.Now().UTC()
	const query = `INSERT INTO school_metrics
        (id, school_id, course_id, period_start, period_type,
         enrolled_users, active_users, inactive_users, new_users,
         avg_actions, avg_active_days, avg_time_spent_seconds, avg_resource_views, avg_quiz_score, avg_course_progress,
         submission_rate, completion_rate,
         high_engagement, medium_engagement, low_engagement, at_risk, computed_at)
        VALUES (:id, :school_id, :course_id, :period_start, :period_type,
                :enrolled_users, :active_users, :inactive_users, :new_users,
                :avg_actions, :avg_active_days, :avg_time_spent_seconds, :avg_resource_views, :avg_quiz_score, :avg_course_progress,
                :submission_rate, :completion_rate,
                :high_engagement, :medium_engagement, :low_engagement, :at_risk, :computed_at)
        ON CONFLICT (school_id, course_id, period_start, period_type) DO UPDATE SET
            enrolled_users = EXCLUDED.enrolled_users,
            active_users = EXCLUDED.active_users,
            inactive_users = EXCLUDED.inactive_users,
            new_users = EXCLUDED.new_users,
            avg_actions = EXCLUDED.avg_actions,
            avg_active_days = EXCLUDED.avg_active_days,
            avg_time_spent_seconds = EXCLUDED.avg_time_spent_seconds,
            avg_resource_views = EXCLUDED.avg_resource_views,
            avg_quiz_score = EXCLUDED.avg_quiz_score,
            avg_course_progress = EXCLUDED.avg_course_progress,
            submission_rate = EXCLUDED.submission_rate,
            completion_rate = EXCLUDED.completion_rate,
            high_engagement = EXCLUDED.high_engagement,
            medium_engagement = EXCLUDED.medium_engagement,
            low_engagement = EXCLUDED.low_engagement,
            at_risk = EXCLUDED.at_risk,
            computed_at = EXCLUDED.computed_at`
	if _, err := r.db.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("replace school metrics: %w", err)
	}
	return nil
}

// ListForSchool returns a school's roll-ups, newest first.
func (r *SchoolMetricsRepository) ListForSchool(ctx context.Context, schoolID string, periodType models.PeriodType, limit int) ([]models.SchoolMetrics, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id, school_id, course_id, period_start, period_type,
        enrolled_users, active_users, inactive_users, new_users,
        avg_actions, avg_active_days, avg_time_spent_seconds, avg_resource_views, avg_quiz_score, avg_course_progress,
        submission_rate, completion_rate,
        high_engagement, medium_engagement, low_engagement, at_risk, computed_at
        FROM school_metrics
        WHERE school_id = $1 AND period_type = $2
        ORDER BY period_start DESC LIMIT %d`, limit)
	var records []models.SchoolMetrics
	if err := r.db.SelectContext(ctx, &records, query, schoolID, periodType); err != nil {
		return nil, fmt.Errorf("list school metrics: %w", err)
	}
	return records, nil
}
