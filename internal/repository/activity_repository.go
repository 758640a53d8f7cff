package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sdms-sync-api/internal/models"
)

// ActivityRepository reads the host platform's raw activity log and course
// structure. Both are external, read-only inputs to the metrics calculator.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository constructs an ActivityRepository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// DistinctPairs returns every (user, course) pair with at least one log
// entry in [from, to), excluding the site pseudo-course.
func (r *ActivityRepository) DistinctPairs(ctx context.Context, from, to time.Time, excludeCourseID int64) ([]models.ActivityPair, error) {
	const query = `SELECT DISTINCT user_id, course_id FROM activity_events
        WHERE created_at >= $1 AND created_at < $2 AND course_id <> $3
        ORDER BY user_id, course_id`
	var pairs []models.ActivityPair
	if err := r.db.SelectContext(ctx, &pairs, query, from.UTC(), to.UTC(), excludeCourseID); err != nil {
		return nil, fmt.Errorf("distinct activity pairs: %w", err)
	}
	return pairs, nil
}

// EventsForPair returns the pair's log entries in the window, oldest first.
func (r *ActivityRepository) EventsForPair(ctx context.Context, userID, courseID int64, from, to time.Time) ([]models.ActivityEvent, error) {
	const query = `SELECT id, user_id, course_id, component, action, target, object_id, created_at
        FROM activity_events
        WHERE user_id = $1 AND course_id = $2 AND created_at >= $3 AND created_at < $4
        ORDER BY created_at ASC`
	var events []models.ActivityEvent
	if err := r.db.SelectContext(ctx, &events, query, userID, courseID, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("load activity events: %w", err)
	}
	return events, nil
}

// CountCourseModules returns the number of non-deleted modules in a course.
func (r *ActivityRepository) CountCourseModules(ctx context.Context, courseID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM course_modules WHERE course_id = $1 AND deleted = false`
	var count int
	if err := r.db.GetContext(ctx, &count, query, courseID); err != nil {
		return 0, fmt.Errorf("count course modules: %w", err)
	}
	return count, nil
}
