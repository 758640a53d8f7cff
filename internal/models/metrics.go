package models

import "time"

// PeriodType buckets metrics records in time.
type PeriodType string

const (
	PeriodWeekly PeriodType = "weekly"
	// PeriodMonthly is accepted by the schema but no job produces it yet.
	PeriodMonthly PeriodType = "monthly"
)

// WeekStart returns the Monday 00:00 UTC boundary containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// UserMetrics is one per-user-per-course-per-period engagement record. Its
// columns split into two disjoint ownership groups: the batch calculator
// writes only the batch group, event observers write only the event group.
// Neither writer may reset the other group's values.
type UserMetrics struct {
	ID          string     `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	CourseID    int64      `db:"course_id" json:"course_id"`
	PeriodStart time.Time  `db:"period_start" json:"period_start"`
	PeriodType  PeriodType `db:"period_type" json:"period_type"`

	// Batch-owned group.
	TotalActions     int        `db:"total_actions" json:"total_actions"`
	ActiveDays       int        `db:"active_days" json:"active_days"`
	FirstAccess      *time.Time `db:"first_access" json:"first_access,omitempty"`
	LastAccess       *time.Time `db:"last_access" json:"last_access,omitempty"`
	TimeSpentSeconds int64      `db:"time_spent_seconds" json:"time_spent_seconds"`
	ResourceViews    int        `db:"resource_views" json:"resource_views"`
	UniqueResources  int        `db:"unique_resources" json:"unique_resources"`
	PageViews        int        `db:"page_views" json:"page_views"`
	VideoStarts      int        `db:"video_starts" json:"video_starts"`
	ForumViews       int        `db:"forum_views" json:"forum_views"`
	ForumPosts       int        `db:"forum_posts" json:"forum_posts"`
	ForumReplies     int        `db:"forum_replies" json:"forum_replies"`
	ChatMessages     int        `db:"chat_messages" json:"chat_messages"`
	FilesDownloaded  int        `db:"files_downloaded" json:"files_downloaded"`
	AssignmentViews  int        `db:"assignment_views" json:"assignment_views"`
	ActivitiesTotal  int        `db:"activities_total" json:"activities_total"`

	// Event-owned group.
	QuizzesAttempted     int     `db:"quizzes_attempted" json:"quizzes_attempted"`
	QuizzesAvgScore      float64 `db:"quizzes_avg_score" json:"quizzes_avg_score"`
	AssignmentsSubmitted int     `db:"assignments_submitted" json:"assignments_submitted"`
	ActivitiesCompleted  int     `db:"activities_completed" json:"activities_completed"`
	CourseProgress       float64 `db:"course_progress" json:"course_progress"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MetricsKey identifies one UserMetrics row.
type MetricsKey struct {
	UserID      int64
	CourseID    int64
	PeriodStart time.Time
	PeriodType  PeriodType
}

// BatchMetrics carries the batch-owned column group. The repository upsert
// that accepts it can only ever touch these columns, which is what keeps the
// calculator from clobbering observer writes.
type BatchMetrics struct {
	Key MetricsKey

	TotalActions     int
	ActiveDays       int
	FirstAccess      *time.Time
	LastAccess       *time.Time
	TimeSpentSeconds int64
	ResourceViews    int
	UniqueResources  int
	PageViews        int
	VideoStarts      int
	ForumViews       int
	ForumPosts       int
	ForumReplies     int
	ChatMessages     int
	FilesDownloaded  int
	AssignmentViews  int
	ActivitiesTotal  int
}

// EventMetrics carries a change to the event-owned column group. Deltas are
// added to current values, pointers overwrite absolute values when set.
type EventMetrics struct {
	Key MetricsKey

	QuizzesAttempted     *int
	QuizzesAvgScore      *float64
	AssignmentsDelta     int
	CompletionsDelta     int
	CourseProgress       *float64
}

// QuizAttempt is one recorded quiz submission, deduplicated by AttemptID so
// observer retries cannot double count.
type QuizAttempt struct {
	ID           string    `db:"id" json:"id"`
	AttemptID    int64     `db:"attempt_id" json:"attempt_id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	CourseID     int64     `db:"course_id" json:"course_id"`
	ScorePercent float64   `db:"score_percent" json:"score_percent"`
	SubmittedAt  time.Time `db:"submitted_at" json:"submitted_at"`
}

// SchoolLinkCounts summarises linked users per school for the aggregator.
type SchoolLinkCounts struct {
	SchoolID string `db:"school_id"`
	Enrolled int    `db:"enrolled"`
	New      int    `db:"new_links"`
}

// SchoolMetrics is the per-school roll-up of UserMetrics for a period.
// CourseID zero means school-wide. Recomputed wholesale each cycle.
type SchoolMetrics struct {
	ID          string     `db:"id" json:"id"`
	SchoolID    string     `db:"school_id" json:"school_id"`
	CourseID    int64      `db:"course_id" json:"course_id"`
	PeriodStart time.Time  `db:"period_start" json:"period_start"`
	PeriodType  PeriodType `db:"period_type" json:"period_type"`

	EnrolledUsers int `db:"enrolled_users" json:"enrolled_users"`
	ActiveUsers   int `db:"active_users" json:"active_users"`
	InactiveUsers int `db:"inactive_users" json:"inactive_users"`
	NewUsers      int `db:"new_users" json:"new_users"`

	AvgActions          float64 `db:"avg_actions" json:"avg_actions"`
	AvgActiveDays       float64 `db:"avg_active_days" json:"avg_active_days"`
	AvgTimeSpentSeconds float64 `db:"avg_time_spent_seconds" json:"avg_time_spent_seconds"`
	AvgResourceViews    float64 `db:"avg_resource_views" json:"avg_resource_views"`
	AvgQuizScore        float64 `db:"avg_quiz_score" json:"avg_quiz_score"`
	AvgCourseProgress   float64 `db:"avg_course_progress" json:"avg_course_progress"`

	SubmissionRate float64 `db:"submission_rate" json:"submission_rate"`
	CompletionRate float64 `db:"completion_rate" json:"completion_rate"`

	HighEngagement   int `db:"high_engagement" json:"high_engagement"`
	MediumEngagement int `db:"medium_engagement" json:"medium_engagement"`
	LowEngagement    int `db:"low_engagement" json:"low_engagement"`
	AtRisk           int `db:"at_risk" json:"at_risk"`

	ComputedAt time.Time `db:"computed_at" json:"computed_at"`
}
