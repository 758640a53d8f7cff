package models

import "time"

// ActivityEvent is one raw activity-log entry fed by the host platform.
// Read-only input to the metrics calculator.
type ActivityEvent struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	CourseID  int64     `db:"course_id" json:"course_id"`
	Component string    `db:"component" json:"component"`
	Action    string    `db:"action" json:"action"`
	Target    string    `db:"target" json:"target"`
	ObjectID  *int64    `db:"object_id" json:"object_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ActivityPair is one distinct (user, course) combination with activity in a
// window.
type ActivityPair struct {
	UserID   int64 `db:"user_id"`
	CourseID int64 `db:"course_id"`
}
