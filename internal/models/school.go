package models

import "time"

// Sync bookkeeping states shared by schools and user links.
const (
	SyncStatusSynced = "synced"
	SyncStatusError  = "error"
)

// LevelCodeTVET marks the level whose presence drives SchoolRecord.HasTVET.
const LevelCodeTVET = "TVET"

// SchoolRecord mirrors one school fetched from the remote SDMS. Created on
// first successful fetch, updated on every sync, never deleted.
type SchoolRecord struct {
	ID           string     `db:"id" json:"id"`
	Code         string     `db:"code" json:"code"`
	Name         string     `db:"name" json:"name"`
	RegionCode   string     `db:"region_code" json:"region_code"`
	Active       bool       `db:"active" json:"active"`
	Status       string     `db:"status" json:"status"`
	AcademicYear string     `db:"academic_year" json:"academic_year"`
	HasTVET      bool       `db:"has_tvet" json:"has_tvet"`
	SyncStatus   string     `db:"sync_status" json:"sync_status"`
	SyncError    *string    `db:"sync_error" json:"sync_error,omitempty"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Level is the first tier of the academic hierarchy under a school.
type Level struct {
	ID       string `db:"id" json:"id"`
	SchoolID string `db:"school_id" json:"school_id"`
	Code     string `db:"code" json:"code"`
	Name     string `db:"name" json:"name"`
}

// Combination is a trade/program within a level.
type Combination struct {
	ID      string `db:"id" json:"id"`
	LevelID string `db:"level_id" json:"level_id"`
	Code    string `db:"code" json:"code"`
	Name    string `db:"name" json:"name"`
}

// Grade is a study year within a combination.
type Grade struct {
	ID            string `db:"id" json:"id"`
	CombinationID string `db:"combination_id" json:"combination_id"`
	Code          string `db:"code" json:"code"`
	Name          string `db:"name" json:"name"`
}

// ClassGroup is a class section within a grade.
type ClassGroup struct {
	ID      string `db:"id" json:"id"`
	GradeID string `db:"grade_id" json:"grade_id"`
	Code    string `db:"code" json:"code"`
	Name    string `db:"name" json:"name"`
}

// Hierarchy node types carry a school subtree through a sync. The whole
// subtree is replaced as one unit; partial trees must never survive a cycle.

type LevelNode struct {
	Level
	Combinations []CombinationNode `json:"combinations"`
}

type CombinationNode struct {
	Combination
	Grades []GradeNode `json:"grades"`
}

type GradeNode struct {
	Grade
	ClassGroups []ClassGroup `json:"class_groups"`
}

// SchoolTree is the full hierarchy for one school as returned by a sync read.
type SchoolTree struct {
	School SchoolRecord `json:"school"`
	Levels []LevelNode  `json:"levels"`
}
