package models

import "time"

// UserType discriminates the two linked account variants.
type UserType string

const (
	UserTypeStudent UserType = "student"
	UserTypeStaff   UserType = "staff"
)

// Valid reports whether the discriminator is a known variant.
func (t UserType) Valid() bool {
	return t == UserTypeStudent || t == UserTypeStaff
}

// UserLink ties one local platform user to a remote SDMS identity. Exactly
// one row per local user and exactly one per external id; both are enforced
// by unique constraints, which back the "already linked" checks.
type UserLink struct {
	ID           string     `db:"id" json:"id"`
	UserID       int64      `db:"user_id" json:"user_id"`
	ExternalID   string     `db:"external_id" json:"external_id"`
	SchoolID     *string    `db:"school_id" json:"school_id,omitempty"`
	UserType     UserType   `db:"user_type" json:"user_type"`
	AcademicYear string     `db:"academic_year" json:"academic_year"`
	RemoteStatus string     `db:"remote_status" json:"remote_status"`
	SyncStatus   string     `db:"sync_status" json:"sync_status"`
	SyncError    *string    `db:"sync_error" json:"sync_error,omitempty"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// StudentProfile is the student variant payload, 1:1 with its UserLink.
type StudentProfile struct {
	ID           string     `db:"id" json:"id"`
	UserLinkID   string     `db:"user_link_id" json:"user_link_id"`
	ProgramCode  string     `db:"program_code" json:"program_code"`
	ProgramName  string     `db:"program_name" json:"program_name"`
	ClassGroupID *string    `db:"class_group_id" json:"class_group_id,omitempty"`
	RegisteredAt *time.Time `db:"registered_at" json:"registered_at,omitempty"`
}

// StaffProfile is the staff variant payload, 1:1 with its UserLink.
type StaffProfile struct {
	ID         string `db:"id" json:"id"`
	UserLinkID string `db:"user_link_id" json:"user_link_id"`
	Position   string `db:"position" json:"position"`
}

// StaffSubject is one subject taught by a staff member. The set is replaced
// wholesale on each sync, never patched incrementally.
type StaffSubject struct {
	ID             string `db:"id" json:"id"`
	StaffProfileID string `db:"staff_profile_id" json:"staff_profile_id"`
	SubjectCode    string `db:"subject_code" json:"subject_code"`
	SubjectName    string `db:"subject_name" json:"subject_name"`
}

// UserProfile bundles a link with its type-specific profile for read paths.
type UserProfile struct {
	Link     UserLink        `json:"link"`
	Student  *StudentProfile `json:"student,omitempty"`
	Staff    *StaffProfile   `json:"staff,omitempty"`
	Subjects []StaffSubject  `json:"subjects,omitempty"`
}
