package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint breaches.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// UserLinkRepository manages user links and their type-specific profiles.
type UserLinkRepository struct {
	db *sqlx.DB
}

// NewUserLinkRepository constructs a UserLinkRepository.
func NewUserLinkRepository(db *sqlx.DB) *UserLinkRepository {
	return &UserLinkRepository{db: db}
}

const linkColumns = `id, user_id, external_id, school_id, user_type, academic_year,
    remote_status, sync_status, sync_error, last_synced_at, created_at, updated_at`

// FindByUserID loads a link with its profile for the given local user.
func (r *UserLinkRepository) FindByUserID(ctx context.Context, userID int64) (*models.UserProfile, error) {
	query := fmt.Sprintf("SELECT %s FROM sdms_user_links WHERE user_id = $1", linkColumns)
	var link models.UserLink
	if err := r.db.GetContext(ctx, &link, query, userID); err != nil {
		return nil, err
	}
	return r.loadProfile(ctx, link)
}

func (r *UserLinkRepository) loadProfile(ctx context.Context, link models.UserLink) (*models.UserProfile, error) {
	profile := &models.UserProfile{Link: link}
	switch link.UserType {
	case models.UserTypeStudent:
		const query = `SELECT id, user_link_id, program_code, program_name, class_group_id, registered_at
            FROM sdms_student_profiles WHERE user_link_id = $1`
		var student models.StudentProfile
		if err := r.db.GetContext(ctx, &student, query, link.ID); err != nil {
			if err != sql.ErrNoRows {
				return nil, fmt.Errorf("load student profile: %w", err)
			}
		} else {
			profile.Student = &student
		}
	case models.UserTypeStaff:
		const query = `SELECT id, user_link_id, position FROM sdms_staff_profiles WHERE user_link_id = $1`
		var staff models.StaffProfile
		if err := r.db.GetContext(ctx, &staff, query, link.ID); err != nil {
			if err != sql.ErrNoRows {
				return nil, fmt.Errorf("load staff profile: %w", err)
			}
		} else {
			profile.Staff = &staff
			const subjectQuery = `SELECT id, staff_profile_id, subject_code, subject_name
                FROM sdms_staff_subjects WHERE staff_profile_id = $1 ORDER BY subject_code`
			if err := r.db.SelectContext(ctx, &profile.Subjects, subjectQuery, staff.ID); err != nil {
				return nil, fmt.Errorf("load staff subjects: %w", err)
			}
		}
	}
	return profile, nil
}

// FindByExternalID fetches a link by its remote identifier.
func (r *UserLinkRepository) FindByExternalID(ctx context.Context, externalID string) (*models.UserLink, error) {
	query := fmt.Sprintf("SELECT %s FROM sdms_user_links WHERE external_id = $1", linkColumns)
	var link models.UserLink
	if err := r.db.GetContext(ctx, &link, query, externalID); err != nil {
		return nil, err
	}
	return &link, nil
}

// CreateWithProfile inserts a new link and its profile atomically. The unique
// constraints on user_id and external_id are the real duplicate-link
// guarantee; a violation surfaces as a conflict.
func (r *UserLinkRepository) CreateWithProfile(ctx context.Context, profile *models.UserProfile) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	link := &profile.Link
	now := time.Now().UTC()
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	link.CreatedAt = now
	link.UpdatedAt = now

	const insertLink = `INSERT INTO sdms_user_links
        (id, user_id, external_id, school_id, user_type, academic_year, remote_status, sync_status, sync_error, last_synced_at, created_at, updated_at)
        VALUES (:id, :user_id, :external_id, :school_id, :user_type, :academic_year, :remote_status, :sync_status, :sync_error, :last_synced_at, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insertLink, link); err != nil {
		tx.Rollback() //nolint:errcheck
		if isUniqueViolation(err) {
			return appErrors.Clone(appErrors.ErrConflict, "user or external id already linked")
		}
		return fmt.Errorf("insert user link: %w", err)
	}

	if err := r.writeProfileTx(ctx, tx, profile); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user link: %w", err)
	}
	return nil
}

// UpdateWithProfile refreshes a link and replaces its profile atomically.
func (r *UserLinkRepository) UpdateWithProfile(ctx context.Context, profile *models.UserProfile) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	link := &profile.Link
	link.UpdatedAt = time.Now().UTC()
	const updateLink = `UPDATE sdms_user_links SET school_id = :school_id, academic_year = :academic_year,
        remote_status = :remote_status, sync_status = :sync_status, sync_error = :sync_error,
        last_synced_at = :last_synced_at, updated_at = :updated_at
        WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, updateLink, link); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("update user link: %w", err)
	}

	if err := r.writeProfileTx(ctx, tx, profile); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user refresh: %w", err)
	}
	return nil
}

// writeProfileTx upserts the type-specific profile rows. Staff subject rows
// are replaced wholesale, never patched.
func (r *UserLinkRepository) writeProfileTx(ctx context.Context, tx *sqlx.Tx, profile *models.UserProfile) error {
	if profile.Student != nil {
		student := profile.Student
		if student.ID == "" {
			student.ID = uuid.NewString()
		}
		student.UserLinkID = profile.Link.ID
		const upsert = `INSERT INTO sdms_student_profiles (id, user_link_id, program_code, program_name, class_group_id, registered_at)
            VALUES (:id, :user_link_id, :program_code, :program_name, :class_group_id, :registered_at)
            ON CONFLICT (user_link_id) DO UPDATE SET
                program_code = EXCLUDED.program_code,
                program_name = EXCLUDED.program_name,
                class_group_id = EXCLUDED.class_group_id,
                registered_at = EXCLUDED.registered_at`
		if _, err := tx.NamedExecContext(ctx, upsert, student); err != nil {
			return fmt.Errorf("upsert student profile: %w", err)
		}
	}

	if profile.Staff != nil {
		staff := profile.Staff
		if staff.ID == "" {
			staff.ID = uuid.NewString()
		}
		staff.UserLinkID = profile.Link.ID
		const upsert = `INSERT INTO sdms_staff_profiles (id, user_link_id, position)
            VALUES ($1, $2, $3)
            ON CONFLICT (user_link_id) DO UPDATE SET position = EXCLUDED.position
            RETURNING id`
		var staffID string
		if err := tx.GetContext(ctx, &staffID, upsert, staff.ID, staff.UserLinkID, staff.Position); err != nil {
			return fmt.Errorf("upsert staff profile: %w", err)
		}
		staff.ID = staffID

		if _, err := tx.ExecContext(ctx, "DELETE FROM sdms_staff_subjects WHERE staff_profile_id = $1", staffID); err != nil {
			return fmt.Errorf("clear staff subjects: %w", err)
		}
		const insertSubject = `INSERT INTO sdms_staff_subjects (id, staff_profile_id, subject_code, subject_name)
            VALUES (:id, :staff_profile_id, :subject_code, :subject_name)`
		for i := range profile.Subjects {
			if profile.Subjects[i].ID == "" {
				profile.Subjects[i].ID = uuid.NewString()
			}
			profile.Subjects[i].StaffProfileID = staffID
			if _, err := tx.NamedExecContext(ctx, insertSubject, profile.Subjects[i]); err != nil {
				return fmt.Errorf("insert staff subject: %w", err)
			}
		}
	}

	return nil
}

// MarkSyncError flags a link after a failed refresh without touching its
// profile data.
func (r *UserLinkRepository) MarkSyncError(ctx context.Context, userID int64, message string) error {
	const query = `UPDATE sdms_user_links SET sync_status = $2, sync_error = $3, updated_at = $4 WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID, models.SyncStatusError, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark link sync error: %w", err)
	}
	return nil
}

// ListStale returns links whose last sync predates the cutoff.
func (r *UserLinkRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.UserLink, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM sdms_user_links
        WHERE last_synced_at IS NULL OR last_synced_at < $1
        ORDER BY last_synced_at ASC NULLS FIRST
        LIMIT $2`, linkColumns)
	var links []models.UserLink
	if err := r.db.SelectContext(ctx, &links, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list stale links: %w", err)
	}
	return links, nil
}

// LinkCountsBySchool returns, per school with at least one linked user, the
// total and the number linked since the given time.
func (r *UserLinkRepository) LinkCountsBySchool(ctx context.Context, since time.Time) ([]models.SchoolLinkCounts, error) {
	const query = `SELECT school_id, COUNT(*) AS enrolled,
        COUNT(*) FILTER (WHERE created_at >= $1) AS new_links
        FROM sdms_user_links
        WHERE school_id IS NOT NULL
        GROUP BY school_id`
	var counts []models.SchoolLinkCounts
	if err := r.db.SelectContext(ctx, &counts, query, since); err != nil {
		return nil, fmt.Errorf("count links by school: %w", err)
	}
	return counts, nil
}
