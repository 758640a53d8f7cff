package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

func linkRowColumns() []string {
	return []string{"id", "user_id", "external_id", "school_id", "user_type", "academic_year",
		"remote_status", "sync_status", "sync_error", "last_synced_at", "created_at", "updated_at"}
}

func studentProfileFixture() *models.UserProfile {
	schoolID := "school-1"
	registered := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	return &models.UserProfile{
		Link: models.UserLink{
			UserID:       42,
			ExternalID:   "STU001",
			SchoolID:     &schoolID,
			UserType:     models.UserTypeStudent,
			AcademicYear: "2026",
			RemoteStatus: "ACTIVE",
			SyncStatus:   models.SyncStatusSynced,
		},
		Student: &models.StudentProfile{
			ProgramCode:  "SOD",
			ProgramName:  "Software Development",
			RegisteredAt: &registered,
		},
	}
}

func TestCreateWithProfileStudent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sdms_user_links")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sdms_student_profiles")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	profile := studentProfileFixture()
	require.NoError(t, repo.CreateWithProfile(context.Background(), profile))
	assert.NotEmpty(t, profile.Link.ID)
	assert.Equal(t, profile.Link.ID, profile.Student.UserLinkID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithProfileUniqueViolationIsConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sdms_user_links")).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := repo.CreateWithProfile(context.Background(), studentProfileFixture())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code,
		"the unique constraint is the duplicate-link backstop")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithProfileOtherErrorStaysInternal(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sdms_user_links")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.CreateWithProfile(context.Background(), studentProfileFixture())
	require.Error(t, err)
	assert.NotEqual(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWithProfileStaffReplacesSubjects(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	profile := &models.UserProfile{
		Link: models.UserLink{
			ID:         "link-1",
			UserID:     77,
			ExternalID: "STF001",
			UserType:   models.UserTypeStaff,
			SyncStatus: models.SyncStatusSynced,
		},
		Staff: &models.StaffProfile{Position: "Trainer"},
		Subjects: []models.StaffSubject{
			{SubjectCode: "MATH", SubjectName: "Mathematics"},
			{SubjectCode: "PHY", SubjectName: "Physics"},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sdms_user_links SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sdms_staff_profiles")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("staff-1"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sdms_staff_subjects WHERE staff_profile_id = $1")).
		WithArgs("staff-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sdms_staff_subjects")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sdms_staff_subjects")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdateWithProfile(context.Background(), profile))
	assert.Equal(t, "staff-1", profile.Staff.ID)
	assert.Equal(t, "staff-1", profile.Subjects[0].StaffProfileID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByUserIDStudent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sdms_user_links WHERE user_id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(linkRowColumns()).
			AddRow("link-1", 42, "STU001", "school-1", string(models.UserTypeStudent), "2026",
				"ACTIVE", models.SyncStatusSynced, nil, now, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM sdms_student_profiles WHERE user_link_id = $1")).
		WithArgs("link-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_link_id", "program_code", "program_name", "class_group_id", "registered_at"}).
			AddRow("sp-1", "link-1", "SOD", "Software Development", "cg-1", now))

	profile, err := repo.FindByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "STU001", profile.Link.ExternalID)
	require.NotNil(t, profile.Student)
	assert.Equal(t, "SOD", profile.Student.ProgramCode)
	assert.Nil(t, profile.Staff)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByUserIDUnlinked(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sdms_user_links WHERE user_id = $1")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByUserID(context.Background(), 99)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkCountsBySchool(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserLinkRepository(db)

	since := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY school_id")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"school_id", "enrolled", "new_links"}).
			AddRow("school-1", 12, 3).
			AddRow("school-2", 5, 0))

	counts, err := repo.LinkCountsBySchool(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, 12, counts[0].Enrolled)
	assert.Equal(t, 3, counts[0].New)
	require.NoError(t, mock.ExpectationsWereMet())
}
