package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/internal/sdms"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

type mockSDMSClient struct {
	students map[string]*sdms.StudentRecord
	staff    map[string]*sdms.StaffRecord
	schools  map[string]*sdms.SchoolRecord
	err      error

	studentCalls int
	staffCalls   int
	schoolCalls  int
}

func (m *mockSDMSClient) FetchStudent(ctx context.Context, code string) (*sdms.StudentRecord, error) {
	m.studentCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.students[code], nil
}

func (m *mockSDMSClient) FetchStaff(ctx context.Context, id string) (*sdms.StaffRecord, error) {
	m.staffCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.staff[id], nil
}

func (m *mockSDMSClient) FetchSchool(ctx context.Context, code string) (*sdms.SchoolRecord, error) {
	m.schoolCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.schools[code], nil
}

type mockSchoolRepo struct {
	records     map[string]models.SchoolRecord
	classGroups map[string]string
	syncErrors  map[string]string
	lastLevels  []models.LevelNode
}

func (m *mockSchoolRepo) FindByCode(ctx context.Context, code string) (*models.SchoolRecord, error) {
	if rec, ok := m.records[code]; ok {
		copied := rec
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSchoolRepo) ReplaceHierarchy(ctx context.Context, school *models.SchoolRecord, levels []models.LevelNode) (*models.SchoolRecord, error) {
	if m.records == nil {
		m.records = make(map[string]models.SchoolRecord)
	}
	if existing, ok := m.records[school.Code]; ok {
		school.ID = existing.ID
	}
	if school.ID == "" {
		school.ID = "school-" + school.Code
	}
	now := time.Now().UTC()
	school.SyncStatus = models.SyncStatusSynced
	school.SyncError = nil
	school.LastSyncedAt = &now
	for _, lvl := range levels {
		if lvl.Code == models.LevelCodeTVET {
			school.HasTVET = true
		}
	}
	m.records[school.Code] = *school
	m.lastLevels = levels
	copied := *school
	return &copied, nil
}

func (m *mockSchoolRepo) MarkSyncError(ctx context.Context, code, message string) error {
	if m.syncErrors == nil {
		m.syncErrors = make(map[string]string)
	}
	m.syncErrors[code] = message
	return nil
}

func (m *mockSchoolRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.SchoolRecord, error) {
	var stale []models.SchoolRecord
	for _, rec := range m.records {
		if rec.LastSyncedAt == nil || rec.LastSyncedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

func (m *mockSchoolRepo) LocateClassGroup(ctx context.Context, schoolCode, combinationCode, gradeName string) (*string, error) {
	if id, ok := m.classGroups[schoolCode+"|"+combinationCode+"|"+gradeName]; ok {
		return &id, nil
	}
	return nil, nil
}

type mockLinkRepo struct {
	byUser     map[int64]models.UserProfile
	byExternal map[string]models.UserLink
	created    *models.UserProfile
	updated    *models.UserProfile
	syncErrors map[int64]string
}

func (m *mockLinkRepo) FindByUserID(ctx context.Context, userID int64) (*models.UserProfile, error) {
	if p, ok := m.byUser[userID]; ok {
		copied := p
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLinkRepo) FindByExternalID(ctx context.Context, externalID string) (*models.UserLink, error) {
	if l, ok := m.byExternal[externalID]; ok {
		copied := l
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLinkRepo) CreateWithProfile(ctx context.Context, profile *models.UserProfile) error {
	if m.byUser == nil {
		m.byUser = make(map[int64]models.UserProfile)
	}
	if m.byExternal == nil {
		m.byExternal = make(map[string]models.UserLink)
	}
	if _, ok := m.byUser[profile.Link.UserID]; ok {
		return appErrors.Clone(appErrors.ErrConflict, "user or external id already linked")
	}
	if _, ok := m.byExternal[profile.Link.ExternalID]; ok {
		return appErrors.Clone(appErrors.ErrConflict, "user or external id already linked")
	}
	profile.Link.ID = "link-1"
	m.byUser[profile.Link.UserID] = *profile
	m.byExternal[profile.Link.ExternalID] = profile.Link
	m.created = profile
	return nil
}

func (m *mockLinkRepo) UpdateWithProfile(ctx context.Context, profile *models.UserProfile) error {
	m.byUser[profile.Link.UserID] = *profile
	m.updated = profile
	return nil
}

func (m *mockLinkRepo) MarkSyncError(ctx context.Context, userID int64, message string) error {
	if m.syncErrors == nil {
		m.syncErrors = make(map[int64]string)
	}
	m.syncErrors[userID] = message
	return nil
}

func (m *mockLinkRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.UserLink, error) {
	var stale []models.UserLink
	for _, p := range m.byUser {
		if p.Link.LastSyncedAt == nil || p.Link.LastSyncedAt.Before(cutoff) {
			stale = append(stale, p.Link)
		}
	}
	return stale, nil
}

type mockSyncAudit struct {
	entries []models.SyncLogEntry
}

func (m *mockSyncAudit) Append(ctx context.Context, entry *models.SyncLogEntry) error {
	m.entries = append(m.entries, *entry)
	return nil
}

func newSyncFixture() (*SyncService, *mockSDMSClient, *mockSchoolRepo, *mockLinkRepo, *mockSyncAudit) {
	client := &mockSDMSClient{}
	schools := &mockSchoolRepo{}
	links := &mockLinkRepo{}
	audit := &mockSyncAudit{}
	svc := NewSyncService(client, schools, links, audit, 7*24*time.Hour, zap.NewNop())
	return svc, client, schools, links, audit
}

func TestIsStaleBoundaries(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	assert.True(t, svc.IsStale(nil))

	zero := time.Time{}
	assert.True(t, svc.IsStale(&zero))

	exactly := base.Add(-7 * 24 * time.Hour)
	assert.False(t, svc.IsStale(&exactly), "age equal to TTL is still fresh")

	over := exactly.Add(-time.Second)
	assert.True(t, svc.IsStale(&over))

	fresh := base.Add(-time.Hour)
	assert.False(t, svc.IsStale(&fresh))
}

func TestGetSchoolInfoFreshCacheSkipsRemote(t *testing.T) {
	svc, client, schools, _, _ := newSyncFixture()
	now := time.Now().UTC()
	schools.records = map[string]models.SchoolRecord{
		"SCH001": {ID: "s1", Code: "SCH001", Name: "Cached", SyncStatus: models.SyncStatusSynced, LastSyncedAt: &now},
	}

	got, err := svc.GetSchoolInfo(context.Background(), "SCH001")
	require.NoError(t, err)
	assert.Equal(t, "Cached", got.Name)
	assert.Equal(t, 0, client.schoolCalls)
}

func TestGetSchoolInfoMissTriggersSync(t *testing.T) {
	svc, client, schools, _, audit := newSyncFixture()
	client.schools = map[string]*sdms.SchoolRecord{
		"SCH001": {
			SchoolCode: "SCH001", SchoolName: "Remote School", RegionCode: "R1",
			Active: true, Status: "ACTIVE", AcademicYear: "2026",
			Levels: []sdms.Level{{Code: "TVET", Name: "TVET", Combinations: []sdms.Combination{
				{Code: "SOD", Name: "Software Development", Grades: []sdms.Grade{
					{Code: "L3", Name: "Level 3", ClassGroups: []sdms.ClassGroup{{Code: "A", Name: "L3 SOD A"}}},
				}},
			}}},
		},
	}

	got, err := svc.GetSchoolInfo(context.Background(), "SCH001")
	require.NoError(t, err)
	assert.Equal(t, "Remote School", got.Name)
	assert.True(t, got.HasTVET)
	assert.Equal(t, 1, client.schoolCalls)
	require.Len(t, schools.lastLevels, 1)
	assert.Equal(t, "SOD", schools.lastLevels[0].Combinations[0].Code)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.SyncOpUpdate, audit.entries[0].Operation)
}

func TestGetSchoolInfoStaleFallbackOnRemoteFailure(t *testing.T) {
	svc, client, schools, _, _ := newSyncFixture()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	schools.records = map[string]models.SchoolRecord{
		"SCH001": {ID: "s1", Code: "SCH001", Name: "Stale", SyncStatus: models.SyncStatusSynced, LastSyncedAt: &old},
	}
	client.err = appErrors.Clone(appErrors.ErrRemoteUnavailable, "boom")

	got, err := svc.GetSchoolInfo(context.Background(), "SCH001")
	require.NoError(t, err, "stale data must still serve when the remote is down")
	assert.Equal(t, "Stale", got.Name)
	assert.Equal(t, models.SyncStatusError, got.SyncStatus)
	require.NotNil(t, got.SyncError)
	assert.NotEmpty(t, schools.syncErrors["SCH001"])
}

func TestGetSchoolInfoUnknownEverywhere(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture()

	_, err := svc.GetSchoolInfo(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestSyncSchoolNowSurfacesRemoteFailure(t *testing.T) {
	svc, client, schools, _, _ := newSyncFixture()
	old := time.Now().UTC().Add(-time.Hour)
	schools.records = map[string]models.SchoolRecord{
		"SCH001": {ID: "s1", Code: "SCH001", Name: "Fresh", LastSyncedAt: &old},
	}
	client.err = appErrors.Clone(appErrors.ErrRemoteUnavailable, "down")

	_, err := svc.SyncSchoolNow(context.Background(), "SCH001")
	require.Error(t, err, "forced sync has no stale fallback")
	assert.True(t, appErrors.IsTransient(err))
}

func studentFixtureClient() *mockSDMSClient {
	return &mockSDMSClient{
		students: map[string]*sdms.StudentRecord{
			"STU001": {
				StudentNumber: "STU001", FirstName: "Alice", LastName: "U",
				SchoolCode: "SCH001", CombinationCode: "SOD", Combination: "Software Development",
				ClassGrade: "L3 SOD A", AcademicYear: "2026", Status: "ACTIVE",
				RegisteredOn: "2026-01-15",
			},
		},
		schools: map[string]*sdms.SchoolRecord{
			"SCH001": {SchoolCode: "SCH001", SchoolName: "Remote School", Status: "ACTIVE", Active: true},
		},
	}
}

func TestLinkStudentCascadesSchoolSync(t *testing.T) {
	svc, client, schools, links, audit := newSyncFixture()
	*client = *studentFixtureClient()
	schools.classGroups = map[string]string{"SCH001|SOD|L3 SOD A": "cg-9"}

	profile, err := svc.LinkUser(context.Background(), LinkUserRequest{
		UserID:       42,
		ExternalCode: "STU001",
		UserType:     models.UserTypeStudent,
	})
	require.NoError(t, err)

	// The unseen school was synced as part of the link.
	assert.Equal(t, 1, client.schoolCalls)
	require.NotNil(t, profile.Link.SchoolID)
	assert.Equal(t, "school-SCH001", *profile.Link.SchoolID)

	assert.Equal(t, models.SyncStatusSynced, profile.Link.SyncStatus)
	assert.Equal(t, "2026", profile.Link.AcademicYear)
	require.NotNil(t, profile.Student)
	assert.Equal(t, "SOD", profile.Student.ProgramCode)
	require.NotNil(t, profile.Student.ClassGroupID)
	assert.Equal(t, "cg-9", *profile.Student.ClassGroupID)
	require.NotNil(t, profile.Student.RegisteredAt)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), profile.Student.RegisteredAt.UTC())

	require.NotNil(t, links.created)

	var ops []string
	for _, e := range audit.entries {
		ops = append(ops, e.Operation)
	}
	assert.Contains(t, ops, models.SyncOpCreate)
}

func TestLinkStudentWithoutClassGroupMatch(t *testing.T) {
	svc, client, _, _, _ := newSyncFixture()
	*client = *studentFixtureClient()

	profile, err := svc.LinkUser(context.Background(), LinkUserRequest{
		UserID:       42,
		ExternalCode: "STU001",
		UserType:     models.UserTypeStudent,
	})
	require.NoError(t, err, "an unmatched class group must not fail the link")
	assert.Nil(t, profile.Student.ClassGroupID)
}

func TestLinkUserConflicts(t *testing.T) {
	svc, client, _, links, _ := newSyncFixture()
	*client = *studentFixtureClient()
	links.byUser = map[int64]models.UserProfile{
		42: {Link: models.UserLink{UserID: 42, ExternalID: "OTHER"}},
	}

	_, err := svc.LinkUser(context.Background(), LinkUserRequest{UserID: 42, ExternalCode: "STU001", UserType: models.UserTypeStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	links.byUser = nil
	links.byExternal = map[string]models.UserLink{
		"STU001": {UserID: 7, ExternalID: "STU001"},
	}
	_, err = svc.LinkUser(context.Background(), LinkUserRequest{UserID: 42, ExternalCode: "STU001", UserType: models.UserTypeStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestLinkUserUnknownRemote(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture()

	_, err := svc.LinkUser(context.Background(), LinkUserRequest{UserID: 42, ExternalCode: "GHOST", UserType: models.UserTypeStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestLinkUserValidation(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture()

	_, err := svc.LinkUser(context.Background(), LinkUserRequest{UserID: 42, ExternalCode: "X", UserType: "teacher"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.LinkUser(context.Background(), LinkUserRequest{ExternalCode: "X", UserType: models.UserTypeStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestLinkStaffResolvesMisspelledSchoolCode(t *testing.T) {
	svc, client, schools, _, _ := newSyncFixture()
	client.staff = map[string]*sdms.StaffRecord{
		"STF001": {
			StaffID: "STF001", Position: "Trainer", AcademicYear: "2026", Status: "ACTIVE",
			SchoolCodeMisspelled: "SCH001",
			Subjects: []sdms.StaffSubject{
				{Code: "MATH", Name: "Mathematics"},
				{Code: "PHY", Name: "Physics"},
			},
		},
	}
	client.schools = map[string]*sdms.SchoolRecord{
		"SCH001": {SchoolCode: "SCH001", SchoolName: "Remote School"},
	}

	profile, err := svc.LinkUser(context.Background(), LinkUserRequest{
		UserID:       77,
		ExternalCode: "STF001",
		UserType:     models.UserTypeStaff,
	})
	require.NoError(t, err)
	require.NotNil(t, profile.Link.SchoolID, "school code must resolve from the misspelled key")
	assert.Contains(t, schools.records, "SCH001", "linking cascades the school sync")
	require.NotNil(t, profile.Staff)
	assert.Equal(t, "Trainer", profile.Staff.Position)
	require.Len(t, profile.Subjects, 2)
	assert.Equal(t, "MATH", profile.Subjects[0].SubjectCode)
}

func TestGetUserProfileStaleFallback(t *testing.T) {
	svc, client, _, links, _ := newSyncFixture()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	links.byUser = map[int64]models.UserProfile{
		42: {
			Link: models.UserLink{
				ID: "link-1", UserID: 42, ExternalID: "STU001",
				UserType: models.UserTypeStudent, SyncStatus: models.SyncStatusSynced,
				LastSyncedAt: &old,
			},
			Student: &models.StudentProfile{ProgramCode: "SOD"},
		},
	}
	client.err = appErrors.Clone(appErrors.ErrRemoteUnavailable, "down")

	profile, err := svc.GetUserProfile(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, profile.Link.SyncStatus)
	require.NotNil(t, profile.Link.SyncError)
	assert.Equal(t, "SOD", profile.Student.ProgramCode, "stale profile data survives the failed refresh")
	assert.NotEmpty(t, links.syncErrors[42])
}

func TestGetUserProfileUnlinked(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture()

	_, err := svc.GetUserProfile(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestRefreshUserUpdatesProfile(t *testing.T) {
	svc, client, _, links, _ := newSyncFixture()
	*client = *studentFixtureClient()
	old := time.Now().UTC().Add(-time.Hour)
	links.byUser = map[int64]models.UserProfile{
		42: {
			Link: models.UserLink{
				ID: "link-1", UserID: 42, ExternalID: "STU001",
				UserType: models.UserTypeStudent, SyncStatus: models.SyncStatusError,
				LastSyncedAt: &old,
			},
		},
	}

	profile, err := svc.RefreshUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, profile.Link.SyncStatus)
	assert.Nil(t, profile.Link.SyncError)
	require.NotNil(t, links.updated)
	assert.Equal(t, 1, client.studentCalls, "a forced refresh always hits the remote")
}

func TestRefreshStaleSchoolsSweeps(t *testing.T) {
	svc, client, schools, _, _ := newSyncFixture()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	schools.records = map[string]models.SchoolRecord{
		"SCH001": {ID: "s1", Code: "SCH001", LastSyncedAt: &old},
		"SCH002": {ID: "s2", Code: "SCH002", LastSyncedAt: &old},
	}
	client.schools = map[string]*sdms.SchoolRecord{
		"SCH001": {SchoolCode: "SCH001", SchoolName: "One"},
		// SCH002 vanished remotely; the sweep flags it and moves on.
	}

	err := svc.RefreshStaleSchools(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, client.schoolCalls)
	assert.Equal(t, "One", schools.records["SCH001"].Name)
	assert.NotEmpty(t, schools.syncErrors["SCH002"])
}
