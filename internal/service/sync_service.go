package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/internal/sdms"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

// SDMSClient is the slice of the remote client the sync service needs.
type SDMSClient interface {
	FetchStudent(ctx context.Context, code string) (*sdms.StudentRecord, error)
	FetchStaff(ctx context.Context, id string) (*sdms.StaffRecord, error)
	FetchSchool(ctx context.Context, code string) (*sdms.SchoolRecord, error)
}

// SchoolSyncRepository persists synced schools and their hierarchies.
type SchoolSyncRepository interface {
	FindByCode(ctx context.Context, code string) (*models.SchoolRecord, error)
	ReplaceHierarchy(ctx context.Context, school *models.SchoolRecord, levels []models.LevelNode) (*models.SchoolRecord, error)
	MarkSyncError(ctx context.Context, code, message string) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.SchoolRecord, error)
	LocateClassGroup(ctx context.Context, schoolCode, combinationCode, gradeName string) (*string, error)
}

// UserLinkSyncRepository persists user links and their profiles.
type UserLinkSyncRepository interface {
	FindByUserID(ctx context.Context, userID int64) (*models.UserProfile, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.UserLink, error)
	CreateWithProfile(ctx context.Context, profile *models.UserProfile) error
	UpdateWithProfile(ctx context.Context, profile *models.UserProfile) error
	MarkSyncError(ctx context.Context, userID int64, message string) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.UserLink, error)
}

// SyncAudit records high-level sync operations.
type SyncAudit interface {
	Append(ctx context.Context, entry *models.SyncLogEntry) error
}

// SyncService implements the cache-first read paths and the forced sync
// paths. Reads serve from the local store when fresh, refresh from SDMS when
// stale, and fall back to flagged stale data when the remote is down.
type SyncService struct {
	client  SDMSClient
	schools SchoolSyncRepository
	links   UserLinkSyncRepository
	audit   SyncAudit
	ttl     time.Duration
	logger  *zap.Logger
	valid   *validator.Validate
	now     func() time.Time
}

// NewSyncService constructs a SyncService.
func NewSyncService(client SDMSClient, schools SchoolSyncRepository, links UserLinkSyncRepository, audit SyncAudit, cacheTTL time.Duration, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 7 * 24 * time.Hour
	}
	return &SyncService{
		client:  client,
		schools: schools,
		links:   links,
		audit:   audit,
		ttl:     cacheTTL,
		logger:  logger,
		valid:   validator.New(),
		now:     time.Now,
	}
}

// IsStale reports whether a record last synced at t needs a refresh. A record
// that has never synced is always stale.
func (s *SyncService) IsStale(t *time.Time) bool {
	if t == nil || t.IsZero() {
		return true
	}
	return s.now().Sub(*t) > s.ttl
}

// GetSchoolInfo returns the school for code, cache-first. A missing or stale
// local record triggers a sync; if the sync fails but a local record exists,
// the stale record is returned flagged rather than failing the read.
func (s *SyncService) GetSchoolInfo(ctx context.Context, code string) (*models.SchoolRecord, error) {
	cached, err := s.schools.FindByCode(ctx, code)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load school: %w", err)
	}

	if cached != nil && !s.IsStale(cached.LastSyncedAt) {
		return cached, nil
	}

	fresh, syncErr := s.syncSchool(ctx, code)
	if syncErr == nil {
		return fresh, nil
	}
	if cached == nil {
		return nil, syncErr
	}
	return s.staleSchoolFallback(ctx, cached, syncErr), nil
}

// SyncSchoolNow forces a refresh from SDMS regardless of staleness. Failures
// surface to the caller; there is no stale fallback on the forced path.
func (s *SyncService) SyncSchoolNow(ctx context.Context, code string) (*models.SchoolRecord, error) {
	return s.syncSchool(ctx, code)
}

func (s *SyncService) syncSchool(ctx context.Context, code string) (*models.SchoolRecord, error) {
	started := s.now()
	remote, err := s.client.FetchSchool(ctx, code)
	if err != nil {
		s.recordSync(ctx, "school", code, models.SyncOpError, started, err)
		return nil, err
	}
	if remote == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "school not found in SDMS")
	}

	school, levels := mapRemoteSchool(remote)
	stored, err := s.schools.ReplaceHierarchy(ctx, school, levels)
	if err != nil {
		s.recordSync(ctx, "school", code, models.SyncOpError, started, err)
		return nil, fmt.Errorf("store school hierarchy: %w", err)
	}

	s.recordSync(ctx, "school", code, models.SyncOpUpdate, started, nil)
	s.logger.Info("school synced",
		zap.String("code", code),
		zap.Bool("has_tvet", stored.HasTVET))
	return stored, nil
}

// staleSchoolFallback flags the record and returns a copy carrying the error
// so callers can see the data is not trusted fresh.
func (s *SyncService) staleSchoolFallback(ctx context.Context, cached *models.SchoolRecord, syncErr error) *models.SchoolRecord {
	msg := syncErr.Error()
	if err := s.schools.MarkSyncError(ctx, cached.Code, msg); err != nil {
		s.logger.Warn("flag school sync error", zap.String("code", cached.Code), zap.Error(err))
	}
	s.logger.Warn("serving stale school after failed sync",
		zap.String("code", cached.Code),
		zap.Error(syncErr))
	stale := *cached
	stale.SyncStatus = models.SyncStatusError
	stale.SyncError = &msg
	return &stale
}

func mapRemoteSchool(remote *sdms.SchoolRecord) (*models.SchoolRecord, []models.LevelNode) {
	school := &models.SchoolRecord{
		Code:         remote.SchoolCode,
		Name:         remote.SchoolName,
		RegionCode:   remote.RegionCode,
		Active:       remote.Active,
		Status:       remote.Status,
		AcademicYear: remote.AcademicYear,
	}

	levels := make([]models.LevelNode, 0, len(remote.Levels))
	for _, lvl := range remote.Levels {
		node := models.LevelNode{Level: models.Level{Code: lvl.Code, Name: lvl.Name}}
		for _, combo := range lvl.Combinations {
			comboNode := models.CombinationNode{Combination: models.Combination{Code: combo.Code, Name: combo.Name}}
			for _, grade := range combo.Grades {
				gradeNode := models.GradeNode{Grade: models.Grade{Code: grade.Code, Name: grade.Name}}
				for _, cg := range grade.ClassGroups {
					gradeNode.ClassGroups = append(gradeNode.ClassGroups, models.ClassGroup{Code: cg.Code, Name: cg.Name})
				}
				comboNode.Grades = append(comboNode.Grades, gradeNode)
			}
			node.Combinations = append(node.Combinations, comboNode)
		}
		levels = append(levels, node)
	}
	return school, levels
}

// LinkUserRequest is the payload for linking a local user to an SDMS record.
type LinkUserRequest struct {
	UserID       int64           `json:"user_id" validate:"required,gt=0"`
	ExternalCode string          `json:"external_code" validate:"required"`
	UserType     models.UserType `json:"user_type" validate:"required"`
}

// LinkUser verifies the remote record exists, then creates the link and its
// profile. Duplicate links are rejected both by the pre-checks here and, as
// the final word, by the unique constraints in the store.
func (s *SyncService) LinkUser(ctx context.Context, req LinkUserRequest) (*models.UserProfile, error) {
	if err := s.valid.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if !req.UserType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user_type must be student or staff")
	}

	if _, err := s.links.FindByUserID(ctx, req.UserID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "user is already linked")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing link: %w", err)
	}
	if _, err := s.links.FindByExternalID(ctx, req.ExternalCode); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "external code is already linked")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing link: %w", err)
	}

	started := s.now()
	syncer := syncerFor(req.UserType)
	remote, err := syncer.fetch(ctx, s.client, req.ExternalCode)
	if err != nil {
		s.recordSync(ctx, string(req.UserType), req.ExternalCode, models.SyncOpError, started, err)
		return nil, err
	}
	if remote == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no matching record in SDMS")
	}

	link := models.UserLink{
		UserID:     req.UserID,
		ExternalID: req.ExternalCode,
		UserType:   req.UserType,
	}
	profile, err := s.applyRemote(ctx, syncer, &link, remote)
	if err != nil {
		return nil, err
	}
	if err := s.links.CreateWithProfile(ctx, profile); err != nil {
		s.recordSync(ctx, string(req.UserType), req.ExternalCode, models.SyncOpError, started, err)
		return nil, err
	}

	s.recordSync(ctx, string(req.UserType), req.ExternalCode, models.SyncOpCreate, started, nil)
	s.logger.Info("user linked",
		zap.Int64("user_id", req.UserID),
		zap.String("external_id", req.ExternalCode),
		zap.String("user_type", string(req.UserType)))
	return profile, nil
}

// GetUserProfile returns the linked profile for a local user, cache-first
// with the same stale fallback as school reads. An unlinked user is not
// found; linking is always explicit, never implicit on read.
func (s *SyncService) GetUserProfile(ctx context.Context, userID int64) (*models.UserProfile, error) {
	profile, err := s.links.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user is not linked")
		}
		return nil, fmt.Errorf("load user link: %w", err)
	}

	if !s.IsStale(profile.Link.LastSyncedAt) {
		return profile, nil
	}

	refreshed, syncErr := s.refreshLink(ctx, profile.Link)
	if syncErr == nil {
		return refreshed, nil
	}
	return s.staleProfileFallback(ctx, profile, syncErr), nil
}

// RefreshUser forces a re-sync of one linked user. Failures surface.
func (s *SyncService) RefreshUser(ctx context.Context, userID int64) (*models.UserProfile, error) {
	profile, err := s.links.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user is not linked")
		}
		return nil, fmt.Errorf("load user link: %w", err)
	}
	return s.refreshLink(ctx, profile.Link)
}

func (s *SyncService) refreshLink(ctx context.Context, link models.UserLink) (*models.UserProfile, error) {
	started := s.now()
	syncer := syncerFor(link.UserType)
	if syncer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "unknown user type on stored link")
	}

	remote, err := syncer.fetch(ctx, s.client, link.ExternalID)
	if err != nil {
		s.recordSync(ctx, string(link.UserType), link.ExternalID, models.SyncOpError, started, err)
		return nil, err
	}
	if remote == nil {
		// The remote record vanished. The link stays; the read path will
		// keep serving the flagged local copy.
		err := appErrors.Clone(appErrors.ErrNotFound, "linked record no longer in SDMS")
		s.recordSync(ctx, string(link.UserType), link.ExternalID, models.SyncOpError, started, err)
		return nil, err
	}

	profile, err := s.applyRemote(ctx, syncer, &link, remote)
	if err != nil {
		return nil, err
	}
	if err := s.links.UpdateWithProfile(ctx, profile); err != nil {
		s.recordSync(ctx, string(link.UserType), link.ExternalID, models.SyncOpError, started, err)
		return nil, fmt.Errorf("store refreshed profile: %w", err)
	}

	s.recordSync(ctx, string(link.UserType), link.ExternalID, models.SyncOpUpdate, started, nil)
	return profile, nil
}

func (s *SyncService) staleProfileFallback(ctx context.Context, profile *models.UserProfile, syncErr error) *models.UserProfile {
	msg := syncErr.Error()
	if err := s.links.MarkSyncError(ctx, profile.Link.UserID, msg); err != nil {
		s.logger.Warn("flag link sync error", zap.Int64("user_id", profile.Link.UserID), zap.Error(err))
	}
	s.logger.Warn("serving stale profile after failed sync",
		zap.Int64("user_id", profile.Link.UserID),
		zap.Error(syncErr))
	profile.Link.SyncStatus = models.SyncStatusError
	profile.Link.SyncError = &msg
	return profile
}

// applyRemote folds a fetched remote record into the link and builds the
// profile, cascading a school sync so the link's school reference is always
// backed by a local row.
func (s *SyncService) applyRemote(ctx context.Context, syncer profileSyncer, link *models.UserLink, remote *remoteUser) (*models.UserProfile, error) {
	if remote.schoolCode != "" {
		school, err := s.ensureSchool(ctx, remote.schoolCode)
		if err != nil {
			return nil, err
		}
		if school != nil {
			link.SchoolID = &school.ID
		}
	}

	now := s.now().UTC()
	link.AcademicYear = remote.academicYear
	link.RemoteStatus = remote.status
	link.SyncStatus = models.SyncStatusSynced
	link.SyncError = nil
	link.LastSyncedAt = &now

	profile := &models.UserProfile{Link: *link}
	if err := syncer.apply(ctx, s, profile, remote); err != nil {
		return nil, err
	}
	return profile, nil
}

// ensureSchool guarantees a local row for the code, syncing on miss or
// staleness. A failed refresh of an existing row degrades to the stale row;
// only a school with no local copy at all fails the cascade.
func (s *SyncService) ensureSchool(ctx context.Context, code string) (*models.SchoolRecord, error) {
	cached, err := s.schools.FindByCode(ctx, code)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load school: %w", err)
	}
	if cached != nil && !s.IsStale(cached.LastSyncedAt) {
		return cached, nil
	}

	fresh, syncErr := s.syncSchool(ctx, code)
	if syncErr == nil {
		return fresh, nil
	}
	if cached != nil {
		return s.staleSchoolFallback(ctx, cached, syncErr), nil
	}
	return nil, syncErr
}

// RefreshStaleSchools re-syncs up to limit schools past the TTL. Per-school
// failures are flagged and skipped so one bad school cannot stall the sweep.
func (s *SyncService) RefreshStaleSchools(ctx context.Context, limit int) error {
	cutoff := s.now().Add(-s.ttl)
	stale, err := s.schools.ListStale(ctx, cutoff, limit)
	if err != nil {
		return err
	}
	var failed int
	for _, school := range stale {
		if _, err := s.syncSchool(ctx, school.Code); err != nil {
			failed++
			if markErr := s.schools.MarkSyncError(ctx, school.Code, err.Error()); markErr != nil {
				s.logger.Warn("flag school sync error", zap.String("code", school.Code), zap.Error(markErr))
			}
		}
	}
	s.logger.Info("stale school sweep done", zap.Int("total", len(stale)), zap.Int("failed", failed))
	return nil
}

// RefreshStaleUsers re-syncs up to limit links past the TTL.
func (s *SyncService) RefreshStaleUsers(ctx context.Context, limit int) error {
	cutoff := s.now().Add(-s.ttl)
	stale, err := s.links.ListStale(ctx, cutoff, limit)
	if err != nil {
		return err
	}
	var failed int
	for _, link := range stale {
		if _, err := s.refreshLink(ctx, link); err != nil {
			failed++
			if markErr := s.links.MarkSyncError(ctx, link.UserID, err.Error()); markErr != nil {
				s.logger.Warn("flag link sync error", zap.Int64("user_id", link.UserID), zap.Error(markErr))
			}
		}
	}
	s.logger.Info("stale user sweep done", zap.Int("total", len(stale)), zap.Int("failed", failed))
	return nil
}

// recordSync appends a high-level audit entry. Best effort only.
func (s *SyncService) recordSync(ctx context.Context, syncType, entityID, op string, started time.Time, opErr error) {
	if s.audit == nil {
		return
	}
	entry := &models.SyncLogEntry{
		SyncType:   syncType,
		EntityID:   entityID,
		Operation:  op,
		DurationMs: s.now().Sub(started).Milliseconds(),
	}
	if opErr != nil {
		msg := opErr.Error()
		entry.Error = &msg
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn("sync audit write failed", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// remoteUser is the type-agnostic view of a fetched student or staff record.
type remoteUser struct {
	schoolCode   string
	academicYear string
	status       string
	student      *sdms.StudentRecord
	staff        *sdms.StaffRecord
}

// profileSyncer is picked once per entry point from the requested user type
// and drives both the fetch and the profile mapping for that variant.
type profileSyncer interface {
	fetch(ctx context.Context, client SDMSClient, code string) (*remoteUser, error)
	apply(ctx context.Context, s *SyncService, profile *models.UserProfile, remote *remoteUser) error
}

func syncerFor(t models.UserType) profileSyncer {
	switch t {
	case models.UserTypeStudent:
		return studentSyncer{}
	case models.UserTypeStaff:
		return staffSyncer{}
	}
	return nil
}

type studentSyncer struct{}

func (studentSyncer) fetch(ctx context.Context, client SDMSClient, code string) (*remoteUser, error) {
	rec, err := client.FetchStudent(ctx, code)
	if err != nil || rec == nil {
		return nil, err
	}
	return &remoteUser{
		schoolCode:   rec.SchoolCode,
		academicYear: rec.AcademicYear,
		status:       rec.Status,
		student:      rec,
	}, nil
}

func (studentSyncer) apply(ctx context.Context, s *SyncService, profile *models.UserProfile, remote *remoteUser) error {
	rec := remote.student
	student := &models.StudentProfile{
		ProgramCode: rec.CombinationCode,
		ProgramName: rec.Combination,
	}
	if rec.SchoolCode != "" && rec.CombinationCode != "" && rec.ClassGrade != "" {
		id, err := s.schools.LocateClassGroup(ctx, rec.SchoolCode, rec.CombinationCode, rec.ClassGrade)
		if err != nil {
			return fmt.Errorf("locate class group: %w", err)
		}
		student.ClassGroupID = id
	}
	if rec.RegisteredOn != "" {
		if t, err := time.Parse("2006-01-02", rec.RegisteredOn); err == nil {
			student.RegisteredAt = &t
		} else {
			s.logger.Warn("unparseable registration date",
				zap.String("student", rec.StudentNumber),
				zap.String("value", rec.RegisteredOn))
		}
	}
	profile.Student = student
	profile.Staff = nil
	profile.Subjects = nil
	return nil
}

type staffSyncer struct{}

func (staffSyncer) fetch(ctx context.Context, client SDMSClient, code string) (*remoteUser, error) {
	rec, err := client.FetchStaff(ctx, code)
	if err != nil || rec == nil {
		return nil, err
	}
	return &remoteUser{
		schoolCode:   rec.ResolveSchoolCode(),
		academicYear: rec.AcademicYear,
		status:       rec.Status,
		staff:        rec,
	}, nil
}

func (staffSyncer) apply(_ context.Context, _ *SyncService, profile *models.UserProfile, remote *remoteUser) error {
	rec := remote.staff
	profile.Staff = &models.StaffProfile{Position: rec.Position}
	profile.Student = nil
	profile.Subjects = profile.Subjects[:0]
	for _, subj := range rec.Subjects {
		profile.Subjects = append(profile.Subjects, models.StaffSubject{
			SubjectCode: subj.Code,
			SubjectName: subj.Name,
		})
	}
	return nil
}
