package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/pkg/config"
)

type mockActivityReader struct {
	pairs   []models.ActivityPair
	events  map[string][]models.ActivityEvent
	modules map[int64]int
	failFor int64
}

func pairKey(userID, courseID int64) string {
	return fmt.Sprintf("%d:%d", userID, courseID)
}

func (m *mockActivityReader) DistinctPairs(ctx context.Context, from, to time.Time, excludeCourseID int64) ([]models.ActivityPair, error) {
	var out []models.ActivityPair
	for _, p := range m.pairs {
		if p.CourseID != excludeCourseID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockActivityReader) EventsForPair(ctx context.Context, userID, courseID int64, from, to time.Time) ([]models.ActivityEvent, error) {
	if m.failFor != 0 && userID == m.failFor {
		return nil, errors.New("storage glitch")
	}
	return m.events[pairKey(userID, courseID)], nil
}

func (m *mockActivityReader) CountCourseModules(ctx context.Context, courseID int64) (int, error) {
	return m.modules[courseID], nil
}

type mockBatchStore struct {
	applied []models.BatchMetrics
}

func (m *mockBatchStore) ApplyBatchUpdate(ctx context.Context, batch *models.BatchMetrics) error {
	m.applied = append(m.applied, *batch)
	return nil
}

func newEngagementFixture(activity *mockActivityReader) (*EngagementService, *mockBatchStore) {
	store := &mockBatchStore{}
	cfg := config.MetricsConfig{SessionGap: 30 * time.Minute, SiteCourseID: 1}
	return NewEngagementService(activity, store, cfg, zap.NewNop()), store
}

func event(userID, courseID int64, component, action, target string, objectID int64, at time.Time) models.ActivityEvent {
	e := models.ActivityEvent{
		UserID:    userID,
		CourseID:  courseID,
		Component: component,
		Action:    action,
		Target:    target,
		CreatedAt: at,
	}
	if objectID != 0 {
		e.ObjectID = &objectID
	}
	return e
}

func TestEstimateTimeSpentSessionGaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		base,
		base.Add(100 * time.Second),
		base.Add(200 * time.Second),
		base.Add(3000 * time.Second),
		base.Add(3050 * time.Second),
	}
	// Gaps: 100, 100, 2800, 50. The 2800s gap crosses the 1800s threshold
	// and is dropped; the rest sum to 250.
	assert.Equal(t, int64(250), estimateTimeSpent(stamps, 30*time.Minute))

	assert.Equal(t, int64(0), estimateTimeSpent(stamps[:1], 30*time.Minute))
	assert.Equal(t, int64(0), estimateTimeSpent(nil, 30*time.Minute))

	// A gap exactly at the threshold counts as a session break.
	edge := []time.Time{base, base.Add(1800 * time.Second)}
	assert.Equal(t, int64(0), estimateTimeSpent(edge, 30*time.Minute))
}

func TestComputeForPeriodCounters(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // a Monday
	activity := &mockActivityReader{
		pairs: []models.ActivityPair{{UserID: 10, CourseID: 5}},
		events: map[string][]models.ActivityEvent{
			pairKey(10, 5): {
				event(10, 5, "mod_resource", "viewed", "course_module", 100, base),
				event(10, 5, "mod_resource", "viewed", "course_module", 100, base.Add(time.Minute)),
				event(10, 5, "mod_resource", "viewed", "course_module", 200, base.Add(2*time.Minute)),
				event(10, 5, "mod_page", "viewed", "course_module", 300, base.Add(3*time.Minute)),
				event(10, 5, "mod_videotime", "viewed", "course_module", 400, base.Add(4*time.Minute)),
				event(10, 5, "mod_forum", "viewed", "discussion", 0, base.Add(5*time.Minute)),
				event(10, 5, "mod_forum", "created", "discussion", 0, base.Add(6*time.Minute)),
				event(10, 5, "mod_forum", "created", "post", 0, base.Add(7*time.Minute)),
				event(10, 5, "mod_chat", "sent", "message", 0, base.Add(8*time.Minute)),
				event(10, 5, "mod_assign", "viewed", "submission_status", 0, base.Add(9*time.Minute)),
				event(10, 5, "mod_folder", "downloaded", "zip_archive", 0, base.AddDate(0, 0, 1)),
			},
		},
		modules: map[int64]int{5: 12},
	}
	svc, store := newEngagementFixture(activity)

	summary, err := svc.ComputeForPeriod(context.Background(), base, base.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	require.Len(t, store.applied, 1)
	got := store.applied[0]
	assert.Equal(t, base, got.Key.PeriodStart, "Monday input is already the week start")
	assert.Equal(t, models.PeriodWeekly, got.Key.PeriodType)

	assert.Equal(t, 11, got.TotalActions)
	assert.Equal(t, 2, got.ActiveDays)
	assert.Equal(t, 3, got.ResourceViews)
	assert.Equal(t, 2, got.UniqueResources)
	assert.Equal(t, 1, got.PageViews)
	assert.Equal(t, 1, got.VideoStarts)
	assert.Equal(t, 1, got.ForumViews)
	assert.Equal(t, 1, got.ForumPosts)
	assert.Equal(t, 1, got.ForumReplies)
	assert.Equal(t, 1, got.ChatMessages)
	assert.Equal(t, 1, got.AssignmentViews)
	// Resource views double as downloads, plus the explicit folder download.
	assert.Equal(t, 4, got.FilesDownloaded)
	assert.Equal(t, 12, got.ActivitiesTotal)

	require.NotNil(t, got.FirstAccess)
	require.NotNil(t, got.LastAccess)
	assert.Equal(t, base, got.FirstAccess.UTC())
}

func TestComputeForPeriodBucketsMidweekIntoMonday(t *testing.T) {
	wednesday := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	activity := &mockActivityReader{
		pairs: []models.ActivityPair{{UserID: 10, CourseID: 5}},
		events: map[string][]models.ActivityEvent{
			pairKey(10, 5): {event(10, 5, "mod_page", "viewed", "course_module", 1, wednesday)},
		},
	}
	svc, store := newEngagementFixture(activity)

	_, err := svc.ComputeForPeriod(context.Background(), wednesday, wednesday.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, store.applied, 1)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), store.applied[0].Key.PeriodStart)
}

func TestComputeForPeriodIsolatesPairFailures(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	activity := &mockActivityReader{
		pairs: []models.ActivityPair{
			{UserID: 10, CourseID: 5},
			{UserID: 11, CourseID: 5},
			{UserID: 12, CourseID: 5},
		},
		events: map[string][]models.ActivityEvent{
			pairKey(10, 5): {event(10, 5, "mod_page", "viewed", "course_module", 1, base)},
			pairKey(12, 5): {event(12, 5, "mod_page", "viewed", "course_module", 1, base)},
		},
		failFor: 11,
	}
	svc, store := newEngagementFixture(activity)

	summary, err := svc.ComputeForPeriod(context.Background(), base, base.AddDate(0, 0, 7))
	require.NoError(t, err, "one failing pair must not abort the run")
	assert.Equal(t, 3, summary.Pairs)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, store.applied, 2)
}

func TestComputeForPeriodSkipsSiteCourse(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	activity := &mockActivityReader{
		pairs: []models.ActivityPair{
			{UserID: 10, CourseID: 1}, // site pseudo-course
			{UserID: 10, CourseID: 5},
		},
		events: map[string][]models.ActivityEvent{
			pairKey(10, 5): {event(10, 5, "mod_page", "viewed", "course_module", 1, base)},
		},
	}
	svc, store := newEngagementFixture(activity)

	summary, err := svc.ComputeForPeriod(context.Background(), base, base.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pairs)
	require.Len(t, store.applied, 1)
	assert.Equal(t, int64(5), store.applied[0].Key.CourseID)
}

func TestComputeForPeriodSkipsEmptyPairs(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	activity := &mockActivityReader{
		pairs: []models.ActivityPair{{UserID: 10, CourseID: 5}},
	}
	svc, store := newEngagementFixture(activity)

	summary, err := svc.ComputeForPeriod(context.Background(), base, base.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, store.applied, "no events means no row is written")
}
