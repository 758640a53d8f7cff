package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

type memoryCacheRepo struct {
	entries map[string][]byte
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: make(map[string][]byte)}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = raw
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

type mockUserMetricsReader struct {
	rows      []models.UserMetrics
	calls     int
	lastLimit int
}

func (m *mockUserMetricsReader) ListForUser(ctx context.Context, userID int64, courseID *int64, periodType models.PeriodType, limit int) ([]models.UserMetrics, error) {
	m.calls++
	m.lastLimit = limit
	return m.rows, nil
}

type mockSchoolMetricsReader struct {
	rows  []models.SchoolMetrics
	calls int
}

func (m *mockSchoolMetricsReader) ListForSchool(ctx context.Context, schoolID string, periodType models.PeriodType, limit int) ([]models.SchoolMetrics, error) {
	m.calls++
	return m.rows, nil
}

func newQueryFixture() (*MetricsQueryService, *mockUserMetricsReader, *mockSchoolMetricsReader) {
	users := &mockUserMetricsReader{rows: []models.UserMetrics{{UserID: 10, CourseID: 5, TotalActions: 42}}}
	schools := &mockSchoolMetricsReader{rows: []models.SchoolMetrics{{SchoolID: "school-1", ActiveUsers: 3}}}
	cache := NewCacheService(newMemoryCacheRepo(), nil, time.Minute, zap.NewNop(), true)
	return NewMetricsQueryService(users, schools, cache, time.Minute, zap.NewNop()), users, schools
}

func TestUserMetricsSecondReadServedFromCache(t *testing.T) {
	svc, users, _ := newQueryFixture()

	first, err := svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 12)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, users.calls)

	second, err := svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 12)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 42, second[0].TotalActions)
	assert.Equal(t, 1, users.calls, "second read must not touch the store")
}

func TestUserMetricsCourseFilterGetsOwnCacheEntry(t *testing.T) {
	svc, users, _ := newQueryFixture()
	courseID := int64(5)

	_, err := svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 12)
	require.NoError(t, err)
	_, err = svc.UserMetrics(context.Background(), 10, &courseID, models.PeriodWeekly, 12)
	require.NoError(t, err)
	assert.Equal(t, 2, users.calls)
}

func TestUserMetricsLimitClamped(t *testing.T) {
	svc, users, _ := newQueryFixture()

	_, err := svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 0)
	require.NoError(t, err)
	assert.Equal(t, 12, users.lastLimit)

	_, err = svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 500)
	require.NoError(t, err)
	assert.Equal(t, 12, users.lastLimit)
}

func TestSchoolMetricsSecondReadServedFromCache(t *testing.T) {
	svc, _, schools := newQueryFixture()

	_, err := svc.SchoolMetrics(context.Background(), "school-1", models.PeriodWeekly, 12)
	require.NoError(t, err)
	_, err = svc.SchoolMetrics(context.Background(), "school-1", models.PeriodWeekly, 12)
	require.NoError(t, err)
	assert.Equal(t, 1, schools.calls)
}

func TestInvalidateAllForcesReload(t *testing.T) {
	svc, users, _ := newQueryFixture()

	_, err := svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 12)
	require.NoError(t, err)
	require.NoError(t, svc.InvalidateAll(context.Background()))

	_, err = svc.UserMetrics(context.Background(), 10, nil, models.PeriodWeekly, 12)
	require.NoError(t, err)
	assert.Equal(t, 2, users.calls)
}
