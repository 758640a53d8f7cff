package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/pkg/config"
)

// ActivityReader reads the host platform's raw activity log.
type ActivityReader interface {
	DistinctPairs(ctx context.Context, from, to time.Time, excludeCourseID int64) ([]models.ActivityPair, error)
	EventsForPair(ctx context.Context, userID, courseID int64, from, to time.Time) ([]models.ActivityEvent, error)
	CountCourseModules(ctx context.Context, courseID int64) (int, error)
}

// BatchMetricsStore applies batch-owned metric updates.
type BatchMetricsStore interface {
	ApplyBatchUpdate(ctx context.Context, batch *models.BatchMetrics) error
}

// EngagementService recomputes batch-owned engagement metrics from the raw
// activity log. Each (user, course) pair is processed independently; one
// failing pair never aborts the run.
type EngagementService struct {
	activity     ActivityReader
	store        BatchMetricsStore
	sessionGap   time.Duration
	siteCourseID int64
	logger       *zap.Logger
}

// NewEngagementService constructs an EngagementService.
func NewEngagementService(activity ActivityReader, store BatchMetricsStore, cfg config.MetricsConfig, logger *zap.Logger) *EngagementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	gap := cfg.SessionGap
	if gap <= 0 {
		gap = 30 * time.Minute
	}
	return &EngagementService{
		activity:     activity,
		store:        store,
		sessionGap:   gap,
		siteCourseID: cfg.SiteCourseID,
		logger:       logger,
	}
}

// BatchSummary reports one calculator run.
type BatchSummary struct {
	PeriodStart time.Time `json:"period_start"`
	Pairs       int       `json:"pairs"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
}

// ComputeForPeriod recomputes batch metrics for every active (user, course)
// pair in [from, to). Results land in the weekly bucket containing from.
func (s *EngagementService) ComputeForPeriod(ctx context.Context, from, to time.Time) (*BatchSummary, error) {
	pairs, err := s.activity.DistinctPairs(ctx, from, to, s.siteCourseID)
	if err != nil {
		return nil, fmt.Errorf("list active pairs: %w", err)
	}

	weekStart := models.WeekStart(from)
	summary := &BatchSummary{PeriodStart: weekStart, Pairs: len(pairs)}
	for _, pair := range pairs {
		if err := s.computePair(ctx, pair, from, to, weekStart); err != nil {
			summary.Failed++
			s.logger.Error("compute pair failed",
				zap.Int64("user_id", pair.UserID),
				zap.Int64("course_id", pair.CourseID),
				zap.Error(err))
			continue
		}
		summary.Succeeded++
	}

	s.logger.Info("batch metrics computed",
		zap.Time("period_start", weekStart),
		zap.Int("pairs", summary.Pairs),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func (s *EngagementService) computePair(ctx context.Context, pair models.ActivityPair, from, to, weekStart time.Time) error {
	events, err := s.activity.EventsForPair(ctx, pair.UserID, pair.CourseID, from, to)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	batch := &models.BatchMetrics{
		Key: models.MetricsKey{
			UserID:      pair.UserID,
			CourseID:    pair.CourseID,
			PeriodStart: weekStart,
			PeriodType:  models.PeriodWeekly,
		},
		TotalActions: len(events),
	}

	days := make(map[string]struct{})
	uniqueResources := make(map[int64]struct{})
	timestamps := make([]time.Time, 0, len(events))
	for i := range events {
		e := &events[i]
		timestamps = append(timestamps, e.CreatedAt)
		days[e.CreatedAt.UTC().Format("2006-01-02")] = struct{}{}
		applyCounters(batch, e)
		if e.Component == "mod_resource" && e.Action == "viewed" && e.Target == "course_module" && e.ObjectID != nil {
			uniqueResources[*e.ObjectID] = struct{}{}
		}
	}

	first := events[0].CreatedAt
	last := events[len(events)-1].CreatedAt
	batch.FirstAccess = &first
	batch.LastAccess = &last
	batch.ActiveDays = len(days)
	batch.UniqueResources = len(uniqueResources)
	batch.TimeSpentSeconds = estimateTimeSpent(timestamps, s.sessionGap)

	total, err := s.activity.CountCourseModules(ctx, pair.CourseID)
	if err != nil {
		return err
	}
	batch.ActivitiesTotal = total

	return s.store.ApplyBatchUpdate(ctx, batch)
}

// estimateTimeSpent sums the gaps between consecutive events, counting only
// gaps strictly below the session gap. Larger gaps are treated as breaks
// between sessions and contribute nothing.
func estimateTimeSpent(timestamps []time.Time, gap time.Duration) int64 {
	if len(timestamps) < 2 {
		return 0
	}
	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var total time.Duration
	for i := 1; i < len(sorted); i++ {
		delta := sorted[i].Sub(sorted[i-1])
		if delta < gap {
			total += delta
		}
	}
	return int64(total.Seconds())
}

// counterRule maps one (component, action, target) log triple onto the batch
// counters it increments.
type counterRule struct {
	component string
	action    string
	target    string
	apply     func(*models.BatchMetrics)
}

// counterRules is the fixed mapping from log triples to counters. A resource
// view counts as both a view and a download, matching how the host platform
// serves file resources.
var counterRules = []counterRule{
	{"mod_resource", "viewed", "course_module", func(b *models.BatchMetrics) {
		b.ResourceViews++
		b.FilesDownloaded++
	}},
	{"mod_page", "viewed", "course_module", func(b *models.BatchMetrics) { b.PageViews++ }},
	{"mod_videotime", "viewed", "course_module", func(b *models.BatchMetrics) { b.VideoStarts++ }},
	{"mod_forum", "viewed", "discussion", func(b *models.BatchMetrics) { b.ForumViews++ }},
	{"mod_forum", "created", "discussion", func(b *models.BatchMetrics) { b.ForumPosts++ }},
	{"mod_forum", "created", "post", func(b *models.BatchMetrics) { b.ForumReplies++ }},
	{"mod_chat", "sent", "message", func(b *models.BatchMetrics) { b.ChatMessages++ }},
	{"mod_assign", "viewed", "submission_status", func(b *models.BatchMetrics) { b.AssignmentViews++ }},
	{"mod_folder", "downloaded", "zip_archive", func(b *models.BatchMetrics) { b.FilesDownloaded++ }},
}

func applyCounters(b *models.BatchMetrics, e *models.ActivityEvent) {
	for _, rule := range counterRules {
		if e.Component == rule.component && e.Action == rule.action && e.Target == rule.target {
			rule.apply(b)
		}
	}
}
