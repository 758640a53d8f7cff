package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/pkg/config"
)

// RollupLinkReader supplies per-school enrolment counts.
type RollupLinkReader interface {
	LinkCountsBySchool(ctx context.Context, since time.Time) ([]models.SchoolLinkCounts, error)
}

// RollupMetricsReader reads per-user metrics for one school and period.
type RollupMetricsReader interface {
	ListForSchoolPeriod(ctx context.Context, schoolID string, periodStart time.Time, periodType models.PeriodType) ([]models.UserMetrics, error)
}

// RollupStore persists school roll-ups.
type RollupStore interface {
	Replace(ctx context.Context, metrics *models.SchoolMetrics) error
}

// RollupService aggregates per-user metrics into per-school summaries. Each
// run recomputes the school rows for the period wholesale; nothing is
// incremental, so a re-run after bad data heals the roll-up.
type RollupService struct {
	links      RollupLinkReader
	metrics    RollupMetricsReader
	store      RollupStore
	tierHigh   int
	tierMedium int
	tierLow    int
	logger     *zap.Logger
	now        func() time.Time
}

// NewRollupService constructs a RollupService.
func NewRollupService(links RollupLinkReader, metrics RollupMetricsReader, store RollupStore, cfg config.MetricsConfig, logger *zap.Logger) *RollupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	high, medium, low := cfg.TierHigh, cfg.TierMedium, cfg.TierLow
	if high <= 0 {
		high = 50
	}
	if medium <= 0 {
		medium = 20
	}
	if low <= 0 {
		low = 5
	}
	return &RollupService{
		links:      links,
		metrics:    metrics,
		store:      store,
		tierHigh:   high,
		tierMedium: medium,
		tierLow:    low,
		logger:     logger,
		now:        time.Now,
	}
}

// RollupSummary reports one aggregation run.
type RollupSummary struct {
	PeriodStart time.Time `json:"period_start"`
	Schools     int       `json:"schools"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
}

// Aggregate recomputes school metrics for the period across every school
// with linked users. Per-school failures are logged and skipped.
func (s *RollupService) Aggregate(ctx context.Context, periodStart time.Time, periodType models.PeriodType) (*RollupSummary, error) {
	counts, err := s.links.LinkCountsBySchool(ctx, periodStart)
	if err != nil {
		return nil, fmt.Errorf("count school links: %w", err)
	}

	summary := &RollupSummary{PeriodStart: periodStart, Schools: len(counts)}
	for _, school := range counts {
		if err := s.aggregateSchool(ctx, school, periodStart, periodType); err != nil {
			summary.Failed++
			s.logger.Error("school roll-up failed",
				zap.String("school_id", school.SchoolID),
				zap.Error(err))
			continue
		}
		summary.Succeeded++
	}

	s.logger.Info("school metrics aggregated",
		zap.Time("period_start", periodStart),
		zap.Int("schools", summary.Schools),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// userTotals accumulates one user's rows across courses for tiering.
type userTotals struct {
	actions     int
	activeDays  int
	timeSpent   int64
	resources   int
	submitted   int
	progressSum float64
	progressN   int
	quizScore   float64
	quizN       int
	completed   int
	courses     int
}

func (s *RollupService) aggregateSchool(ctx context.Context, school models.SchoolLinkCounts, periodStart time.Time, periodType models.PeriodType) error {
	rows, err := s.metrics.ListForSchoolPeriod(ctx, school.SchoolID, periodStart, periodType)
	if err != nil {
		return err
	}

	perUser := make(map[int64]*userTotals)
	for i := range rows {
		row := &rows[i]
		totals := perUser[row.UserID]
		if totals == nil {
			totals = &userTotals{}
			perUser[row.UserID] = totals
		}
		totals.courses++
		totals.actions += row.TotalActions
		totals.activeDays += row.ActiveDays
		totals.timeSpent += row.TimeSpentSeconds
		totals.resources += row.ResourceViews
		totals.submitted += row.AssignmentsSubmitted
		if row.QuizzesAttempted > 0 {
			totals.quizScore += row.QuizzesAvgScore
			totals.quizN++
		}
		if row.CourseProgress > 0 {
			totals.progressSum += row.CourseProgress
			totals.progressN++
		}
		if row.CourseProgress >= 100 {
			totals.completed++
		}
	}

	out := &models.SchoolMetrics{
		SchoolID:      school.SchoolID,
		CourseID:      0,
		PeriodStart:   periodStart,
		PeriodType:    periodType,
		EnrolledUsers: school.Enrolled,
		ActiveUsers:   len(perUser),
		NewUsers:      school.New,
		ComputedAt:    s.now().UTC(),
	}
	if out.EnrolledUsers > out.ActiveUsers {
		out.InactiveUsers = out.EnrolledUsers - out.ActiveUsers
	}

	active := len(perUser)
	if active > 0 {
		var actions, days, resources int
		var timeSpent int64
		var quizSum float64
		var quizUsers int
		var progressSum float64
		var progressUsers int
		var submitters, completers int
		for _, totals := range perUser {
			actions += totals.actions
			days += totals.activeDays
			timeSpent += totals.timeSpent
			resources += totals.resources
			if totals.quizN > 0 {
				quizSum += totals.quizScore / float64(totals.quizN)
				quizUsers++
			}
			if totals.progressN > 0 {
				progressSum += totals.progressSum / float64(totals.progressN)
				progressUsers++
			}
			if totals.submitted > 0 {
				submitters++
			}
			if totals.completed > 0 {
				completers++
			}
			s.tier(out, totals.actions)
		}
		out.AvgActions = float64(actions) / float64(active)
		out.AvgActiveDays = float64(days) / float64(active)
		out.AvgTimeSpentSeconds = float64(timeSpent) / float64(active)
		out.AvgResourceViews = float64(resources) / float64(active)
		if quizUsers > 0 {
			out.AvgQuizScore = quizSum / float64(quizUsers)
		}
		if progressUsers > 0 {
			out.AvgCourseProgress = progressSum / float64(progressUsers)
		}
		out.SubmissionRate = float64(submitters) / float64(active) * 100
		out.CompletionRate = float64(completers) / float64(active) * 100
	}

	return s.store.Replace(ctx, out)
}

// tier buckets one user by weekly action volume. Thresholds are exclusive
// lower bounds; a user at exactly the low threshold counts as at risk.
func (s *RollupService) tier(out *models.SchoolMetrics, actions int) {
	switch {
	case actions > s.tierHigh:
		out.HighEngagement++
	case actions > s.tierMedium:
		out.MediumEngagement++
	case actions > s.tierLow:
		out.LowEngagement++
	default:
		out.AtRisk++
	}
}
