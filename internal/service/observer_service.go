package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
)

// EventMetricsStore applies event-owned metric updates.
type EventMetricsStore interface {
	GetOrCreate(ctx context.Context, key models.MetricsKey) (*models.UserMetrics, error)
	ApplyEventUpdate(ctx context.Context, update *models.EventMetrics) error
	InsertQuizAttempt(ctx context.Context, attempt *models.QuizAttempt) (bool, error)
	QuizScores(ctx context.Context, userID, courseID int64, from, to time.Time) ([]float64, error)
}

// ObserverService handles near-real-time platform events. Each handler
// touches only the event-owned metric columns, so observers and the batch
// calculator can interleave freely.
type ObserverService struct {
	store  EventMetricsStore
	logger *zap.Logger
	valid  *validator.Validate
	now    func() time.Time
}

// NewObserverService constructs an ObserverService.
func NewObserverService(store EventMetricsStore, logger *zap.Logger) *ObserverService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObserverService{
		store:  store,
		logger: logger,
		valid:  validator.New(),
		now:    time.Now,
	}
}

func (s *ObserverService) weekKey(userID, courseID int64, at time.Time) models.MetricsKey {
	if at.IsZero() {
		at = s.now()
	}
	return models.MetricsKey{
		UserID:      userID,
		CourseID:    courseID,
		PeriodStart: models.WeekStart(at),
		PeriodType:  models.PeriodWeekly,
	}
}

// QuizAttemptEvent is an observed quiz submission.
type QuizAttemptEvent struct {
	AttemptID    int64     `json:"attempt_id" validate:"required,gt=0"`
	UserID       int64     `json:"user_id" validate:"required,gt=0"`
	CourseID     int64     `json:"course_id" validate:"required,gt=0"`
	ScorePercent float64   `json:"score_percent" validate:"gte=0,lte=100"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// HandleQuizAttempt records the attempt and recomputes the week's attempt
// count and average from stored attempts. Attempts are deduplicated by
// attempt id, so redelivery of the same event is a no-op recompute.
func (s *ObserverService) HandleQuizAttempt(ctx context.Context, ev QuizAttemptEvent) error {
	if err := s.valid.Struct(ev); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	when := ev.SubmittedAt
	if when.IsZero() {
		when = s.now()
	}
	key := s.weekKey(ev.UserID, ev.CourseID, when)
	if _, err := s.store.GetOrCreate(ctx, key); err != nil {
		return fmt.Errorf("ensure metrics row: %w", err)
	}

	inserted, err := s.store.InsertQuizAttempt(ctx, &models.QuizAttempt{
		AttemptID:    ev.AttemptID,
		UserID:       ev.UserID,
		CourseID:     ev.CourseID,
		ScorePercent: ev.ScorePercent,
		SubmittedAt:  when.UTC(),
	})
	if err != nil {
		return fmt.Errorf("record quiz attempt: %w", err)
	}
	if !inserted {
		s.logger.Debug("duplicate quiz attempt ignored", zap.Int64("attempt_id", ev.AttemptID))
	}

	weekEnd := key.PeriodStart.AddDate(0, 0, 7)
	scores, err := s.store.QuizScores(ctx, ev.UserID, ev.CourseID, key.PeriodStart, weekEnd)
	if err != nil {
		return fmt.Errorf("load quiz scores: %w", err)
	}
	attempted := len(scores)
	var avg float64
	if attempted > 0 {
		var sum float64
		for _, score := range scores {
			sum += score
		}
		avg = sum / float64(attempted)
	}

	return s.store.ApplyEventUpdate(ctx, &models.EventMetrics{
		Key:              key,
		QuizzesAttempted: &attempted,
		QuizzesAvgScore:  &avg,
	})
}

// AssignmentSubmissionEvent is an observed assignment submission.
type AssignmentSubmissionEvent struct {
	UserID      int64     `json:"user_id" validate:"required,gt=0"`
	CourseID    int64     `json:"course_id" validate:"required,gt=0"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// HandleAssignmentSubmission increments the week's submission counter.
func (s *ObserverService) HandleAssignmentSubmission(ctx context.Context, ev AssignmentSubmissionEvent) error {
	if err := s.valid.Struct(ev); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	key := s.weekKey(ev.UserID, ev.CourseID, ev.SubmittedAt)
	if _, err := s.store.GetOrCreate(ctx, key); err != nil {
		return fmt.Errorf("ensure metrics row: %w", err)
	}
	return s.store.ApplyEventUpdate(ctx, &models.EventMetrics{
		Key:              key,
		AssignmentsDelta: 1,
	})
}

// ModuleCompletionEvent is an observed activity completion state change.
type ModuleCompletionEvent struct {
	UserID      int64     `json:"user_id" validate:"required,gt=0"`
	CourseID    int64     `json:"course_id" validate:"required,gt=0"`
	State       string    `json:"state" validate:"required"`
	CompletedAt time.Time `json:"completed_at"`
}

// HandleModuleCompletion counts transitions into a completed state. Other
// state changes, incomplete and failed included, are ignored.
func (s *ObserverService) HandleModuleCompletion(ctx context.Context, ev ModuleCompletionEvent) error {
	if err := s.valid.Struct(ev); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if ev.State != "complete" && ev.State != "complete_pass" {
		return nil
	}
	key := s.weekKey(ev.UserID, ev.CourseID, ev.CompletedAt)
	if _, err := s.store.GetOrCreate(ctx, key); err != nil {
		return fmt.Errorf("ensure metrics row: %w", err)
	}
	return s.store.ApplyEventUpdate(ctx, &models.EventMetrics{
		Key:              key,
		CompletionsDelta: 1,
	})
}

// CourseCompletedEvent is an observed whole-course completion.
type CourseCompletedEvent struct {
	UserID      int64     `json:"user_id" validate:"required,gt=0"`
	CourseID    int64     `json:"course_id" validate:"required,gt=0"`
	CompletedAt time.Time `json:"completed_at"`
}

// HandleCourseCompleted pins course progress at 100 for the week.
func (s *ObserverService) HandleCourseCompleted(ctx context.Context, ev CourseCompletedEvent) error {
	if err := s.valid.Struct(ev); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	key := s.weekKey(ev.UserID, ev.CourseID, ev.CompletedAt)
	if _, err := s.store.GetOrCreate(ctx, key); err != nil {
		return fmt.Errorf("ensure metrics row: %w", err)
	}
	progress := 100.0
	return s.store.ApplyEventUpdate(ctx, &models.EventMetrics{
		Key:            key,
		CourseProgress: &progress,
	})
}
