package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sdms-sync-api/internal/service"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
	"github.com/noah-isme/sdms-sync-api/pkg/response"
)

// ObserverService is the surface the event endpoints depend on.
type ObserverService interface {
	HandleQuizAttempt(ctx context.Context, ev service.QuizAttemptEvent) error
	HandleAssignmentSubmission(ctx context.Context, ev service.AssignmentSubmissionEvent) error
	HandleModuleCompletion(ctx context.Context, ev service.ModuleCompletionEvent) error
	HandleCourseCompleted(ctx context.Context, ev service.CourseCompletedEvent) error
}

// EventHandler ingests platform events for near-real-time metric updates.
type EventHandler struct {
	observer ObserverService
}

// NewEventHandler constructs EventHandler.
func NewEventHandler(observer ObserverService) *EventHandler {
	return &EventHandler{observer: observer}
}

// QuizAttempt ingests a quiz submission event.
func (h *EventHandler) QuizAttempt(c *gin.Context) {
	var ev service.QuizAttemptEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	if err := h.observer.HandleQuizAttempt(c.Request.Context(), ev); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AssignmentSubmission ingests an assignment submission event.
func (h *EventHandler) AssignmentSubmission(c *gin.Context) {
	var ev service.AssignmentSubmissionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	if err := h.observer.HandleAssignmentSubmission(c.Request.Context(), ev); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ModuleCompletion ingests a completion state change event.
func (h *EventHandler) ModuleCompletion(c *gin.Context) {
	var ev service.ModuleCompletionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	if err := h.observer.HandleModuleCompletion(c.Request.Context(), ev); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// CourseCompleted ingests a whole-course completion event.
func (h *EventHandler) CourseCompleted(c *gin.Context) {
	var ev service.CourseCompletedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	if err := h.observer.HandleCourseCompleted(c.Request.Context(), ev); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
