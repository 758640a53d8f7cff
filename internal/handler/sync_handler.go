package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/internal/service"
	appErrors "github.com/noah-isme/sdms-sync-api/pkg/errors"
	"github.com/noah-isme/sdms-sync-api/pkg/response"
)

// SyncService is the surface the sync endpoints depend on.
type SyncService interface {
	GetSchoolInfo(ctx context.Context, code string) (*models.SchoolRecord, error)
	SyncSchoolNow(ctx context.Context, code string) (*models.SchoolRecord, error)
	GetUserProfile(ctx context.Context, userID int64) (*models.UserProfile, error)
	LinkUser(ctx context.Context, req service.LinkUserRequest) (*models.UserProfile, error)
	RefreshUser(ctx context.Context, userID int64) (*models.UserProfile, error)
}

// SyncHandler exposes the school and user synchronization endpoints.
type SyncHandler struct {
	sync SyncService
}

// NewSyncHandler constructs SyncHandler.
func NewSyncHandler(sync SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// GetSchool serves a school cache-first by its external code.
func (h *SyncHandler) GetSchool(c *gin.Context) {
	school, err := h.sync.GetSchoolInfo(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, school)
}

// SyncSchool forces an immediate refresh from SDMS.
func (h *SyncHandler) SyncSchool(c *gin.Context) {
	school, err := h.sync.SyncSchoolNow(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, school)
}

// GetUserProfile serves a linked user's profile cache-first.
func (h *SyncHandler) GetUserProfile(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	profile, err := h.sync.GetUserProfile(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, profile)
}

// LinkUser ties a local user to an SDMS record.
func (h *SyncHandler) LinkUser(c *gin.Context) {
	var req service.LinkUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	profile, err := h.sync.LinkUser(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, profile)
}

// RefreshUser forces a re-sync of one linked user.
func (h *SyncHandler) RefreshUser(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	profile, err := h.sync.RefreshUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, profile)
}

func parseUserID(c *gin.Context) (int64, error) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "invalid user id")
	}
	return userID, nil
}
