package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/auth"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/gin-gonic/gin"
)

// ErrScheduleInPast is returned when a one-off call's slot has already passed.
var ErrScheduleInPast = errors.New("scheduled time is in the past")

// scheduleRequest is the body of POST /api/schedules.
type scheduleRequest struct {
	Weekday      *int   `json:"weekday,omitempty"`
	SpecificDate string `json:"specificDate,omitempty"`
	LocalTime    string `json:"localTime"`
	TemplateID   string `json:"templateId,omitempty"`
	Context      string `json:"context,omitempty"`
}

// callRequest is the body of POST /api/calls.
type callRequest struct {
	TemplateID string `json:"templateId,omitempty"`
	Context    string `json:"context,omitempty"`
}

// currentProfile loads the profile named by the token subject. It writes the
// error response itself and returns nil on failure.
func (s *Server) currentProfile(c *gin.Context) *models.Profile {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		writeJSONResponse(c.Writer, http.StatusUnauthorized, models.Error("Unauthorized"))
		return nil
	}
	p, err := s.deps.Store.GetProfile(c.Request.Context(), claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(c.Writer, http.StatusNotFound, models.Error("Profile not found"))
		return nil
	}
	if err != nil {
		loggerFrom(c.Request.Context()).Error("Server.currentProfile: failed to load profile", "error", err, "userID", claims.UserID())
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return nil
	}
	return p
}

// quotaHandler reports the caller's weekly call usage.
func (s *Server) quotaHandler(c *gin.Context) {
	p := s.currentProfile(c)
	if p == nil {
		return
	}
	quota, err := s.deps.Calls.CheckWeeklyQuota(c.Request.Context(), p)
	if err != nil {
		loggerFrom(c.Request.Context()).Error("Server.quotaHandler: quota check failed", "error", err, "userID", p.ID)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to check quota"))
		return
	}
	writeJSONResponse(c.Writer, http.StatusOK, quota)
}

// requestCallHandler places an on-demand call subject to the weekly quota.
func (s *Server) requestCallHandler(c *gin.Context) {
	p := s.currentProfile(c)
	if p == nil {
		return
	}
	var req callRequest
	if c.Request.ContentLength != 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if len(req.Context) > models.MaxContextLength {
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error(models.ErrContextTooLong.Error()))
		return
	}

	res, err := s.deps.Calls.RequestCall(c.Request.Context(), p, req.TemplateID, req.Context)
	if res == nil {
		loggerFrom(c.Request.Context()).Error("Server.requestCallHandler: call request failed", "error", err, "userID", p.ID)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to request call"))
		return
	}
	switch res.Status {
	case flow.PlacePlaced:
		writeJSONResponse(c.Writer, http.StatusOK, models.Success(res))
	case flow.PlaceQuotaExceeded:
		writeJSONResponse(c.Writer, http.StatusTooManyRequests, res.Quota)
	case flow.PlaceIneligible:
		writeJSONResponse(c.Writer, http.StatusForbidden, models.Error("Subscription is not active"))
	default:
		loggerFrom(c.Request.Context()).Warn("Server.requestCallHandler: call not placed", "status", res.Status, "error", err, "userID", p.ID)
		writeJSONResponse(c.Writer, http.StatusBadGateway, models.Error("Failed to place call"))
	}
}

// listSchedulesHandler returns the caller's scheduled calls.
func (s *Server) listSchedulesHandler(c *gin.Context) {
	p := s.currentProfile(c)
	if p == nil {
		return
	}
	calls, err := s.deps.Store.ListScheduledCalls(c.Request.Context(), p.ID)
	if err != nil {
		loggerFrom(c.Request.Context()).Error("Server.listSchedulesHandler: list failed", "error", err, "userID", p.ID)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to list schedules"))
		return
	}
	if calls == nil {
		calls = []models.ScheduledCall{}
	}
	writeJSONResponse(c.Writer, http.StatusOK, models.Success(calls))
}

// createScheduleHandler stores a recurring or one-off call and computes its
// first execution timestamp in the caller's timezone.
func (s *Server) createScheduleHandler(c *gin.Context) {
	p := s.currentProfile(c)
	if p == nil {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	call := &models.ScheduledCall{
		UserID:       p.ID,
		Weekday:      req.Weekday,
		SpecificDate: req.SpecificDate,
		LocalTime:    req.LocalTime,
		TemplateID:   req.TemplateID,
		Context:      req.Context,
	}
	if err := call.Validate(); err != nil {
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	at, ok := call.ExecutionTime(p.Location(), s.opts.Clock())
	if !ok {
		writeJSONResponse(c.Writer, http.StatusBadRequest, models.Error(ErrScheduleInPast.Error()))
		return
	}
	at = at.UTC()
	call.ExecutionTimestamp = &at

	if err := s.deps.Store.InsertScheduledCall(c.Request.Context(), call); err != nil {
		loggerFrom(c.Request.Context()).Error("Server.createScheduleHandler: insert failed", "error", err, "userID", p.ID)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to create schedule"))
		return
	}
	loggerFrom(c.Request.Context()).Info("Server.createScheduleHandler: schedule created", "userID", p.ID, "scheduledCallID", call.ID, "executionTimestamp", at)
	writeJSONResponse(c.Writer, http.StatusCreated, models.Success(call))
}

// deleteScheduleHandler removes one of the caller's scheduled calls.
func (s *Server) deleteScheduleHandler(c *gin.Context) {
	p := s.currentProfile(c)
	if p == nil {
		return
	}
	err := s.deps.Store.DeleteScheduledCall(c.Request.Context(), p.ID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(c.Writer, http.StatusNotFound, models.Error("Schedule not found"))
		return
	}
	if err != nil {
		loggerFrom(c.Request.Context()).Error("Server.deleteScheduleHandler: delete failed", "error", err, "userID", p.ID)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to delete schedule"))
		return
	}
	writeJSONResponse(c.Writer, http.StatusOK, models.SuccessWithMessage("deleted", nil))
}
