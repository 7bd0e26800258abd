package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/curaline/telecare/internal/models"
	mongorepo "github.com/curaline/telecare/internal/repositories/mongo"
	"github.com/curaline/telecare/internal/services"
	"github.com/curaline/telecare/internal/utils"
)

type ConsultationHandler struct {
	consults services.ConsultService
	reports  services.ReportService
	events   mongorepo.EventRepository
}

func NewConsultationHandler(consults services.ConsultService, reports services.ReportService, events mongorepo.EventRepository) *ConsultationHandler {
	return &ConsultationHandler{consults: consults, reports: reports, events: events}
}

type StartConsultationRequest struct {
	CallKind      models.CallKind `json:"call_kind" binding:"required"`
	CounterpartID string          `json:"counterpart_id"`
}

type ConsultationResponse struct {
	*models.Consultation
	Phase     services.Phase `json:"phase"`
	ConnState string         `json:"conn_state"`
}

func (h *ConsultationHandler) respond(c *gin.Context, status int, rec *models.Consultation) {
	c.JSON(status, ConsultationResponse{
		Consultation: rec,
		Phase:        h.consults.Phase(rec.ID),
		ConnState:    h.consults.ConnState(rec.ID).String(),
	})
}

func (h *ConsultationHandler) Start(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req StartConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ConsultationHandler.Start", "invalid request body", err))
		return
	}

	rec, err := h.consults.Start(c.Request.Context(), userID, req.CounterpartID, req.CallKind)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, http.StatusCreated, rec)
}

func (h *ConsultationHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	rec, err := h.consults.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !isParticipant(rec, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "ConsultationHandler.Get", "forbidden", nil))
		return
	}
	h.respond(c, http.StatusOK, rec)
}

func (h *ConsultationHandler) Cancel(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	if err := h.consults.Cancel(c.Request.Context(), c.Param("session_id"), userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (h *ConsultationHandler) End(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if err := h.consults.End(c.Request.Context(), sessionID, userID); err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.consults.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, http.StatusOK, rec)
}

// Handoff gives the counterpart the channel name and shared credential for
// its own join, and records them on the consultation.
func (h *ConsultationHandler) Handoff(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	inc, err := h.consults.Handoff(c.Request.Context(), c.Param("session_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *ConsultationHandler) Mute(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ConsultationHandler.Mute", "invalid request body", err))
		return
	}
	// enabled=true means audible; the coordinator treats the inverse as mute
	if err := h.consults.SetMuted(c.Param("session_id"), userID, !*req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audio_enabled": *req.Enabled})
}

func (h *ConsultationHandler) Camera(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ConsultationHandler.Camera", "invalid request body", err))
		return
	}
	if err := h.consults.SetCameraEnabled(c.Param("session_id"), userID, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_enabled": *req.Enabled})
}

type SubmitReportRequest struct {
	Notes           string `json:"notes" binding:"required"`
	ParticipantName string `json:"participant_name"`
}

func (h *ConsultationHandler) SubmitReport(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	rec, err := h.consults.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !isParticipant(rec, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "ConsultationHandler.SubmitReport", "forbidden", nil))
		return
	}

	var req SubmitReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ConsultationHandler.SubmitReport", "invalid request body", err))
		return
	}

	out, err := h.reports.SubmitReport(c.Request.Context(), sessionID, req.Notes, req.ParticipantName)
	if err != nil {
		writeError(c, err)
		return
	}
	h.consults.FinishReporting(sessionID)
	h.respond(c, http.StatusOK, out)
}

func (h *ConsultationHandler) RetrySummary(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	rec, err := h.consults.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !isParticipant(rec, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "ConsultationHandler.RetrySummary", "forbidden", nil))
		return
	}

	var req struct {
		ParticipantName string `json:"participant_name"`
	}
	_ = c.ShouldBindJSON(&req)

	out, err := h.reports.Resummarize(c.Request.Context(), sessionID, req.ParticipantName)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, http.StatusOK, out)
}

// Events lists the persisted media journal for a consultation.
func (h *ConsultationHandler) Events(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	rec, err := h.consults.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !isParticipant(rec, userID) {
		writeError(c, utils.E(utils.CodeForbidden, "ConsultationHandler.Events", "forbidden", nil))
		return
	}

	evts, err := h.events.ListBySession(c.Request.Context(), sessionID, 200)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, "ConsultationHandler.Events", "failed to list media events", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

func isParticipant(rec *models.Consultation, userID string) bool {
	if rec.InitiatorID == userID {
		return true
	}
	return rec.CounterpartID != nil && *rec.CounterpartID == userID
}
