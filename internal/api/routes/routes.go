package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/curaline/telecare/internal/api/handlers"
	"github.com/curaline/telecare/internal/api/middleware"
)

type Deps struct {
	Consultation *handlers.ConsultationHandler
	Token        *handlers.TokenHandler
	WS           *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	auth.POST("/rtc/token", d.Token.Issue)

	auth.POST("/consultations/start", d.Consultation.Start)
	auth.GET("/consultations/:session_id", d.Consultation.Get)
	auth.POST("/consultations/:session_id/cancel", d.Consultation.Cancel)
	auth.POST("/consultations/:session_id/end", d.Consultation.End)
	auth.POST("/consultations/:session_id/handoff", d.Consultation.Handoff)
	auth.POST("/consultations/:session_id/mute", d.Consultation.Mute)
	auth.POST("/consultations/:session_id/camera", d.Consultation.Camera)
	auth.GET("/consultations/:session_id/events", d.Consultation.Events)

	// clinical notes come from the provider side only
	reports := auth.Group("/")
	reports.Use(middleware.RequireProvider())
	reports.POST("/consultations/:session_id/report", d.Consultation.SubmitReport)
	reports.POST("/consultations/:session_id/summary/retry", d.Consultation.RetrySummary)

	// WebSocket: incoming-session notifications
	auth.GET("/ws/incoming", d.WS.Incoming)
}
