package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/rider-fcw/server/middleware"
)

type Routes struct {
	Stream      *StreamHandler
	WebSocket   *WebSocketHandler
	Calibration *CalibrationHandler
	Metrics     http.Handler
	MetricsIPs  []string
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
}

func Register(router *gin.Engine, r Routes) {
	router.GET("/health", r.Stream.Health)
	if r.Metrics != nil {
		router.GET("/metrics", middleware.IPAllowlist(r.MetricsIPs), gin.WrapH(r.Metrics))
	}

	router.GET("/ws", r.RateLimiter.RateLimit(), r.WebSocket.HandleWebSocket)

	api := router.Group("/api/v1")
	api.GET("/health", r.Stream.Health)

	limited := api.Group("")
	limited.Use(r.RateLimiter.RateLimit())
	{
		limited.POST("/analyze-frame", middleware.RequireJSON(), r.Stream.ProcessFrame)
		limited.GET("/stats", r.Stream.GetStats)
		limited.POST("/sessions/:id/reset", r.Stream.ResetSession)
		limited.POST("/sessions/:id/telemetry/:kind", r.Stream.PostTelemetry)

		limited.POST("/calibration/fit", middleware.RequireJSON(), r.Calibration.Fit)
		limited.GET("/profiles", r.Calibration.ListProfiles)
		limited.GET("/profiles/:name", r.Calibration.GetProfile)
		limited.GET("/profiles/:name/versions", r.Calibration.ProfileVersions)
	}

	operator := limited.Group("")
	operator.Use(r.Auth.RequireAuth())
	{
		operator.POST("/profiles/:name", r.Auth.RequireRole(middleware.RoleCalibrate), middleware.RequireJSON(), r.Calibration.SaveProfile)
		operator.DELETE("/sessions/:id", r.Auth.RequireRole(middleware.RoleAdmin), r.Stream.EndSession)
	}
}
