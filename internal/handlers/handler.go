package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "controlling_door/docs"
	"controlling_door/internal/logger"
	"controlling_door/internal/repository"
	"controlling_door/internal/service"
)

// Handler wires the HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	subs     repository.Subscriptions
	log      *logger.Logger

	pushPublicKey string
	limiters      *ipLimiters
}

// Options carries the HTTP-layer knobs beyond the service aggregate.
type Options struct {
	Subscriptions  repository.Subscriptions
	PushPublicKey  string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger, opts Options) *Handler {
	return &Handler{
		services:      services,
		subs:          opts.Subscriptions,
		log:           log,
		pushPublicKey: opts.PushPublicKey,
		limiters:      newIPLimiters(opts.RateLimitRPS, opts.RateLimitBurst),
	}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health endpoint
	router.GET("/health", h.health)

	// Auth endpoints
	h.registerAuthRoutes(router)

	// Versioned API endpoints (protected)
	h.registerAPIRoutes(router)

	// Live status stream (HTTP upgrade) — same port, token in query
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.rateLimitMiddleware, h.userIdMiddleware)
	{
		h.registerDoorRoutes(api)
		h.registerControllerRoutes(api)
		h.registerLogRoutes(api)
		h.registerPushRoutes(api)
	}
}

func (h *Handler) registerDoorRoutes(api *gin.RouterGroup) {
	door := api.Group("/door")
	{
		door.GET("/state", h.getDoorState)
		door.POST("/open", h.openDoor)
		door.POST("/close", h.closeDoor)
		door.POST("/stop", h.stopDoor)
		door.POST("/home", h.homeDoor)
		door.POST("/zero", h.zeroDoor)
		// Body example: {"percent": 50}
		door.POST("/move", h.moveDoor)
		// Body example: {"distance_mm": -5, "feed_rate": 600}
		door.POST("/jog", h.jogDoor)
		door.POST("/alarm/clear", h.clearDoorAlarm)
		door.GET("/config", h.getDoorConfig)
		door.PATCH("/config", h.patchDoorConfig)
	}
}

func (h *Handler) registerControllerRoutes(api *gin.RouterGroup) {
	ctrl := api.Group("/controller")
	{
		ctrl.GET("/settings", h.getSettings)
		ctrl.GET("/settings/:key", h.getSetting)
		ctrl.PUT("/settings/:key", h.putSetting)
		ctrl.GET("/connection", h.getConnection)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}

func (h *Handler) registerPushRoutes(api *gin.RouterGroup) {
	push := api.Group("/push")
	{
		push.GET("/key", h.getPushKey)
		push.PUT("/subscriptions", h.putPushSubscription)
		push.DELETE("/subscriptions", h.deletePushSubscription)
	}
}
