package bootstrap

import (
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	callhttp "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/handler/http/call"
	conversationhttp "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/handler/http/conversation"
	pushhttp "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/handler/http/push"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/handler/ws"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/middleware"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/storage"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/response"
)

// Surface selects which parts of the gateway a process serves
type Surface int

const (
	ChatSurface Surface = 1 << iota
	CallSurface

	AllSurfaces = ChatSurface | CallSurface
)

// Has reports whether s includes other
func (s Surface) Has(other Surface) bool {
	return s&other != 0
}

// NewRouter builds the gin engine for app. m records HTTP and WebSocket metrics.
func NewRouter(app *App, surfaces Surface, m *metrics.Metrics) *gin.Engine {
	cfg := app.Config
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	// Only trust localhost proxies; deployments behind a load balancer add theirs here.
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	origins := middleware.NewOriginPolicy(cfg.Server.AllowedOrigins)
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(origins))
	router.Use(middleware.NewPrometheusMiddleware(m).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler())

	if store, ok := app.Backend.Store.(*storage.MemoryStore); ok {
		router.GET("/files/*key", serveMemoryObject(store))
	}

	var revocation middleware.RevocationChecker
	if app.Backend.Redis != nil {
		revocation = middleware.NewRedisRevocationChecker(app.Backend.Redis.Client)
	}
	auth := middleware.AuthMiddleware(app.JWT, revocation)

	v1 := router.Group("/v1")
	v1.Use(auth)
	if app.Backend.Redis != nil && cfg.Server.RateLimitRequests > 0 {
		limiter := middleware.NewRateLimiter(app.Backend.Redis.Client, cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow)
		v1.Use(limiter.Middleware())
	}

	hub := ws.NewHub(origins, app.Backend.Presence, m, cfg.Server.MaxWSConnections)
	wsGroup := router.Group("/ws")
	wsGroup.Use(auth)

	pushhttp.NewHandler(app.Notifications).RegisterRoutes(v1)

	if surfaces.Has(ChatSurface) {
		conversationhttp.NewHandler(app.Conversations, app.Sender, app.Tracker, app.Attachments).RegisterRoutes(v1)

		chat := ws.NewChatHandler(hub, app.Conversations, app.Tracker)
		wsGroup.GET("/conversations/:id", chat.ServeConversation)
		wsGroup.GET("/inbox", chat.ServeInbox)
	}

	if surfaces.Has(CallSurface) {
		callhttp.NewHandler(app.Calls).RegisterRoutes(v1)

		calls := ws.NewCallHandler(hub, app.Calls)
		wsGroup.GET("/calls", calls.ServeCall)
		wsGroup.GET("/calls/incoming", calls.ServeIncoming)
	}

	return router
}

// serveMemoryObject serves attachments held by the in-memory store
func serveMemoryObject(store *storage.MemoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		data, ok := store.Get(key)
		if !ok {
			response.NotFound(c, "File not found")
			return
		}
		c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
	}
}
