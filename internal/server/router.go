package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/auth"
	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
	"github.com/MarcoPoloResearchLab/boardready/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	principalContextKey = "boardready_principal"
	requestIDHeader     = "X-Request-ID"
	accessTokenQuery    = "access_token"

	defaultHeartbeatInterval = 20 * time.Second
)

var (
	errMissingSessionValidator  = errors.New("session validator dependency required")
	errMissingPrincipalResolver = errors.New("principal resolver dependency required")
	errMissingDevicesService    = errors.New("devices service dependency required")
	errMissingRealtime          = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates inbound requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// PrincipalResolver maps validated session claims to the acting principal.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (users.Principal, error)
}

// UploadLimiter throttles artifact uploads per user.
type UploadLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Principals        PrincipalResolver
	Devices           *devices.Service
	Realtime          *RealtimeDispatcher
	UploadLimiter     UploadLimiter
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	// AllowedOrigins receive credentialed CORS responses. When empty any
	// origin is allowed but credentials are not.
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipalResolver
	}
	if deps.Devices == nil {
		return nil, errMissingDevicesService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		principals: deps.Principals,
		devices:    deps.Devices,
		realtime:   deps.Realtime,
		limiter:    deps.UploadLimiter,
		logger:     logger,
		heartbeat:  heartbeat,
	}
	router.Use(handler.requestLogger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/events", handler.authorize(true), handler.handleEvents)

	protected := api.Group("/")
	protected.Use(handler.authorize(false))
	protected.POST("/devices", handler.handleCreateDevice)
	protected.GET("/devices", handler.handleListDevices)
	protected.GET("/devices/:id", handler.handleGetDevice)
	protected.PUT("/devices/:id", handler.handleUpdateDevice)
	protected.PUT("/devices/:id/status", handler.handleChangeStatus)
	protected.GET("/devices/:id/history", handler.handleListHistory)
	protected.GET("/devices/:id/transitions", handler.handleListTransitions)
	protected.POST("/devices/:id/files", handler.handleUploadFile)
	protected.GET("/devices/:id/files", handler.handleListFiles)
	protected.GET("/devices/:id/files/:fileId/download", handler.handleDownloadFile)
	protected.POST("/devices/:id/manufacturing-package", handler.handleGeneratePackage)
	protected.GET("/devices/:id/manufacturing-packages", handler.handleListPackages)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	principals PrincipalResolver
	devices    *devices.Service
	realtime   *RealtimeDispatcher
	limiter    UploadLimiter
	logger     *zap.Logger
	heartbeat  time.Duration
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

func (h *httpHandler) requestLogger(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(requestIDHeader, requestID)

	started := time.Now()
	c.Next()

	h.logger.Debug("http request",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(started)),
	)
}

// authorize validates the session and stores the resolved principal on the
// context. allowQueryToken admits ?access_token= for clients that cannot set
// headers, such as EventSource.
func (h *httpHandler) authorize(allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := h.sessions.ValidateRequest(c.Request)
		if errors.Is(err, auth.ErrMissingSessionToken) && allowQueryToken {
			if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
				claims, err = h.sessions.ValidateToken(token)
			}
		}
		if err != nil {
			if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
				h.logger.Info("session validation failed", zap.Error(err))
			} else {
				h.logger.Warn("session validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: errorCodeUnauthorized})
			return
		}

		principal, err := h.principals.ResolvePrincipal(c.Request.Context(), claims)
		if err != nil {
			if errors.Is(err, users.ErrInvalidIdentity) {
				h.logger.Warn("principal resolution rejected claims", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: errorCodeUnauthorized})
				return
			}
			h.logger.Error("principal resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorPayload{Error: "internal server error", Code: errorCodeInternal})
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) (users.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return users.Principal{}, false
	}
	principal, ok := value.(users.Principal)
	return principal, ok && principal.UserID != "" && principal.OrganizationID != ""
}

func scopeFor(principal users.Principal) devices.Scope {
	return devices.Scope{OrganizationID: principal.OrganizationID, UserID: principal.UserID}
}
