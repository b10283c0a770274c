// Package api serves the HTTP surface of the gateway: health, presence
// queries, stats and the websocket upgrade endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presencehub/internal/websocket"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

const userIDKey = "userID"

// Checker reports the health of one dependency
type Checker func(ctx context.Context) error

// StatsSource reports live registry sizes
type StatsSource interface {
	Stats() websocket.RegistryStats
}

// Activity lists a user's recent mutations
type Activity interface {
	ListActivity(ctx context.Context, userID string, limit int) ([]*types.ActivityLog, error)
}

// Dependencies are the collaborators the HTTP layer reads from
type Dependencies struct {
	Presence  interfaces.PresenceStore
	Verifier  interfaces.IdentityVerifier
	Registry  StatsSource
	Activity  Activity
	Checks    map[string]Checker
	WebSocket http.HandlerFunc
}

type Server struct {
	deps    Dependencies
	engine  *gin.Engine
	logger  *zap.Logger
	started time.Time
}

type HealthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]string       `json:"checks"`
	Registry  websocket.RegistryStats `json:"registry"`
}

type PresenceResponse struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer builds the gin engine and its routes
func NewServer(deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		engine:  gin.New(),
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthCheck)
	if s.deps.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapF(s.deps.WebSocket))
	}

	api := s.engine.Group("/api")
	api.Use(s.requireAuth())
	api.GET("/presence/online", s.listOnline)
	api.GET("/presence/:userID", s.getPresence)
	api.GET("/stats", s.stats)
	api.GET("/activity", s.listActivity)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// requireAuth accepts the same bearer tokens as the websocket endpoint
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.deps.Verifier == nil {
			s.abort(c, http.StatusUnauthorized, types.ErrAuthentication)
			return
		}
		userID, err := s.deps.Verifier.Verify(c.Request.Context(), token)
		if err != nil {
			s.abort(c, http.StatusUnauthorized, err)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Checks:    make(map[string]string, len(s.deps.Checks)),
	}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			response.Checks[name] = "unhealthy"
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = "healthy"
	}
	if s.deps.Registry != nil {
		response.Registry = s.deps.Registry.Stats()
	}
	c.JSON(status, response)
}

func (s *Server) listOnline(c *gin.Context) {
	users, err := s.deps.Presence.ListOnlineUsers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, types.OnlineUsersResult{Users: users})
}

func (s *Server) getPresence(c *gin.Context) {
	userID := c.Param("userID")
	if !types.IsValidUserID(userID) {
		s.fail(c, types.ErrInvalidUserID)
		return
	}

	record, err := s.deps.Presence.Get(c.Request.Context(), userID)
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusOK, PresenceResponse{UserID: userID, Online: false})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, PresenceResponse{UserID: userID, Online: true, LastSeenAt: &record.LastSeenAt})
}

func (s *Server) stats(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, websocket.RegistryStats{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Registry.Stats())
}

func (s *Server) listActivity(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.fail(c, types.ErrValidation)
			return
		}
		limit = n
	}

	entries, err := s.deps.Activity.ListActivity(c.Request.Context(), c.GetString(userIDKey), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*types.ActivityLog{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.abort(c, statusFor(err), err)
}

func (s *Server) abort(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	payload := types.ClassifyError(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    payload.Code,
		Message: payload.Message,
	})
}

func statusFor(err error) int {
	switch types.ClassifyError(err).Code {
	case types.CodeUnauthenticated:
		return http.StatusUnauthorized
	case types.CodeForbidden:
		return http.StatusForbidden
	case types.CodeInvalidPayload:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeUnavailable:
		return http.StatusServiceUnavailable
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
