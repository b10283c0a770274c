package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// HandlerConfig holds transport timings and limits
type HandlerConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// DisconnectTimeout bounds the presence cleanup run after a connection closes.
	DisconnectTimeout time.Duration
}

// DefaultHandlerConfig returns the production transport settings
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:      30 * time.Second,
		PongWait:          60 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendBuffer:        defaultSendBuffer,
		WriteTimeout:      defaultWriteTimeout,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Handler authenticates websocket upgrades and pumps inbound commands to a
// CommandDispatcher. Authentication happens before the upgrade, so a bad
// credential never gets a websocket at all.
type Handler struct {
	registry   *Registry
	verifier   interfaces.IdentityVerifier
	dispatcher interfaces.CommandDispatcher
	upgrader   websocket.Upgrader
	cfg        HandlerConfig
	logger     *zap.Logger

	active sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, verifier interfaces.IdentityVerifier, dispatcher interfaces.CommandDispatcher, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultHandlerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	h := &Handler{
		registry:   registry,
		verifier:   verifier,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// bearerToken reads the credential from the Authorization header, falling
// back to the token query parameter for browser clients.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket authenticates, upgrades and serves one connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, ErrMissingCredential.Error(), http.StatusUnauthorized)
		return
	}

	userID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Info("rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, ConnectionOptions{SendBuffer: h.cfg.SendBuffer, WriteTimeout: h.cfg.WriteTimeout})
	if err := conn.Authenticate(userID); err != nil {
		_ = conn.Close()
		return
	}

	// Counted before the connection becomes visible to Shutdown.
	h.active.Add(1)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close()
		h.active.Done()
		return
	}
	if err := h.registry.Join(conn, types.UserRoom(userID)); err != nil {
		h.logger.Error("failed to join personal room", zap.Error(err))
	}

	logger := h.logger.With(zap.String("conn", conn.ID()), zap.String("user", userID))
	logger.Debug("connection authenticated")

	if hello, err := types.NewEnvelope(types.EventConnected, "", types.ConnectedEvent{ConnectionID: conn.ID(), UserID: userID}); err == nil {
		_ = conn.WriteJSON(hello)
	}

	go h.handleConnection(conn, logger)
}

// handleConnection runs the read pump until the connection ends, then
// unregisters it and reports the disconnect.
func (h *Handler) handleConnection(conn *Connection, logger *zap.Logger) {
	defer h.active.Done()

	h.dispatcher.Connected(conn.Context(), conn)

	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DisconnectTimeout)
		defer cancel()
		h.dispatcher.Disconnected(ctx, conn)
		logger.Debug("connection closed")
	}()

	ws := conn.conn
	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		h.dispatcher.Heartbeat(conn.Context(), conn)
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Info("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd types.Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			_ = conn.WriteJSON(types.NewErrorEnvelope(types.ErrMalformedPayload))
			continue
		}
		h.dispatcher.Dispatch(conn.Context(), conn, &cmd)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// Shutdown closes every connection and waits until their disconnect handling
// has finished or ctx expires.
func (h *Handler) Shutdown(ctx context.Context) error {
	for _, conn := range h.registry.AllConnections() {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
