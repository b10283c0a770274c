// Package router applies inbound commands: it authorizes and validates them,
// writes through to the relational store and fans the resulting events out.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"presencehub/internal/telemetry"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

const (
	defaultCommandsPerMinute = 120
	presenceTimeout          = 3 * time.Second
)

// Options configures a Router
type Options struct {
	CommandsPerMinute int
	Metrics           *telemetry.Metrics
}

type commandHandler func(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error)

// Router implements interfaces.CommandDispatcher
type Router struct {
	db          interfaces.DatabaseManager
	presence    interfaces.PresenceStore
	registry    interfaces.RoomRegistry
	broadcaster interfaces.Broadcaster
	rateLimiter *RateLimiter
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	handlers    map[string]commandHandler
}

var _ interfaces.CommandDispatcher = (*Router)(nil)

// NewRouter creates a new command router
func NewRouter(
	db interfaces.DatabaseManager,
	presence interfaces.PresenceStore,
	registry interfaces.RoomRegistry,
	broadcaster interfaces.Broadcaster,
	opts Options,
	logger *zap.Logger,
) (*Router, error) {
	if db == nil || presence == nil || registry == nil || broadcaster == nil {
		return nil, ErrMissingDependency
	}
	if opts.CommandsPerMinute < 0 {
		return nil, ErrInvalidRateLimit
	}
	if opts.CommandsPerMinute == 0 {
		opts.CommandsPerMinute = defaultCommandsPerMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		db:          db,
		presence:    presence,
		registry:    registry,
		broadcaster: broadcaster,
		rateLimiter: NewRateLimiter(opts.CommandsPerMinute, time.Minute),
		metrics:     opts.Metrics,
		logger:      logger.Named("router"),
	}
	r.handlers = map[string]commandHandler{
		types.CommandPostCreate:         r.handlePostCreate,
		types.CommandPostUpdate:         r.handlePostUpdate,
		types.CommandPostDelete:         r.handlePostDelete,
		types.CommandPostLike:           r.handlePostLike,
		types.CommandPostUnlike:         r.handlePostUnlike,
		types.CommandCommentCreate:      r.handleCommentCreate,
		types.CommandCommentUpdate:      r.handleCommentUpdate,
		types.CommandCommentDelete:      r.handleCommentDelete,
		types.CommandCommentVote:        r.handleCommentVote,
		types.CommandNotificationSend:   r.handleNotificationSend,
		types.CommandSubscribe:          r.handleSubscribe,
		types.CommandUnsubscribe:        r.handleUnsubscribe,
		types.CommandTypingStart:        r.handleTyping(true),
		types.CommandTypingStop:         r.handleTyping(false),
		types.CommandPresenceHeartbeat:  r.handleHeartbeat,
		types.CommandPresenceListOnline: r.handleListOnline,
	}
	return r, nil
}

// RateLimiter exposes the per-connection limiter so callers can run Cleanup
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// Dispatch runs one command for conn. Failures go to conn only, as an error
// event plus a negative ack when the command asked for one.
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, cmd *types.Command) {
	if conn == nil || cmd == nil {
		return
	}
	start := time.Now()
	ctx, span := r.metrics.StartCommand(ctx, cmd.Type)
	defer span.End()

	result, err := r.execute(ctx, conn, cmd)

	outcome := "ok"
	if err != nil {
		outcome = types.ClassifyError(err).Code
		span.RecordError(err)
		r.reject(conn, cmd, err)
	} else if cmd.AckID != "" {
		r.ack(conn, cmd.AckID, result, nil)
	}
	r.metrics.RecordCommand(ctx, cmd.Type, outcome, time.Since(start))
}

func (r *Router) execute(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command handler panicked",
				zap.String("type", cmd.Type),
				zap.String("conn", conn.ID()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			result, err = nil, ErrHandlerPanic
		}
	}()

	if !conn.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if !r.rateLimiter.Allow(conn.ID()) {
		return nil, types.ErrRateLimited
	}
	handler, ok := r.handlers[cmd.Type]
	if !ok {
		return nil, types.ErrUnknownCommand
	}
	return handler(ctx, conn, cmd)
}

func (r *Router) reject(conn interfaces.Connection, cmd *types.Command, err error) {
	logger := r.logger.With(zap.String("type", cmd.Type), zap.String("user", conn.UserID()), zap.Error(err))
	switch {
	case errors.Is(err, types.ErrStoreUnavailable), errors.Is(err, ErrHandlerPanic):
		logger.Warn("command failed")
	default:
		logger.Info("command rejected")
	}

	if werr := conn.WriteJSON(types.NewErrorEnvelope(err)); werr != nil {
		r.logger.Debug("failed to deliver error event", zap.String("conn", conn.ID()), zap.Error(werr))
	}
	if cmd.AckID != "" {
		r.ack(conn, cmd.AckID, nil, err)
	}
}

func (r *Router) ack(conn interfaces.Connection, ackID string, data interface{}, cmdErr error) {
	env, err := types.NewAckEnvelope(ackID, data, cmdErr)
	if err != nil {
		r.logger.Error("failed to build ack", zap.String("ack", ackID), zap.Error(err))
		return
	}
	if err := conn.WriteJSON(env); err != nil {
		r.logger.Debug("failed to deliver ack", zap.String("conn", conn.ID()), zap.Error(err))
	}
}

// emit fans one event out. A failed broadcast after a committed write is
// logged; the command itself still succeeded.
func (r *Router) emit(ctx context.Context, eventType string, payload interface{}, exceptConnID string, rooms ...string) {
	env, err := types.NewEnvelope(eventType, "", payload)
	if err != nil {
		r.logger.Error("failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := r.broadcaster.Broadcast(ctx, env, exceptConnID, rooms...); err != nil {
		r.logger.Warn("broadcast failed", zap.String("type", eventType), zap.Strings("rooms", rooms), zap.Error(err))
	}
}

// recordActivity appends to the actor's activity log and pushes log:created
// to the actor's personal room.
func (r *Router) recordActivity(ctx context.Context, userID, action, resource string) {
	entry := &types.ActivityLog{UserID: userID, Action: action, Resource: resource}
	if err := r.db.AppendActivity(ctx, entry); err != nil {
		r.logger.Warn("failed to append activity", zap.String("user", userID), zap.String("action", action), zap.Error(err))
		return
	}
	r.emit(ctx, types.EventLogCreated, entry, "", types.UserRoom(userID))
}

type validator interface {
	Validate() error
}

func decode(cmd *types.Command, v validator) error {
	if err := cmd.Decode(v); err != nil {
		return err
	}
	return v.Validate()
}

// Connected marks the user online; the first connection announces it
func (r *Router) Connected(ctx context.Context, conn interfaces.Connection) {
	r.markOnline(ctx, conn)
}

func (r *Router) markOnline(ctx context.Context, conn interfaces.Connection) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	count, err := r.presence.MarkOnline(ctx, conn.UserID(), conn.ID())
	if err != nil {
		r.presenceFailed(ctx, "mark_online", conn, err)
		return
	}
	if count == 1 {
		r.emit(ctx, types.EventUserOnline,
			types.PresenceEvent{UserID: conn.UserID(), Status: types.StatusOnline}, "", types.PresenceRoom)
	}
}

// Disconnected releases per-connection state and marks the connection
// offline; the last connection of a user announces it.
func (r *Router) Disconnected(ctx context.Context, conn interfaces.Connection) {
	r.rateLimiter.Forget(conn.ID())

	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	remaining, err := r.presence.MarkOffline(ctx, conn.UserID(), conn.ID())
	if err != nil {
		r.presenceFailed(ctx, "mark_offline", conn, err)
		return
	}
	if remaining == 0 {
		r.emit(ctx, types.EventUserOffline,
			types.PresenceEvent{UserID: conn.UserID(), Status: types.StatusOffline}, "", types.PresenceRoom)
	}
}

// Heartbeat renews the connection's presence lease. A record that already
// expired while the connection is still live is written again.
func (r *Router) Heartbeat(ctx context.Context, conn interfaces.Connection) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	alive, err := r.presence.Heartbeat(ctx, conn.UserID(), conn.ID())
	if err != nil {
		r.presenceFailed(ctx, "heartbeat", conn, err)
		return
	}
	// The store never resurrects an expired record on heartbeat. This socket
	// is still open and authenticated, so the user really is online and the
	// record is rebuilt through MarkOnline, which also announces user:online.
	if !alive && conn.IsAuthenticated() {
		r.logger.Debug("presence expired under a live connection", zap.String("user", conn.UserID()))
		r.markOnline(ctx, conn)
	}
}

// AnnounceExpired broadcasts user:offline for users whose presence lapsed
// without a disconnect being seen, such as users of a crashed gateway.
func (r *Router) AnnounceExpired(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		r.logger.Info("presence expired", zap.String("user", userID))
		r.emit(ctx, types.EventUserOffline,
			types.PresenceEvent{UserID: userID, Status: types.StatusOffline}, "", types.PresenceRoom)
	}
}

func (r *Router) presenceFailed(ctx context.Context, op string, conn interfaces.Connection, err error) {
	r.metrics.RecordPresenceError(ctx, op)
	r.logger.Warn("presence update failed",
		zap.String("op", op),
		zap.String("user", conn.UserID()),
		zap.String("conn", conn.ID()),
		zap.Error(err))
}

func resourceKey(kind string, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}
