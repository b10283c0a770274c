package router

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

func (r *Router) handleSubscribe(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.RoomPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	kind, resource, _ := types.ParseRoom(p.Room)
	switch kind {
	case types.RoomPost:
		postID, _ := strconv.ParseInt(resource, 10, 64)
		ok, err := r.db.CanViewPost(ctx, postID, conn.UserID())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.ErrAuthorization
		}
	case types.RoomUser:
		if resource != conn.UserID() {
			return nil, ErrForeignUserRoom
		}
	}

	if err := r.registry.Join(conn, p.Room); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Router) handleUnsubscribe(_ context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.RoomPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	r.registry.Leave(conn, p.Room)
	return p, nil
}

func (r *Router) handleTyping(typing bool) commandHandler {
	return func(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
		var p types.RoomPayload
		if err := decode(cmd, &p); err != nil {
			return nil, err
		}
		if !r.registry.IsMember(conn, p.Room) {
			return nil, ErrNotRoomMember
		}

		event := types.TypingEvent{UserID: conn.UserID(), Room: p.Room, Typing: typing}
		r.emit(ctx, types.EventUserTyping, event, conn.ID(), p.Room)
		return nil, nil
	}
}

// handleNotificationSend pushes a notification to every connection of the
// target. Delivery is best-effort and only to users online right now.
func (r *Router) handleNotificationSend(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.NotificationSendPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	local := len(r.registry.UserConnections(p.TargetUserID))
	online, err := r.presence.IsOnline(ctx, p.TargetUserID)
	if err != nil {
		// Presence is best-effort; fall back to what this instance can see.
		r.presenceFailed(ctx, "is_online", conn, err)
		online = local > 0
	}
	if !online {
		return nil, types.ErrRecipientOffline
	}

	event := types.NotificationEvent{
		FromUserID: conn.UserID(),
		Kind:       p.Kind,
		Title:      p.Title,
		Body:       p.Body,
		Data:       p.Data,
	}
	r.emit(ctx, types.EventNotificationNew, event, "", types.UserRoom(p.TargetUserID))
	r.logger.Debug("notification sent",
		zap.String("from", conn.UserID()),
		zap.String("to", p.TargetUserID),
		zap.Int("local_connections", local))
	return types.NotificationResult{Delivered: local}, nil
}

func (r *Router) handleHeartbeat(ctx context.Context, conn interfaces.Connection, _ *types.Command) (interface{}, error) {
	r.Heartbeat(ctx, conn)
	return nil, nil
}

func (r *Router) handleListOnline(ctx context.Context, _ interfaces.Connection, _ *types.Command) (interface{}, error) {
	users, err := r.presence.ListOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []string{}
	}
	return types.OnlineUsersResult{Users: users}, nil
}
