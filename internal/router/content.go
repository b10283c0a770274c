package router

import (
	"context"

	"go.uber.org/zap"

	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// postRooms lists where events about post are delivered. The actor's own room
// is always included so every connection of the actor sees the result.
func postRooms(post *types.Post, actor string) []string {
	rooms := []string{types.PostRoom(post.ID), types.UserRoom(actor)}
	if post.Visibility == types.VisibilityPublic {
		rooms = append(rooms, types.FeedRoom)
	}
	return rooms
}

func (r *Router) handlePostCreate(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.PostCreatePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	post := &types.Post{OwnerID: conn.UserID(), Title: p.Title, Body: p.Body, Visibility: p.Visibility}
	if err := r.db.CreatePost(ctx, post); err != nil {
		return nil, err
	}

	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("post", post.ID))
	r.emit(ctx, types.EventPostCreated, post, "", postRooms(post, conn.UserID())...)
	return post, nil
}

func (r *Router) handlePostUpdate(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.PostUpdatePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	before, err := r.db.GetPost(ctx, p.PostID)
	if err != nil {
		return nil, err
	}

	post := &types.Post{ID: p.PostID, OwnerID: conn.UserID(), Title: p.Title, Body: p.Body, Visibility: p.Visibility}
	if err := r.db.UpdatePost(ctx, post); err != nil {
		return nil, err
	}

	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("post", post.ID))
	if before.Visibility == types.VisibilityPublic && post.Visibility != types.VisibilityPublic {
		r.revokePost(ctx, post)
	}
	r.emit(ctx, types.EventPostUpdated, post, "", postRooms(post, conn.UserID())...)
	return post, nil
}

// revokePost tells everyone but the owner that post went private and drops
// them from its room. It is queued ahead of post:updated, so the content only
// reaches the owner.
func (r *Router) revokePost(ctx context.Context, post *types.Post) {
	env, err := types.NewEnvelope(types.EventPostRevoked, "", types.PostRevokedEvent{PostID: post.ID})
	if err != nil {
		r.logger.Error("failed to build event", zap.String("type", types.EventPostRevoked), zap.Error(err))
		return
	}
	room := types.PostRoom(post.ID)
	if err := r.broadcaster.Revoke(ctx, env, post.OwnerID, room, room, types.FeedRoom); err != nil {
		r.logger.Warn("revoke failed", zap.Int64("post", post.ID), zap.Error(err))
	}
}

func (r *Router) handlePostDelete(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.PostRefPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	post, err := r.db.GetPost(ctx, p.PostID)
	if err != nil {
		return nil, err
	}
	if err := r.db.DeletePost(ctx, p.PostID, conn.UserID()); err != nil {
		return nil, err
	}

	event := types.PostDeletedEvent{PostID: p.PostID, UserID: conn.UserID()}
	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("post", p.PostID))
	r.emit(ctx, types.EventPostDeleted, event, "", postRooms(post, conn.UserID())...)
	return event, nil
}

func (r *Router) handlePostLike(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	return r.applyLike(ctx, conn, cmd, true)
}

func (r *Router) handlePostUnlike(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	return r.applyLike(ctx, conn, cmd, false)
}

func (r *Router) applyLike(ctx context.Context, conn interfaces.Connection, cmd *types.Command, like bool) (interface{}, error) {
	var p types.PostRefPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	var (
		count int64
		err   error
	)
	eventType := types.EventPostLiked
	if like {
		count, err = r.db.LikePost(ctx, p.PostID, conn.UserID())
	} else {
		eventType = types.EventPostUnliked
		count, err = r.db.UnlikePost(ctx, p.PostID, conn.UserID())
	}
	if err != nil {
		return nil, err
	}

	event := types.PostLikeEvent{PostID: p.PostID, UserID: conn.UserID(), LikeCount: count}
	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("post", p.PostID))
	r.emit(ctx, eventType, event, "", types.PostRoom(p.PostID), types.UserRoom(conn.UserID()))
	return event, nil
}

func (r *Router) handleCommentCreate(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.CommentCreatePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	comment := &types.Comment{PostID: p.PostID, OwnerID: conn.UserID(), Body: p.Body}
	if err := r.db.CreateComment(ctx, comment); err != nil {
		return nil, err
	}

	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("comment", comment.ID))
	r.emit(ctx, types.EventCommentCreated, comment, "", types.PostRoom(comment.PostID), types.UserRoom(conn.UserID()))
	return comment, nil
}

func (r *Router) handleCommentUpdate(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.CommentUpdatePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	comment := &types.Comment{ID: p.CommentID, OwnerID: conn.UserID(), Body: p.Body}
	if err := r.db.UpdateComment(ctx, comment); err != nil {
		return nil, err
	}

	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("comment", comment.ID))
	r.emit(ctx, types.EventCommentUpdated, comment, "", types.PostRoom(comment.PostID), types.UserRoom(conn.UserID()))
	return comment, nil
}

func (r *Router) handleCommentDelete(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.CommentRefPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	deleted, err := r.db.DeleteComment(ctx, p.CommentID, conn.UserID())
	if err != nil {
		return nil, err
	}

	event := types.CommentDeletedEvent{CommentID: deleted.ID, PostID: deleted.PostID, UserID: conn.UserID()}
	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("comment", deleted.ID))
	r.emit(ctx, types.EventCommentDeleted, event, "", types.PostRoom(deleted.PostID), types.UserRoom(conn.UserID()))
	return event, nil
}

func (r *Router) handleCommentVote(ctx context.Context, conn interfaces.Connection, cmd *types.Command) (interface{}, error) {
	var p types.CommentVotePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}

	comment, err := r.db.VoteComment(ctx, p.CommentID, conn.UserID(), p.Value)
	if err != nil {
		return nil, err
	}

	event := types.CommentVoteEvent{
		CommentID: comment.ID,
		PostID:    comment.PostID,
		UserID:    conn.UserID(),
		Value:     p.Value,
		Upvotes:   comment.Upvotes,
		Downvotes: comment.Downvotes,
		Score:     comment.Score,
	}
	r.recordActivity(ctx, conn.UserID(), cmd.Type, resourceKey("comment", comment.ID))
	r.emit(ctx, types.EventCommentVoted, event, "", types.PostRoom(comment.PostID), types.UserRoom(conn.UserID()))
	return event, nil
}
