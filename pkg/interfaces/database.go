package interfaces

import (
	"context"

	"presencehub/pkg/types"
)

// DatabaseManager is the relational-store collaborator. Every owner-scoped
// mutation filters by owner and reports types.ErrAuthorization when the row
// exists but belongs to someone else.
type DatabaseManager interface {
	// Post operations
	CreatePost(ctx context.Context, post *types.Post) error
	GetPost(ctx context.Context, postID int64) (*types.Post, error)
	UpdatePost(ctx context.Context, post *types.Post) error
	DeletePost(ctx context.Context, postID int64, ownerID string) error

	// CanViewPost reports whether userID may read the post and its comments.
	CanViewPost(ctx context.Context, postID int64, userID string) (bool, error)

	// LikePost and UnlikePost return the like count recomputed from the
	// post_likes rows, never a blind increment of the cached scalar.
	LikePost(ctx context.Context, postID int64, userID string) (int64, error)
	UnlikePost(ctx context.Context, postID int64, userID string) (int64, error)

	// Comment operations
	CreateComment(ctx context.Context, comment *types.Comment) error
	GetComment(ctx context.Context, commentID int64) (*types.Comment, error)
	UpdateComment(ctx context.Context, comment *types.Comment) error
	DeleteComment(ctx context.Context, commentID int64, ownerID string) (*types.Comment, error)

	// VoteComment stores the user's vote (0 withdraws it) and returns the
	// comment with tallies recomputed from comment_votes.
	VoteComment(ctx context.Context, commentID int64, userID string, value int) (*types.Comment, error)

	// Activity log
	AppendActivity(ctx context.Context, entry *types.ActivityLog) error
	ListActivity(ctx context.Context, userID string, limit int) ([]*types.ActivityLog, error)

	// Health and lifecycle operations
	HealthCheck(ctx context.Context) error
	Close() error
}
