package types

// Command payloads

type PostCreatePayload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Visibility string `json:"visibility,omitempty"`
}

func (p *PostCreatePayload) Validate() error {
	if !validTitle(p.Title) {
		return ErrInvalidTitle
	}
	if !validBody(p.Body) {
		return ErrInvalidBody
	}
	if p.Visibility == "" {
		p.Visibility = VisibilityPublic
	}
	if p.Visibility != VisibilityPublic && p.Visibility != VisibilityPrivate {
		return ErrInvalidVisibility
	}
	return nil
}

type PostUpdatePayload struct {
	PostID     int64  `json:"postId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Visibility string `json:"visibility,omitempty"`
}

// Validate leaves an empty Visibility alone: the stored value is kept.
func (p *PostUpdatePayload) Validate() error {
	if p.PostID <= 0 {
		return ErrInvalidID
	}
	if !validTitle(p.Title) {
		return ErrInvalidTitle
	}
	if !validBody(p.Body) {
		return ErrInvalidBody
	}
	if p.Visibility != "" && p.Visibility != VisibilityPublic && p.Visibility != VisibilityPrivate {
		return ErrInvalidVisibility
	}
	return nil
}

// PostRefPayload is used by post:delete, post:like and post:unlike.
type PostRefPayload struct {
	PostID int64 `json:"postId"`
}

func (p *PostRefPayload) Validate() error {
	if p.PostID <= 0 {
		return ErrInvalidID
	}
	return nil
}

type CommentCreatePayload struct {
	PostID int64  `json:"postId"`
	Body   string `json:"body"`
}

func (p *CommentCreatePayload) Validate() error {
	if p.PostID <= 0 {
		return ErrInvalidID
	}
	if !validBody(p.Body) {
		return ErrInvalidBody
	}
	return nil
}

type CommentUpdatePayload struct {
	CommentID int64  `json:"commentId"`
	Body      string `json:"body"`
}

func (p *CommentUpdatePayload) Validate() error {
	if p.CommentID <= 0 {
		return ErrInvalidID
	}
	if !validBody(p.Body) {
		return ErrInvalidBody
	}
	return nil
}

type CommentRefPayload struct {
	CommentID int64 `json:"commentId"`
}

func (p *CommentRefPayload) Validate() error {
	if p.CommentID <= 0 {
		return ErrInvalidID
	}
	return nil
}

// CommentVotePayload carries +1 (up), -1 (down) or 0 (withdraw).
type CommentVotePayload struct {
	CommentID int64 `json:"commentId"`
	Value     int   `json:"value"`
}

func (p *CommentVotePayload) Validate() error {
	if p.CommentID <= 0 {
		return ErrInvalidID
	}
	if p.Value < -1 || p.Value > 1 {
		return ErrInvalidVote
	}
	return nil
}

type NotificationSendPayload struct {
	TargetUserID string                 `json:"targetUserId"`
	Kind         string                 `json:"kind,omitempty"`
	Title        string                 `json:"title,omitempty"`
	Body         string                 `json:"body,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

func (p *NotificationSendPayload) Validate() error {
	if !IsValidUserID(p.TargetUserID) {
		return ErrInvalidUserID
	}
	if len(p.Title) > maxTitleLength || len(p.Body) > maxBodyLength {
		return ErrInvalidBody
	}
	return nil
}

// RoomPayload is used by subscribe, unsubscribe, typing:start and typing:stop.
type RoomPayload struct {
	Room string `json:"room"`
}

func (p *RoomPayload) Validate() error {
	_, _, err := ParseRoom(p.Room)
	return err
}

// Event payloads

type PostDeletedEvent struct {
	PostID int64  `json:"postId"`
	UserID string `json:"userId"`
}

// PostRevokedEvent tells an audience that lost access to a post to drop it.
// It never carries the post's content.
type PostRevokedEvent struct {
	PostID int64 `json:"postId"`
}

type PostLikeEvent struct {
	PostID    int64  `json:"postId"`
	UserID    string `json:"userId"`
	LikeCount int64  `json:"likeCount"`
}

type CommentDeletedEvent struct {
	CommentID int64  `json:"commentId"`
	PostID    int64  `json:"postId"`
	UserID    string `json:"userId"`
}

type CommentVoteEvent struct {
	CommentID int64  `json:"commentId"`
	PostID    int64  `json:"postId"`
	UserID    string `json:"userId"`
	Value     int    `json:"value"`
	Upvotes   int64  `json:"upvotes"`
	Downvotes int64  `json:"downvotes"`
	Score     int64  `json:"score"`
}

type PresenceEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type TypingEvent struct {
	UserID string `json:"userId"`
	Room   string `json:"room"`
	Typing bool   `json:"typing"`
}

type NotificationEvent struct {
	FromUserID string                 `json:"fromUserId"`
	Kind       string                 `json:"kind,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type OnlineUsersResult struct {
	Users []string `json:"users"`
}

type NotificationResult struct {
	Delivered int `json:"delivered"`
}
