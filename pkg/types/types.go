package types

import (
	"encoding/json"
	"time"
)

// Inbound command types (client -> gateway)
const (
	CommandPostCreate         = "post:create"
	CommandPostUpdate         = "post:update"
	CommandPostDelete         = "post:delete"
	CommandPostLike           = "post:like"
	CommandPostUnlike         = "post:unlike"
	CommandCommentCreate      = "comment:create"
	CommandCommentUpdate      = "comment:update"
	CommandCommentDelete      = "comment:delete"
	CommandCommentVote        = "comment:vote"
	CommandNotificationSend   = "notification:send"
	CommandSubscribe          = "subscribe"
	CommandUnsubscribe        = "unsubscribe"
	CommandTypingStart        = "typing:start"
	CommandTypingStop         = "typing:stop"
	CommandPresenceHeartbeat  = "presence:heartbeat"
	CommandPresenceListOnline = "presence:list"
)

// Outbound event types (gateway -> subscribers)
const (
	EventPostCreated     = "post:created"
	EventPostUpdated     = "post:updated"
	EventPostDeleted     = "post:deleted"
	EventPostRevoked     = "post:revoked"
	EventPostLiked       = "post:liked"
	EventPostUnliked     = "post:unliked"
	EventCommentCreated  = "comment:created"
	EventCommentUpdated  = "comment:updated"
	EventCommentDeleted  = "comment:deleted"
	EventCommentVoted    = "comment:voted"
	EventLogCreated      = "log:created"
	EventNotificationNew = "notification:new"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventUserTyping      = "user:typing"
	EventError           = "error"
	EventAck             = "ack"
	EventConnected       = "connected"
)

// Post visibility values
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Presence status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the single wire frame used in both directions.
// Inbound frames carry a command type and an optional AckID; outbound frames
// carry an event type and the room they were fanned out to.
type Envelope struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
}

// Command is an inbound envelope.
type Command = Envelope

// NewEnvelope marshals payload into a new envelope.
func NewEnvelope(eventType, room string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: eventType, Room: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return env, nil
}

// NewErrorEnvelope builds the error event sent to a command's originator.
// Only the classified, user-safe message is carried.
func NewErrorEnvelope(err error) *Envelope {
	env, _ := NewEnvelope(EventError, "", ClassifyError(err))
	return env
}

// NewAckEnvelope answers the command that carried ackID. A nil err produces a
// positive ack carrying data; otherwise a negative ack with the classified error.
func NewAckEnvelope(ackID string, data interface{}, err error) (*Envelope, error) {
	ack := AckPayload{OK: err == nil}
	if err != nil {
		ack.Error = ClassifyError(err)
	} else if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			return nil, mErr
		}
		ack.Data = raw
	}
	env, mErr := NewEnvelope(EventAck, "", ack)
	if mErr != nil {
		return nil, mErr
	}
	env.AckID = ackID
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return ErrMalformedPayload
	}
	return nil
}

// Post is a row in the posts table.
type Post struct {
	ID         int64     `json:"id" db:"id"`
	OwnerID    string    `json:"ownerId" db:"owner_id"`
	Title      string    `json:"title" db:"title"`
	Body       string    `json:"body" db:"body"`
	Visibility string    `json:"visibility" db:"visibility"`
	LikeCount  int64     `json:"likeCount" db:"like_count"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

// Comment is a row in the comments table. Upvotes, Downvotes and Score are
// denormalized from comment_votes and only ever written by a recount.
type Comment struct {
	ID        int64     `json:"id" db:"id"`
	PostID    int64     `json:"postId" db:"post_id"`
	OwnerID   string    `json:"ownerId" db:"owner_id"`
	Body      string    `json:"body" db:"body"`
	Upvotes   int64     `json:"upvotes" db:"upvotes"`
	Downvotes int64     `json:"downvotes" db:"downvotes"`
	Score     int64     `json:"score" db:"score"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// ActivityLog records one successful mutation by a user.
type ActivityLog struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	Action    string    `json:"action" db:"action"`
	Resource  string    `json:"resource" db:"resource"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// PresenceRecord is the cached presence of one user. It is a cache of the
// user's connection set, never the source of truth for multi-connection logic.
type PresenceRecord struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	Status       string    `json:"status"`
}

// NotificationDeliveryRequest asks the client library to signal another user
// within this session. It is never persisted.
type NotificationDeliveryRequest struct {
	TargetUserID string        `json:"targetUserId"`
	Timeout      time.Duration `json:"-"`
}

// ErrorPayload is the body of an error event. Message is always user-safe.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// AckPayload answers a command that carried an AckID.
type AckPayload struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}
