package types

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Rooms that are not tied to a single resource
const (
	FeedRoom     = "feed"
	PresenceRoom = "presence"
)

const (
	maxTitleLength = 200
	maxBodyLength  = 10000
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// PostRoom returns the room key for one post.
func PostRoom(postID int64) string {
	return "post:" + strconv.FormatInt(postID, 10)
}

// UserRoom returns the personal room of a user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// RoomKind identifies the shape of a room key.
type RoomKind int

const (
	RoomInvalid RoomKind = iota
	RoomPost
	RoomUser
	RoomFeed
	RoomPresence
)

// ParseRoom validates a room key and returns its kind and the resource part
// (post id or user id). Feed and presence rooms have an empty resource part.
func ParseRoom(room string) (RoomKind, string, error) {
	switch room {
	case FeedRoom:
		return RoomFeed, "", nil
	case PresenceRoom:
		return RoomPresence, "", nil
	}
	prefix, rest, ok := strings.Cut(room, ":")
	if !ok {
		return RoomInvalid, "", ErrInvalidRoom
	}
	switch prefix {
	case "post":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return RoomInvalid, "", ErrInvalidRoom
		}
		return RoomPost, rest, nil
	case "user":
		if !IsValidUserID(rest) {
			return RoomInvalid, "", ErrInvalidRoom
		}
		return RoomUser, rest, nil
	default:
		return RoomInvalid, "", ErrInvalidRoom
	}
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsKnownCommand reports whether t is an inbound command the gateway accepts.
func IsKnownCommand(t string) bool {
	switch t {
	case CommandPostCreate, CommandPostUpdate, CommandPostDelete,
		CommandPostLike, CommandPostUnlike,
		CommandCommentCreate, CommandCommentUpdate, CommandCommentDelete, CommandCommentVote,
		CommandNotificationSend,
		CommandSubscribe, CommandUnsubscribe,
		CommandTypingStart, CommandTypingStop,
		CommandPresenceHeartbeat, CommandPresenceListOnline:
		return true
	default:
		return false
	}
}

func validTitle(title string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	return n >= 1 && n <= maxTitleLength
}

func validBody(body string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(body))
	return n >= 1 && n <= maxBodyLength
}
