package connection

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidEndpoint indicates that the room endpoint parameters are incomplete or malformed.
var ErrInvalidEndpoint = errors.New("connection: invalid endpoint")

// Endpoint identifies one room on one server together with the identity the client joins as.
type Endpoint struct {
	base     *url.URL
	roomID   string
	userID   string
	username string
}

// NewEndpoint validates the server base URL and the room credentials.
// http and https base URLs are mapped to ws and wss.
func NewEndpoint(baseURL, roomID, userID, username string) (Endpoint, error) {
	trimmedRoom := strings.TrimSpace(roomID)
	if trimmedRoom == "" {
		return Endpoint{}, fmt.Errorf("%w: room id is required", ErrInvalidEndpoint)
	}
	trimmedUser := strings.TrimSpace(userID)
	if trimmedUser == "" {
		return Endpoint{}, fmt.Errorf("%w: user id is required", ErrInvalidEndpoint)
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, parsed.Scheme)
	}
	if parsed.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return Endpoint{
		base:     parsed,
		roomID:   trimmedRoom,
		userID:   trimmedUser,
		username: strings.TrimSpace(username),
	}, nil
}

// RoomID returns the room identifier.
func (e Endpoint) RoomID() string {
	return e.roomID
}

// UserID returns the local user identifier.
func (e Endpoint) UserID() string {
	return e.userID
}

// Username returns the local display name.
func (e Endpoint) Username() string {
	return e.username
}

// URL renders {base}/ws/{room}?user_id=...&username=...
func (e Endpoint) URL() string {
	if e.base == nil {
		return ""
	}
	target := *e.base
	target.Path = strings.TrimRight(e.base.Path, "/") + "/ws/" + e.roomID
	target.RawPath = strings.TrimRight(e.base.EscapedPath(), "/") + "/ws/" + url.PathEscape(e.roomID)
	query := target.Query()
	query.Set("user_id", e.userID)
	query.Set("username", e.username)
	target.RawQuery = query.Encode()
	return target.String()
}
