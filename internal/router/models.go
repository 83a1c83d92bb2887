package router

import (
	"encoding/json"
	"time"
)

// ClientMessage is the envelope for every client-to-server frame.
type ClientMessage struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope for every server-to-client event.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Client-to-server actions.
const (
	ActionLogin  = "login"
	ActionSearch = "search_user"
	ActionSend   = "send_private_message"
	ActionLogout = "logout"
)

// Server-to-client events.
const (
	EventLoginResult    = "login_result"
	EventSearchResult   = "search_result"
	EventReceiveMessage = "receive_private_message"
	EventForceLogout    = "force_logout"
	EventClearUserData  = "user_logged_out_clear_data"
)

// Ack is the acknowledgment payload for login and search.
type Ack struct {
	Success  bool   `json:"success"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	Message  string `json:"message,omitempty"`
}

// PrivateMessage is a transient delivery event; the core stores nothing.
// Text is opaque to the server; escaping is the rendering client's concern.
type PrivateMessage struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// ClearUserData tells every client to drop cached conversation state for a
// username whose session no longer exists.
type ClearUserData struct {
	Username string `json:"username"`
}
