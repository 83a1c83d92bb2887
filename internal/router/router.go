package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MahbubHasan777/simple-chat-app/pkg/metrics"
	"github.com/MahbubHasan777/simple-chat-app/pkg/registry"
	"github.com/MahbubHasan777/simple-chat-app/pkg/session"
)

// Error message strings surfaced in acknowledgments. These are part of the
// client contract.
const (
	msgUsernameRequired = "Username required"
	msgUsernameTaken    = "Username is already taken."
	msgUserNotFound     = "User not found"
)

// Router validates and dispatches inbound client actions against the session
// directory and fans resulting events out through the connection registry.
// A connection is Anonymous until a successful login binds it to a username;
// forced logout or disconnect returns it to Anonymous. There are no other
// states.
//
// The directory and registry each guard themselves, but login, disconnect and
// eviction mutate both. mu serializes those multi-store sequences so an
// eviction can never interleave with a login for the same name and leave the
// two stores disagreeing. Fan-out under mu only pushes to buffered transport
// channels, never the wire.
type Router struct {
	logger    *slog.Logger
	directory *session.Directory
	registry  *registry.Registry
	mu        sync.Mutex

	now func() time.Time
}

func New(logger *slog.Logger, directory *session.Directory, reg *registry.Registry) *Router {
	return &Router{
		logger:    logger.With(slog.String("component", "router")),
		directory: directory,
		registry:  reg,
		now:       time.Now,
	}
}

// HandleMessage decodes the envelope and dispatches the action. Malformed
// envelopes and unknown actions are logged and dropped; no action is fatal.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", "connID", connID, "error", err)
		return
	}

	switch clientMsg.Action {
	case ActionLogin:
		r.handleLogin(connID, clientMsg.Payload)
	case ActionSearch:
		r.handleSearch(connID, clientMsg.Payload)
	case ActionSend:
		r.handleSend(connID, clientMsg.Payload)
	case ActionLogout:
		r.handleLogout(connID)
	default:
		r.logger.Warn("Received unknown action", "action", clientMsg.Action, "connID", connID)
	}
}

// HandleDisconnect is invoked by the transport layer when a connection drops.
// A bound connection is disowned from its session, but the session itself
// survives: the username stays reserved until idle timeout or explicit
// logout, and peers are not notified.
func (r *Router) HandleDisconnect(connID uuid.UUID) {
	r.mu.Lock()
	username := r.registry.Deregister(connID)
	if username != "" {
		r.directory.Disown(username, connID)
	}
	r.mu.Unlock()
	metrics.ActiveSessions.Set(float64(r.directory.Len()))
}

func (r *Router) handleLogin(connID uuid.UUID, payload json.RawMessage) {
	username, token := parseLoginPayload(payload)
	if username == "" {
		metrics.Logins.WithLabelValues("invalid_input").Inc()
		r.reply(connID, EventLoginResult, Ack{Success: false, Message: msgUsernameRequired})
		return
	}

	r.mu.Lock()
	issued, err := r.directory.Login(username, token, connID)
	if err != nil {
		r.mu.Unlock()
		if !errors.Is(err, session.ErrUsernameTaken) {
			r.logger.Error("Login failed", slog.String("username", username), slog.Any("error", err))
		}
		metrics.Logins.WithLabelValues("taken").Inc()
		r.reply(connID, EventLoginResult, Ack{Success: false, Message: msgUsernameTaken})
		return
	}

	previous := r.registry.BoundUsername(connID)
	if err := r.registry.Bind(connID, username); err != nil {
		// The connection vanished between the read and the bind. Undo the
		// directory side so the session does not hold a dead connection.
		r.directory.Disown(username, connID)
		r.mu.Unlock()
		r.logger.Warn("Bind after login failed", slog.String("username", username), slog.Any("error", err))
		return
	}
	// A re-login under a new name moves the connection; the old session must
	// not keep counting it.
	if previous != "" && previous != username {
		r.directory.Disown(previous, connID)
	}
	r.mu.Unlock()

	metrics.Logins.WithLabelValues("success").Inc()
	metrics.ActiveSessions.Set(float64(r.directory.Len()))
	r.logger.Info("User logged in", slog.String("username", username), slog.String("connID", connID.String()))
	r.reply(connID, EventLoginResult, Ack{Success: true, Username: username, Token: issued})
}

func (r *Router) handleSearch(connID uuid.UUID, payload json.RawMessage) {
	caller := r.registry.BoundUsername(connID)
	if caller == "" {
		// Unauthenticated actions are silently ignored, not errors.
		return
	}
	r.directory.Touch(caller)

	target := parseSearchPayload(payload)
	if target != "" && r.directory.Lookup(target) {
		metrics.Searches.WithLabelValues("found").Inc()
		r.reply(connID, EventSearchResult, Ack{Success: true})
		return
	}
	metrics.Searches.WithLabelValues("not_found").Inc()
	r.reply(connID, EventSearchResult, Ack{Success: false, Message: msgUserNotFound})
}

func (r *Router) handleSend(connID uuid.UUID, payload json.RawMessage) {
	caller := r.registry.BoundUsername(connID)
	if caller == "" {
		// Silent fire-and-forget policy: no error surfaces to the sender.
		return
	}
	r.directory.Touch(caller)

	to, text := parseSendPayload(payload)
	event := ServerMessage{
		Event: EventReceiveMessage,
		Payload: PrivateMessage{
			From: caller,
			To:   to,
			Text: text,
			Time: r.now(),
		},
	}
	msg, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to marshal message event", slog.Any("error", err))
		return
	}
	metrics.MessagesRelayed.Inc()

	// Deliver to the recipient only while their session exists; a missing
	// recipient is a silent no-op. The sender's own group always gets the
	// echo so every other tab observes the outgoing message.
	delivered := 0
	if to != caller && r.directory.Lookup(to) {
		delivered += r.registry.Broadcast(to, msg)
	}
	delivered += r.registry.Broadcast(caller, msg)
	metrics.MessagesDelivered.Add(float64(delivered))
}

func (r *Router) handleLogout(connID uuid.UUID) {
	username := r.registry.BoundUsername(connID)
	if username == "" {
		return
	}
	r.EvictUser(username, "logout")
}

// EvictUser removes the username's session and broadcasts the eviction.
// Explicit logout and the idle reaper both terminate sessions through this
// single primitive, so both triggers produce the identical event sequence:
// force_logout to the username's own connections, then a global
// user_logged_out_clear_data so every client drops cached state for a name
// that may be claimed by anyone now.
func (r *Router) EvictUser(username, reason string) {
	forceLogout, err := json.Marshal(ServerMessage{Event: EventForceLogout})
	if err != nil {
		r.logger.Error("Failed to marshal force_logout", slog.Any("error", err))
		return
	}
	clearData, err := json.Marshal(ServerMessage{Event: EventClearUserData, Payload: ClearUserData{Username: username}})
	if err != nil {
		r.logger.Error("Failed to marshal clear_data", slog.Any("error", err))
		return
	}

	r.mu.Lock()
	if !r.directory.Evict(username) {
		// A concurrent eviction already won.
		r.mu.Unlock()
		return
	}
	r.registry.Broadcast(username, forceLogout)
	r.registry.UnbindAll(username)
	r.registry.BroadcastAll(clearData)
	r.mu.Unlock()

	metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(r.directory.Len()))
	r.logger.Info("User evicted", slog.String("username", username), slog.String("reason", reason))
}

// reply sends an acknowledgment event to the originating connection.
func (r *Router) reply(connID uuid.UUID, event string, payload any) {
	msg, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		r.logger.Error("Failed to marshal reply", slog.String("event", event), slog.Any("error", err))
		return
	}
	conn, ok := r.registry.Get(connID)
	if !ok {
		return
	}
	conn.Transport.Send(msg)
}
