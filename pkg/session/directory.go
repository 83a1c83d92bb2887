package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUsernameTaken is returned by Login when the username has a live session
// and the presented token does not match. The directory cannot tell "someone
// else owns this name" from "same person, lost token".
var ErrUsernameTaken = errors.New("username is already taken")

// Directory is the single source of truth for which usernames are online.
// All mutations are serialized behind one mutex; no method performs I/O while
// holding it, so callers may fan events out freely after a call returns.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now    func() time.Time
	logger *slog.Logger
}

func NewDirectory(logger *slog.Logger) *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "session_directory")),
	}
}

// Login claims a username for the given connection.
//
// A fresh username creates a session with a newly generated token; any token
// the client presented is ignored. An existing username admits the connection
// only on an exact token match, refreshing the session's activity clock.
// Anything else fails with ErrUsernameTaken and mutates nothing.
func (d *Directory) Login(username, presentedToken string, connID uuid.UUID) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, exists := d.sessions[username]; exists {
		if presentedToken == "" || presentedToken != s.Token {
			return "", ErrUsernameTaken
		}
		s.Connections[connID] = struct{}{}
		s.LastActive = d.now()
		d.logger.Debug("Connection joined existing session",
			slog.String("username", username),
			slog.String("connID", connID.String()),
			slog.Int("connections", len(s.Connections)),
		)
		return s.Token, nil
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	d.sessions[username] = &Session{
		Username:    username,
		Token:       token,
		Connections: map[uuid.UUID]struct{}{connID: {}},
		LastActive:  d.now(),
	}
	d.logger.Debug("Created new session", slog.String("username", username), slog.String("connID", connID.String()))
	return token, nil
}

// Touch refreshes the session's activity clock. It is a no-op if the session
// no longer exists, tolerating races with eviction.
func (d *Directory) Touch(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.sessions[username]; ok {
		s.LastActive = d.now()
	}
}

// Lookup reports whether a session exists for the username. It reveals nothing
// about the session itself.
func (d *Directory) Lookup(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.sessions[username]
	return ok
}

// Disown removes a connection from the username's session. An emptied
// connection set does NOT evict the session: the token survives so a later
// reconnect with it succeeds, until explicit logout or idle timeout.
func (d *Directory) Disown(username string, connID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[username]
	if !ok {
		return
	}
	delete(s.Connections, connID)
	d.logger.Debug("Connection disowned",
		slog.String("username", username),
		slog.String("connID", connID.String()),
		slog.Int("connections", len(s.Connections)),
	)
}

// Evict atomically removes the session and reports whether it existed.
// Explicit logout and the idle reaper both go through here; a false return
// means a concurrent eviction already won.
func (d *Directory) Evict(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[username]; !ok {
		return false
	}
	delete(d.sessions, username)
	d.logger.Info("Session evicted", slog.String("username", username))
	return true
}

// Idle returns the usernames whose sessions have been inactive longer than
// threshold. It takes a snapshot under the lock and returns; the caller evicts
// afterwards, tolerating sessions revived in between.
func (d *Directory) Idle(threshold time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-threshold)
	var idle []string
	for username, s := range d.sessions {
		if s.LastActive.Before(cutoff) {
			idle = append(idle, username)
		}
	}
	return idle
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.sessions)
}

// ConnectionCount returns the number of connections bound to the username,
// zero if no session exists.
func (d *Directory) ConnectionCount(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[username]
	if !ok {
		return 0
	}
	return len(s.Connections)
}
