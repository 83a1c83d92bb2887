package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the canonical record for one logged-in username. It owns the
// bearer token proving continued ownership of the name and the set of live
// connections currently authenticated as it. The set may be empty: losing
// every tab keeps the name reserved until explicit logout or idle eviction.
type Session struct {
	Username    string
	Token       string
	Connections map[uuid.UUID]struct{}
	LastActive  time.Time
}
