package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestDirectory() *Directory {
	return NewDirectory(newTestLogger())
}

func TestLoginFreshUsername(t *testing.T) {
	d := newTestDirectory()
	connID := uuid.New()

	token, err := d.Login("alice", "", connID)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "" {
		t.Fatal("Expected a generated token, got empty string")
	}
	if !d.Lookup("alice") {
		t.Error("Lookup failed to find fresh session")
	}
	if count := d.ConnectionCount("alice"); count != 1 {
		t.Errorf("Expected 1 connection, got %d", count)
	}
}

func TestLoginIgnoresPresentedTokenForFreshUsername(t *testing.T) {
	d := newTestDirectory()

	token, err := d.Login("alice", "stale-token-from-before-restart", uuid.New())
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "stale-token-from-before-restart" {
		t.Error("Fresh login must issue a new token, not adopt the presented one")
	}
}

func TestLoginTokenMatchAddsConnection(t *testing.T) {
	d := newTestDirectory()
	conn1, conn2 := uuid.New(), uuid.New()

	token, err := d.Login("alice", "", conn1)
	if err != nil {
		t.Fatalf("First login failed: %v", err)
	}

	token2, err := d.Login("alice", token, conn2)
	if err != nil {
		t.Fatalf("Second login with correct token failed: %v", err)
	}
	if token2 != token {
		t.Error("Token changed across reconnect of the same session")
	}
	if count := d.ConnectionCount("alice"); count != 2 {
		t.Errorf("Expected 2 connections, got %d", count)
	}
}

func TestLoginTokenMismatchFails(t *testing.T) {
	d := newTestDirectory()
	if _, err := d.Login("alice", "", uuid.New()); err != nil {
		t.Fatalf("Setup login failed: %v", err)
	}

	for _, presented := range []string{"", "wrong-token"} {
		_, err := d.Login("alice", presented, uuid.New())
		if !errors.Is(err, ErrUsernameTaken) {
			t.Errorf("Login with token %q: expected ErrUsernameTaken, got %v", presented, err)
		}
	}
	if count := d.ConnectionCount("alice"); count != 1 {
		t.Errorf("Failed logins must not mutate the session, got %d connections", count)
	}
}

func TestDisownPreservesSession(t *testing.T) {
	d := newTestDirectory()
	connID := uuid.New()
	token, _ := d.Login("alice", "", connID)

	d.Disown("alice", connID)
	if count := d.ConnectionCount("alice"); count != 0 {
		t.Fatalf("Expected 0 connections after disown, got %d", count)
	}
	if !d.Lookup("alice") {
		t.Fatal("Session must survive an emptied connection set")
	}

	// Reconnect with the surviving token must join the same session.
	if _, err := d.Login("alice", token, uuid.New()); err != nil {
		t.Fatalf("Reconnect with correct token failed: %v", err)
	}
}

func TestDisownUnknownUsernameIsNoop(t *testing.T) {
	d := newTestDirectory()
	d.Disown("ghost", uuid.New()) // must not panic
}

func TestEvictIsAtomicAndIdempotent(t *testing.T) {
	d := newTestDirectory()
	d.Login("alice", "", uuid.New())

	if !d.Evict("alice") {
		t.Fatal("First evict should report removal")
	}
	if d.Evict("alice") {
		t.Error("Second evict should report the session already gone")
	}
	if d.Lookup("alice") {
		t.Error("Session still found after eviction")
	}
}

func TestEvictedTokenDoesNotSurvive(t *testing.T) {
	d := newTestDirectory()
	oldToken, _ := d.Login("alice", "", uuid.New())
	d.Evict("alice")

	// The username is free again, but the old token must buy nothing: a new
	// session gets a new token.
	newToken, err := d.Login("alice", oldToken, uuid.New())
	if err != nil {
		t.Fatalf("Re-login after eviction failed: %v", err)
	}
	if newToken == oldToken {
		t.Error("New session reissued the evicted session's token")
	}
}

func TestTouchAfterEvictIsNoop(t *testing.T) {
	d := newTestDirectory()
	d.Login("alice", "", uuid.New())
	d.Evict("alice")
	d.Touch("alice") // must not resurrect or panic
	if d.Lookup("alice") {
		t.Error("Touch resurrected an evicted session")
	}
}

func TestIdleSnapshot(t *testing.T) {
	d := newTestDirectory()
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Login("stale", "", uuid.New())

	now = now.Add(30 * time.Minute)
	d.Login("fresh", "", uuid.New())

	now = now.Add(31 * time.Minute)
	idle := d.Idle(time.Hour)
	if len(idle) != 1 || idle[0] != "stale" {
		t.Fatalf("Expected only 'stale' to be idle, got %v", idle)
	}

	// Touch revives the stale session.
	d.Touch("stale")
	if idle := d.Idle(time.Hour); len(idle) != 0 {
		t.Errorf("Expected no idle sessions after touch, got %v", idle)
	}
}

func TestSingleSessionPerUsernameUnderConcurrentLogins(t *testing.T) {
	d := newTestDirectory()

	const attempts = 32
	tokens := make([]string, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = d.Login("alice", "", uuid.New())
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < attempts; i++ {
		if errs[i] == nil {
			wins++
		} else if !errors.Is(errs[i], ErrUsernameTaken) {
			t.Errorf("Unexpected error: %v", errs[i])
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one winning login, got %d", wins)
	}
	if d.Len() != 1 {
		t.Errorf("Expected exactly one session, got %d", d.Len())
	}
}
