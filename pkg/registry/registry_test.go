package registry_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MahbubHasan777/simple-chat-app/pkg/registry"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeTransport records everything sent to it.
type fakeTransport struct {
	id       uuid.UUID
	received [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID       { return f.id }
func (f *fakeTransport) Send(message []byte) { f.received = append(f.received, message) }

func TestRegisterAndDeregister(t *testing.T) {
	r := registry.New(newTestLogger())
	ft := newFakeTransport()

	conn, err := r.Register(ft, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.ID != ft.ID() {
		t.Error("Registered connection ID mismatch")
	}
	if conn.Username != "" {
		t.Error("New connection must start anonymous")
	}

	if _, err := r.Register(ft, "127.0.0.1"); err == nil {
		t.Error("Double registration should fail")
	}

	if got := r.Deregister(ft.ID()); got != "" {
		t.Errorf("Anonymous deregister returned username %q", got)
	}
	if _, found := r.Get(ft.ID()); found {
		t.Error("Found connection after deregister")
	}
}

func TestDeregisterReportsBinding(t *testing.T) {
	r := registry.New(newTestLogger())
	ft := newFakeTransport()
	r.Register(ft, "127.0.0.1")
	if err := r.Bind(ft.ID(), "alice"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if got := r.Deregister(ft.ID()); got != "alice" {
		t.Errorf("Expected bound username 'alice', got %q", got)
	}
	// Group must be gone too: broadcast reaches nobody.
	if n := r.Broadcast("alice", []byte("x")); n != 0 {
		t.Errorf("Broadcast to emptied group reached %d connections", n)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	r := registry.New(newTestLogger())

	tab1, tab2 := newFakeTransport(), newFakeTransport()
	other := newFakeTransport()
	for _, ft := range []*fakeTransport{tab1, tab2, other} {
		r.Register(ft, "10.0.0.1")
	}
	r.Bind(tab1.ID(), "alice")
	r.Bind(tab2.ID(), "alice")
	r.Bind(other.ID(), "bob")

	msg := []byte(`{"event":"x"}`)
	if n := r.Broadcast("alice", msg); n != 2 {
		t.Fatalf("Expected fan-out to 2 connections, got %d", n)
	}
	for _, ft := range []*fakeTransport{tab1, tab2} {
		if len(ft.received) != 1 {
			t.Errorf("Group member received %d messages, want exactly 1", len(ft.received))
		}
	}
	if len(other.received) != 0 {
		t.Error("Broadcast leaked outside the group")
	}
}

func TestBroadcastAllIncludesAnonymous(t *testing.T) {
	r := registry.New(newTestLogger())

	bound, anon := newFakeTransport(), newFakeTransport()
	r.Register(bound, "10.0.0.1")
	r.Register(anon, "10.0.0.2")
	r.Bind(bound.ID(), "alice")

	if n := r.BroadcastAll([]byte("x")); n != 2 {
		t.Fatalf("Expected broadcast to 2 connections, got %d", n)
	}
	if len(anon.received) != 1 {
		t.Error("Anonymous connection missed the global broadcast")
	}
}

func TestUnbindAllReturnsConnectionsToAnonymous(t *testing.T) {
	r := registry.New(newTestLogger())

	tab1, tab2 := newFakeTransport(), newFakeTransport()
	r.Register(tab1, "10.0.0.1")
	r.Register(tab2, "10.0.0.1")
	r.Bind(tab1.ID(), "alice")
	r.Bind(tab2.ID(), "alice")

	if n := r.UnbindAll("alice"); n != 2 {
		t.Fatalf("Expected 2 connections unbound, got %d", n)
	}
	for _, ft := range []*fakeTransport{tab1, tab2} {
		conn, found := r.Get(ft.ID())
		if !found {
			t.Fatal("Connection disappeared on unbind; it should stay registered")
		}
		if conn.Username != "" {
			t.Errorf("Connection still bound to %q after UnbindAll", conn.Username)
		}
	}
	if n := r.Broadcast("alice", []byte("x")); n != 0 {
		t.Errorf("Broadcast after UnbindAll reached %d connections", n)
	}
}

func TestRebindMovesGroups(t *testing.T) {
	r := registry.New(newTestLogger())
	ft := newFakeTransport()
	r.Register(ft, "10.0.0.1")

	r.Bind(ft.ID(), "alice")
	r.Bind(ft.ID(), "bob")

	if n := r.Broadcast("alice", []byte("x")); n != 0 {
		t.Errorf("Old group still reaches rebound connection (%d)", n)
	}
	if n := r.Broadcast("bob", []byte("x")); n != 1 {
		t.Errorf("New group fan-out = %d, want 1", n)
	}
}

func TestCountAddrAndOldest(t *testing.T) {
	r := registry.New(newTestLogger())

	first := newFakeTransport()
	r.Register(first, "10.0.0.1")
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	r.Register(newFakeTransport(), "10.0.0.1")
	r.Register(newFakeTransport(), "10.0.0.2")

	if n := r.CountAddr("10.0.0.1"); n != 2 {
		t.Errorf("CountAddr = %d, want 2", n)
	}
	oldest, found := r.OldestAddrConnection("10.0.0.1")
	if !found {
		t.Fatal("Expected an oldest connection")
	}
	if oldest.ID != first.ID() {
		t.Error("Oldest connection is not the first registered")
	}
	if _, found := r.OldestAddrConnection("192.168.0.1"); found {
		t.Error("Found oldest connection for unknown address")
	}
}
