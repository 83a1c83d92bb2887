package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/MahbubHasan777/simple-chat-app/pkg/session"
)

// EvictFunc terminates one username's session. The router's EvictUser is
// injected here so idle eviction and explicit logout share one code path and
// cannot drift apart.
type EvictFunc func(username, reason string)

// Reaper periodically evicts sessions that have been inactive beyond the
// threshold. It owns no connection state and runs independently of any
// connection's lifecycle.
type Reaper struct {
	logger    *slog.Logger
	directory *session.Directory
	evict     EvictFunc
	interval  time.Duration
	threshold time.Duration
}

func New(logger *slog.Logger, directory *session.Directory, evict EvictFunc, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		logger:    logger.With(slog.String("component", "idle_reaper")),
		directory: directory,
		evict:     evict,
		interval:  interval,
		threshold: threshold,
	}
}

// Run sweeps until the context is cancelled. Each sweep snapshots the idle
// usernames first and evicts afterwards, so the directory is free to mutate
// concurrently; Evict tolerates sessions that disappeared in between.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Idle reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("threshold", r.threshold),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Idle reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	for _, username := range r.directory.Idle(r.threshold) {
		r.logger.Info("Logging out inactive user", slog.String("username", username))
		r.evict(username, "idle")
	}
}
