// Package daemon periodically snapshots the loaded retrieval indices so a
// restart does not have to rebuild them from the repository.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxpersona/voxpersona/internal/config"
	"github.com/voxpersona/voxpersona/internal/rag"
)

// Snapshotter is the slice of the index manager the daemon drives.
// *rag.Manager satisfies it.
type Snapshotter interface {
	SaveAll(ctx context.Context) error
}

var _ Snapshotter = (*rag.Manager)(nil)

// Daemon runs the snapshot loop.
type Daemon struct {
	manager Snapshotter
	period  time.Duration
}

// Option configures a Daemon during construction.
type Option func(*Daemon)

// WithPeriod sets the snapshot cadence. Default 15 minutes.
func WithPeriod(d time.Duration) Option {
	return func(dm *Daemon) { dm.period = d }
}

// New constructs a Daemon.
func New(manager Snapshotter, opts ...Option) *Daemon {
	d := &Daemon{manager: manager, period: config.DefaultRAGSavePeriod}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run snapshots every period until ctx is cancelled, then performs one final
// flush and returns. Snapshot failures are logged and never stop the loop;
// only the final flush's error is returned.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.manager.SaveAll(ctx); err != nil {
				slog.Error("periodic index snapshot incomplete", "error", err)
			}
		case <-ctx.Done():
			// Final flush on shutdown; use a fresh context since ctx is
			// already cancelled.
			flushCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			err := d.manager.SaveAll(flushCtx)
			if err != nil {
				slog.Error("final index snapshot incomplete", "error", err)
			}
			return err
		}
	}
}
