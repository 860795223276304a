package core

// gc.go – the content garbage collector. Files with no remaining pins and a
// lapsed grace period are unpinned from their backend and their rows
// removed. Safe to run alongside the pipeline: STORE handlers mutate pin
// counts inside the promotion transaction, and DeleteStoredFile refuses
// rows that picked up a pin since the sweep started.

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Collector sweeps expired stored files.
type Collector struct {
	store    *Store
	cas      *CAS
	interval time.Duration
	logger   *log.Logger
}

// NewCollector wires the GC with the sweep interval (default hourly).
func NewCollector(store *Store, cas *CAS, interval time.Duration, lg *log.Logger) *Collector {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Collector{store: store, cas: cas, interval: interval, logger: lg}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := c.SweepOnce(ctx); err != nil {
				c.logger.Warnf("gc: sweep: %v", err)
			} else if n > 0 {
				c.logger.Infof("gc: removed %d files", n)
			}
		}
	}
}

// SweepOnce deletes every file due for collection and returns the count.
// Idempotent: a file already gone from a backend is not an error.
func (c *Collector) SweepOnce(ctx context.Context) (int, error) {
	due, err := c.store.FilesDue(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range due {
		if err := c.cas.Delete(ctx, f.FileHash, f.Storage); err != nil {
			c.logger.Warnf("gc: delete %s: %v", f.FileHash, err)
			continue
		}
		if err := c.store.DeleteStoredFile(ctx, f.FileHash); err != nil {
			c.logger.Warnf("gc: drop row %s: %v", f.FileHash, err)
			continue
		}
		removed++
	}
	return removed, nil
}
