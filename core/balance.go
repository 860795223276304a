package core

// balance.go – the balance reconciler. Periodically compares each address's
// stored bytes against its holdings and schedules overage files for
// deletion, least recently accessed first. Pure bookkeeping: the garbage
// collector does the actual deleting once the grace lapses.

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// bytesPerToken is the storage allowance one token buys.
const bytesPerToken = 3 * 1024 * 1024

// Reconciler marks storage overages.
type Reconciler struct {
	store    *Store
	interval time.Duration
	grace    time.Duration
	logger   *log.Logger
}

// NewReconciler wires the reconciler with its run interval and the grace
// applied to overage files.
func NewReconciler(store *Store, interval, grace time.Duration, lg *log.Logger) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	return &Reconciler{store: store, interval: interval, grace: grace, logger: lg}
}

// Run reconciles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warnf("balance: reconcile: %v", err)
			}
		}
	}
}

// ReconcileOnce walks every storing address once.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	senders, err := r.store.StoreSenders(ctx)
	if err != nil {
		return err
	}
	for _, address := range senders {
		if err := r.reconcileAddress(ctx, address); err != nil {
			r.logger.Warnf("balance: %s: %v", address, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileAddress(ctx context.Context, address string) error {
	usage, err := r.store.FileUsage(ctx, address)
	if err != nil {
		return err
	}
	balance, err := r.store.BalanceOf(ctx, address)
	if err != nil {
		return err
	}
	allowed := uint64(balance * bytesPerToken)
	if usage <= allowed {
		return nil
	}
	files, err := r.store.FilesByLRU(ctx, address)
	if err != nil {
		return err
	}
	deleteAt := time.Now().Add(r.grace)
	over := usage - allowed
	for _, f := range files {
		if over == 0 {
			break
		}
		if f.PinDeleteAt != nil {
			continue
		}
		if err := r.store.SetPinDeleteAt(ctx, f.FileHash, &deleteAt); err != nil {
			return err
		}
		if f.Size >= over {
			over = 0
		} else {
			over -= f.Size
		}
	}
	r.logger.Infof("balance: %s over quota by %d bytes, marked files for deletion", address, usage-allowed)
	return nil
}
