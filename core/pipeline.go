package core

// pipeline.go – the pending-message processor, the centre of the node.
// Rows move NEW → FETCHING → VALIDATING → PROCESSING and end in DONE,
// RETRY or REJECTED. The promotion into `message` (row insert, handler
// effect, pending-row retirement) is one transaction keyed on item_hash,
// which is what makes delivery exactly-once across sources: a later arrival
// of the same hash merges its confirmation and never re-applies effects.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned to P2P and HTTP producers while the queue sits
// above the high watermark. Chain data is never refused.
var ErrQueueFull = errors.New("pending queue above high watermark")

// errAbortTx rolls back the promotion transaction when a handler asks for a
// retry or reject instead of failing outright.
var errAbortTx = errors.New("abort promotion")

// NewProcessor wires the state machine. dedup and publisher may be nil.
func NewProcessor(store *Store, cas *CAS, dedup *DedupCache, publisher Publisher,
	handlers map[MsgType]Handler, cfg PipelineConfig, lg *log.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = time.Hour
	}
	p := &Processor{
		store:     store,
		cas:       cas,
		dedup:     dedup,
		publisher: publisher,
		handlers:  handlers,
		cfg:       cfg,
		logger:    lg,
		sems:      make(map[MsgType]chan struct{}),
	}
	for t := range handlers {
		limit := cfg.Workers
		if n, ok := cfg.TypeLimits[t]; ok && n > 0 && n < limit {
			limit = n
		}
		p.sems[t] = make(chan struct{}, limit)
	}
	return p
}

// Run claims and processes pending messages until ctx is cancelled.
// In-flight rows are finished before returning; no new claims are made
// after cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Infof("pipeline: %d workers, batch %d", p.cfg.Workers, p.cfg.BatchSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := p.store.ClaimPendingMessages(ctx, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warnf("pipeline: claim: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(batch) == 0 {
			sleepCtx(ctx, time.Second)
			continue
		}
		g := new(errgroup.Group)
		g.SetLimit(p.cfg.Workers)
		for _, pm := range batch {
			g.Go(func() error {
				p.processOne(context.WithoutCancel(ctx), pm)
				return nil
			})
		}
		g.Wait()
	}
}

func (p *Processor) processOne(ctx context.Context, pm *PendingMessage) {
	if sem, ok := p.sems[pm.Envelope.Type]; ok {
		sem <- struct{}{}
		defer func() { <-sem }()
	}
	out := p.handle(ctx, pm)
	switch out.Kind {
	case OutcomeDone:
		if err := p.store.DeletePendingMessage(ctx, pm.ID); err != nil {
			p.logger.Warnf("pipeline: retire %s: %v", pm.Envelope.ItemHash, err)
		}
	case OutcomeRetry:
		if int(pm.Retries)+1 >= p.cfg.MaxRetries {
			p.logger.Infof("pipeline: %s exhausted retries: %s", pm.Envelope.ItemHash, out.Reason)
			if err := p.store.RejectPendingMessage(ctx, pm, "retries exhausted: "+out.Reason); err != nil {
				p.logger.Warnf("pipeline: reject %s: %v", pm.Envelope.ItemHash, err)
			}
			return
		}
		next := time.Now().Add(retryBackoff(p.cfg.RetryBase, p.cfg.RetryCap, pm.Retries))
		if err := p.store.ReschedulePendingMessage(ctx, pm, next); err != nil {
			p.logger.Warnf("pipeline: reschedule %s: %v", pm.Envelope.ItemHash, err)
		}
	case OutcomeReject:
		p.logger.Infof("pipeline: reject %s: %s", pm.Envelope.ItemHash, out.Reason)
		if err := p.store.RejectPendingMessage(ctx, pm, out.Reason); err != nil {
			p.logger.Warnf("pipeline: reject %s: %v", pm.Envelope.ItemHash, err)
		}
	}
}

// handle runs the full state machine for one row.
func (p *Processor) handle(ctx context.Context, pm *PendingMessage) Outcome {
	env := &pm.Envelope

	// VALIDATING: shape first, it is free.
	if err := ValidateEnvelope(env); err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}
	}

	// FETCHING
	content, out := p.fetchContent(ctx, env)
	if out != nil {
		return *out
	}
	if err := env.VerifyItemHash(content); err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}
	}
	if pm.CheckMessage {
		if err := VerifyEnvelopeSignature(env); err != nil {
			return Outcome{Kind: OutcomeReject, Reason: err.Error()}
		}
	}
	parsed, err := ParseContent(env.Type, content)
	if err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}
	}

	// Fast-path dedup before opening the promotion transaction.
	if _, err := p.store.GetMessage(ctx, env.ItemHash); err == nil {
		if _, err := p.store.MergeConfirmation(ctx, env.ItemHash, pm.Confirmation); err != nil {
			return Outcome{Kind: OutcomeRetry, Reason: "merge confirmation: " + err.Error()}
		}
		return Outcome{Kind: OutcomeDone}
	} else if !errors.Is(err, ErrNotFound) {
		return Outcome{Kind: OutcomeRetry, Reason: "dedup probe: " + err.Error()}
	}

	// Authorize: a sender acting for another address needs a delegation.
	owner := ContentAddress(parsed)
	if owner != env.Sender {
		ok, err := isAuthorized(ctx, p.store.db, owner, env.Sender, scopeFor(env, parsed))
		if err != nil {
			return Outcome{Kind: OutcomeRetry, Reason: "authorization: " + err.Error()}
		}
		if !ok {
			return Outcome{Kind: OutcomeReject, Reason: "unauthorized"}
		}
	}

	// PROCESSING: the promotion transaction.
	handler, ok := p.handlers[env.Type]
	if !ok {
		return Outcome{Kind: OutcomeReject, Reason: fmt.Sprintf("no handler for %s", env.Type)}
	}
	result := Outcome{Kind: OutcomeDone}
	err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
		// Re-check under the transaction: another worker may have promoted
		// the same hash since the fast-path probe.
		if _, err := getMessage(ctx, tx, env.ItemHash); err == nil {
			if _, err := mergeConfirmation(ctx, tx, env.ItemHash, pm.Confirmation); err != nil {
				return err
			}
			return deletePendingMessage(ctx, tx, pm.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		var confs []Confirmation
		if pm.Confirmation != nil {
			confs = []Confirmation{*pm.Confirmation}
		}
		m := &Message{
			ItemHash:      env.ItemHash,
			Sender:        env.Sender,
			Chain:         env.Chain,
			Type:          env.Type,
			Channel:       env.Channel,
			Time:          env.Time,
			ItemType:      env.ItemType,
			Content:       content,
			Size:          uint64(len(content)),
			Confirmations: confs,
		}
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
		out, err := handler.Apply(ctx, tx, m)
		if err != nil {
			return err
		}
		if out.Kind != OutcomeDone {
			result = out
			return errAbortTx
		}
		return deletePendingMessage(ctx, tx, pm.ID)
	})
	if errors.Is(err, errAbortTx) {
		return result
	}
	if err != nil {
		return Outcome{Kind: OutcomeRetry, Reason: "promotion: " + err.Error()}
	}

	// Locally submitted messages are announced to the network once durable.
	if result.Kind == OutcomeDone && pm.Origin == OriginHTTP && p.publisher != nil {
		if err := p.publisher.PublishMessage(ctx, env); err != nil {
			p.logger.Warnf("pipeline: publish %s: %v", env.ItemHash, err)
		}
	}
	return result
}

// fetchContent resolves the message content per item_type. Non-inline
// content comes from the CAS with the configured timeout; remote hits are
// mirrored locally by the CAS itself.
func (p *Processor) fetchContent(ctx context.Context, env *MessageEnvelope) ([]byte, *Outcome) {
	if env.ItemType == ItemInline {
		return []byte(env.ItemContent), nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	content, err := p.cas.Get(fetchCtx, env.ItemHash)
	if err != nil {
		return nil, &Outcome{Kind: OutcomeRetry, Reason: "fetch content: " + err.Error()}
	}
	return content, nil
}

// Ingest is the shared entry point for the P2P and HTTP inbound paths:
// shape check, backpressure, duplicate suppression, durable insert.
// Duplicates are a silent success.
func (p *Processor) Ingest(ctx context.Context, env *MessageEnvelope, origin Origin) error {
	if err := ValidateEnvelope(env); err != nil {
		return err
	}
	if p.OverWatermark(ctx) {
		return ErrQueueFull
	}
	if p.dedup.Seen(ctx, env.ItemHash) {
		return nil
	}
	dup, err := p.store.HasInFlight(ctx, env.ItemHash)
	if err != nil {
		p.dedup.Forget(ctx, env.ItemHash)
		return err
	}
	if dup {
		return nil
	}
	pm := &PendingMessage{Envelope: *env, Origin: origin, CheckMessage: true}
	if err := p.store.InsertPendingMessage(ctx, pm); err != nil {
		p.dedup.Forget(ctx, env.ItemHash)
		return err
	}
	return nil
}

// OverWatermark reports whether the pending queue exceeds the configured
// high watermark. Zero disables the check.
func (p *Processor) OverWatermark(ctx context.Context) bool {
	if p.cfg.HighWatermark <= 0 {
		return false
	}
	n, err := p.store.PendingMessageCount(ctx)
	if err != nil {
		return false
	}
	return n > int64(p.cfg.HighWatermark)
}

// retryBackoff is min(ceiling, base · 2^retries).
func retryBackoff(base, ceiling time.Duration, retries uint32) time.Duration {
	if retries > 30 {
		return ceiling
	}
	d := base << retries
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
