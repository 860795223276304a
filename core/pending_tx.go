package core

// pending_tx.go – the pending-transaction processor. Each on-chain sync
// transaction fans out into zero or more pending messages, every one
// stamped with the confirmation that proves its ordering. The fan-out and
// the queue-row delete commit together, so a crash between them replays the
// whole tx and the message-level dedup absorbs the duplicates.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// TxProcessorConfig shapes the pending-tx processor.
type TxProcessorConfig struct {
	BatchSize    int
	FetchTimeout time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	RetryCap     time.Duration
	PollInterval time.Duration
}

// TxProcessor unpacks chain transactions into pending messages.
type TxProcessor struct {
	store     *Store
	cas       *CAS
	cfg       TxProcessorConfig
	logger    *log.Logger
	throttled func(ctx context.Context) bool
}

// syncPayload is the on-chain transaction payload shape.
type syncPayload struct {
	Protocol string          `json:"protocol"`
	Version  int             `json:"version"`
	Content  json.RawMessage `json:"content"`
}

// NewTxProcessor wires the processor. throttled (may be nil) reports
// backpressure; the claim rate drops while it returns true, but chain data
// is never refused.
func NewTxProcessor(store *Store, cas *CAS, cfg TxProcessorConfig, throttled func(ctx context.Context) bool, lg *log.Logger) *TxProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
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
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &TxProcessor{store: store, cas: cas, cfg: cfg, logger: lg, throttled: throttled}
}

// Run drains pending transactions until ctx is cancelled.
func (p *TxProcessor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		limit := p.cfg.BatchSize
		if p.throttled != nil && p.throttled(ctx) {
			limit = 1
		}
		batch, err := p.store.ClaimPendingTxs(ctx, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warnf("pending-tx: claim: %v", err)
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}
		if len(batch) == 0 {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}
		for _, ptx := range batch {
			p.processTx(context.WithoutCancel(ctx), ptx)
		}
	}
}

func (p *TxProcessor) processTx(ctx context.Context, ptx *PendingTx) {
	envelopes, out := p.unpack(ctx, ptx)
	switch out.Kind {
	case OutcomeReject:
		p.logger.Infof("pending-tx: drop %s/%s: %s", ptx.Chain, ptx.TxHash, out.Reason)
		if err := p.store.RejectPendingTx(ctx, ptx, out.Reason); err != nil {
			p.logger.Warnf("pending-tx: reject %s: %v", ptx.TxHash, err)
		}
		return
	case OutcomeRetry:
		if int(ptx.Retries)+1 >= p.cfg.MaxRetries {
			if err := p.store.RejectPendingTx(ctx, ptx, "retries exhausted: "+out.Reason); err != nil {
				p.logger.Warnf("pending-tx: reject %s: %v", ptx.TxHash, err)
			}
			return
		}
		next := time.Now().Add(retryBackoff(p.cfg.RetryBase, p.cfg.RetryCap, ptx.Retries))
		if err := p.store.ReschedulePendingTx(ctx, ptx, next); err != nil {
			p.logger.Warnf("pending-tx: reschedule %s: %v", ptx.TxHash, err)
		}
		return
	}

	conf := &Confirmation{Chain: ptx.Chain, Height: ptx.Height, TxHash: ptx.TxHash}
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range envelopes {
			pm := &PendingMessage{
				Envelope:     envelopes[i],
				Origin:       OriginOnchain,
				Confirmation: conf,
				CheckMessage: true,
			}
			if err := insertPendingMessage(ctx, tx, pm); err != nil {
				return err
			}
		}
		return deletePendingTx(ctx, tx, ptx.Chain, ptx.TxHash)
	})
	if err != nil {
		p.logger.Warnf("pending-tx: fan-out %s: %v", ptx.TxHash, err)
		next := time.Now().Add(retryBackoff(p.cfg.RetryBase, p.cfg.RetryCap, ptx.Retries))
		if err := p.store.ReschedulePendingTx(ctx, ptx, next); err != nil {
			p.logger.Warnf("pending-tx: reschedule %s: %v", ptx.TxHash, err)
		}
		return
	}
	p.logger.Debugf("pending-tx: %s/%s fanned out %d messages", ptx.Chain, ptx.TxHash, len(envelopes))
}

// unpack resolves the batch of envelopes a transaction carries. Parse
// failures are permanent; CAS fetch failures are transient.
func (p *TxProcessor) unpack(ctx context.Context, ptx *PendingTx) ([]MessageEnvelope, Outcome) {
	var payload syncPayload
	if err := json.Unmarshal(ptx.Payload, &payload); err != nil {
		return nil, Outcome{Kind: OutcomeReject, Reason: "parse payload: " + err.Error()}
	}
	var raw json.RawMessage
	switch ptx.Protocol {
	case ProtocolBatchInline:
		raw = payload.Content
	case ProtocolBatchRef:
		var ref string
		if err := json.Unmarshal(payload.Content, &ref); err != nil {
			return nil, Outcome{Kind: OutcomeReject, Reason: "parse content ref: " + err.Error()}
		}
		body, err := p.fetchRef(ctx, ref)
		if err != nil {
			return nil, Outcome{Kind: OutcomeRetry, Reason: fmt.Sprintf("fetch %s: %v", ref, err)}
		}
		var inner syncPayload
		if err := json.Unmarshal(body, &inner); err != nil {
			return nil, Outcome{Kind: OutcomeReject, Reason: "parse offchain payload: " + err.Error()}
		}
		raw = inner.Content
	default:
		return nil, Outcome{Kind: OutcomeReject, Reason: "unknown protocol " + string(ptx.Protocol)}
	}
	var envelopes []MessageEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, Outcome{Kind: OutcomeReject, Reason: "parse envelopes: " + err.Error()}
	}
	return envelopes, Outcome{Kind: OutcomeDone}
}

// fetchRef pulls the off-chain batch object, retrying short network hiccups
// within the attempt before handing the row back to the queue.
func (p *TxProcessor) fetchRef(ctx context.Context, ref string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	var body []byte
	op := func() error {
		var err error
		body, err = p.cas.Get(fetchCtx, ref)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), fetchCtx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}
