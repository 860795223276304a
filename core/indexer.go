package core

// indexer.go – the resumable chain-indexer framework. One indexer per
// chain projects the on-chain log of sync transactions into pending_tx, at
// least once and monotonically. The cursor only moves after the window's
// rows are durable; a reorg shallower than the confirmation depth rewinds
// the cursor and re-scans, and the (chain, tx_hash) upsert absorbs the
// replay.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// ChainSource abstracts one chain's RPC surface.
type ChainSource interface {
	Chain() ChainID
	// Head returns the current chain tip height.
	Head(ctx context.Context) (uint64, error)
	// BlockHash returns the canonical block hash at height, used for reorg
	// detection. Sources without cheap hash access may return "".
	BlockHash(ctx context.Context, height uint64) (string, error)
	// FetchTxs returns the sync transactions in [from, to], ordered by
	// (height, tx_index). Malformed payloads are skipped inside the source.
	FetchTxs(ctx context.Context, from, to uint64) ([]*PendingTx, error)
}

// BalanceSource is implemented by sources that can also report balance
// movements of the network token.
type BalanceSource interface {
	FetchBalanceDeltas(ctx context.Context, from, to uint64) ([]BalanceDelta, error)
}

// BalanceDelta is one observed movement of the network token.
type BalanceDelta struct {
	Address string
	Amount  float64 // signed
}

// IndexerConfig shapes one chain indexer.
type IndexerConfig struct {
	StartHeight       uint64
	ConfirmationDepth uint64
	PollInterval      time.Duration
	Window            uint64
}

// Indexer drives one ChainSource against the store.
type Indexer struct {
	store  *Store
	source ChainSource
	cfg    IndexerConfig
	logger *log.Logger
}

// NewIndexer wires an indexer for one chain.
func NewIndexer(store *Store, source ChainSource, cfg IndexerConfig, lg *log.Logger) *Indexer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Window == 0 {
		cfg.Window = 1000
	}
	return &Indexer{store: store, source: source, cfg: cfg, logger: lg}
}

// Run polls the chain until ctx is cancelled. RPC outages back off
// exponentially (1 s base, 60 s cap) and never surface past the indexer.
func (i *Indexer) Run(ctx context.Context) error {
	chain := i.source.Chain()
	i.logger.Infof("indexer[%s]: polling every %s, depth %d", chain, i.cfg.PollInterval, i.cfg.ConfirmationDepth)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := i.scanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			i.logger.Warnf("indexer[%s]: %v (retry in %s)", chain, err, wait)
			sleepCtx(ctx, wait)
			continue
		}
		bo.Reset()
		sleepCtx(ctx, i.cfg.PollInterval)
	}
}

// scanOnce advances the cursor up to head - confirmation_depth.
func (i *Indexer) scanOnce(ctx context.Context) error {
	chain := i.source.Chain()
	head, err := i.source.Head(ctx)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if head <= i.cfg.ConfirmationDepth {
		return nil
	}
	target := head - i.cfg.ConfirmationDepth

	next := i.cfg.StartHeight
	cursor, err := i.store.Cursor(ctx, chain)
	switch {
	case err == nil:
		rewound, err := i.checkReorg(ctx, cursor)
		if err != nil {
			return err
		}
		if rewound != nil {
			cursor = rewound
		}
		next = cursor.LastHeight + 1
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	for from := next; from <= target; {
		to := from + i.cfg.Window - 1
		if to > target {
			to = target
		}
		if err := i.scanWindow(ctx, from, to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

// checkReorg compares the stored block hash at the cursor height against
// the chain. On a mismatch the cursor rewinds by the confirmation depth;
// the re-scan is idempotent on (chain, tx_hash).
func (i *Indexer) checkReorg(ctx context.Context, cursor *ChainCursor) (*ChainCursor, error) {
	if cursor.LastTxHash == "" {
		return nil, nil
	}
	hash, err := i.source.BlockHash(ctx, cursor.LastHeight)
	if err != nil {
		return nil, fmt.Errorf("block hash: %w", err)
	}
	if hash == "" || hash == cursor.LastTxHash {
		return nil, nil
	}
	rewound := cursor.LastHeight
	if rewound > i.cfg.ConfirmationDepth {
		rewound -= i.cfg.ConfirmationDepth
	} else {
		rewound = i.cfg.StartHeight
	}
	i.logger.Warnf("indexer[%s]: reorg at height %d, rewinding to %d", cursor.Chain, cursor.LastHeight, rewound)
	if err := i.store.SetCursor(ctx, cursor.Chain, rewound, ""); err != nil {
		return nil, err
	}
	return &ChainCursor{Chain: cursor.Chain, LastHeight: rewound}, nil
}

func (i *Indexer) scanWindow(ctx context.Context, from, to uint64) error {
	chain := i.source.Chain()
	txs, err := i.source.FetchTxs(ctx, from, to)
	if err != nil {
		return fmt.Errorf("fetch %d..%d: %w", from, to, err)
	}
	for _, ptx := range txs {
		if err := i.store.UpsertPendingTx(ctx, ptx); err != nil {
			return err
		}
	}
	if bs, ok := i.source.(BalanceSource); ok {
		deltas, err := bs.FetchBalanceDeltas(ctx, from, to)
		if err != nil {
			i.logger.Warnf("indexer[%s]: balances %d..%d: %v", chain, from, to, err)
		}
		for _, d := range deltas {
			if err := i.store.AdjustBalance(ctx, d.Address, chain, d.Amount); err != nil {
				return err
			}
		}
	}
	hash, err := i.source.BlockHash(ctx, to)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", to, err)
	}
	if err := i.store.SetCursor(ctx, chain, to, hash); err != nil {
		return err
	}
	if len(txs) > 0 {
		i.logger.Infof("indexer[%s]: %d sync txs in %d..%d", chain, len(txs), from, to)
	}
	return nil
}

// detectProtocol classifies a raw sync payload, or errors when the payload
// is not an Aleph batch.
func detectProtocol(payload []byte) (TxProtocol, error) {
	var p syncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	switch p.Protocol {
	case "aleph":
		return ProtocolBatchInline, nil
	case "aleph-offchain":
		return ProtocolBatchRef, nil
	}
	return "", fmt.Errorf("unknown sync protocol %q", p.Protocol)
}
