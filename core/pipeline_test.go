package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//-------------------------------------------------------------
// Cross-source dedup: one Message row, confirmations merged
//-------------------------------------------------------------

func TestCrossSourceDedup(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	content := aggContent(key.address, "profile", 100, `{"name":"x"}`)
	env := signedEnvelope(t, key, MsgAggregate, "T", content, 100)

	// First via gossip at t=0, then the same envelope confirmed on ETH.
	queue(t, store, env, OriginP2P, nil)
	drainPipeline(t, p)

	conf := &Confirmation{Chain: ChainETH, Height: 1234, TxHash: "0xabc"}
	queue(t, store, env, OriginOnchain, conf)
	drainPipeline(t, p)

	n, err := store.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "exactly one confirmed row")

	m, err := store.GetMessage(ctx, env.ItemHash)
	require.NoError(t, err)
	assert.Equal(t, []Confirmation{*conf}, m.Confirmations)

	// No double-applied side effect: one raw element behind the view.
	entries, err := listAggregateEntries(ctx, store.db, key.address, "profile")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Replaying the confirmation is a no-op.
	queue(t, store, env, OriginOnchain, conf)
	drainPipeline(t, p)
	m, err = store.GetMessage(ctx, env.ItemHash)
	require.NoError(t, err)
	assert.Len(t, m.Confirmations, 1)
}

//-------------------------------------------------------------
// Permanent rejects
//-------------------------------------------------------------

func TestRejectHashMismatch(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)

	env := signedEnvelope(t, key, MsgAggregate, "T", aggContent(key.address, "k", 1, `{"a":1}`), 1)
	env.ItemContent = `{"tampered":true}`
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)

	_, err := store.GetMessage(context.Background(), env.ItemHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assertRejected(t, store, env.ItemHash)
}

func TestRejectBadSignature(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key, other := newTestKey(t), newTestKey(t)

	env := signedEnvelope(t, key, MsgPost,
		"T", map[string]any{"address": key.address, "type": "blog", "content": map[string]any{}, "time": 1.0}, 1)
	env.Sender = other.address // recovered signer no longer matches
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)
	assertRejected(t, store, env.ItemHash)
}

func assertRejected(t *testing.T, store *Store, itemHash string) {
	t.Helper()
	var n int64
	err := store.db.QueryRow(`SELECT COUNT(*) FROM rejected_message WHERE item_hash = ?`, itemHash).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "row should land in rejected_message")
	err = store.db.QueryRow(`SELECT COUNT(*) FROM pending_message WHERE item_hash = ?`, itemHash).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n, "row should leave the live queue")
}

//-------------------------------------------------------------
// Retry path: missing amendment target retries, then resolves
//-------------------------------------------------------------

func TestAmendmentRetriesUntilOriginalArrives(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	original := signedEnvelope(t, key, MsgPost, "T",
		map[string]any{"address": key.address, "type": "blog", "content": map[string]any{"v": "A"}, "time": 10.0}, 10)
	amendment := signedEnvelope(t, key, MsgPost, "T",
		map[string]any{"address": key.address, "type": "blog", "ref": original.ItemHash, "content": map[string]any{"v": "B"}, "time": 20.0}, 20)

	// Amendment first: it must stay queued, not reject.
	queue(t, store, amendment, OriginHTTP, nil)
	drainPipeline(t, p)
	_, err := store.GetMessage(ctx, amendment.ItemHash)
	assert.ErrorIs(t, err, ErrNotFound)
	var retries int
	require.NoError(t, store.db.QueryRow(
		`SELECT retries FROM pending_message WHERE item_hash = ?`, amendment.ItemHash).Scan(&retries))
	assert.Equal(t, 1, retries)

	// Original arrives and confirms; then the parked amendment retries.
	queue(t, store, original, OriginHTTP, nil)
	drainPipeline(t, p)
	_, err = store.db.Exec(`UPDATE pending_message SET next_attempt = 0`)
	require.NoError(t, err)
	drainPipeline(t, p)

	view, err := store.PostView(ctx, original.ItemHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"B"}`, string(view.Content))
}

//-------------------------------------------------------------
// Backoff arithmetic
//-------------------------------------------------------------

func TestRetryBackoff(t *testing.T) {
	base, ceiling := 5*time.Second, time.Hour
	assert.Equal(t, 5*time.Second, retryBackoff(base, ceiling, 0))
	assert.Equal(t, 10*time.Second, retryBackoff(base, ceiling, 1))
	assert.Equal(t, 40*time.Second, retryBackoff(base, ceiling, 3))
	assert.Equal(t, time.Hour, retryBackoff(base, ceiling, 10))
	assert.Equal(t, time.Hour, retryBackoff(base, ceiling, 63), "shift overflow clamps to the cap")
}

//-------------------------------------------------------------
// Ingest: duplicates silent, watermark refuses
//-------------------------------------------------------------

func TestIngestSuppressesDuplicates(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	env := signedEnvelope(t, key, MsgPost, "T",
		map[string]any{"address": key.address, "type": "blog", "content": map[string]any{}, "time": 1.0}, 1)
	require.NoError(t, p.Ingest(ctx, &env, OriginP2P))
	require.NoError(t, p.Ingest(ctx, &env, OriginP2P))

	n, err := store.PendingMessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIngestBackpressure(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	p.cfg.HighWatermark = 1
	key := newTestKey(t)
	ctx := context.Background()

	first := signedEnvelope(t, key, MsgPost, "T",
		map[string]any{"address": key.address, "type": "a", "content": map[string]any{}, "time": 1.0}, 1)
	second := signedEnvelope(t, key, MsgPost, "T",
		map[string]any{"address": key.address, "type": "b", "content": map[string]any{}, "time": 2.0}, 2)
	third := signedEnvelope(t, key, MsgPost, "T",
		map[string]any{"address": key.address, "type": "c", "content": map[string]any{}, "time": 3.0}, 3)

	require.NoError(t, p.Ingest(ctx, &first, OriginHTTP))
	require.NoError(t, p.Ingest(ctx, &second, OriginHTTP))
	assert.ErrorIs(t, p.Ingest(ctx, &third, OriginHTTP), ErrQueueFull)

	// Chain data is never refused: the onchain path bypasses Ingest.
	queue(t, store, third, OriginOnchain, &Confirmation{Chain: ChainETH, Height: 1, TxHash: "0x1"})
	n, err := store.PendingMessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
