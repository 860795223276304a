package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContent(address, fileHash string, tm float64, temporary bool) map[string]any {
	return map[string]any{
		"address": address, "item_type": "storage", "item_hash": fileHash,
		"time": tm, "temporary": temporary,
	}
}

func forgetContent(address string, tm float64, hashes ...string) map[string]any {
	return map[string]any{"address": address, "hashes": hashes, "reason": "test", "time": tm}
}

//-------------------------------------------------------------
// STORE + FORGET + GC round trip
//-------------------------------------------------------------

func TestStoreForgetGC(t *testing.T) {
	p, store, cas := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	fileHash, err := cas.Put([]byte("two megabytes, in spirit"))
	require.NoError(t, err)

	storeEnv := signedEnvelope(t, key, MsgStore, "T", storeContent(key.address, fileHash, 100, false), 100)
	queue(t, store, storeEnv, OriginHTTP, nil)
	drainPipeline(t, p)

	f, err := store.GetStoredFile(ctx, fileHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.PinCount)
	assert.Nil(t, f.PinDeleteAt)
	assert.Positive(t, f.Size)

	forgetEnv := signedEnvelope(t, key, MsgForget, "T", forgetContent(key.address, 200, storeEnv.ItemHash), 200)
	queue(t, store, forgetEnv, OriginHTTP, nil)
	drainPipeline(t, p)

	f, err = store.GetStoredFile(ctx, fileHash)
	require.NoError(t, err)
	assert.Zero(t, f.PinCount)
	require.NotNil(t, f.PinDeleteAt, "grace deletion must be scheduled")
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *f.PinDeleteAt, time.Minute)

	// The STORE message is tombstoned, not deleted.
	m, err := store.GetMessage(ctx, storeEnv.ItemHash)
	require.NoError(t, err)
	assert.Nil(t, m.Content)
	assert.Equal(t, forgetEnv.ItemHash, m.ForgottenBy)

	// Run GC past the deletion time.
	past := time.Now().Add(-time.Second)
	require.NoError(t, store.SetPinDeleteAt(ctx, fileHash, &past))
	collector := NewCollector(store, cas, time.Hour, testLogger())
	removed, err := collector.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetStoredFile(ctx, fileHash)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cas.Get(ctx, fileHash)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

//-------------------------------------------------------------
// Reinstatement: a second STORE cancels the scheduled deletion
//-------------------------------------------------------------

func TestRepinCancelsDeletion(t *testing.T) {
	p, store, cas := newTestProcessor(t)
	alice, bob := newTestKey(t), newTestKey(t)
	ctx := context.Background()

	fileHash, err := cas.Put([]byte("shared file"))
	require.NoError(t, err)

	first := signedEnvelope(t, alice, MsgStore, "T", storeContent(alice.address, fileHash, 100, false), 100)
	queue(t, store, first, OriginHTTP, nil)
	drainPipeline(t, p)

	forget := signedEnvelope(t, alice, MsgForget, "T", forgetContent(alice.address, 150, first.ItemHash), 150)
	queue(t, store, forget, OriginHTTP, nil)
	drainPipeline(t, p)

	f, err := store.GetStoredFile(ctx, fileHash)
	require.NoError(t, err)
	require.NotNil(t, f.PinDeleteAt)

	second := signedEnvelope(t, bob, MsgStore, "T", storeContent(bob.address, fileHash, 200, false), 200)
	queue(t, store, second, OriginHTTP, nil)
	drainPipeline(t, p)

	f, err = store.GetStoredFile(ctx, fileHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.PinCount)
	assert.Nil(t, f.PinDeleteAt, "0 → 1 transition cancels the deletion")
}

//-------------------------------------------------------------
// FORGET is an involution over an AGGREGATE
//-------------------------------------------------------------

func TestForgetReversesAggregate(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	agg := signedEnvelope(t, key, MsgAggregate, "T", aggContent(key.address, "profile", 100, `{"name":"x"}`), 100)
	queue(t, store, agg, OriginHTTP, nil)
	drainPipeline(t, p)
	_, err := store.GetAggregate(ctx, key.address, "profile")
	require.NoError(t, err)

	forget := signedEnvelope(t, key, MsgForget, "T", forgetContent(key.address, 200, agg.ItemHash), 200)
	queue(t, store, forget, OriginHTTP, nil)
	drainPipeline(t, p)

	_, err = store.GetAggregate(ctx, key.address, "profile")
	assert.ErrorIs(t, err, ErrNotFound, "derived state equals the state before the aggregate")

	m, err := store.GetMessage(ctx, agg.ItemHash)
	require.NoError(t, err)
	assert.Nil(t, m.Content)
	assert.Equal(t, forget.ItemHash, m.ForgottenBy)
}

//-------------------------------------------------------------
// Idempotence and protected targets
//-------------------------------------------------------------

func TestForgetIdempotentAndNeverForgetsForgets(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	post := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", "", 10, "A"), 10)
	queue(t, store, post, OriginHTTP, nil)
	drainPipeline(t, p)

	f1 := signedEnvelope(t, key, MsgForget, "T", forgetContent(key.address, 20, post.ItemHash), 20)
	queue(t, store, f1, OriginHTTP, nil)
	drainPipeline(t, p)

	// A second FORGET over the same target and over the first FORGET: both
	// silent successes.
	f2 := signedEnvelope(t, key, MsgForget, "T", forgetContent(key.address, 30, post.ItemHash, f1.ItemHash), 30)
	queue(t, store, f2, OriginHTTP, nil)
	drainPipeline(t, p)

	m, err := store.GetMessage(ctx, post.ItemHash)
	require.NoError(t, err)
	assert.Equal(t, f1.ItemHash, m.ForgottenBy, "first tombstone stands")

	forgetRow, err := store.GetMessage(ctx, f1.ItemHash)
	require.NoError(t, err)
	assert.Empty(t, forgetRow.ForgottenBy, "FORGET is never forgettable")

	_, err = store.GetMessage(ctx, f2.ItemHash)
	require.NoError(t, err, "the second FORGET still confirms")
}

//-------------------------------------------------------------
// Cross-sender FORGET without delegation leaves the target alone
//-------------------------------------------------------------

func TestForgetCrossSenderUnauthorized(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	owner, intruder := newTestKey(t), newTestKey(t)
	ctx := context.Background()

	post := signedEnvelope(t, owner, MsgPost, "T", postContent(owner.address, "blog", "", 10, "A"), 10)
	queue(t, store, post, OriginHTTP, nil)
	drainPipeline(t, p)

	forget := signedEnvelope(t, intruder, MsgForget, "T", forgetContent(intruder.address, 20, post.ItemHash), 20)
	queue(t, store, forget, OriginHTTP, nil)
	drainPipeline(t, p)

	m, err := store.GetMessage(ctx, post.ItemHash)
	require.NoError(t, err)
	assert.NotNil(t, m.Content)
	assert.Empty(t, m.ForgottenBy)
}
