package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchPayload(t *testing.T, envelopes ...MessageEnvelope) []byte {
	t.Helper()
	content, err := json.Marshal(envelopes)
	require.NoError(t, err)
	payload, err := json.Marshal(syncPayload{Protocol: "aleph", Version: 1, Content: content})
	require.NoError(t, err)
	return payload
}

func newTestTxProcessor(t *testing.T) (*TxProcessor, *Store, *CAS) {
	t.Helper()
	store := newTestStore(t)
	cas := newTestCAS(t)
	p := NewTxProcessor(store, cas, TxProcessorConfig{MaxRetries: 3}, nil, testLogger())
	return p, store, cas
}

//-------------------------------------------------------------
// Inline batch fans out with the confirmation attached
//-------------------------------------------------------------

func TestTxProcessorInlineFanOut(t *testing.T) {
	p, store, _ := newTestTxProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	e1 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "a", "", 1, "x"), 1)
	e2 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "b", "", 2, "y"), 2)
	ptx := &PendingTx{
		Chain: ChainETH, TxHash: "0xsync", Height: 42, Publisher: key.address,
		Protocol: ProtocolBatchInline, Payload: batchPayload(t, e1, e2),
	}
	require.NoError(t, store.UpsertPendingTx(ctx, ptx))

	claimed, err := store.ClaimPendingTxs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	p.processTx(ctx, claimed[0])

	n, err := store.PendingMessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	txCount, err := store.PendingTxCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, txCount, "consumed tx is deleted with the fan-out")

	rows, err := store.ClaimPendingMessages(ctx, 10)
	require.NoError(t, err)
	for _, pm := range rows {
		require.NotNil(t, pm.Confirmation)
		assert.Equal(t, Confirmation{Chain: ChainETH, Height: 42, TxHash: "0xsync"}, *pm.Confirmation)
		assert.Equal(t, OriginOnchain, pm.Origin)
		assert.True(t, pm.CheckMessage)
	}
}

//-------------------------------------------------------------
// Off-chain batch resolves through the CAS
//-------------------------------------------------------------

func TestTxProcessorOffchainRef(t *testing.T) {
	p, store, cas := newTestTxProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	e1 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "a", "", 1, "x"), 1)
	ref, err := cas.Put(batchPayload(t, e1))
	require.NoError(t, err)

	payload, err := json.Marshal(syncPayload{Protocol: "aleph-offchain", Version: 1,
		Content: json.RawMessage(`"` + ref + `"`)})
	require.NoError(t, err)
	ptx := &PendingTx{
		Chain: ChainETH, TxHash: "0xref", Height: 7, Publisher: key.address,
		Protocol: ProtocolBatchRef, Payload: payload,
	}
	require.NoError(t, store.UpsertPendingTx(ctx, ptx))

	claimed, err := store.ClaimPendingTxs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	p.processTx(ctx, claimed[0])

	n, err := store.PendingMessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

//-------------------------------------------------------------
// Parse failures hard-drop into rejected_tx
//-------------------------------------------------------------

func TestTxProcessorParseFailureHardDrops(t *testing.T) {
	p, store, _ := newTestTxProcessor(t)
	ctx := context.Background()

	ptx := &PendingTx{
		Chain: ChainETH, TxHash: "0xgarbage", Height: 1, Publisher: "0xpub",
		Protocol: ProtocolBatchInline, Payload: []byte("not json at all"),
	}
	require.NoError(t, store.UpsertPendingTx(ctx, ptx))
	claimed, err := store.ClaimPendingTxs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	p.processTx(ctx, claimed[0])

	txCount, err := store.PendingTxCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, txCount)

	var n int64
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM rejected_tx WHERE tx_hash = '0xgarbage'`).Scan(&n))
	assert.Equal(t, int64(1), n)
}

//-------------------------------------------------------------
// Missing ref stays queued with a bumped retry counter
//-------------------------------------------------------------

func TestTxProcessorMissingRefRetries(t *testing.T) {
	p, store, _ := newTestTxProcessor(t)
	ctx := context.Background()

	payload, _ := json.Marshal(syncPayload{Protocol: "aleph-offchain", Version: 1,
		Content: json.RawMessage(`"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"`)})
	ptx := &PendingTx{
		Chain: ChainETH, TxHash: "0xmissing", Height: 1, Publisher: "0xpub",
		Protocol: ProtocolBatchRef, Payload: payload,
	}
	require.NoError(t, store.UpsertPendingTx(ctx, ptx))
	claimed, err := store.ClaimPendingTxs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	p.processTx(ctx, claimed[0])

	var retries int
	require.NoError(t, store.db.QueryRow(
		`SELECT retries FROM pending_tx WHERE tx_hash = '0xmissing'`).Scan(&retries))
	assert.Equal(t, 1, retries)
}
