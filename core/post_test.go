package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postContent(address, postType, ref string, tm float64, body string) map[string]any {
	c := map[string]any{"address": address, "type": postType, "time": tm, "content": map[string]any{"v": body}}
	if ref != "" {
		c["ref"] = ref
	}
	return c
}

//-------------------------------------------------------------
// Amendment visibility: highest (time, item_hash) wins
//-------------------------------------------------------------

func TestPostAmendmentVisibility(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)
	ctx := context.Background()

	p0 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", "", 10, "A"), 10)
	queue(t, store, p0, OriginHTTP, nil)
	drainPipeline(t, p)

	p1 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", p0.ItemHash, 20, "B"), 20)
	p2 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", p0.ItemHash, 15, "C"), 15)
	queue(t, store, p1, OriginHTTP, nil)
	queue(t, store, p2, OriginHTTP, nil)
	drainPipeline(t, p)

	view, err := store.PostView(ctx, p0.ItemHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"B"}`, string(view.Content), "max time wins")
	assert.Equal(t, p1.ItemHash, view.ItemHash)
}

//-------------------------------------------------------------
// Amendments by another address are rejected without delegation
//-------------------------------------------------------------

func TestPostAmendmentWrongAddressRejected(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	owner, intruder := newTestKey(t), newTestKey(t)
	ctx := context.Background()

	p0 := signedEnvelope(t, owner, MsgPost, "T", postContent(owner.address, "blog", "", 10, "A"), 10)
	queue(t, store, p0, OriginHTTP, nil)
	drainPipeline(t, p)

	p1 := signedEnvelope(t, intruder, MsgPost, "T", postContent(intruder.address, "blog", p0.ItemHash, 20, "B"), 20)
	queue(t, store, p1, OriginHTTP, nil)
	drainPipeline(t, p)

	view, err := store.PostView(ctx, p0.ItemHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"A"}`, string(view.Content))
	assertRejected(t, store, p1.ItemHash)
}

//-------------------------------------------------------------
// Amendment of an amendment is rejected
//-------------------------------------------------------------

func TestPostAmendmentChainRejected(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	key := newTestKey(t)

	p0 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", "", 10, "A"), 10)
	p1 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", p0.ItemHash, 20, "B"), 20)
	queue(t, store, p0, OriginHTTP, nil)
	queue(t, store, p1, OriginHTTP, nil)
	drainPipeline(t, p)

	p2 := signedEnvelope(t, key, MsgPost, "T", postContent(key.address, "blog", p1.ItemHash, 30, "C"), 30)
	queue(t, store, p2, OriginHTTP, nil)
	drainPipeline(t, p)
	assertRejected(t, store, p2.ItemHash)
}
