package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grantDelegation publishes owner's security aggregate authorizing delegate.
func grantDelegation(t *testing.T, p *Processor, store *Store, owner testKey, auth SecurityAuthorization) {
	t.Helper()
	content := map[string]any{
		"address": owner.address, "key": securityKey, "time": 1.0,
		"content": map[string]any{"authorizations": []SecurityAuthorization{auth}},
	}
	queue(t, store, signedEnvelope(t, owner, MsgAggregate, "security", content, 1), OriginHTTP, nil)
	drainPipeline(t, p)
}

//-------------------------------------------------------------
// Scenario: no delegation → permanent reject, no mutation
//-------------------------------------------------------------

func TestUnauthorizedDelegationRejected(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	alice, bob := newTestKey(t), newTestKey(t)
	ctx := context.Background()

	// Bob signs an AGGREGATE for Alice's address with no delegation in place.
	env := signedEnvelope(t, bob, MsgAggregate, "T", aggContent(alice.address, "profile", 100, `{"name":"evil"}`), 100)
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)

	_, err := store.GetAggregate(ctx, alice.address, "profile")
	assert.ErrorIs(t, err, ErrNotFound, "no mutation of the victim's aggregates")
	assertRejected(t, store, env.ItemHash)
}

//-------------------------------------------------------------
// With a delegation the same write goes through
//-------------------------------------------------------------

func TestDelegatedWriteAccepted(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	alice, bob := newTestKey(t), newTestKey(t)
	ctx := context.Background()

	grantDelegation(t, p, store, alice, SecurityAuthorization{
		Address:       bob.address,
		Types:         []string{string(MsgAggregate)},
		AggregateKeys: []string{"profile"},
	})

	env := signedEnvelope(t, bob, MsgAggregate, "T", aggContent(alice.address, "profile", 100, `{"name":"ok"}`), 100)
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)

	el, err := store.GetAggregate(ctx, alice.address, "profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ok"}`, string(el.Content))
}

//-------------------------------------------------------------
// Filters narrow the grant; unset filters are wildcards
//-------------------------------------------------------------

func TestDelegationFilters(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	alice, bob := newTestKey(t), newTestKey(t)

	grantDelegation(t, p, store, alice, SecurityAuthorization{
		Address:       bob.address,
		Types:         []string{string(MsgAggregate)},
		AggregateKeys: []string{"profile"},
	})

	// Wrong key: rejected.
	env := signedEnvelope(t, bob, MsgAggregate, "T", aggContent(alice.address, "settings", 100, `{"x":1}`), 100)
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)
	assertRejected(t, store, env.ItemHash)

	// Wrong type: rejected.
	env = signedEnvelope(t, bob, MsgPost, "T", postContent(alice.address, "blog", "", 100, "A"), 100)
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)
	assertRejected(t, store, env.ItemHash)
}

func TestDelegationWildcard(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProcessor(t)
	alice, bob := newTestKey(t), newTestKey(t)

	// No filters at all: everything is delegated.
	grantDelegation(t, p, store, alice, SecurityAuthorization{Address: bob.address})

	env := signedEnvelope(t, bob, MsgPost, "any-channel", postContent(alice.address, "note", "", 5, "hi"), 5)
	queue(t, store, env, OriginHTTP, nil)
	drainPipeline(t, p)

	_, err := store.GetMessage(ctx, env.ItemHash)
	assert.NoError(t, err)
}

//-------------------------------------------------------------
// Delegation applies symmetrically to FORGET
//-------------------------------------------------------------

func TestForgetViaDelegation(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	alice, bob := newTestKey(t), newTestKey(t)
	ctx := context.Background()

	post := signedEnvelope(t, alice, MsgPost, "T", postContent(alice.address, "blog", "", 10, "A"), 10)
	queue(t, store, post, OriginHTTP, nil)
	drainPipeline(t, p)

	grantDelegation(t, p, store, alice, SecurityAuthorization{Address: bob.address})

	forget := signedEnvelope(t, bob, MsgForget, "T", forgetContent(bob.address, 20, post.ItemHash), 20)
	queue(t, store, forget, OriginHTTP, nil)
	drainPipeline(t, p)

	m, err := store.GetMessage(ctx, post.ItemHash)
	require.NoError(t, err)
	assert.Equal(t, forget.ItemHash, m.ForgottenBy)
	assert.Nil(t, m.Content)
}
