package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInlineEnvelope() MessageEnvelope {
	content := `{"address":"0xA","key":"k","time":1,"content":{}}`
	return MessageEnvelope{
		Chain:       ChainETH,
		Sender:      "0xA",
		Type:        MsgAggregate,
		Channel:     "TEST",
		Time:        1,
		ItemType:    ItemInline,
		ItemHash:    HashBytes([]byte(content)),
		ItemContent: content,
		Signature:   "0xsig",
	}
}

func TestValidateEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MessageEnvelope)
		wantErr error
	}{
		{"Valid", func(e *MessageEnvelope) {}, nil},
		{"UnknownChain", func(e *MessageEnvelope) { e.Chain = "DOGE" }, ErrUnknownChain},
		{"UnknownType", func(e *MessageEnvelope) { e.Type = "SHOUT" }, ErrBadEnvelope},
		{"MissingSender", func(e *MessageEnvelope) { e.Sender = "" }, ErrBadEnvelope},
		{"MissingSignature", func(e *MessageEnvelope) { e.Signature = "" }, ErrBadEnvelope},
		{"ZeroTime", func(e *MessageEnvelope) { e.Time = 0 }, ErrBadEnvelope},
		{"InlineWithoutContent", func(e *MessageEnvelope) { e.ItemContent = "" }, ErrBadEnvelope},
		{"BadHashShape", func(e *MessageEnvelope) { e.ItemHash = "not-a-hash" }, ErrBadEnvelope},
		{"UppercaseHashRejected", func(e *MessageEnvelope) { e.ItemHash = strings.ToUpper(e.ItemHash) }, ErrBadEnvelope},
		{"OversizedInline", func(e *MessageEnvelope) { e.ItemContent = strings.Repeat("x", MaxInlineContentLength+1) }, ErrOversized},
		{"BadItemType", func(e *MessageEnvelope) { e.ItemType = "carrier-pigeon" }, ErrBadEnvelope},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := validInlineEnvelope()
			tc.mutate(&env)
			err := ValidateEnvelope(&env)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestValidateEnvelopeIPFSHash(t *testing.T) {
	env := validInlineEnvelope()
	env.ItemType = ItemIPFS
	env.ItemContent = ""
	env.ItemHash = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	assert.NoError(t, ValidateEnvelope(&env))

	env.ItemHash = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi" // CIDv1
	assert.Error(t, ValidateEnvelope(&env))
}

func TestSigningPayloadCanonical(t *testing.T) {
	env := MessageEnvelope{Chain: ChainETH, Sender: "0xAbC", Type: MsgPost, ItemHash: "deadbeef"}
	want := `{"chain":"ETH","item_hash":"deadbeef","sender":"0xAbC","type":"POST"}`
	assert.Equal(t, want, string(env.SigningPayload()))
}

func TestVerifyItemHash(t *testing.T) {
	content := []byte(`{"hello":"world"}`)
	env := MessageEnvelope{ItemType: ItemInline, ItemHash: HashBytes(content)}
	assert.NoError(t, env.VerifyItemHash(content))
	assert.ErrorIs(t, env.VerifyItemHash([]byte("tampered")), ErrHashMismatch)

	c, err := cidV0Of(content)
	require.NoError(t, err)
	env = MessageEnvelope{ItemType: ItemIPFS, ItemHash: c}
	assert.NoError(t, env.VerifyItemHash(content))
	assert.ErrorIs(t, env.VerifyItemHash([]byte("tampered")), ErrHashMismatch)
}

func TestParseContentRequiredFields(t *testing.T) {
	_, err := ParseContent(MsgAggregate, []byte(`{"address":"0xA","key":"k","content":{}}`))
	assert.NoError(t, err)
	_, err = ParseContent(MsgAggregate, []byte(`{"address":"0xA","content":{}}`))
	assert.Error(t, err, "aggregate without key")

	_, err = ParseContent(MsgStore, []byte(`{"address":"0xA","item_type":"storage","item_hash":"h"}`))
	assert.NoError(t, err)
	_, err = ParseContent(MsgStore, []byte(`{"address":"0xA","item_type":"inline","item_hash":"h"}`))
	assert.Error(t, err, "store cannot be inline")

	_, err = ParseContent(MsgForget, []byte(`{"address":"0xA"}`))
	assert.Error(t, err, "forget without targets")
	_, err = ParseContent(MsgForget, []byte(`{"address":"0xA","aggregates":["profile"]}`))
	assert.NoError(t, err, "aggregate-only forget is fine")

	_, err = ParseContent(MsgPost, []byte(`not json`))
	assert.Error(t, err)
}
