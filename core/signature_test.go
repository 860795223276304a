package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

//-------------------------------------------------------------
// Ethereum family
//-------------------------------------------------------------

func TestVerifyEthereumRoundTrip(t *testing.T) {
	key := newTestKey(t)
	env := MessageEnvelope{Chain: ChainETH, Sender: key.address, Type: MsgPost, ItemHash: "deadbeef"}
	sig, err := SignEthereum(key.privHex, env.SigningPayload())
	require.NoError(t, err)
	env.Signature = sig
	assert.NoError(t, VerifyEnvelopeSignature(&env))

	// Lowercased sender still verifies (addresses compare fold-insensitive).
	env.Sender = strings.ToLower(env.Sender)
	assert.NoError(t, VerifyEnvelopeSignature(&env))
}

func TestVerifyEthereumWrongSender(t *testing.T) {
	key, other := newTestKey(t), newTestKey(t)
	env := MessageEnvelope{Chain: ChainETH, Sender: key.address, Type: MsgPost, ItemHash: "deadbeef"}
	sig, err := SignEthereum(key.privHex, env.SigningPayload())
	require.NoError(t, err)
	env.Signature = sig
	env.Sender = other.address
	assert.ErrorIs(t, VerifyEnvelopeSignature(&env), ErrBadSignature)
}

func TestVerifyEthereumTamperedPayload(t *testing.T) {
	key := newTestKey(t)
	env := MessageEnvelope{Chain: ChainBNB, Sender: key.address, Type: MsgPost, ItemHash: "deadbeef"}
	sig, err := SignEthereum(key.privHex, env.SigningPayload())
	require.NoError(t, err)
	env.Signature = sig
	env.ItemHash = "cafebabe"
	assert.ErrorIs(t, VerifyEnvelopeSignature(&env), ErrBadSignature)
}

//-------------------------------------------------------------
// NULS2: embedded public key plus address derivation
//-------------------------------------------------------------

func TestVerifyNuls2RoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	pubkey := crypto.CompressPubkey(&priv.PublicKey)

	env := MessageEnvelope{Chain: ChainNULS2, Sender: nulsAddress(pubkey), Type: MsgStore, ItemHash: "deadbeef"}
	digest := sha256.Sum256(env.SigningPayload())
	full, err := crypto.Sign(digest[:], priv)
	require.NoError(t, err)
	env.Signature = hex.EncodeToString(append(pubkey, full[:64]...))
	assert.NoError(t, VerifyEnvelopeSignature(&env))

	env.Sender = "NULSsomethingelse"
	assert.ErrorIs(t, VerifyEnvelopeSignature(&env), ErrBadSignature)
}

//-------------------------------------------------------------
// Solana: ed25519 with base58 key material
//-------------------------------------------------------------

func TestVerifySolanaRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := MessageEnvelope{Chain: ChainSOL, Sender: base58.Encode(pub), Type: MsgPost, ItemHash: "deadbeef"}
	env.Signature = base58.Encode(ed25519.Sign(priv, env.SigningPayload()))
	assert.NoError(t, VerifyEnvelopeSignature(&env))

	env.ItemHash = "cafebabe"
	assert.ErrorIs(t, VerifyEnvelopeSignature(&env), ErrBadSignature)
}

//-------------------------------------------------------------
// Tezos: base58check-wrapped ed25519
//-------------------------------------------------------------

func TestVerifyTezosRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keyHash, err := blake2b160(pub)
	require.NoError(t, err)
	sender := base58CheckEncode(keyHash, tzTz1Prefix)

	env := MessageEnvelope{Chain: ChainTezos, Sender: sender, Type: MsgAggregate, ItemHash: "deadbeef"}
	digest := blake2b.Sum256(env.SigningPayload())
	sig := ed25519.Sign(priv, digest[:])
	env.Signature = `{"publicKey":"` + base58CheckEncode(pub, tzEdpkPrefix) +
		`","signature":"` + base58CheckEncode(sig, tzEdsigPrefix) + `"}`
	assert.NoError(t, VerifyEnvelopeSignature(&env))

	// A different key's address must not verify.
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherHash, err := blake2b160(otherPub)
	require.NoError(t, err)
	env.Sender = base58CheckEncode(otherHash, tzTz1Prefix)
	assert.ErrorIs(t, VerifyEnvelopeSignature(&env), ErrBadSignature)
}

//-------------------------------------------------------------
// base58check and bech32 primitives
//-------------------------------------------------------------

func TestBase58CheckRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	encoded := base58CheckEncode(payload, tzTz1Prefix)
	decoded, err := base58CheckDecode(encoded, tzTz1Prefix)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = base58CheckDecode(encoded, tzEdpkPrefix)
	assert.Error(t, err, "wrong prefix must fail")
}

func TestBech32EncodeShape(t *testing.T) {
	got, err := bech32Encode("cosmos", make([]byte, 20))
	require.NoError(t, err)
	assert.True(t, len(got) == len("cosmos")+1+32+6, "hrp + separator + 32 data chars + 6 checksum chars")
	assert.Equal(t, "cosmos1", got[:7])
	for _, r := range got[7:] {
		assert.Contains(t, bech32Charset, string(r))
	}

	other, err := bech32Encode("cosmos", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20})
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}
