package core

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ccn.db")
	s, err := OpenStore(path, testLogger(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCAS(t *testing.T) *CAS {
	t.Helper()
	local, err := NewLocalStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return NewCAS(local, nil, testLogger())
}

func newTestHandlers(cas *CAS) map[MsgType]Handler {
	storeHandler := NewStoreHandler(cas, time.Hour, 24*time.Hour)
	forgetHandler := NewForgetHandler()
	handlers := map[MsgType]Handler{
		MsgAggregate: NewAggregateHandler(nil),
		MsgPost:      &PostHandler{},
		MsgStore:     storeHandler,
		MsgForget:    forgetHandler,
		MsgProgram:   &ProgramHandler{},
	}
	forgetHandler.SetRegistry(handlers)
	return handlers
}

func newTestProcessor(t *testing.T) (*Processor, *Store, *CAS) {
	t.Helper()
	store := newTestStore(t)
	cas := newTestCAS(t)
	p := NewProcessor(store, cas, nil, nil, newTestHandlers(cas), PipelineConfig{
		Workers:   2,
		BatchSize: 16,
		RetryBase: time.Minute, // rescheduled rows stay parked during a drain
	}, testLogger())
	return p, store, cas
}

// drainPipeline claims and processes until nothing is due.
func drainPipeline(t *testing.T, p *Processor) {
	t.Helper()
	ctx := context.Background()
	for {
		batch, err := p.store.ClaimPendingMessages(ctx, 16)
		require.NoError(t, err)
		if len(batch) == 0 {
			return
		}
		for _, pm := range batch {
			p.processOne(ctx, pm)
		}
	}
}

type testKey struct {
	priv    *ecdsa.PrivateKey
	privHex string
	address string
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return testKey{
		priv:    priv,
		privHex: hex.EncodeToString(crypto.FromECDSA(priv)),
		address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
}

// signedEnvelope builds an inline ETH envelope carrying content, signed by
// key, exactly as a wallet submission would arrive.
func signedEnvelope(t *testing.T, key testKey, typ MsgType, channel string, content any, tm float64) MessageEnvelope {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	env := MessageEnvelope{
		Chain:       ChainETH,
		Sender:      key.address,
		Type:        typ,
		Channel:     channel,
		Time:        tm,
		ItemType:    ItemInline,
		ItemHash:    HashBytes(raw),
		ItemContent: string(raw),
	}
	sig, err := SignEthereum(key.privHex, env.SigningPayload())
	require.NoError(t, err)
	env.Signature = sig
	return env
}

// queue inserts an envelope as a pending row from the given origin.
func queue(t *testing.T, store *Store, env MessageEnvelope, origin Origin, conf *Confirmation) {
	t.Helper()
	err := store.InsertPendingMessage(context.Background(), &PendingMessage{
		Envelope:     env,
		Origin:       origin,
		Confirmation: conf,
		CheckMessage: true,
	})
	require.NoError(t, err)
}
