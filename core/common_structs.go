package core

// common_structs.go – centralised struct definitions referenced across the
// pipeline. This file declares only data structures (no behaviour) to keep
// the remaining files focused on one concern each.
// -----------------------------------------------------------------------------

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

//---------------------------------------------------------------------
// Chain / message enumerations
//---------------------------------------------------------------------

// ChainID identifies one of the supported source chains.
type ChainID string

const (
	ChainETH   ChainID = "ETH"
	ChainBNB   ChainID = "BNB"
	ChainNULS2 ChainID = "NULS2"
	ChainTezos ChainID = "TEZOS"
	ChainCSDK  ChainID = "CSDK"
	ChainSOL   ChainID = "SOL"
	ChainDOT   ChainID = "DOT"
)

// MsgType enumerates the five message kinds the pipeline processes.
type MsgType string

const (
	MsgAggregate MsgType = "AGGREGATE"
	MsgPost      MsgType = "POST"
	MsgStore     MsgType = "STORE"
	MsgForget    MsgType = "FORGET"
	MsgProgram   MsgType = "PROGRAM"
)

// ItemType says where a message's content lives.
type ItemType string

const (
	ItemInline  ItemType = "inline"
	ItemStorage ItemType = "storage"
	ItemIPFS    ItemType = "ipfs"
)

// Origin records which ingress produced a pending message.
type Origin string

const (
	OriginP2P     Origin = "p2p"
	OriginHTTP    Origin = "http"
	OriginOnchain Origin = "onchain"
)

// TxProtocol is the encoding of an on-chain sync payload.
type TxProtocol string

const (
	ProtocolBatchInline TxProtocol = "batch_inline"
	ProtocolBatchRef    TxProtocol = "batch_ref"
)

//---------------------------------------------------------------------
// Wire envelope & confirmations
//---------------------------------------------------------------------

// Confirmation is the (chain, height, tx_hash) triple proving a message was
// ordered on-chain.
type Confirmation struct {
	Chain  ChainID `json:"chain"`
	Height uint64  `json:"height"`
	TxHash string  `json:"tx_hash"`
}

// MessageEnvelope is the signed wire format users publish. Field set and
// encoding follow the network's JSON envelope; ItemContent is present only
// for inline items.
type MessageEnvelope struct {
	Chain       ChainID  `json:"chain"`
	Sender      string   `json:"sender"`
	Type        MsgType  `json:"type"`
	Channel     string   `json:"channel"`
	Time        float64  `json:"time"`
	ItemType    ItemType `json:"item_type"`
	ItemHash    string   `json:"item_hash"`
	ItemContent string   `json:"item_content,omitempty"`
	Signature   string   `json:"signature"`
}

//---------------------------------------------------------------------
// Queue rows
//---------------------------------------------------------------------

// PendingTx is one on-chain sync transaction awaiting fan-out.
type PendingTx struct {
	Chain       ChainID
	TxHash      string
	Height      uint64
	TxIndex     uint32
	Publisher   string
	Protocol    TxProtocol
	Payload     []byte
	Retries     uint32
	NextAttempt time.Time
}

// PendingMessage is one message envelope awaiting processing.
type PendingMessage struct {
	ID           int64
	Envelope     MessageEnvelope
	Origin       Origin
	Confirmation *Confirmation
	Retries      uint32
	NextAttempt  time.Time
	CheckMessage bool
}

//---------------------------------------------------------------------
// Confirmed message & derived rows
//---------------------------------------------------------------------

// Message is a confirmed, processed message. Content is nulled when the
// message has been forgotten; the row itself remains as a tombstone.
type Message struct {
	ItemHash      string
	Sender        string
	Chain         ChainID
	Type          MsgType
	Channel       string
	Time          float64
	ItemType      ItemType
	Content       json.RawMessage
	Size          uint64
	Confirmations []Confirmation
	ForgottenBy   string
}

// AggregateElement is the materialised per-(address, key) view.
type AggregateElement struct {
	Address          string
	Key              string
	CreationTime     float64
	LastRevisionTime float64
	Content          json.RawMessage
}

// AggregateEntry is one raw AGGREGATE contribution, kept for replay.
type AggregateEntry struct {
	ItemHash string
	Address  string
	Key      string
	Time     float64
	Content  json.RawMessage
}

// Post is one POST message; amendments reference the original through Ref.
type Post struct {
	ItemHash string
	Ref      string
	Address  string
	PostType string
	Time     float64
	Content  json.RawMessage
}

// StoredFile tracks one pinned content object and its reference count.
type StoredFile struct {
	FileHash    string
	Storage     ItemType // local ("storage") or ipfs
	Size        uint64
	PinCount    int64
	PinDeleteAt *time.Time
	LastAccess  time.Time
}

// Balance is the per-address holding fed by the chain indexers.
type Balance struct {
	Address    string
	Chain      ChainID
	Token      string
	Amount     float64
	LastUpdate time.Time
}

// ChainCursor is the resume point of one chain indexer.
type ChainCursor struct {
	Chain      ChainID
	LastHeight uint64
	LastTxHash string
	UpdatedAt  time.Time
}

// Program is a persisted program descriptor, indexed by trigger.
type Program struct {
	ItemHash     string
	Owner        string
	TriggerHTTP  bool
	TriggerCron  string
	TriggerAleph json.RawMessage
	Descriptor   json.RawMessage
	Time         float64
}

//---------------------------------------------------------------------
// Typed message contents
//---------------------------------------------------------------------

// AggregateContent is the payload of an AGGREGATE message.
type AggregateContent struct {
	Address string          `json:"address"`
	Key     string          `json:"key"`
	Time    float64         `json:"time"`
	Content json.RawMessage `json:"content"`
}

// PostContent is the payload of a POST message.
type PostContent struct {
	Address string          `json:"address"`
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Time    float64         `json:"time"`
	Content json.RawMessage `json:"content"`
}

// StoreContent is the payload of a STORE message.
type StoreContent struct {
	Address   string   `json:"address"`
	ItemType  ItemType `json:"item_type"`
	ItemHash  string   `json:"item_hash"`
	Ref       string   `json:"ref,omitempty"`
	Time      float64  `json:"time"`
	Size      uint64   `json:"size,omitempty"`
	Temporary bool     `json:"temporary,omitempty"`
}

// ForgetContent is the payload of a FORGET message.
type ForgetContent struct {
	Address    string   `json:"address"`
	Hashes     []string `json:"hashes"`
	Aggregates []string `json:"aggregates,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Time       float64  `json:"time"`
}

// ProgramContent is the payload of a PROGRAM message. User-defined fields
// beyond the trigger block stay opaque.
type ProgramContent struct {
	Address string          `json:"address"`
	Time    float64         `json:"time"`
	On      ProgramTriggers `json:"on"`
	Code    json.RawMessage `json:"code,omitempty"`
	Runtime json.RawMessage `json:"runtime,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ProgramTriggers mirrors the descriptor's `on` block.
type ProgramTriggers struct {
	HTTP  bool            `json:"http,omitempty"`
	Cron  string          `json:"cron,omitempty"`
	Aleph json.RawMessage `json:"aleph,omitempty"`
}

//---------------------------------------------------------------------
// Security aggregate (delegations)
//---------------------------------------------------------------------

// SecurityAuthorization is one delegation entry under an address's
// "security" aggregate. Unset filters are wildcards.
type SecurityAuthorization struct {
	Address       string   `json:"address"`
	Chain         string   `json:"chain,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	Types         []string `json:"types,omitempty"`
	PostTypes     []string `json:"post_types,omitempty"`
	AggregateKeys []string `json:"aggregate_keys,omitempty"`
}

// SecurityAggregate is the shape of the "security" aggregate content.
type SecurityAggregate struct {
	Authorizations []SecurityAuthorization `json:"authorizations"`
}

//---------------------------------------------------------------------
// Stage outcomes
//---------------------------------------------------------------------

// OutcomeKind classifies a stage result. Exceptions are never used for
// control flow; every stage returns one of these.
type OutcomeKind uint8

const (
	OutcomeDone OutcomeKind = iota
	OutcomeRetry
	OutcomeReject
)

// Outcome is the terminal result of one pipeline stage for one row.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

//---------------------------------------------------------------------
// Store handle
//---------------------------------------------------------------------

// Store wraps the relational database holding queues, confirmed messages and
// all derived tables.
type Store struct {
	db           *sql.DB
	logger       *log.Logger
	claimTimeout time.Duration

	mu sync.Mutex // serialises writes; SQLite is single-writer
}

// dbtx is satisfied by *sql.DB and *sql.Tx so handler effects can run inside
// the promotion transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

//---------------------------------------------------------------------
// CAS structs
//---------------------------------------------------------------------

// LocalStore is the on-disk content-addressed object store.
type LocalStore struct {
	root   string
	logger *log.Logger
}

// IPFSClient is a thin shim over the IPFS daemon HTTP API.
type IPFSClient struct {
	base    string
	client  *http.Client
	logger  *log.Logger
	timeout time.Duration
}

// CAS presents the unified fetch/pin interface over the local object store
// and the IPFS daemon.
type CAS struct {
	local  *LocalStore
	ipfs   *IPFSClient
	logger *log.Logger
}

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

// P2PConfig carries the libp2p host settings.
type P2PConfig struct {
	ListenAddr     string
	Topic          string
	BootstrapPeers []string
	PublishRate    float64
}

// P2PNode owns the libp2p host and the gossip topic the CCN speaks on.
type P2PNode struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cfg    P2PConfig
	logger *log.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // per channel

	ctx    context.Context
	cancel context.CancelFunc
}

//---------------------------------------------------------------------
// Pipeline structs
//---------------------------------------------------------------------

// PipelineConfig shapes the pending-message processor.
type PipelineConfig struct {
	Workers       int
	BatchSize     int
	FetchTimeout  time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RetryCap      time.Duration
	HighWatermark int
	TypeLimits    map[MsgType]int
}

// Processor is the pending-message state machine (claim → fetch → validate →
// dedup → authorize → process → publish → retire).
type Processor struct {
	store     *Store
	cas       *CAS
	dedup     *DedupCache
	publisher Publisher
	handlers  map[MsgType]Handler
	cfg       PipelineConfig
	logger    *log.Logger

	sems map[MsgType]chan struct{}
}

// Publisher hands accepted envelopes to the outbound gossip topic.
type Publisher interface {
	PublishMessage(ctx context.Context, env *MessageEnvelope) error
}

// Handler applies (and reverses) the effect of one message type.
type Handler interface {
	// Apply runs inside the promotion transaction. It returns an Outcome so
	// transient dependencies (an in-flight ref) can ask for a retry.
	Apply(ctx context.Context, tx dbtx, msg *Message) (Outcome, error)
	// Revert undoes the side effects of a previously applied message. Used by
	// the FORGET handler.
	Revert(ctx context.Context, tx dbtx, msg *Message) error
}
