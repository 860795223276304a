package core

// store.go – the relational store: durable work queues, confirmed messages
// and every derived table. SQLite through database/sql; queue claims use an
// atomic claim-window UPDATE, the single-writer equivalent of row locks with
// skip-locked semantics. Rows abandoned by a crashed worker re-enter the
// queue once their claim window lapses.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"aleph-network/pkg/utils"
)

const schemaVersion = 1

var migrations = []string{`
CREATE TABLE pending_tx (
	chain        TEXT NOT NULL,
	tx_hash      TEXT NOT NULL,
	height       INTEGER NOT NULL,
	tx_index     INTEGER NOT NULL DEFAULT 0,
	publisher    TEXT NOT NULL,
	protocol     TEXT NOT NULL,
	payload      BLOB,
	retries      INTEGER NOT NULL DEFAULT 0,
	next_attempt REAL NOT NULL DEFAULT 0,
	claimed_until REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (chain, tx_hash)
);
CREATE INDEX idx_pending_tx_due ON pending_tx (next_attempt, claimed_until);

CREATE TABLE pending_message (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	item_hash     TEXT NOT NULL,
	sender        TEXT NOT NULL,
	chain         TEXT NOT NULL,
	signature     TEXT NOT NULL,
	type          TEXT NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	time          REAL NOT NULL,
	item_type     TEXT NOT NULL,
	item_content  TEXT,
	origin        TEXT NOT NULL,
	conf_chain    TEXT,
	conf_height   INTEGER,
	conf_tx_hash  TEXT,
	retries       INTEGER NOT NULL DEFAULT 0,
	next_attempt  REAL NOT NULL DEFAULT 0,
	check_message INTEGER NOT NULL DEFAULT 1,
	claimed_until REAL NOT NULL DEFAULT 0
);
CREATE INDEX idx_pending_message_due ON pending_message (next_attempt, claimed_until);
CREATE INDEX idx_pending_message_hash ON pending_message (item_hash);

CREATE TABLE message (
	item_hash     TEXT PRIMARY KEY,
	sender        TEXT NOT NULL,
	chain         TEXT NOT NULL,
	type          TEXT NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	time          REAL NOT NULL,
	item_type     TEXT NOT NULL,
	content       TEXT,
	size          INTEGER NOT NULL DEFAULT 0,
	confirmations TEXT NOT NULL DEFAULT '[]',
	forgotten_by  TEXT
);
CREATE INDEX idx_message_sender ON message (sender);

CREATE TABLE aggregate_entry (
	item_hash TEXT PRIMARY KEY,
	address   TEXT NOT NULL,
	key       TEXT NOT NULL,
	time      REAL NOT NULL,
	content   TEXT NOT NULL
);
CREATE INDEX idx_aggregate_entry_owner ON aggregate_entry (address, key);

CREATE TABLE aggregate_element (
	address            TEXT NOT NULL,
	key                TEXT NOT NULL,
	creation_time      REAL NOT NULL,
	last_revision_time REAL NOT NULL,
	content            TEXT NOT NULL,
	PRIMARY KEY (address, key)
);

CREATE TABLE post (
	item_hash TEXT PRIMARY KEY,
	ref       TEXT,
	address   TEXT NOT NULL,
	post_type TEXT NOT NULL DEFAULT '',
	time      REAL NOT NULL,
	content   TEXT NOT NULL
);
CREATE INDEX idx_post_ref ON post (ref);

CREATE TABLE stored_file (
	file_hash     TEXT PRIMARY KEY,
	storage       TEXT NOT NULL,
	size          INTEGER NOT NULL DEFAULT 0,
	pin_count     INTEGER NOT NULL DEFAULT 0,
	pin_delete_at REAL,
	last_access   REAL NOT NULL DEFAULT 0
);
CREATE INDEX idx_stored_file_due ON stored_file (pin_delete_at);

CREATE TABLE store_ref (
	message_hash TEXT PRIMARY KEY,
	file_hash    TEXT NOT NULL,
	sender       TEXT NOT NULL,
	temporary    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_store_ref_file ON store_ref (file_hash);
CREATE INDEX idx_store_ref_sender ON store_ref (sender);

CREATE TABLE balance (
	address     TEXT NOT NULL,
	chain       TEXT NOT NULL,
	token       TEXT NOT NULL DEFAULT 'ALEPH',
	amount      REAL NOT NULL DEFAULT 0,
	last_update REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (address, chain, token)
);

CREATE TABLE chain_cursor (
	chain        TEXT PRIMARY KEY,
	last_height  INTEGER NOT NULL DEFAULT 0,
	last_tx_hash TEXT NOT NULL DEFAULT '',
	updated_at   REAL NOT NULL DEFAULT 0
);

CREATE TABLE rejected_tx (
	id          TEXT PRIMARY KEY,
	chain       TEXT NOT NULL,
	tx_hash     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	rejected_at REAL NOT NULL
);

CREATE TABLE rejected_message (
	id          TEXT PRIMARY KEY,
	item_hash   TEXT NOT NULL,
	sender      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	rejected_at REAL NOT NULL
);

CREATE TABLE program (
	item_hash     TEXT PRIMARY KEY,
	owner         TEXT NOT NULL,
	trigger_http  INTEGER NOT NULL DEFAULT 0,
	trigger_cron  TEXT NOT NULL DEFAULT '',
	trigger_aleph TEXT,
	descriptor    TEXT NOT NULL,
	time          REAL NOT NULL
);
`}

// OpenStore opens (creating if needed) the relational store at path and
// applies pending migrations.
func OpenStore(path string, lg *log.Logger, claimTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, utils.Wrap(err, "open store")
	}
	db.SetMaxOpenConns(1)
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Minute
	}
	s := &Store{db: db, logger: lg, claimTimeout: claimTimeout}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	lg.Infof("store: opened %s (schema v%d)", path, schemaVersion)
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return utils.Wrap(err, "read schema version")
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return utils.Wrap(err, fmt.Sprintf("migration %d", v+1))
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Infof("store: applied migration %d", v+1)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn inside a transaction. Conflicts (busy/locked) are retried
// immediately up to three times before surfacing as transient errors.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= 3; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isConflict(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

//---------------------------------------------------------------------
// pending_tx
//---------------------------------------------------------------------

// UpsertPendingTx inserts a chain transaction if it is not already queued.
// Idempotent on (chain, tx_hash) so reorg re-scans cannot duplicate work.
func (s *Store) UpsertPendingTx(ctx context.Context, ptx *PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_tx (chain, tx_hash, height, tx_index, publisher, protocol, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, tx_hash) DO NOTHING`,
		ptx.Chain, ptx.TxHash, ptx.Height, ptx.TxIndex, ptx.Publisher, ptx.Protocol, ptx.Payload)
	return utils.Wrap(err, "upsert pending tx")
}

// ClaimPendingTxs atomically claims up to limit due transactions, ordered by
// (height, tx_index) within their chain.
func (s *Store) ClaimPendingTxs(ctx context.Context, limit int) ([]*PendingTx, error) {
	now := nowUnix()
	until := now + s.claimTimeout.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pending_tx SET claimed_until = ?
		WHERE (chain, tx_hash) IN (
			SELECT chain, tx_hash FROM pending_tx
			WHERE next_attempt <= ? AND claimed_until <= ?
			ORDER BY height, tx_index LIMIT ?)
		RETURNING chain, tx_hash, height, tx_index, publisher, protocol, payload, retries`,
		until, now, now, limit)
	if err != nil {
		return nil, utils.Wrap(err, "claim pending txs")
	}
	defer rows.Close()
	var out []*PendingTx
	for rows.Next() {
		var ptx PendingTx
		if err := rows.Scan(&ptx.Chain, &ptx.TxHash, &ptx.Height, &ptx.TxIndex,
			&ptx.Publisher, &ptx.Protocol, &ptx.Payload, &ptx.Retries); err != nil {
			return nil, err
		}
		out = append(out, &ptx)
	}
	return out, rows.Err()
}

// ReschedulePendingTx releases a claimed tx back to the queue with a bumped
// retry counter and the given next attempt time.
func (s *Store) ReschedulePendingTx(ctx context.Context, ptx *PendingTx, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_tx SET retries = retries + 1, next_attempt = ?, claimed_until = 0
		WHERE chain = ? AND tx_hash = ?`,
		float64(next.UnixNano())/1e9, ptx.Chain, ptx.TxHash)
	return utils.Wrap(err, "reschedule pending tx")
}

func deletePendingTx(ctx context.Context, tx dbtx, chain ChainID, txHash string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_tx WHERE chain = ? AND tx_hash = ?`, chain, txHash)
	return err
}

// RejectPendingTx hard-drops a transaction into rejected_tx with a reason.
func (s *Store) RejectPendingTx(ctx context.Context, ptx *PendingTx, reason string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rejected_tx (id, chain, tx_hash, reason, rejected_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), ptx.Chain, ptx.TxHash, reason, nowUnix()); err != nil {
			return err
		}
		return deletePendingTx(ctx, tx, ptx.Chain, ptx.TxHash)
	})
}

// PendingTxCount returns the live queue depth.
func (s *Store) PendingTxCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_tx`).Scan(&n)
	return n, err
}

//---------------------------------------------------------------------
// pending_message
//---------------------------------------------------------------------

const pendingMessageCols = `id, item_hash, sender, chain, signature, type, channel, time,
	item_type, item_content, origin, conf_chain, conf_height, conf_tx_hash, retries, check_message`

// InsertPendingMessage appends one envelope to the work queue.
func (s *Store) InsertPendingMessage(ctx context.Context, pm *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPendingMessage(ctx, s.db, pm)
}

func insertPendingMessage(ctx context.Context, tx dbtx, pm *PendingMessage) error {
	var confChain, confTxHash any
	var confHeight any
	if pm.Confirmation != nil {
		confChain, confHeight, confTxHash = pm.Confirmation.Chain, pm.Confirmation.Height, pm.Confirmation.TxHash
	}
	var content any
	if pm.Envelope.ItemContent != "" {
		content = pm.Envelope.ItemContent
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_message (item_hash, sender, chain, signature, type, channel, time,
			item_type, item_content, origin, conf_chain, conf_height, conf_tx_hash, check_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pm.Envelope.ItemHash, pm.Envelope.Sender, pm.Envelope.Chain, pm.Envelope.Signature,
		pm.Envelope.Type, pm.Envelope.Channel, pm.Envelope.Time, pm.Envelope.ItemType,
		content, pm.Origin, confChain, confHeight, confTxHash, pm.CheckMessage)
	return utils.Wrap(err, "insert pending message")
}

// ClaimPendingMessages atomically claims up to limit due messages.
func (s *Store) ClaimPendingMessages(ctx context.Context, limit int) ([]*PendingMessage, error) {
	now := nowUnix()
	until := now + s.claimTimeout.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pending_message SET claimed_until = ?
		WHERE id IN (
			SELECT id FROM pending_message
			WHERE next_attempt <= ? AND claimed_until <= ?
			ORDER BY id LIMIT ?)
		RETURNING `+pendingMessageCols,
		until, now, now, limit)
	if err != nil {
		return nil, utils.Wrap(err, "claim pending messages")
	}
	defer rows.Close()
	var out []*PendingMessage
	for rows.Next() {
		pm, err := scanPendingMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPendingMessage(r rowScanner) (*PendingMessage, error) {
	var pm PendingMessage
	var content sql.NullString
	var confChain, confTxHash sql.NullString
	var confHeight sql.NullInt64
	if err := r.Scan(&pm.ID, &pm.Envelope.ItemHash, &pm.Envelope.Sender, &pm.Envelope.Chain,
		&pm.Envelope.Signature, &pm.Envelope.Type, &pm.Envelope.Channel, &pm.Envelope.Time,
		&pm.Envelope.ItemType, &content, &pm.Origin, &confChain, &confHeight, &confTxHash,
		&pm.Retries, &pm.CheckMessage); err != nil {
		return nil, err
	}
	pm.Envelope.ItemContent = content.String
	if confChain.Valid {
		pm.Confirmation = &Confirmation{
			Chain:  ChainID(confChain.String),
			Height: uint64(confHeight.Int64),
			TxHash: confTxHash.String,
		}
	}
	return &pm, nil
}

// ReschedulePendingMessage releases a claimed message with a bumped retry
// counter and next attempt time.
func (s *Store) ReschedulePendingMessage(ctx context.Context, pm *PendingMessage, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_message SET retries = retries + 1, next_attempt = ?, claimed_until = 0
		WHERE id = ?`, float64(next.UnixNano())/1e9, pm.ID)
	return utils.Wrap(err, "reschedule pending message")
}

func deletePendingMessage(ctx context.Context, tx dbtx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_message WHERE id = ?`, id)
	return err
}

// DeletePendingMessage retires a processed row.
func (s *Store) DeletePendingMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePendingMessage(ctx, s.db, id)
}

// RejectPendingMessage demotes a message into rejected_message with a reason.
func (s *Store) RejectPendingMessage(ctx context.Context, pm *PendingMessage, reason string) error {
	payload, _ := json.Marshal(pm.Envelope)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rejected_message (id, item_hash, sender, reason, payload, rejected_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), pm.Envelope.ItemHash, pm.Envelope.Sender, reason, string(payload), nowUnix()); err != nil {
			return err
		}
		return deletePendingMessage(ctx, tx, pm.ID)
	})
}

// PendingMessageCount returns the live queue depth.
func (s *Store) PendingMessageCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_message`).Scan(&n)
	return n, err
}

// HasInFlight reports whether an item hash is already queued or confirmed.
// Used by the P2P inbound path to suppress duplicates cheaply.
func (s *Store) HasInFlight(ctx context.Context, itemHash string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM pending_message WHERE item_hash = ?) +
		       (SELECT COUNT(*) FROM message WHERE item_hash = ?)`, itemHash, itemHash).Scan(&n)
	return n > 0, err
}

//---------------------------------------------------------------------
// message
//---------------------------------------------------------------------

const messageCols = `item_hash, sender, chain, type, channel, time, item_type, content, size, confirmations, forgotten_by`

// GetMessage loads a confirmed message, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, hash string) (*Message, error) {
	return getMessage(ctx, s.db, hash)
}

func getMessage(ctx context.Context, tx dbtx, hash string) (*Message, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+messageCols+` FROM message WHERE item_hash = ?`, hash)
	var m Message
	var content, forgottenBy sql.NullString
	var confs string
	if err := row.Scan(&m.ItemHash, &m.Sender, &m.Chain, &m.Type, &m.Channel, &m.Time,
		&m.ItemType, &content, &m.Size, &confs, &forgottenBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if content.Valid {
		m.Content = json.RawMessage(content.String)
	}
	m.ForgottenBy = forgottenBy.String
	if err := json.Unmarshal([]byte(confs), &m.Confirmations); err != nil {
		return nil, utils.Wrap(err, "decode confirmations")
	}
	return &m, nil
}

func insertMessage(ctx context.Context, tx dbtx, m *Message) error {
	confs, err := json.Marshal(m.Confirmations)
	if err != nil {
		return err
	}
	if m.Confirmations == nil {
		confs = []byte("[]")
	}
	var content any
	if m.Content != nil {
		content = string(m.Content)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO message (item_hash, sender, chain, type, channel, time, item_type, content, size, confirmations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ItemHash, m.Sender, m.Chain, m.Type, m.Channel, m.Time, m.ItemType, content, m.Size, string(confs))
	return utils.Wrap(err, "insert message")
}

// MergeConfirmation adds conf to the message's confirmation set if absent.
// Returns true when the set changed. Nil conf is a no-op success.
func (s *Store) MergeConfirmation(ctx context.Context, hash string, conf *Confirmation) (bool, error) {
	changed := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = mergeConfirmation(ctx, tx, hash, conf)
		return err
	})
	return changed, err
}

// mergeConfirmation is the transaction-scoped set merge. Idempotent: an
// already-present confirmation leaves the row untouched.
func mergeConfirmation(ctx context.Context, tx dbtx, hash string, conf *Confirmation) (bool, error) {
	if conf == nil {
		return false, nil
	}
	m, err := getMessage(ctx, tx, hash)
	if err != nil {
		return false, err
	}
	for _, c := range m.Confirmations {
		if c == *conf {
			return false, nil
		}
	}
	m.Confirmations = append(m.Confirmations, *conf)
	confs, err := json.Marshal(m.Confirmations)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE message SET confirmations = ? WHERE item_hash = ?`,
		string(confs), hash); err != nil {
		return false, err
	}
	return true, nil
}

// forgetMessage nulls the content and stamps the tombstone.
func forgetMessage(ctx context.Context, tx dbtx, hash, by string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE message SET content = NULL, forgotten_by = ? WHERE item_hash = ?`, by, hash)
	return err
}

// MessageCount returns the number of confirmed messages.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message`).Scan(&n)
	return n, err
}

//---------------------------------------------------------------------
// aggregates
//---------------------------------------------------------------------

func insertAggregateEntry(ctx context.Context, tx dbtx, e *AggregateEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_entry (item_hash, address, key, time, content) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (item_hash) DO NOTHING`,
		e.ItemHash, e.Address, e.Key, e.Time, string(e.Content))
	return err
}

func deleteAggregateEntry(ctx context.Context, tx dbtx, itemHash string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM aggregate_entry WHERE item_hash = ?`, itemHash)
	return err
}

// listAggregateEntries returns the raw fold input in (time, item_hash) order.
func listAggregateEntries(ctx context.Context, tx dbtx, address, key string) ([]AggregateEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT item_hash, address, key, time, content FROM aggregate_entry
		WHERE address = ? AND key = ? ORDER BY time, item_hash`, address, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AggregateEntry
	for rows.Next() {
		var e AggregateEntry
		var content string
		if err := rows.Scan(&e.ItemHash, &e.Address, &e.Key, &e.Time, &content); err != nil {
			return nil, err
		}
		e.Content = json.RawMessage(content)
		out = append(out, e)
	}
	return out, rows.Err()
}

func upsertAggregateView(ctx context.Context, tx dbtx, el *AggregateElement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_element (address, key, creation_time, last_revision_time, content)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (address, key) DO UPDATE SET
			creation_time = excluded.creation_time,
			last_revision_time = excluded.last_revision_time,
			content = excluded.content`,
		el.Address, el.Key, el.CreationTime, el.LastRevisionTime, string(el.Content))
	return err
}

func deleteAggregateView(ctx context.Context, tx dbtx, address, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM aggregate_element WHERE address = ? AND key = ?`, address, key)
	return err
}

// GetAggregate loads the materialised view for (address, key).
func (s *Store) GetAggregate(ctx context.Context, address, key string) (*AggregateElement, error) {
	return getAggregate(ctx, s.db, address, key)
}

func getAggregate(ctx context.Context, tx dbtx, address, key string) (*AggregateElement, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT address, key, creation_time, last_revision_time, content
		FROM aggregate_element WHERE address = ? AND key = ?`, address, key)
	var el AggregateElement
	var content string
	if err := row.Scan(&el.Address, &el.Key, &el.CreationTime, &el.LastRevisionTime, &content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	el.Content = json.RawMessage(content)
	return &el, nil
}

//---------------------------------------------------------------------
// posts
//---------------------------------------------------------------------

func insertPost(ctx context.Context, tx dbtx, p *Post) error {
	var ref any
	if p.Ref != "" {
		ref = p.Ref
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO post (item_hash, ref, address, post_type, time, content) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_hash) DO NOTHING`,
		p.ItemHash, ref, p.Address, p.PostType, p.Time, string(p.Content))
	return err
}

func deletePost(ctx context.Context, tx dbtx, itemHash string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM post WHERE item_hash = ?`, itemHash)
	return err
}

func getPost(ctx context.Context, tx dbtx, itemHash string) (*Post, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT item_hash, COALESCE(ref, ''), address, post_type, time, content FROM post WHERE item_hash = ?`, itemHash)
	var p Post
	var content string
	if err := row.Scan(&p.ItemHash, &p.Ref, &p.Address, &p.PostType, &p.Time, &content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Content = json.RawMessage(content)
	return &p, nil
}

// GetPost loads one post row.
func (s *Store) GetPost(ctx context.Context, itemHash string) (*Post, error) {
	return getPost(ctx, s.db, itemHash)
}

// PostView resolves the visible content of an original post: the highest
// (time, item_hash) among the original and its amendments.
func (s *Store) PostView(ctx context.Context, itemHash string) (*Post, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_hash, COALESCE(ref, ''), address, post_type, time, content FROM post
		WHERE item_hash = ? OR ref = ?
		ORDER BY time DESC, item_hash DESC LIMIT 1`, itemHash, itemHash)
	var p Post
	var content string
	if err := row.Scan(&p.ItemHash, &p.Ref, &p.Address, &p.PostType, &p.Time, &content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Content = json.RawMessage(content)
	return &p, nil
}

//---------------------------------------------------------------------
// stored files
//---------------------------------------------------------------------

func getStoredFile(ctx context.Context, tx dbtx, fileHash string) (*StoredFile, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT file_hash, storage, size, pin_count, pin_delete_at, last_access
		FROM stored_file WHERE file_hash = ?`, fileHash)
	var f StoredFile
	var deleteAt sql.NullFloat64
	var lastAccess float64
	if err := row.Scan(&f.FileHash, &f.Storage, &f.Size, &f.PinCount, &deleteAt, &lastAccess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if deleteAt.Valid {
		t := unixToTime(deleteAt.Float64)
		f.PinDeleteAt = &t
	}
	f.LastAccess = unixToTime(lastAccess)
	return &f, nil
}

// GetStoredFile loads one stored-file row.
func (s *Store) GetStoredFile(ctx context.Context, fileHash string) (*StoredFile, error) {
	return getStoredFile(ctx, s.db, fileHash)
}

// addPin links a STORE message to its file and increments the pin count,
// cancelling any scheduled deletion on the 0 → 1 transition.
func addPin(ctx context.Context, tx dbtx, msgHash, fileHash, sender string, temporary bool, storage ItemType, size uint64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stored_file (file_hash, storage, size, pin_count, last_access) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (file_hash) DO NOTHING`, fileHash, storage, size, nowUnix()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO store_ref (message_hash, file_hash, sender, temporary) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_hash) DO NOTHING`, msgHash, fileHash, sender, temporary); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE stored_file SET pin_count = pin_count + 1, pin_delete_at = NULL, last_access = ?
		WHERE file_hash = ?`, nowUnix(), fileHash)
	return err
}

// removePin unlinks a STORE message from its file. On the 1 → 0 transition
// the deletion is scheduled after the grace period matching the upload kind.
// Returns the file hash, or "" when the link was already gone.
func removePin(ctx context.Context, tx dbtx, msgHash string, graceTemp, graceNormal time.Duration) (string, error) {
	var fileHash string
	var temporary bool
	err := tx.QueryRowContext(ctx,
		`SELECT file_hash, temporary FROM store_ref WHERE message_hash = ?`, msgHash).Scan(&fileHash, &temporary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	grace := graceNormal
	if temporary {
		grace = graceTemp
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM store_ref WHERE message_hash = ?`, msgHash); err != nil {
		return "", err
	}
	deleteAt := nowUnix() + grace.Seconds()
	if _, err := tx.ExecContext(ctx, `
		UPDATE stored_file SET
			pin_count = MAX(pin_count - 1, 0),
			pin_delete_at = CASE WHEN pin_count - 1 <= 0 THEN ? ELSE pin_delete_at END
		WHERE file_hash = ?`, deleteAt, fileHash); err != nil {
		return "", err
	}
	return fileHash, nil
}

// FilesDue lists files whose scheduled deletion time has passed and whose
// pin count is zero.
func (s *Store) FilesDue(ctx context.Context, now time.Time) ([]*StoredFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_hash, storage, size, pin_count, pin_delete_at, last_access FROM stored_file
		WHERE pin_count = 0 AND pin_delete_at IS NOT NULL AND pin_delete_at <= ?`,
		float64(now.UnixNano())/1e9)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StoredFile
	for rows.Next() {
		var f StoredFile
		var deleteAt sql.NullFloat64
		var lastAccess float64
		if err := rows.Scan(&f.FileHash, &f.Storage, &f.Size, &f.PinCount, &deleteAt, &lastAccess); err != nil {
			return nil, err
		}
		if deleteAt.Valid {
			t := unixToTime(deleteAt.Float64)
			f.PinDeleteAt = &t
		}
		f.LastAccess = unixToTime(lastAccess)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// DeleteStoredFile removes the row once the object is gone from the backends.
func (s *Store) DeleteStoredFile(ctx context.Context, fileHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM stored_file WHERE file_hash = ? AND pin_count = 0`, fileHash)
	return err
}

// TouchStoredFile records an access for LRU bookkeeping.
func (s *Store) TouchStoredFile(ctx context.Context, fileHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE stored_file SET last_access = ? WHERE file_hash = ?`, nowUnix(), fileHash)
	return err
}

// SetPinDeleteAt schedules (or clears, with nil) a file's deletion time.
// The balance reconciler uses this to mark overages.
func (s *Store) SetPinDeleteAt(ctx context.Context, fileHash string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v any
	if at != nil {
		v = float64(at.UnixNano()) / 1e9
	}
	_, err := s.db.ExecContext(ctx, `UPDATE stored_file SET pin_delete_at = ? WHERE file_hash = ?`, v, fileHash)
	return err
}

// FileUsage sums the stored bytes attributed to one sender, largest first is
// not needed here; the reconciler asks separately for the LRU order.
func (s *Store) FileUsage(ctx context.Context, address string) (uint64, error) {
	var n sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(f.size) FROM store_ref r JOIN stored_file f ON f.file_hash = r.file_hash
		WHERE r.sender = ?`, address).Scan(&n)
	return uint64(n.Float64), err
}

// FilesByLRU returns a sender's files ordered by least recent access.
func (s *Store) FilesByLRU(ctx context.Context, address string) ([]*StoredFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT f.file_hash, f.storage, f.size, f.pin_count, f.pin_delete_at, f.last_access
		FROM store_ref r JOIN stored_file f ON f.file_hash = r.file_hash
		WHERE r.sender = ? ORDER BY f.last_access`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StoredFile
	for rows.Next() {
		var f StoredFile
		var deleteAt sql.NullFloat64
		var lastAccess float64
		if err := rows.Scan(&f.FileHash, &f.Storage, &f.Size, &f.PinCount, &deleteAt, &lastAccess); err != nil {
			return nil, err
		}
		if deleteAt.Valid {
			t := unixToTime(deleteAt.Float64)
			f.PinDeleteAt = &t
		}
		f.LastAccess = unixToTime(lastAccess)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// StoreSenders lists every address with at least one stored file.
func (s *Store) StoreSenders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sender FROM store_ref`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

//---------------------------------------------------------------------
// balances
//---------------------------------------------------------------------

// UpsertBalance records the latest observed holding for (address, chain, token).
func (s *Store) UpsertBalance(ctx context.Context, b *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance (address, chain, token, amount, last_update) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (address, chain, token) DO UPDATE SET amount = excluded.amount, last_update = excluded.last_update`,
		b.Address, b.Chain, b.Token, b.Amount, nowUnix())
	return err
}

// AdjustBalance applies a signed movement of the network token observed by
// a chain indexer.
func (s *Store) AdjustBalance(ctx context.Context, address string, chain ChainID, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance (address, chain, token, amount, last_update) VALUES (?, ?, 'ALEPH', ?, ?)
		ON CONFLICT (address, chain, token) DO UPDATE SET
			amount = amount + excluded.amount, last_update = excluded.last_update`,
		address, chain, delta, nowUnix())
	return err
}

// BalanceOf sums an address's holdings of the network token across chains.
func (s *Store) BalanceOf(ctx context.Context, address string) (float64, error) {
	var n sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM balance WHERE address = ? AND token = 'ALEPH'`, address).Scan(&n)
	return n.Float64, err
}

//---------------------------------------------------------------------
// chain cursors
//---------------------------------------------------------------------

// Cursor returns the resume point of one chain, or ErrNotFound before the
// first committed scan.
func (s *Store) Cursor(ctx context.Context, chain ChainID) (*ChainCursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chain, last_height, last_tx_hash, updated_at FROM chain_cursor WHERE chain = ?`, chain)
	var c ChainCursor
	var updated float64
	if err := row.Scan(&c.Chain, &c.LastHeight, &c.LastTxHash, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.UpdatedAt = unixToTime(updated)
	return &c, nil
}

// SetCursor moves a chain's cursor. Used both to advance after a committed
// window and to rewind after a reorg.
func (s *Store) SetCursor(ctx context.Context, chain ChainID, height uint64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_cursor (chain, last_height, last_tx_hash, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (chain) DO UPDATE SET last_height = excluded.last_height,
			last_tx_hash = excluded.last_tx_hash, updated_at = excluded.updated_at`,
		chain, height, txHash, nowUnix())
	return err
}

// CursorHeights returns every chain's committed height, for metrics.
func (s *Store) CursorHeights(ctx context.Context) (map[ChainID]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chain, last_height FROM chain_cursor`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[ChainID]uint64)
	for rows.Next() {
		var chain ChainID
		var height uint64
		if err := rows.Scan(&chain, &height); err != nil {
			return nil, err
		}
		out[chain] = height
	}
	return out, rows.Err()
}

//---------------------------------------------------------------------
// programs
//---------------------------------------------------------------------

func upsertProgram(ctx context.Context, tx dbtx, p *Program) error {
	var aleph any
	if p.TriggerAleph != nil {
		aleph = string(p.TriggerAleph)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO program (item_hash, owner, trigger_http, trigger_cron, trigger_aleph, descriptor, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_hash) DO NOTHING`,
		p.ItemHash, p.Owner, p.TriggerHTTP, p.TriggerCron, aleph, string(p.Descriptor), p.Time)
	return err
}

func deleteProgram(ctx context.Context, tx dbtx, itemHash string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM program WHERE item_hash = ?`, itemHash)
	return err
}

// GetProgram loads one program descriptor.
func (s *Store) GetProgram(ctx context.Context, itemHash string) (*Program, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_hash, owner, trigger_http, trigger_cron, COALESCE(trigger_aleph, ''), descriptor, time
		FROM program WHERE item_hash = ?`, itemHash)
	var p Program
	var aleph, descriptor string
	if err := row.Scan(&p.ItemHash, &p.Owner, &p.TriggerHTTP, &p.TriggerCron, &aleph, &descriptor, &p.Time); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if aleph != "" {
		p.TriggerAleph = json.RawMessage(aleph)
	}
	p.Descriptor = json.RawMessage(descriptor)
	return &p, nil
}

func unixToTime(f float64) time.Time {
	return time.Unix(0, int64(f*1e9))
}
