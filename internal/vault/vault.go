// Package vault is the creator-side local store. It keeps an encrypted copy of
// every bearer key the creator issued (so Cancel can reclaim funds), the
// outbox of index writes that still have to reach Redis, and listings the
// creator removed locally.
package vault

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

var ErrNotFound = errors.New("vault entry not found")

const (
	retryBase = 5 * time.Second
	retryMax  = 10 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS reclaim_keys (
	voucher_id TEXT PRIMARY KEY,
	address    TEXT NOT NULL,
	token      TEXT NOT NULL,
	key_json   BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	voucher_id      TEXT NOT NULL,
	op              TEXT NOT NULL,
	payload         BLOB,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox (next_attempt_at);
CREATE TABLE IF NOT EXISTS hidden (
	voucher_id TEXT PRIMARY KEY,
	hidden_at  INTEGER NOT NULL
);
`

type Vault struct {
	db         *sql.DB
	stmts      *stmtCache
	passphrase string
	scryptN    int
	scryptP    int
}

type Option func(*Vault)

// WithLightScrypt trades keystore hardness for speed. Tests only.
func WithLightScrypt() Option {
	return func(v *Vault) {
		v.scryptN = keystore.LightScryptN
		v.scryptP = keystore.LightScryptP
	}
}

func Open(path, passphrase string, opts ...Option) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault passphrase is empty")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vault schema: %w", err)
	}
	v := &Vault{
		db:         db,
		stmts:      newStmtCache(db),
		passphrase: passphrase,
		scryptN:    keystore.StandardScryptN,
		scryptP:    keystore.StandardScryptP,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func (v *Vault) Close() error {
	v.stmts.clear()
	return v.db.Close()
}

func (v *Vault) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := v.stmts.prepare(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// ── reclaim keys ──────────────────────────────────────────────────────────────

// Reclaim is a stored bearer key and the token it was funded with.
type Reclaim struct {
	Key   *ecdsa.PrivateKey
	Token voucher.TokenKind
}

// PutReclaimKey stores key in Web3 Secret Storage format under the vault
// passphrase.
func (v *Vault) PutReclaimKey(ctx context.Context, voucherID string, token voucher.TokenKind, key *ecdsa.PrivateKey) error {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	keyJSON, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    addr,
		PrivateKey: key,
	}, v.passphrase, v.scryptN, v.scryptP)
	if err != nil {
		return fmt.Errorf("encrypt reclaim key: %w", err)
	}
	_, err = v.exec(ctx, `
	INSERT INTO reclaim_keys (voucher_id, address, token, key_json, created_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(voucher_id) DO UPDATE SET address = excluded.address, token = excluded.token, key_json = excluded.key_json;
	`, voucherID, addr.Hex(), string(token), keyJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store reclaim key %s: %w", voucherID, err)
	}
	return nil
}

func (v *Vault) ReclaimKey(ctx context.Context, voucherID string) (*Reclaim, error) {
	stmt, err := v.stmts.prepare(`SELECT token, key_json FROM reclaim_keys WHERE voucher_id = ?;`)
	if err != nil {
		return nil, err
	}
	var (
		token   string
		keyJSON []byte
	)
	err = stmt.QueryRowContext(ctx, voucherID).Scan(&token, &keyJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reclaim key %s", ErrNotFound, voucherID)
	}
	if err != nil {
		return nil, fmt.Errorf("load reclaim key %s: %w", voucherID, err)
	}
	k, err := keystore.DecryptKey(keyJSON, v.passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt reclaim key %s: %w", voucherID, err)
	}
	return &Reclaim{Key: k.PrivateKey, Token: voucher.TokenKind(token)}, nil
}

func (v *Vault) DeleteReclaimKey(ctx context.Context, voucherID string) error {
	_, err := v.exec(ctx, `DELETE FROM reclaim_keys WHERE voucher_id = ?;`, voucherID)
	return err
}

// ── outbox ────────────────────────────────────────────────────────────────────

type Op string

const (
	OpRegister Op = "register"
	OpClaim    Op = "claim"
	OpCancel   Op = "cancel"
	OpDelete   Op = "delete"
)

// OutboxEntry is an index write that failed and awaits retry.
type OutboxEntry struct {
	Seq           int64
	VoucherID     string
	Op            Op
	Record        *voucher.Record
	Claimant      string
	At            int64
	Attempts      int
	NextAttemptAt int64
	LastError     string
}

type outboxPayload struct {
	Record   *voucher.Record `json:"record,omitempty"`
	Claimant string          `json:"claimant,omitempty"`
	At       int64           `json:"at,omitempty"`
}

// Enqueue persists e for immediate retry.
func (v *Vault) Enqueue(ctx context.Context, e OutboxEntry) error {
	payload, err := json.Marshal(outboxPayload{Record: e.Record, Claimant: e.Claimant, At: e.At})
	if err != nil {
		return err
	}
	_, err = v.exec(ctx, `
	INSERT INTO outbox (voucher_id, op, payload, attempts, next_attempt_at, last_error)
	VALUES (?, ?, ?, 0, ?, ?);
	`, e.VoucherID, string(e.Op), payload, time.Now().Unix(), e.LastError)
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", e.Op, e.VoucherID, err)
	}
	return nil
}

// Due returns up to limit entries whose retry time has come, oldest first.
func (v *Vault) Due(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	stmt, err := v.stmts.prepare(`
	SELECT seq, voucher_id, op, payload, attempts, next_attempt_at, last_error
	FROM outbox WHERE next_attempt_at <= ? ORDER BY seq LIMIT ?;
	`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			op      string
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.VoucherID, &op, &payload, &e.Attempts, &e.NextAttemptAt, &e.LastError); err != nil {
			return nil, err
		}
		e.Op = Op(op)
		if len(payload) > 0 {
			var p outboxPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("outbox %d payload: %w", e.Seq, err)
			}
			e.Record, e.Claimant, e.At = p.Record, p.Claimant, p.At
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack drops a delivered entry.
func (v *Vault) Ack(ctx context.Context, seq int64) error {
	_, err := v.exec(ctx, `DELETE FROM outbox WHERE seq = ?;`, seq)
	return err
}

// Fail records a failed delivery and schedules the next attempt with
// exponential backoff.
func (v *Vault) Fail(ctx context.Context, e OutboxEntry, now time.Time, cause error) error {
	attempts := e.Attempts + 1
	next := now.Add(Backoff(attempts)).Unix()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := v.exec(ctx, `
	UPDATE outbox SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE seq = ?;
	`, attempts, next, msg, e.Seq)
	return err
}

// Pending counts entries still in the outbox.
func (v *Vault) Pending(ctx context.Context) (int, error) {
	stmt, err := v.stmts.prepare(`SELECT COUNT(*) FROM outbox;`)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx).Scan(&n)
	return n, err
}

// Backoff returns the retry delay after attempts failures.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= retryMax {
			return retryMax
		}
	}
	return d
}

// ── local listing state ───────────────────────────────────────────────────────

// Hide removes a voucher from the creator's local listing. On-chain state and
// the shared index are untouched.
func (v *Vault) Hide(ctx context.Context, voucherID string) error {
	_, err := v.exec(ctx, `INSERT OR IGNORE INTO hidden (voucher_id, hidden_at) VALUES (?, ?);`,
		voucherID, time.Now().Unix())
	return err
}

// HiddenSet returns every locally removed voucher id.
func (v *Vault) HiddenSet(ctx context.Context) (map[string]bool, error) {
	stmt, err := v.stmts.prepare(`SELECT voucher_id FROM hidden;`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
