package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"depositd/deposit"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// Store persists escrow records, the notification log, request audit entries,
// idempotency keys and webhook delivery attempts in a single SQLite database.
// It implements the deposit engine's EscrowState interface.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; funneling every connection through
	// a single handle keeps concurrent request and notifier writes from
	// surfacing as SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{db: db, log: logger}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS deposits (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL,
            renter TEXT NOT NULL,
            amount TEXT NOT NULL,
            deposited_at INTEGER NOT NULL,
            proposed_refund TEXT,
            evidence_hash TEXT NOT NULL,
            proposed_at INTEGER NOT NULL DEFAULT 0,
            violations TEXT NOT NULL DEFAULT '[]',
            state INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            delivery_id TEXT NOT NULL,
            url TEXT NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type wireViolation struct {
	Code    uint32 `json:"code"`
	Penalty string `json:"penalty"`
}

// EscrowPut persists an escrow record, replacing any previous row.
func (s *Store) EscrowPut(esc *deposit.Escrow) error {
	sanitized, err := deposit.Sanitize(esc)
	if err != nil {
		return err
	}
	violations := make([]wireViolation, len(sanitized.Violations))
	for i, v := range sanitized.Violations {
		violations[i] = wireViolation{Code: v.Code, Penalty: v.Penalty.String()}
	}
	violationsJSON, err := json.Marshal(violations)
	if err != nil {
		return err
	}
	proposedRefund := sql.NullString{}
	if sanitized.ProposedRefund != nil {
		proposedRefund = sql.NullString{String: sanitized.ProposedRefund.String(), Valid: true}
	}
	const stmt = `INSERT OR REPLACE INTO deposits(id, booking_id, renter, amount, deposited_at, proposed_refund, evidence_hash, proposed_at, violations, state)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(stmt,
		hex.EncodeToString(sanitized.ID[:]),
		sanitized.BookingID,
		hex.EncodeToString(sanitized.Renter[:]),
		sanitized.Amount.String(),
		sanitized.DepositedAt,
		proposedRefund,
		hex.EncodeToString(sanitized.EvidenceHash[:]),
		sanitized.ProposedAt,
		string(violationsJSON),
		int(sanitized.State),
	)
	return err
}

// EscrowGet loads an escrow record. Read errors behave as "not found",
// matching the best-effort semantics the engine expects from its state
// backend; they are logged for the operator.
func (s *Store) EscrowGet(id [32]byte) (*deposit.Escrow, bool) {
	const query = `SELECT booking_id, renter, amount, deposited_at, proposed_refund, evidence_hash, proposed_at, violations, state FROM deposits WHERE id = ?`
	row := s.db.QueryRow(query, hex.EncodeToString(id[:]))
	var (
		bookingID      string
		renterHex      string
		amountStr      string
		depositedAt    int64
		proposedRefund sql.NullString
		evidenceHex    string
		proposedAt     int64
		violationsJSON string
		state          int
	)
	err := row.Scan(&bookingID, &renterHex, &amountStr, &depositedAt, &proposedRefund, &evidenceHex, &proposedAt, &violationsJSON, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.log.Error("escrow read failed", "id", hex.EncodeToString(id[:]), "err", err)
		return nil, false
	}
	esc := &deposit.Escrow{
		ID:          id,
		BookingID:   bookingID,
		DepositedAt: depositedAt,
		ProposedAt:  proposedAt,
		State:       deposit.State(state),
	}
	if err := decodeAddress(renterHex, &esc.Renter); err != nil {
		s.log.Error("escrow renter decode failed", "id", hex.EncodeToString(id[:]), "err", err)
		return nil, false
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		s.log.Error("escrow amount decode failed", "id", hex.EncodeToString(id[:]), "amount", amountStr)
		return nil, false
	}
	esc.Amount = amount
	if proposedRefund.Valid {
		refund, ok := new(big.Int).SetString(proposedRefund.String, 10)
		if !ok {
			s.log.Error("escrow refund decode failed", "id", hex.EncodeToString(id[:]), "refund", proposedRefund.String)
			return nil, false
		}
		esc.ProposedRefund = refund
	}
	evidence, err := hex.DecodeString(evidenceHex)
	if err != nil || len(evidence) != len(esc.EvidenceHash) {
		s.log.Error("escrow evidence decode failed", "id", hex.EncodeToString(id[:]))
		return nil, false
	}
	copy(esc.EvidenceHash[:], evidence)
	var wire []wireViolation
	if err := json.Unmarshal([]byte(violationsJSON), &wire); err != nil {
		s.log.Error("escrow violations decode failed", "id", hex.EncodeToString(id[:]), "err", err)
		return nil, false
	}
	if len(wire) > 0 {
		esc.Violations = make([]deposit.Violation, len(wire))
		for i, v := range wire {
			penalty, ok := new(big.Int).SetString(v.Penalty, 10)
			if !ok {
				s.log.Error("escrow penalty decode failed", "id", hex.EncodeToString(id[:]), "penalty", v.Penalty)
				return nil, false
			}
			esc.Violations[i] = deposit.Violation{Code: v.Code, Penalty: penalty}
		}
	}
	return esc, true
}

// StoredEvent is one row of the persisted notification log.
type StoredEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// InsertEvent appends an event to the persisted log.
func (s *Store) InsertEvent(ctx context.Context, evt StoredEvent) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, attributes, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, string(attrs), evt.CreatedAt)
	return err
}

// ListEvents returns up to limit events starting after the given sequence.
func (s *Store) ListEvents(ctx context.Context, afterSequence int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT sequence, type, attributes, created_at FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var attrs string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &attrs, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for a key, ErrIdempotencyMismatch
// when the key was used with a different request, or nil when unseen.
func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency caches the response for an idempotency key.
func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

// InsertAuditLog records one request/response pair.
func (s *Store) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// WebhookAttempt captures a delivery attempt for the operator's audit trail.
type WebhookAttempt struct {
	DeliveryID    string
	URL           string
	EventSequence int64
	Attempt       int
	Status        string
	Error         string
	CreatedAt     time.Time
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *Store) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(delivery_id, url, event_sequence, attempt, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.DeliveryID, attempt.URL, attempt.EventSequence, attempt.Attempt, attempt.Status, attempt.Error, attempt.CreatedAt)
	return err
}

// CountWebhookAttempts reports the total number of recorded delivery attempts.
func (s *Store) CountWebhookAttempts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_attempts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func decodeAddress(encoded string, out *[20]byte) error {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("storage: address must be %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return nil
}
