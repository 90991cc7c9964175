package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcoord/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bus_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	channel TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	kind TEXT NOT NULL,
	priority TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	delivered_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_bus_messages_dispatch ON bus_messages(status, channel, seq);
CREATE INDEX IF NOT EXISTS idx_bus_messages_channel ON bus_messages(channel, seq);

CREATE TABLE IF NOT EXISTS message_acks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	result TEXT NOT NULL,
	ack_at INTEGER NOT NULL,
	UNIQUE(message_id, agent_id),
	FOREIGN KEY(message_id) REFERENCES bus_messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	agent TEXT NOT NULL,
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ms REAL NULL,
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject, seq);
CREATE INDEX IF NOT EXISTS idx_audit_events_agent ON audit_events(agent, seq);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// StoredMessage is a queued message together with the channel it was
// published on.
type StoredMessage struct {
	Channel  string
	Message  domain.Message
	Attempts int
}

// EnqueueMessage stores msg as pending on channel. Re-publishing a known id is
// ignored and reported as false.
func (s *Store) EnqueueMessage(ctx context.Context, channel string, msg domain.Message) (bool, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO bus_messages(
			id, channel, from_agent, kind, priority, body, status, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, channel, msg.From, string(msg.Kind), string(msg.Priority), string(body),
		string(domain.MessageStatusPending), msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListDispatchableMessages returns pending messages on the given channels in
// publish order.
func (s *Store) ListDispatchableMessages(ctx context.Context, channels []string, limit int) ([]StoredMessage, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(channels)+2)
	args = append(args, string(domain.MessageStatusPending))
	for _, ch := range channels {
		args = append(args, ch)
	}
	args = append(args, limit)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(channels)), ",")

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT channel, body, attempts FROM bus_messages
		WHERE status = ? AND channel IN (`+placeholders+`)
		ORDER BY seq ASC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable messages: %w", err)
	}
	defer rows.Close()

	result := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var sm StoredMessage
		var body string
		if err := rows.Scan(&sm.Channel, &body, &sm.Attempts); err != nil {
			return nil, fmt.Errorf("scan dispatchable message: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &sm.Message); err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		result = append(result, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatchable messages: %w", err)
	}
	return result, nil
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE bus_messages
		SET status = ?, delivered_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ? AND status = ?`,
		string(domain.MessageStatusDelivered), time.Now().UTC().UnixMilli(), messageID,
		string(domain.MessageStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	return nil
}

func (s *Store) MarkMessageFailed(ctx context.Context, messageID string, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE bus_messages SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		string(domain.MessageStatusFailed), lastError, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

// ListChannelMessages returns up to limit messages on channel, most recent
// first, with their current status.
func (s *Store) ListChannelMessages(ctx context.Context, channel string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT body, status FROM bus_messages
		WHERE channel = ?
		ORDER BY seq DESC
		LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list channel messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Message, 0, limit)
	for rows.Next() {
		var body, status string
		if err := rows.Scan(&body, &status); err != nil {
			return nil, fmt.Errorf("scan channel message: %w", err)
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		m.Status = domain.MessageStatus(status)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel messages: %w", err)
	}
	return result, nil
}

// AckMessage records an ack by the message's recipient channel and marks the
// message processed.
func (s *Store) AckMessage(ctx context.Context, messageID string, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx ack message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var channel string
	if err := tx.QueryRowContext(ctx, `SELECT channel FROM bus_messages WHERE id = ?`, messageID).Scan(&channel); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("message", messageID)
		}
		return fmt.Errorf("get message channel: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO message_acks(message_id, agent_id, result, ack_at)
		VALUES(?, ?, ?, ?)`,
		messageID, strings.TrimPrefix(channel, "agents:"), result, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE bus_messages SET status = ? WHERE id = ?`,
		string(domain.MessageStatusProcessed), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack message: %w", err)
	}
	return nil
}

func (s *Store) MessageAcked(ctx context.Context, messageID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM message_acks WHERE message_id = ?`, messageID).Scan(&n); err != nil {
		return false, fmt.Errorf("count message acks: %w", err)
	}
	return n > 0, nil
}

// MessageCounts returns the number of stored messages per status.
func (s *Store) MessageCounts(ctx context.Context) (map[domain.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM bus_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()
	out := map[domain.MessageStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan message count: %w", err)
		}
		out[domain.MessageStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message counts: %w", err)
	}
	return out, nil
}

// PruneMessages deletes processed and failed messages created before cutoff.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM bus_messages WHERE status IN (?, ?) AND created_at < ?`,
		string(domain.MessageStatusProcessed), string(domain.MessageStatusFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// Record stores an audit event.
func (s *Store) Record(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var duration any
	if event.DurationMS != nil {
		duration = *event.DurationMS
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO audit_events(id, event_type, agent, subject, action, details, status, duration_ms, metadata, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.Agent, event.Subject, event.Action,
		string(mustJSON(event.Details)), event.Status, duration, string(mustJSON(event.Metadata)),
		event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

type AuditQuery struct {
	Subject string
	Agent   string
	Type    domain.AuditEventType
	Limit   int
}

// ListAuditEvents returns the latest matching events, oldest first.
func (s *Store) ListAuditEvents(ctx context.Context, q AuditQuery) ([]domain.AuditEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	var where []string
	var args []any
	if q.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, q.Subject)
	}
	if q.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, q.Agent)
	}
	if q.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.Type))
	}
	query := `SELECT id, event_type, agent, subject, action, details, status, duration_ms, metadata, created_at
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var result []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var typ, details, metadata string
		var duration sql.NullFloat64
		var created int64
		if err := rows.Scan(&e.ID, &typ, &e.Agent, &e.Subject, &e.Action, &details, &e.Status, &duration, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = domain.AuditEventType(typ)
		e.Timestamp = unixMilliToTime(created)
		if duration.Valid {
			d := duration.Float64
			e.DurationMS = &d
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return []byte("{}")
	}
	return b
}
