package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists sessions and messages in PostgreSQL.
// It implements Repository on top of a pgx connection pool.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRepository creates a repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{pool: pool, logger: logger}
}

// CreateSession inserts a new session row.
func (r *PostgresRepository) CreateSession(ctx context.Context, sess *Session) error {
	contextJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("failed to encode session context: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, context, created_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.Title, contextJSON, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Debug("created session", "id", sess.ID, "title", sess.Title)
	return nil
}

// RenameSession updates a session title.
func (r *PostgresRepository) RenameSession(ctx context.Context, sessionID uuid.UUID, title string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET title = $2 WHERE id = $1`, sessionID, title)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session; messages cascade.
func (r *PostgresRepository) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SaveContext replaces a session's scoping targets.
func (r *PostgresRepository) SaveContext(ctx context.Context, sessionID uuid.UUID, targets []string) error {
	contextJSON, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("failed to encode session context: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET context = $2 WHERE id = $1`, sessionID, contextJSON)
	if err != nil {
		return fmt.Errorf("failed to save session context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessage inserts a message at the tail of the session's durable
// sequence. The sequence number is computed inside a transaction that
// locks the session row, so it stays unique even after deletes removed
// earlier numbers or another process appended concurrently.
func (r *PostgresRepository) AppendMessage(ctx context.Context, sessionID uuid.UUID, msg *Message) error {
	resultJSON, err := marshalNullable(msg.Result)
	if err != nil {
		return fmt.Errorf("failed to encode message result: %w", err)
	}
	metadataJSON, err := marshalNullable(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}

	var seq int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = $1`,
		sessionID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to compute sequence number: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, is_error, result, metadata, sequence_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, msg.Error,
		resultJSON, metadataJSON, seq, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// DeleteMessage removes a single message.
func (r *PostgresRepository) DeleteMessage(ctx context.Context, sessionID, messageID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND session_id = $2`, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ClearMessages removes all messages for a session.
func (r *PostgresRepository) ClearMessages(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// UpdateMessageResult patches the stored result of one message.
func (r *PostgresRepository) UpdateMessageResult(ctx context.Context, sessionID, messageID uuid.UUID, result *AnalysisResult) error {
	resultJSON, err := marshalNullable(result)
	if err != nil {
		return fmt.Errorf("failed to encode message result: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET result = $3 WHERE id = $1 AND session_id = $2`,
		messageID, sessionID, resultJSON)
	if err != nil {
		return fmt.Errorf("failed to update message result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// LoadSessions reads all sessions in creation order, each with up to
// historyLimit most recent messages in sequence order.
func (r *PostgresRepository) LoadSessions(ctx context.Context, historyLimit int32) ([]*Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, context, created_at FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var (
			sess        Session
			contextJSON []byte
		)
		if err := rows.Scan(&sess.ID, &sess.Title, &contextJSON, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &sess.Context); err != nil {
				return nil, fmt.Errorf("failed to decode session context: %w", err)
			}
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	for _, sess := range sessions {
		msgs, err := r.loadMessages(ctx, sess.ID, historyLimit)
		if err != nil {
			return nil, err
		}
		sess.Messages = msgs
	}

	r.logger.Debug("loaded sessions", "count", len(sessions))
	return sessions, nil
}

func (r *PostgresRepository) loadMessages(ctx context.Context, sessionID uuid.UUID, limit int32) ([]*Message, error) {
	// Most recent N messages, returned oldest first.
	rows, err := r.pool.Query(ctx,
		`SELECT id, role, content, is_error, result, metadata, created_at
		 FROM (
		     SELECT id, role, content, is_error, result, metadata, sequence_number, created_at
		     FROM messages WHERE session_id = $1
		     ORDER BY sequence_number DESC LIMIT $2
		 ) recent
		 ORDER BY sequence_number ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			msg          Message
			role         string
			resultJSON   []byte
			metadataJSON []byte
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Error, &resultJSON, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &msg.Result); err != nil {
				return nil, fmt.Errorf("failed to decode message result: %w", err)
			}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// marshalNullable encodes v to JSON, mapping nil values to SQL NULL.
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *AnalysisResult:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
