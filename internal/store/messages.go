package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertMessage writes the whole record, replacing any row with the same id.
func (db *DB) UpsertMessage(ctx context.Context, m *model.Message) error {
	return upsertMessage(ctx, db, m)
}

// ReplaceMessage swaps the temporary row prevID for the confirmed m in
// one transaction.
func (db *DB) ReplaceMessage(ctx context.Context, prevID string, m *model.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, prevID); err != nil {
		return err
	}
	if err := upsertMessage(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMessage(ctx context.Context, ex execer, m *model.Message) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO messages (id, client_id, chat_id, sender_id, type, content, status, deletion, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			content = excluded.content,
			status = excluded.status,
			deletion = excluded.deletion,
			doc = excluded.doc`,
		m.ID, m.ClientID, m.ChatID, m.SenderID, string(m.Type), m.Content,
		string(m.Status), string(m.Deletion), m.CreatedAt.UnixMilli(), string(doc))
	return err
}

// DeleteMessage removes a row. Missing rows are not an error.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// GetMessage returns nil when id is unknown.
func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var doc string
	err := db.QueryRowContext(ctx, `SELECT doc FROM messages WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMessage(doc)
}

// ListMessages returns up to limit messages of chatID created before
// before, newest first. A zero before means now.
func (db *DB) ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := time.Now().UnixMilli() + 1
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}
	rows, err := db.QueryContext(ctx, `
		SELECT doc FROM messages
		WHERE chat_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, chatID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// AllMessages returns every cached message, oldest first.
func (db *DB) AllMessages(ctx context.Context) ([]*model.Message, error) {
	rows, err := db.QueryContext(ctx, `SELECT doc FROM messages ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.Message
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		m, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func decodeMessage(doc string) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
