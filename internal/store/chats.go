package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertChat inserts or updates a chat record. Derived fields such as
// unread counts are not stored.
func (db *DB) UpsertChat(ctx context.Context, c model.Chat) error {
	parts, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO chats (id, name, participants, last_message_id, is_muted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			participants = excluded.participants,
			last_message_id = excluded.last_message_id,
			is_muted = excluded.is_muted,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, string(parts), c.LastMessageID, c.IsMuted, time.Now().UnixMilli())
	return err
}

// ListChats returns chats ordered by the creation time of their last
// message, newest first.
func (db *DB) ListChats(ctx context.Context) ([]model.Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.name, c.participants, c.last_message_id, c.is_muted
		FROM chats c
		LEFT JOIN messages m ON m.id = c.last_message_id
		ORDER BY COALESCE(m.created_at, 0) DESC, c.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns nil when id is unknown.
func (db *DB) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, participants, last_message_id, is_muted
		FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (model.Chat, error) {
	var (
		c     model.Chat
		parts string
	)
	if err := s.Scan(&c.ID, &c.Name, &parts, &c.LastMessageID, &c.IsMuted); err != nil {
		return model.Chat{}, err
	}
	if err := json.Unmarshal([]byte(parts), &c.ParticipantIDs); err != nil {
		return model.Chat{}, err
	}
	return c, nil
}
