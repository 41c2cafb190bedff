package store

import (
	"context"
	"strings"
)

// Result is a message matching a search with a short excerpt around the
// first hit.
type Result struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Snippet  string `json:"snippet"`
	// Created is unix milliseconds.
	Created int64 `json:"created"`
}

const snippetRadius = 32

// Search finds messages whose content contains query, case-insensitively
// for ASCII. chatID narrows the search when non-empty. Tombstones never
// match since their content is cleared.
func (db *DB) Search(ctx context.Context, query, chatID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `
		SELECT id, chat_id, sender_id, content, created_at
		FROM messages
		WHERE content LIKE ? ESCAPE '\' AND deletion != 'self'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var (
			r       Result
			content string
		)
		if err := rows.Scan(&r.ID, &r.ChatID, &r.SenderID, &content, &r.Created); err != nil {
			return nil, err
		}
		r.Snippet = snippet(content, query)
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match with << >> and trims the text around it
// to snippetRadius runes on each side.
func snippet(content, query string) string {
	text, q := []rune(content), []rune(query)
	i := indexFold(text, q)
	if i < 0 {
		return content
	}
	j := i + len(q)
	start, end := i-snippetRadius, j+snippetRadius
	prefix, suffix := "...", "..."
	if start <= 0 {
		start, prefix = 0, ""
	}
	if end >= len(text) {
		end, suffix = len(text), ""
	}
	return prefix + string(text[start:i]) + "<<" + string(text[i:j]) + ">>" + string(text[j:end]) + suffix
}

// indexFold returns the rune offset of the first case-insensitive match
// of q in text, or -1. Offsets are computed on text itself since case
// mapping can change a string's length.
func indexFold(text, q []rune) int {
	if len(q) == 0 {
		return -1
	}
	for i := 0; i+len(q) <= len(text); i++ {
		if strings.EqualFold(string(text[i:i+len(q)]), string(q)) {
			return i
		}
	}
	return -1
}
