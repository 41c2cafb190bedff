// Package chatapi is the request/response client of the chat server's
// REST API.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/event"
	"github.com/matheus3301/chatsync/internal/model"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to /api/messages.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	self   string
	logger *zap.Logger
}

// New creates a client for baseURL, e.g. https://chat.example.com.
// self is the local user id.
func New(baseURL string, tokens TokenSource, self string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
		self:   self,
		logger: logger.Named("chatapi"),
	}
}

// envelope is the server's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	var w event.WireMessage
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, fmt.Errorf("send %s: %w: no message id", req.ClientID, ErrMalformedResponse)
	}
	if w.ClientID == "" {
		w.ClientID = req.ClientID
	}
	return w.ToModel(c.self), nil
}

func (c *Client) EditMessage(ctx context.Context, id, content string) (*model.Message, error) {
	var w event.WireMessage
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(id)+"/edit", body, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, nil
	}
	return w.ToModel(c.self), nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string, forEveryone bool) error {
	body := map[string]any{"messageId": id, "deleteForMe": !forEveryone}
	return c.do(ctx, http.MethodDelete, "/api/messages/delete", body, nil)
}

func (c *Client) AddReaction(ctx context.Context, id, value string) error {
	body := map[string]string{"messageId": id, "reaction": value}
	return c.do(ctx, http.MethodPost, "/api/messages/reactions", body, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id)+"/reactions", nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 1 {
		return c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(ids[0])+"/read", nil, nil)
	}
	return c.do(ctx, http.MethodPut, "/api/messages/read-multiple", map[string][]string{"messageIds": ids}, nil)
}

// Page is one slice of a chat's history, newest first as the server
// returns it. Next is empty on the last page.
type Page struct {
	Messages []*model.Message
	Next     string
}

// FetchMessages loads history. cursor is opaque to callers; an empty
// cursor starts at the newest message.
func (c *Client) FetchMessages(ctx context.Context, chatID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var ws []event.WireMessage
	path := "/api/messages/chat/" + url.PathEscape(chatID) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &ws); err != nil {
		return Page{}, err
	}
	page := Page{Messages: make([]*model.Message, 0, len(ws))}
	for i := range ws {
		if ws[i].ChatID == "" {
			ws[i].ChatID = chatID
		}
		page.Messages = append(page.Messages, ws[i].ToModel(c.self))
	}
	if len(ws) == limit {
		page.Next = strconv.Itoa(offset + limit)
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return statusErr(resp.StatusCode, msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
