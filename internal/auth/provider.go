// Package auth supplies the credential used by the connection manager and
// the API clients, and reports when it is refreshed or expires.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/clock"
)

var (
	// ErrExpired is returned by Token once the credential's exp has passed.
	ErrExpired = errors.New("credential expired")
	// ErrNoToken is returned when no credential has been loaded.
	ErrNoToken = errors.New("no credential")
)

// NoticeKind tells a Notice apart.
type NoticeKind int

const (
	Refreshed NoticeKind = iota + 1
	Expired
)

func (k NoticeKind) String() string {
	switch k {
	case Refreshed:
		return "refreshed"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Notice is delivered on refresh or terminal expiry.
type Notice struct {
	Kind      NoticeKind
	ExpiresAt time.Time
}

// Provider is the credential collaborator.
type Provider interface {
	Token() (string, error)
	Notices() <-chan Notice
}

// Static is a fixed credential that never changes.
type Static string

func (s Static) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Notices returns nil; a static credential never changes.
func (Static) Notices() <-chan Notice { return nil }

// FileProvider reads a token from a file and reloads it when the file
// changes. JWT tokens are inspected for exp without verifying the
// signature; opaque tokens never expire locally.
type FileProvider struct {
	path   string
	clock  clock.Clock
	logger *zap.Logger
	notes  chan Notice

	mu      sync.Mutex
	token   string
	exp     time.Time
	expiry  clock.Timer
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewFileProvider(path string, clk clock.Clock, logger *zap.Logger) *FileProvider {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileProvider{
		path:   path,
		clock:  clk,
		logger: logger.Named("auth"),
		notes:  make(chan Notice, 8),
	}
}

// Load reads the token file once.
func (p *FileProvider) Load() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return fmt.Errorf("token file %s: %w", p.path, ErrNoToken)
	}
	exp := expiryOf(tok)

	p.mu.Lock()
	changed := tok != p.token
	p.token = tok
	p.exp = exp
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	now := p.clock.Now()
	expired := !exp.IsZero() && !now.Before(exp)
	if !exp.IsZero() && !expired {
		p.expiry = p.clock.AfterFunc(exp.Sub(now), p.expire)
	}
	p.mu.Unlock()

	switch {
	case expired:
		p.notify(Notice{Kind: Expired, ExpiresAt: exp})
	case changed:
		p.logger.Info("credential loaded", zap.Time("expires_at", exp))
		p.notify(Notice{Kind: Refreshed, ExpiresAt: exp})
	}
	return nil
}

// Watch loads the file and starts watching its directory. Editors and
// token helpers usually replace the file by rename, so the directory is
// watched rather than the file itself.
func (p *FileProvider) Watch(ctx context.Context) error {
	if err := p.Load(); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.watcher = w
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchLoop(ctx, w)
	return nil
}

func (p *FileProvider) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer p.wg.Done()
	name := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := p.Load(); err != nil {
				p.logger.Warn("reload credential", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("token watch error", zap.Error(err))
		}
	}
}

func (p *FileProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return "", ErrNoToken
	}
	if !p.exp.IsZero() && !p.clock.Now().Before(p.exp) {
		return "", ErrExpired
	}
	return p.token, nil
}

// ExpiresAt is zero for opaque tokens.
func (p *FileProvider) ExpiresAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exp
}

func (p *FileProvider) Notices() <-chan Notice { return p.notes }

// Close stops the watcher and the expiry timer.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	var err error
	if w != nil {
		err = w.Close()
	}
	p.wg.Wait()
	return err
}

func (p *FileProvider) expire() {
	p.mu.Lock()
	exp := p.exp
	p.expiry = nil
	p.mu.Unlock()
	p.logger.Warn("credential expired", zap.Time("expires_at", exp))
	p.notify(Notice{Kind: Expired, ExpiresAt: exp})
}

func (p *FileProvider) notify(n Notice) {
	select {
	case p.notes <- n:
	default:
		p.logger.Warn("notice dropped", zap.Stringer("kind", n.Kind))
	}
}

// expiryOf returns the exp claim of a JWT, or zero when tok is not a JWT
// or carries no exp.
func expiryOf(tok string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
