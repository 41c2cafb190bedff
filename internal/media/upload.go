// Package media uploads attachments and returns the URL a media message
// refers to.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
)

// MaxSize caps uploads.
const MaxSize = 100 << 20

// ErrTooLarge is returned for files above MaxSize.
var ErrTooLarge = errors.New("file exceeds upload limit")

// TokenSource supplies the bearer token.
type TokenSource interface {
	Token() (string, error)
}

// Ref describes an uploaded file.
type Ref struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Type guesses the message type from the mime type.
func (r Ref) Type() model.MessageType {
	switch {
	case strings.HasPrefix(r.MimeType, "image/"):
		return model.TypeImage
	case strings.HasPrefix(r.MimeType, "video/"):
		return model.TypeVideo
	case strings.HasPrefix(r.MimeType, "audio/"):
		return model.TypeAudio
	}
	return model.TypeFile
}

// Uploader posts multipart uploads to /api/messages/upload.
type Uploader struct {
	endpoint string
	http     *http.Client
	tokens   TokenSource
	logger   *zap.Logger
}

func NewUploader(baseURL string, tokens TokenSource, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/messages/upload",
		http:     &http.Client{Timeout: 5 * time.Minute},
		tokens:   tokens,
		logger:   logger.Named("media"),
	}
}

// UploadFile streams the file at path to the upload service.
func (u *Uploader) UploadFile(ctx context.Context, path string) (Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return Ref{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Ref{}, err
	}
	if info.Size() > MaxSize {
		return Ref{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	return u.Upload(ctx, filepath.Base(path), f)
}

// Upload sends r under the given file name.
func (u *Uploader) Upload(ctx context.Context, name string, r io.Reader) (Ref, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, io.LimitReader(r, MaxSize+1))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, pr)
	if err != nil {
		pr.Close()
		return Ref{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.tokens != nil {
		tok, err := u.tokens.Token()
		if err != nil {
			pr.Close()
			return Ref{}, fmt.Errorf("credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  Ref    `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil && resp.StatusCode < 300 {
		return Ref{}, fmt.Errorf("decode upload response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Ref{}, fmt.Errorf("upload %s: status %d: %s", name, resp.StatusCode, env.Error)
	}
	if env.Data.URL == "" {
		return Ref{}, fmt.Errorf("upload %s: response without url", name)
	}
	if env.Data.FileName == "" {
		env.Data.FileName = name
	}
	if env.Data.MimeType == "" {
		env.Data.MimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	u.logger.Debug("uploaded", zap.String("file", name), zap.String("url", env.Data.URL))
	return env.Data, nil
}
