// Package uploads stores message attachments on local disk and hands back
// the URL they are served under.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chat-relay/internal/config"
	"chat-relay/pkg/logger"

	"github.com/google/uuid"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

const (
	maxExtLen        = 10
	defaultMountPath = "/uploads/"
)

// Storage saves uploaded files under a single directory.
type Storage struct {
	dir       string
	publicURL string
	maxBytes  int64
	timeout   time.Duration
	now       func() time.Time
}

func NewStorage(cfg config.UploadConfig) (*Storage, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Storage{
		dir:       cfg.Dir,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		maxBytes:  cfg.MaxBytes,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}, nil
}

func (s *Storage) Dir() string {
	return s.dir
}

// MountPath is the local path prefix, with a trailing slash, that the
// public URL resolves to. A public URL without a path (a bare host that
// fronts this server) mounts under /uploads/.
func (s *Storage) MountPath() string {
	u, err := url.Parse(s.publicURL)
	if err != nil || strings.Trim(u.Path, "/") == "" {
		return defaultMountPath
	}
	return "/" + strings.Trim(u.Path, "/") + "/"
}

// Save copies the uploaded file to disk under a generated name and returns
// its public URL. The copy is abandoned, and the partial file removed, when
// ctx is done or the configured timeout elapses.
func (s *Storage) Save(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	if s.maxBytes > 0 && fh.Size > s.maxBytes {
		return "", fmt.Errorf("%s is %d bytes: %w", fh.Filename, fh.Size, ErrTooLarge)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	name := s.fileName(fh.Filename)
	path := filepath.Join(s.dir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, src)
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// unblock the copy; it returns once dst is closed
		dst.Close()
		<-done
		os.Remove(path)
		return "", fmt.Errorf("save upload %s: %w", fh.Filename, ctx.Err())
	}

	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save upload %s: %w", fh.Filename, err)
	}

	logger.Info("Stored upload %s as %s (%d bytes)", fh.Filename, name, fh.Size)
	return s.publicURL + "/" + name, nil
}

func (s *Storage) fileName(original string) string {
	return fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), uuid.NewString()[:8], cleanExt(original))
}

// cleanExt keeps the original extension when it is short and alphanumeric.
func cleanExt(original string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
