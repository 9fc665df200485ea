package imagestore

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	logx "shiftboard/pkg/logx"
)

var allowedExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}

// Local writes photos to a directory served under a public prefix.
type Local struct {
	dir    string
	prefix string
	dl     *downloader
	log    logx.Logger
}

func newLocal(cfg LocalConfig, dl *downloader, log logx.Logger) (*Local, error) {
	dir, prefix := cfg.Paths()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{dir: dir, prefix: prefix, dl: dl, log: log}, nil
}

func (l *Local) Upload(ctx context.Context, sourceURL, identifier string) string {
	if strings.TrimSpace(sourceURL) == "" {
		return ""
	}
	data, err := l.dl.get(ctx, sourceURL)
	if err != nil {
		l.log.Warn("image download failed", logx.String("url", sourceURL), logx.Err(err))
		return ""
	}
	name := contentName(identifier, data) + extOf(sourceURL)
	dst := filepath.Join(l.dir, name)

	if _, err := os.Stat(dst); err == nil {
		return l.prefix + "/" + name
	} else if !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("image stat failed", logx.String("path", dst), logx.Err(err))
		return ""
	}

	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.log.Warn("image write failed", logx.String("path", dst), logx.Err(err))
		return ""
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		l.log.Warn("image write failed", logx.String("path", dst), logx.Err(err))
		return ""
	}
	return l.prefix + "/" + name
}

func extOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !allowedExt[ext] {
		return ".jpg"
	}
	return ext
}
