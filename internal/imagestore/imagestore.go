// Package imagestore rehosts person photos.
//
// Upload never fails the caller: any download or upload problem is logged and
// reported as an empty URL.
package imagestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	logx "shiftboard/pkg/logx"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultRatePerSec = 5
	DefaultLocalDir   = "./data/images"
	DefaultPrefix     = "/images"
	DefaultAPIBase    = "https://api.cloudflare.com/client/v4"
)

// Uploader rehosts the image at sourceURL under a name derived from identifier
// and returns its public URL, or "" on failure.
type Uploader interface {
	Upload(ctx context.Context, sourceURL, identifier string) string
}

type Config struct {
	Timeout    time.Duration
	RatePerSec int
	Local      LocalConfig
	Cloudflare CloudflareConfig
}

type LocalConfig struct {
	Dir          string
	PublicPrefix string
}

// Paths returns the directory photos are written to and the URL prefix they
// are served under, with defaults applied and the prefix's trailing slash
// dropped.
func (c LocalConfig) Paths() (dir, prefix string) {
	dir = strings.TrimSpace(c.Dir)
	if dir == "" {
		dir = DefaultLocalDir
	}
	prefix = strings.TrimRight(strings.TrimSpace(c.PublicPrefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return dir, prefix
}

type CloudflareConfig struct {
	AccountID   string
	APIToken    string
	DeliveryURL string
	APIBase     string
}

// Enabled reports whether every field Cloudflare needs is set.
func (c CloudflareConfig) Enabled() bool {
	return strings.TrimSpace(c.AccountID) != "" &&
		strings.TrimSpace(c.APIToken) != "" &&
		strings.TrimSpace(c.DeliveryURL) != ""
}

// New picks the backend once: Cloudflare Images when fully configured,
// otherwise the local directory.
func New(cfg Config, log logx.Logger) (Uploader, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("imagestore"))
	dl := newDownloader(cfg, log)
	if cfg.Cloudflare.Enabled() {
		log.Info("image backend selected", logx.String("backend", "cloudflare"))
		return newCloudflare(cfg.Cloudflare, dl, log), nil
	}
	loc, err := newLocal(cfg.Local, dl, log)
	if err != nil {
		return nil, err
	}
	log.Info("image backend selected", logx.String("backend", "local"), logx.String("dir", loc.dir))
	return loc, nil
}

type downloader struct {
	http    *resty.Client
	limiter *rate.Limiter
	timeout time.Duration
	log     logx.Logger
}

func newDownloader(cfg Config, log logx.Logger) *downloader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = DefaultRatePerSec
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "image/*")
	return &downloader{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		timeout: timeout,
		log:     log,
	}
}

func (d *downloader) get(ctx context.Context, url string) ([]byte, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("download %s: http %d", url, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, errors.New("download " + url + ": empty body")
	}
	return body, nil
}

// contentName is "<identifier>_<first 8 hex of md5(data)>".
func contentName(identifier string, data []byte) string {
	sum := md5.Sum(data)
	return sanitize(identifier) + "_" + hex.EncodeToString(sum[:])[:8]
}

var unsafeChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

func sanitize(s string) string {
	s = unsafeChars.Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "image"
	}
	return s
}

// Observed reports every upload attempt with a non-empty source to observe.
func Observed(up Uploader, observe func(ok bool)) Uploader {
	if observe == nil {
		return up
	}
	return observed{up: up, observe: observe}
}

type observed struct {
	up      Uploader
	observe func(bool)
}

func (o observed) Upload(ctx context.Context, sourceURL, identifier string) string {
	u := o.up.Upload(ctx, sourceURL, identifier)
	if strings.TrimSpace(sourceURL) != "" {
		o.observe(u != "")
	}
	return u
}
