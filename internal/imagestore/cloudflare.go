package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	logx "shiftboard/pkg/logx"
)

// Cloudflare uploads photos to Cloudflare Images.
type Cloudflare struct {
	cfg  CloudflareConfig
	dl   *downloader
	api  *resty.Client
	log  logx.Logger
	base string
}

type cfResponse struct {
	Success bool `json:"success"`
	Result  struct {
		ID string `json:"id"`
	} `json:"result"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func newCloudflare(cfg CloudflareConfig, dl *downloader, log logx.Logger) *Cloudflare {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	api := resty.New().
		SetTimeout(dl.timeout).
		SetAuthToken(cfg.APIToken)
	return &Cloudflare{cfg: cfg, dl: dl, api: api, log: log, base: base}
}

func (c *Cloudflare) Upload(ctx context.Context, sourceURL, identifier string) string {
	if strings.TrimSpace(sourceURL) == "" {
		return ""
	}
	data, err := c.dl.get(ctx, sourceURL)
	if err != nil {
		c.log.Warn("image download failed", logx.String("url", sourceURL), logx.Err(err))
		return ""
	}
	id := contentName(identifier, data)
	out, err := c.upload(ctx, id, data)
	if err != nil {
		c.log.Warn("cloudflare upload failed", logx.String("id", id), logx.Err(err))
		return ""
	}
	return strings.TrimRight(c.cfg.DeliveryURL, "/") + "/" + out + "/public"
}

func (c *Cloudflare) upload(ctx context.Context, id string, data []byte) (string, error) {
	var res cfResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetFileReader("file", id+".jpg", bytes.NewReader(data)).
		SetFormData(map[string]string{"id": id}).
		SetResult(&res).
		SetError(&res).
		Post(c.base + "/accounts/" + c.cfg.AccountID + "/images/v1")
	if err != nil {
		return "", err
	}
	if resp.IsError() || !res.Success {
		msg := ""
		if len(res.Errors) > 0 {
			msg = res.Errors[0].Message
		}
		return "", fmt.Errorf("http %d: %s", resp.StatusCode(), msg)
	}
	if res.Result.ID == "" {
		return id, nil
	}
	return res.Result.ID, nil
}
