package config

import (
	"os"
	"slices"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHIFTBOARD_"

// envOverrides maps variable suffixes to the field they replace. Secrets live
// here so config files can be committed without them.
var envOverrides = map[string]func(c *Config, v string){
	"LOG_LEVEL":             func(c *Config, v string) { c.Logging.Level = v },
	"DATABASE_PATH":         func(c *Config, v string) { c.Storage.Path = v },
	"VENUES_FILE":           func(c *Config, v string) { c.Scraper.VenuesFile = v },
	"HTTP_ADDR":             func(c *Config, v string) { c.HTTP.Addr = v },
	"ADMIN_USERNAME":        func(c *Config, v string) { c.HTTP.Admin.Username = v },
	"ADMIN_PASSWORD":        func(c *Config, v string) { c.HTTP.Admin.Password = v },
	"CLOUDFLARE_ACCOUNT_ID": func(c *Config, v string) { c.Images.Cloudflare.AccountID = v },
	"CLOUDFLARE_API_TOKEN":  func(c *Config, v string) { c.Images.Cloudflare.APIToken = v },
	"CLOUDFLARE_IMAGES_URL": func(c *Config, v string) { c.Images.Cloudflare.DeliveryURL = v },
	"SCRAPER_MAX_CONCURRENT": func(c *Config, v string) {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Scraper.MaxConcurrent = n
		}
	},
	"HTTP_ALLOWED_ORIGINS": func(c *Config, v string) {
		c.HTTP.AllowedOrigins = splitList(v)
	},
}

// ApplyEnv overlays non-empty SHIFTBOARD_* values from lookup onto cfg and
// returns the names it applied.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var applied []string
	for suffix, set := range envOverrides {
		name := EnvPrefix + suffix
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			set(cfg, v)
			applied = append(applied, name)
		}
	}
	slices.Sort(applied)
	return applied
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
