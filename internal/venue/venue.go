package venue

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	DefaultOpenTime  = "11:00"
	DefaultCloseTime = "22:00"

	DefaultLookaheadDays = 8
)

// Default selector set, used for any selector a venue leaves empty.
const (
	DefaultScheduleContainer = ".schedule"
	DefaultDateSection       = ".date"
	DefaultPersonName        = ".name"
	DefaultPersonImage       = "img"
	DefaultTimeRange         = ".time"
)

// Selectors locates schedule data inside a venue page.
type Selectors struct {
	ScheduleContainer string `yaml:"schedule_container" json:"schedule_container"`
	DateSection       string `yaml:"date_section" json:"date_section"`
	PersonName        string `yaml:"person_name" json:"person_name"`
	PersonImage       string `yaml:"person_image" json:"person_image"`
	TimeRange         string `yaml:"time_range" json:"time_range"`
}

// Options tunes page loading and extraction for one venue.
type Options struct {
	WaitTime       int  `yaml:"wait_time" json:"wait_time"` // ms after load
	ScrollToBottom bool `yaml:"scroll_to_bottom" json:"scroll_to_bottom"`
	LookaheadDays  int  `yaml:"lookahead_days" json:"lookahead_days"`
}

// Venue is one scrape target. Values are immutable for the duration of a run.
type Venue struct {
	ID         string    `yaml:"id" json:"id"`
	Name       string    `yaml:"name" json:"name"`
	URL        string    `yaml:"url" json:"url"`
	Area       string    `yaml:"area" json:"area,omitempty"`
	OpenTime   string    `yaml:"open_time" json:"open_time"`
	CloseTime  string    `yaml:"close_time" json:"close_time"`
	ClosedDays []string  `yaml:"closed_days" json:"closed_days,omitempty"`
	Selectors  Selectors `yaml:"selectors" json:"selectors"`
	Options    Options   `yaml:"scraping" json:"scraping"`
}

// WaitDuration is the post-load settle delay.
func (v Venue) WaitDuration() time.Duration {
	return time.Duration(v.Options.WaitTime) * time.Millisecond
}

// ErrNoVenuesKey is returned for a document without a venues list, such as
// an empty or truncated file.
var ErrNoVenuesKey = errors.New("venues: document has no venues list")

type file struct {
	Venues *[]Venue `yaml:"venues"`
}

// LoadFile reads and parses a venues file.
//
// A missing or malformed file returns an error and no venues; callers treat
// that as an empty list. Individual invalid records are skipped and reported
// through the returned problems.
func LoadFile(path string) ([]Venue, []error, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	venues, problems, err := Parse(b)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return venues, problems, nil
}

// Parse decodes venue records, applies defaults, validates each record and
// drops duplicates by id (first record wins). A document without a venues
// key is an error; an explicit empty list is not.
func Parse(data []byte) ([]Venue, []error, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("venues: %w", err)
	}
	if f.Venues == nil {
		return nil, nil, ErrNoVenuesKey
	}
	records := *f.Venues

	out := make([]Venue, 0, len(records))
	var problems []error
	seen := make(map[string]struct{}, len(records))
	for i, v := range records {
		v = Normalize(v)
		if err := Validate(v); err != nil {
			problems = append(problems, fmt.Errorf("venues[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[v.ID]; dup {
			problems = append(problems, fmt.Errorf("venues[%d]: duplicate id %q ignored", i, v.ID))
			continue
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	return out, problems, nil
}

// Normalize trims fields and fills defaults.
func Normalize(v Venue) Venue {
	v.ID = strings.TrimSpace(v.ID)
	v.Name = strings.TrimSpace(v.Name)
	v.URL = strings.TrimSpace(v.URL)
	v.Area = strings.TrimSpace(v.Area)
	if v.Name == "" {
		v.Name = v.ID
	}
	v.OpenTime = orDefault(v.OpenTime, DefaultOpenTime)
	v.CloseTime = orDefault(v.CloseTime, DefaultCloseTime)

	s := &v.Selectors
	s.ScheduleContainer = orDefault(s.ScheduleContainer, DefaultScheduleContainer)
	s.DateSection = orDefault(s.DateSection, DefaultDateSection)
	s.PersonName = orDefault(s.PersonName, DefaultPersonName)
	s.PersonImage = orDefault(s.PersonImage, DefaultPersonImage)
	s.TimeRange = orDefault(s.TimeRange, DefaultTimeRange)

	if v.Options.LookaheadDays <= 0 {
		v.Options.LookaheadDays = DefaultLookaheadDays
	}
	if v.Options.WaitTime < 0 {
		v.Options.WaitTime = 0
	}
	return v
}

// Validate checks a normalized venue.
func Validate(v Venue) error {
	if v.ID == "" {
		return errors.New("id is required")
	}
	if v.URL == "" {
		return fmt.Errorf("venue %q: url is required", v.ID)
	}
	u, err := url.Parse(v.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("venue %q: url must be absolute http(s): %q", v.ID, v.URL)
	}
	if !validHHMM(v.OpenTime) {
		return fmt.Errorf("venue %q: invalid open_time %q", v.ID, v.OpenTime)
	}
	if !validHHMM(v.CloseTime) {
		return fmt.Errorf("venue %q: invalid close_time %q", v.ID, v.CloseTime)
	}
	return nil
}

func validHHMM(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

func orDefault(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}
