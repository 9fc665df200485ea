// Package fetch renders venue pages in a headless Chrome driven by chromedp.
//
// One Chrome process serves a batch; every venue gets its own tab, which is
// closed when the fetch returns.
package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"shiftboard/internal/scrape"
	"shiftboard/internal/venue"
	logx "shiftboard/pkg/logx"
)

const (
	DefaultNavigationTimeout = 45 * time.Second
	DefaultQuietWindow       = 500 * time.Millisecond
	DefaultQuietMax          = 5 * time.Second

	scrollSettle = time.Second
)

type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration

	// QuietWindow is how long the network must stay idle after the document
	// is ready; QuietMax caps the total wait for that idle period.
	QuietWindow time.Duration
	QuietMax    time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = DefaultQuietWindow
	}
	if c.QuietMax <= 0 {
		c.QuietMax = DefaultQuietMax
	}
	return c
}

// Fetcher is an open browser session.
type Fetcher interface {
	Fetch(ctx context.Context, v venue.Venue) (string, error)
	Close()
}

// Chrome launches browser sessions.
type Chrome struct {
	cfg Config
	log logx.Logger
}

func NewChrome(cfg Config, log logx.Logger) *Chrome {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chrome{cfg: cfg.withDefaults(), log: log}
}

// Open starts Chrome. The session outlives ctx cancellation until Close.
func (c *Chrome) Open(ctx context.Context) (Fetcher, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	launchCtx, cancelLaunch := context.WithTimeout(browserCtx, c.cfg.NavigationTimeout)
	defer cancelLaunch()
	if err := chromedp.Run(launchCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, err
	}
	c.log.Debug("browser started", logx.Bool("headless", c.cfg.Headless))

	return &session{
		cfg:     c.cfg,
		log:     c.log,
		browser: browserCtx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
	}, nil
}

type session struct {
	cfg     Config
	log     logx.Logger
	browser context.Context

	closeOnce sync.Once
	cancel    func()
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.log.Debug("browser closed")
	})
}

// Fetch loads v.URL in a new tab and returns the rendered document markup.
func (s *session) Fetch(ctx context.Context, v venue.Venue) (string, error) {
	fail := func(status int64, err error) error {
		return &scrape.FetchError{VenueID: v.ID, URL: v.URL, Status: status, Err: err}
	}
	if err := s.browser.Err(); err != nil {
		return "", fail(0, err)
	}

	tabCtx, closeTab := chromedp.NewContext(s.browser)
	defer closeTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	idle := newIdleTracker()
	chromedp.ListenTarget(tabCtx, idle.observe)

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		return "", fail(0, err)
	}
	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(v.URL))
	if err != nil {
		return "", fail(0, err)
	}
	if resp != nil && resp.Status >= 400 {
		return "", fail(resp.Status, errors.New(resp.StatusText))
	}

	var html string
	actions := chromedp.Tasks{
		chromedp.WaitReady("body", chromedp.ByQuery),
		idle.wait(s.cfg.QuietWindow, s.cfg.QuietMax),
	}
	if d := v.WaitDuration(); d > 0 {
		actions = append(actions, chromedp.Sleep(d))
	}
	if v.Options.ScrollToBottom {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(scrollSettle),
		)
	}
	actions = append(actions, chromedp.Evaluate(`document.documentElement.outerHTML`, &html))

	if err := chromedp.Run(tabCtx, actions); err != nil {
		return "", fail(0, err)
	}
	return html, nil
}

// idleTracker counts in-flight requests seen on a tab.
type idleTracker struct {
	inflight atomic.Int64
	last     atomic.Int64 // unix nanos of the last network event
}

func newIdleTracker() *idleTracker {
	t := &idleTracker{}
	t.last.Store(time.Now().UnixNano())
	return t
}

func (t *idleTracker) observe(ev any) {
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight.Add(1)
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		t.inflight.Add(-1)
	default:
		return
	}
	t.last.Store(time.Now().UnixNano())
}

func (t *idleTracker) quietFor() time.Duration {
	return time.Since(time.Unix(0, t.last.Load()))
}

// wait blocks until no request has been in flight for window, or limit elapses.
func (t *idleTracker) wait(window, limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(limit)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			if t.inflight.Load() <= 0 && t.quietFor() >= window {
				return nil
			}
			if time.Now().After(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
			}
		}
	})
}
