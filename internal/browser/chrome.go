package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	log "github.com/sirupsen/logrus"
)

// ChromeOptions configures the browser process behind a ChromeSession.
type ChromeOptions struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	ProxyServer       string
	NavigationTimeout time.Duration
	// Cookies are installed once into the shared browser context, so every tab sees them.
	Cookies []*network.CookieParam
}

// ChromeSession owns one Chrome process. Tabs opened from it share cookies.
type ChromeSession struct {
	opts ChromeOptions

	allocCtx      context.Context
	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc

	closeOnce sync.Once
}

// NewChromeSession starts Chrome and installs opts.Cookies.
func NewChromeSession(ctx context.Context, opts ChromeOptions) (*ChromeSession, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	s := &ChromeSession{opts: opts}
	s.allocCtx, s.cancelAlloc = chromedp.NewExecAllocator(ctx, allocOpts...)
	s.browserCtx, s.cancelBrowser = chromedp.NewContext(s.allocCtx)

	// First Run launches the browser
	if err := chromedp.Run(s.browserCtx, network.Enable()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	if len(opts.Cookies) > 0 {
		if err := chromedp.Run(s.browserCtx, network.SetCookies(opts.Cookies)); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to install session cookies: %w", err)
		}
		log.Debugf("🍪 Installed %d session cookies", len(opts.Cookies))
	}

	return s, nil
}

// Run executes actions on the session's initial tab. Used by the login flow.
func (s *ChromeSession) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Cookies returns every cookie of the shared browser context.
func (s *ChromeSession) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := s.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return cookies, nil
}

// NewTab opens a tab with network events enabled.
func (s *ChromeSession) NewTab(ctx context.Context) (Tab, error) {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)

	t := &chromeTab{
		ctx:        tabCtx,
		cancel:     cancel,
		navTimeout: s.opts.NavigationTimeout,
		responses:  newResponseLog(),
		pending:    make(map[network.RequestID]*network.Response),
	}
	chromedp.ListenTarget(tabCtx, t.onEvent)

	openCtx, cancelOpen := context.WithTimeout(tabCtx, s.opts.NavigationTimeout)
	defer cancelOpen()
	stop := context.AfterFunc(ctx, cancelOpen)
	defer stop()

	if err := chromedp.Run(openCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return t, nil
}

// Close shuts the browser down. Safe to call more than once.
func (s *ChromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.browserCtx != nil {
			err = chromedp.Cancel(s.browserCtx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		}
		if s.cancelBrowser != nil {
			s.cancelBrowser()
		}
		if s.cancelAlloc != nil {
			s.cancelAlloc()
		}
	})
	return err
}

type chromeTab struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration

	responses *responseLog

	mu      sync.Mutex
	pending map[network.RequestID]*network.Response

	closeOnce sync.Once
}

// onEvent runs on chromedp's event goroutine and must not issue commands.
func (t *chromeTab) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		t.mu.Lock()
		t.pending[e.RequestID] = e.Response
		t.mu.Unlock()

	case *network.EventLoadingFinished:
		t.mu.Lock()
		resp, ok := t.pending[e.RequestID]
		delete(t.pending, e.RequestID)
		t.mu.Unlock()
		if ok {
			t.responses.add(string(e.RequestID), toResponse(resp))
		}

	case *network.EventLoadingFailed:
		t.mu.Lock()
		delete(t.pending, e.RequestID)
		t.mu.Unlock()
	}
}

func (t *chromeTab) Navigate(ctx context.Context, url string) (*Response, error) {
	t.responses.reset()
	return t.navigate(ctx, chromedp.Navigate(url))
}

func (t *chromeTab) Reload(ctx context.Context) (*Response, error) {
	t.responses.reset()
	return t.navigate(ctx, chromedp.Reload())
}

func (t *chromeTab) navigate(ctx context.Context, action chromedp.Action) (*Response, error) {
	runCtx, cancel := context.WithTimeout(t.ctx, t.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(runCtx, action)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	if resp == nil {
		return nil, errors.New("navigation produced no response")
	}

	r := toResponse(resp)
	return &r, nil
}

func (t *chromeTab) WaitForMatchingResponse(ctx context.Context, match func(string) bool, timeout time.Duration) (*Response, error) {
	found, err := t.responses.wait(ctx, match, timeout)
	if err != nil {
		return nil, err
	}

	resp := found.response
	body, err := t.body(ctx, network.RequestID(found.id))
	if err != nil {
		// Redirects and opaque responses have no retrievable body
		log.Debugf("No body for %s: %v", resp.URL, err)
	} else {
		resp.Body = body
	}
	return &resp, nil
}

func (t *chromeTab) body(ctx context.Context, id network.RequestID) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(t.ctx, t.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var body []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(c)
		return err
	}))
	return body, err
}

func (t *chromeTab) SetHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}

	runCtx, cancel := context.WithTimeout(t.ctx, t.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, network.SetExtraHTTPHeaders(h)); err != nil {
		return fmt.Errorf("failed to set headers: %w", err)
	}
	return nil
}

func (t *chromeTab) Close() error {
	t.closeOnce.Do(t.cancel)
	return nil
}

func toResponse(resp *network.Response) Response {
	headers := make(map[string]string, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[k] = fmt.Sprint(v)
	}
	return Response{
		URL:     resp.URL,
		Status:  int(resp.Status),
		Headers: headers,
	}
}
