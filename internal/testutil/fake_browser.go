// Package testutil provides in-memory browser fakes for tests.
package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"steammarket/parser/internal/browser"
)

// FakeTab is a scriptable browser.Tab. Unset hooks fall back to a 200
// navigation and a wait that times out.
type FakeTab struct {
	NavigateFn func(ctx context.Context, url string) (*browser.Response, error)
	ReloadFn   func(ctx context.Context) (*browser.Response, error)
	WaitFn     func(ctx context.Context, match func(string) bool, timeout time.Duration) (*browser.Response, error)

	mu          sync.Mutex
	navigations []string
	reloads     int
	headers     map[string]string
	closed      bool
}

func (t *FakeTab) Navigate(ctx context.Context, url string) (*browser.Response, error) {
	t.mu.Lock()
	t.navigations = append(t.navigations, url)
	fn := t.NavigateFn
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, url)
	}
	return &browser.Response{URL: url, Status: http.StatusOK}, nil
}

func (t *FakeTab) Reload(ctx context.Context) (*browser.Response, error) {
	t.mu.Lock()
	t.reloads++
	fn := t.ReloadFn
	last := ""
	if len(t.navigations) > 0 {
		last = t.navigations[len(t.navigations)-1]
	}
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return &browser.Response{URL: last, Status: http.StatusOK}, nil
}

func (t *FakeTab) WaitForMatchingResponse(ctx context.Context, match func(string) bool, timeout time.Duration) (*browser.Response, error) {
	if t.WaitFn != nil {
		return t.WaitFn(ctx, match, timeout)
	}
	return nil, browser.ErrWaitTimeout
}

func (t *FakeTab) SetHeaders(ctx context.Context, headers map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		t.headers[k] = v
	}
	return nil
}

func (t *FakeTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *FakeTab) Navigations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.navigations...)
}

func (t *FakeTab) Reloads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reloads
}

func (t *FakeTab) Header(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headers[name]
}

func (t *FakeTab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FakeSession hands out FakeTabs built by NewTabFn, or plain FakeTabs.
type FakeSession struct {
	NewTabFn func() *FakeTab

	mu     sync.Mutex
	tabs   []*FakeTab
	closed bool
}

func (s *FakeSession) NewTab(ctx context.Context) (browser.Tab, error) {
	tab := &FakeTab{}
	if s.NewTabFn != nil {
		tab = s.NewTabFn()
	}
	s.mu.Lock()
	s.tabs = append(s.tabs, tab)
	s.mu.Unlock()
	return tab, nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSession) Tabs() []*FakeTab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeTab(nil), s.tabs...)
}

func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
