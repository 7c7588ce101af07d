package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"steammarket/parser/internal/browser"
	"steammarket/parser/internal/config"
	"steammarket/parser/internal/service"
	"steammarket/parser/internal/testutil"
)

type fakeProvider struct {
	session *testutil.FakeSession
	err     error
}

func (p *fakeProvider) AcquireSession(ctx context.Context, creds config.Credentials) (browser.Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.session, nil
}

// marketTab answers catalogue navigations with JSON for a catalogue of
// total items and listing navigations with an order-book request.
func marketTab(total int) *testutil.FakeTab {
	tab := &testutil.FakeTab{}
	tab.WaitFn = func(ctx context.Context, match func(string) bool, timeout time.Duration) (*browser.Response, error) {
		navs := tab.Navigations()
		if len(navs) == 0 {
			return nil, browser.ErrWaitTimeout
		}
		last := navs[len(navs)-1]

		if strings.Contains(last, "/market/search/render/") && match(last) {
			u, _ := url.Parse(last)
			start, _ := strconv.Atoi(u.Query().Get("start"))
			count, _ := strconv.Atoi(u.Query().Get("count"))
			var results []string
			for i := start; i < min(start+count, total); i++ {
				results = append(results, fmt.Sprintf(`{"hash_name": "Item, No. %d"}`, i))
			}
			body := fmt.Sprintf(`{"success": true, "start": %d, "total_count": %d, "results": [%s]}`,
				start, total, strings.Join(results, ","))
			return &browser.Response{URL: last, Status: http.StatusOK, Body: []byte(body)}, nil
		}

		if i := strings.Index(last, "No.%20"); i >= 0 {
			orderBook := "https://steamcommunity.com/market/itemordershistogram?item_nameid=" + last[i+len("No.%20"):]
			if match(orderBook) {
				return &browser.Response{URL: orderBook, Status: http.StatusOK}, nil
			}
		}
		return nil, browser.ErrWaitTimeout
	}
	return tab
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Steam: config.SteamConfig{
			BaseURL:       "https://steamcommunity.com",
			AppID:         "730",
			PageSize:      2,
			PoolSize:      2,
			SortColumn:    "quantity",
			SortDirection: "desc",
		},
		Fetcher:    config.FetcherConfig{Policy: "strict", MaxAttempts: 1, MaxPageRetries: 1},
		Enrichment: config.EnrichmentConfig{WaitTimeout: time.Second, MaxAttempts: 1},
		Browser:    config.BrowserConfig{Referer: "https://steamcommunity.com/market"},
		Session:    config.SessionConfig{Mode: "cookies"},
		Resume:     config.ResumeConfig{Mode: "file"},
		Output:     config.OutputConfig{Path: t.TempDir()},
	}
}

func TestRun_WiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	sess := &testutil.FakeSession{NewTabFn: func() *testutil.FakeTab { return marketTab(3) }}

	c := New(cfg)
	c.Sessions = &fakeProvider{session: sess}

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Rows != 3 || summary.MissingIDs != 0 {
		t.Errorf("summary = %+v", summary)
	}

	b, err := os.ReadFile(filepath.Join(cfg.Output.Path, "730.csv"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := "hash_name,item_nameid\n\"Item, No. 0\",0\n\"Item, No. 1\",1\n\"Item, No. 2\",2\n"
	if string(b) != want {
		t.Errorf("csv = %q, want %q", string(b), want)
	}

	tabs := sess.Tabs()
	if len(tabs) != 3 {
		t.Fatalf("tabs = %d, want main + 2 workers", len(tabs))
	}
	for i, tab := range tabs {
		if !tab.Closed() {
			t.Errorf("tab %d left open", i)
		}
		if tab.Header("Referer") != "https://steamcommunity.com/market" {
			t.Errorf("tab %d Referer = %q", i, tab.Header("Referer"))
		}
	}
	if !sess.Closed() {
		t.Error("session left open")
	}
}

func TestRun_ResumesFromOutputFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Output.Path, "730.csv")
	if err := os.WriteFile(path, []byte("hash_name,item_nameid\n\"Item, No. 0\",0\n\"Item, No. 1\",1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sess := &testutil.FakeSession{NewTabFn: func() *testutil.FakeTab { return marketTab(3) }}

	c := New(cfg)
	c.Sessions = &fakeProvider{session: sess}

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.StartPage != 1 || summary.Rows != 1 {
		t.Errorf("summary = %+v, want start 1 and one new row", summary)
	}

	b, _ := os.ReadFile(path)
	if strings.Count(string(b), "hash_name") != 1 || strings.Count(string(b), "\n") != 4 {
		t.Errorf("csv = %q", string(b))
	}
}

func TestRun_AuthenticationFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Path = filepath.Join(t.TempDir(), "out") + "/"
	c := New(cfg)
	c.Sessions = &fakeProvider{err: errors.New("cookie file missing")}

	_, err := c.Run(context.Background())
	if !errors.Is(err, service.ErrAuthentication) {
		t.Errorf("Run() error = %v, want ErrAuthentication", err)
	}

	// The run aborts before any output exists
	if _, err := os.Stat(filepath.Join(cfg.Output.Path, "730.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat(730.csv) error = %v, want not exist", err)
	}
	if _, err := os.Stat(cfg.Output.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat(output dir) error = %v, want not exist", err)
	}
}

func TestRun_PaginationFailureReleasesTabs(t *testing.T) {
	sess := &testutil.FakeSession{NewTabFn: func() *testutil.FakeTab {
		return &testutil.FakeTab{
			NavigateFn: func(ctx context.Context, url string) (*browser.Response, error) {
				return &browser.Response{URL: url, Status: http.StatusForbidden}, nil
			},
		}
	}}
	c := New(testConfig(t))
	c.Sessions = &fakeProvider{session: sess}

	_, err := c.Run(context.Background())
	if !errors.Is(err, service.ErrPagination) {
		t.Fatalf("Run() error = %v, want ErrPagination", err)
	}
	for i, tab := range sess.Tabs() {
		if !tab.Closed() {
			t.Errorf("tab %d left open", i)
		}
	}
	if !sess.Closed() {
		t.Error("session left open")
	}
}
