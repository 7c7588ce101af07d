package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/domain/task"
	"steammarket/parser/internal/sink"
	"steammarket/parser/internal/state"
)

// fakeCursor serves a catalogue of n items; fail lists how many times each
// page index fails before succeeding (-1 fails forever).
type fakeCursor struct {
	total    int
	pageSize int
	fail     map[int]int
	drift    map[int]int

	mu    sync.Mutex
	calls []int
}

func (c *fakeCursor) GetPage(ctx context.Context, k int) (*domain.CatalogueResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, k)

	if n, ok := c.fail[k]; ok && n != 0 {
		if n > 0 {
			c.fail[k] = n - 1
		}
		return nil, fmt.Errorf("page %d: status 500", k)
	}

	total := c.total
	if d, ok := c.drift[k]; ok {
		total = d
	}
	resp := &domain.CatalogueResponse{Success: true, Start: k * c.pageSize, TotalCount: total}
	for i := k * c.pageSize; i < min((k+1)*c.pageSize, c.total); i++ {
		resp.Items = append(resp.Items, domain.ListingReference{
			DisplayName: fmt.Sprintf("item-%d", i),
			DetailURL:   fmt.Sprintf("https://example.com/item-%d", i),
		})
	}
	return resp, nil
}

func (c *fakeCursor) Calls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.calls...)
}

// fakeEnricher assigns id "<n>" to item-<n> and leaves ids listed in
// missing empty.
type fakeEnricher struct {
	width   int
	missing map[string]bool
	batches []int
	onBatch func()
}

func (e *fakeEnricher) Width() int { return e.width }

func (e *fakeEnricher) EnrichBatch(ctx context.Context, links []domain.ListingReference) ([]domain.EnrichedRecord, error) {
	if len(links) > e.width {
		return nil, fmt.Errorf("batch of %d exceeds width %d", len(links), e.width)
	}
	e.batches = append(e.batches, len(links))
	if e.onBatch != nil {
		e.onBatch()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.EnrichedRecord, len(links))
	for i, l := range links {
		if e.missing[l.DisplayName] {
			out[i] = domain.EnrichedRecord{DisplayName: l.DisplayName}
			continue
		}
		out[i] = domain.NewEnrichedRecord(l.DisplayName, strings.TrimPrefix(l.DisplayName, "item-"))
	}
	return out, nil
}

type memRetries struct {
	queue  []*task.PageRetryTask
	pushed int
	acked  int
}

func (m *memRetries) Push(ctx context.Context, t *task.PageRetryTask) error {
	cp := *t
	m.queue = append(m.queue, &cp)
	m.pushed++
	return nil
}

func (m *memRetries) Pop(ctx context.Context) (*task.PageRetryTask, string, error) {
	if len(m.queue) == 0 {
		return nil, "", nil
	}
	t := m.queue[0]
	m.queue = m.queue[1:]
	return t, fmt.Sprintf("%d-0", t.PageIndex), nil
}

func (m *memRetries) Ack(ctx context.Context, msgID string) error {
	m.acked++
	return nil
}

type fixedState struct {
	next  int
	saved []int
}

func (s *fixedState) GetNextPage(ctx context.Context, appID string) (int, error) { return s.next, nil }

func (s *fixedState) SetNextPage(ctx context.Context, appID string, page int) error {
	s.saved = append(s.saved, page)
	return nil
}

func openSink(t *testing.T) (*sink.CSVSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "730.csv")
	s, err := sink.Open(path)
	if err != nil {
		t.Fatalf("sink.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func dataRows(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if lines[0] != "hash_name,item_nameid" {
		t.Fatalf("header = %q", lines[0])
	}
	return lines[1:]
}

func TestRun_EndToEnd(t *testing.T) {
	cursor := &fakeCursor{total: 3, pageSize: 2}
	enricher := &fakeEnricher{width: 2}
	out, path := openSink(t)
	st := &fixedState{}

	svc := NewService(cursor, enricher, out, st, nil, Options{AppID: "730", PageSize: 2, MaxPageRetries: 3})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"item-0,0", "item-1,1", "item-2,2"}
	got := dataRows(t, path)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("rows = %v, want %v", got, want)
	}
	if fmt.Sprint(enricher.batches) != "[2 1]" {
		t.Errorf("batches = %v, want [2 1]", enricher.batches)
	}
	// Page 0 is read once and reused
	if fmt.Sprint(cursor.Calls()) != "[0 1]" {
		t.Errorf("cursor calls = %v, want [0 1]", cursor.Calls())
	}
	if fmt.Sprint(st.saved) != "[1 2]" {
		t.Errorf("checkpoints = %v, want [1 2]", st.saved)
	}
	if summary.TotalPages != 2 || summary.Rows != 3 || summary.PagesProcessed != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRun_FirstPageFailureIsFatal(t *testing.T) {
	cursor := &fakeCursor{total: 3, pageSize: 2, fail: map[int]int{0: -1}}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 2})
	_, err := svc.Run(context.Background())
	if !errors.Is(err, ErrPagination) {
		t.Fatalf("Run() error = %v, want ErrPagination", err)
	}
	if rows := dataRows(t, path); len(rows) != 0 {
		t.Errorf("rows = %v, want none", rows)
	}
}

func TestRun_PageFailureIsSkipped(t *testing.T) {
	cursor := &fakeCursor{total: 6, pageSize: 2, fail: map[int]int{1: -1}}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 2})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "item-0,0|item-1,1|item-4,4|item-5,5"
	if got := strings.Join(dataRows(t, path), "|"); got != want {
		t.Errorf("rows = %s, want %s", got, want)
	}
	if summary.PagesFailed != 1 || summary.PagesProcessed != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRun_ReplaysFailedPage(t *testing.T) {
	cursor := &fakeCursor{total: 6, pageSize: 2, fail: map[int]int{1: 1}}
	retries := &memRetries{}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), retries, Options{AppID: "730", PageSize: 2, MaxPageRetries: 3})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "item-0,0|item-1,1|item-4,4|item-5,5|item-2,2|item-3,3"
	if got := strings.Join(dataRows(t, path), "|"); got != want {
		t.Errorf("rows = %s, want %s", got, want)
	}
	if summary.PagesReplayed != 1 || retries.pushed != 1 || retries.acked != 1 {
		t.Errorf("summary = %+v, pushed %d, acked %d", summary, retries.pushed, retries.acked)
	}
}

func TestRun_ReplayGivesUp(t *testing.T) {
	cursor := &fakeCursor{total: 4, pageSize: 2, fail: map[int]int{1: -1}}
	retries := &memRetries{}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), retries, Options{AppID: "730", PageSize: 2, MaxPageRetries: 2})
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// One failure in the main loop, then two replays
	pageOneCalls := 0
	for _, k := range cursor.Calls() {
		if k == 1 {
			pageOneCalls++
		}
	}
	if pageOneCalls != 3 {
		t.Errorf("page 1 fetched %d times, want 3", pageOneCalls)
	}
	if retries.pushed != 2 || retries.acked != 2 || len(retries.queue) != 0 {
		t.Errorf("pushed %d, acked %d, left %d", retries.pushed, retries.acked, len(retries.queue))
	}
	if rows := dataRows(t, path); len(rows) != 2 {
		t.Errorf("rows = %v, want page 0 only", rows)
	}
}

func TestRun_ReplaySkipsForeignTasks(t *testing.T) {
	cursor := &fakeCursor{total: 2, pageSize: 2}
	retries := &memRetries{queue: []*task.PageRetryTask{{AppID: "440", PageIndex: 0, PageSize: 2}}}
	out, _ := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), retries, Options{AppID: "730", PageSize: 2, MaxPageRetries: 2})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.PagesReplayed != 0 || retries.acked != 1 {
		t.Errorf("summary = %+v, acked %d", summary, retries.acked)
	}
}

func TestRun_ChunksPagesWiderThanPool(t *testing.T) {
	cursor := &fakeCursor{total: 5, pageSize: 5}
	enricher := &fakeEnricher{width: 2}
	out, path := openSink(t)

	svc := NewService(cursor, enricher, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 5})
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if fmt.Sprint(enricher.batches) != "[2 2 1]" {
		t.Errorf("batches = %v, want [2 2 1]", enricher.batches)
	}
	if rows := dataRows(t, path); len(rows) != 5 || rows[4] != "item-4,4" {
		t.Errorf("rows = %v", rows)
	}
}

func TestRun_DriftIsReportedNotApplied(t *testing.T) {
	cursor := &fakeCursor{total: 4, pageSize: 2, drift: map[int]int{1: 40}}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 2})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Drift != 1 || summary.TotalPages != 2 {
		t.Errorf("summary = %+v, want one drift and 2 pages", summary)
	}
	if rows := dataRows(t, path); len(rows) != 4 {
		t.Errorf("rows = %d, want 4", len(rows))
	}
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	cursor := &fakeCursor{total: 6, pageSize: 2}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, &fixedState{next: 2}, nil, Options{AppID: "730", PageSize: 2})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := strings.Join(dataRows(t, path), "|"); got != "item-4,4|item-5,5" {
		t.Errorf("rows = %s, want only page 2", got)
	}
	if summary.StartPage != 2 || fmt.Sprint(cursor.Calls()) != "[0 2]" {
		t.Errorf("start %d, calls %v", summary.StartPage, cursor.Calls())
	}
}

func TestRun_NullIDsAreWritten(t *testing.T) {
	cursor := &fakeCursor{total: 2, pageSize: 2}
	out, path := openSink(t)
	enricher := &fakeEnricher{width: 2, missing: map[string]bool{"item-1": true}}

	svc := NewService(cursor, enricher, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 2})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(dataRows(t, path), "|"); got != "item-0,0|item-1," {
		t.Errorf("rows = %s", got)
	}
	if summary.MissingIDs != 1 {
		t.Errorf("MissingIDs = %d, want 1", summary.MissingIDs)
	}
}

func TestRun_CancelStopsBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursor := &fakeCursor{total: 6, pageSize: 2}
	enricher := &fakeEnricher{width: 2}
	enricher.onBatch = func() {
		if len(enricher.batches) == 2 {
			cancel()
		}
	}
	out, path := openSink(t)

	svc := NewService(cursor, enricher, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 2})
	_, err := svc.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	// Page 1 was cancelled mid-enrichment and must not be half written
	if got := strings.Join(dataRows(t, path), "|"); got != "item-0,0|item-1,1" {
		t.Errorf("rows = %s, want page 0 only", got)
	}
}

func TestRun_ReplaysWithoutQueue(t *testing.T) {
	cursor := &fakeCursor{total: 6, pageSize: 2, fail: map[int]int{1: 1}}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), nil, Options{AppID: "730", PageSize: 2, MaxPageRetries: 2})
	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "item-0,0|item-1,1|item-4,4|item-5,5|item-2,2|item-3,3"
	if got := strings.Join(dataRows(t, path), "|"); got != want {
		t.Errorf("rows = %s, want %s", got, want)
	}
	if summary.PagesReplayed != 1 || summary.PagesFailed != 0 {
		t.Errorf("summary = %+v, want one replayed page and none failed", summary)
	}
}

func TestRun_FileResumeAfterSkippedPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "730.csv")
	opts := Options{AppID: "730", PageSize: 2, MaxPageRetries: 1}

	// Page 1 never loads during the first run
	first, err := sink.Open(path)
	if err != nil {
		t.Fatalf("sink.Open() error = %v", err)
	}
	cursor := &fakeCursor{total: 6, pageSize: 2, fail: map[int]int{1: -1}}
	summary, err := NewService(cursor, &fakeEnricher{width: 2}, first, state.NewFileStateManager(path, 2), nil, opts).
		Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if summary.PagesFailed != 1 {
		t.Errorf("first run PagesFailed = %d, want 1", summary.PagesFailed)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path + ".failed"); err != nil {
		t.Fatalf("skipped page not recorded: %v", err)
	}

	second, err := sink.Open(path)
	if err != nil {
		t.Fatalf("sink.Open() error = %v", err)
	}
	defer second.Close()
	cursor = &fakeCursor{total: 6, pageSize: 2}
	summary, err = NewService(cursor, &fakeEnricher{width: 2}, second, state.NewFileStateManager(path, 2), nil, opts).
		Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if summary.StartPage != 3 || fmt.Sprint(cursor.Calls()) != "[0 1]" {
		t.Errorf("start %d, calls %v, want start 3 and calls [0 1]", summary.StartPage, cursor.Calls())
	}
	want := "item-0,0|item-1,1|item-4,4|item-5,5|item-2,2|item-3,3"
	if got := strings.Join(dataRows(t, path), "|"); got != want {
		t.Errorf("rows = %s, want %s", got, want)
	}
	if summary.PagesReplayed != 1 || summary.PagesFailed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if _, err := os.Stat(path + ".failed"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("skipped pages still recorded after recovery: %v", err)
	}
}

func TestRun_DuplicateRetryIsDropped(t *testing.T) {
	cursor := &fakeCursor{total: 4, pageSize: 2, fail: map[int]int{1: 1}}
	retries := &memRetries{queue: []*task.PageRetryTask{{AppID: "730", PageIndex: 1, PageSize: 2}}}
	out, path := openSink(t)

	svc := NewService(cursor, &fakeEnricher{width: 2}, out, state.NewNoStateManager(), retries, Options{AppID: "730", PageSize: 2, MaxPageRetries: 2})
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Page 1 is written once although two retries were queued for it
	if got := strings.Join(dataRows(t, path), "|"); got != "item-0,0|item-1,1|item-2,2|item-3,3" {
		t.Errorf("rows = %s", got)
	}
	if fmt.Sprint(cursor.Calls()) != "[0 1 1]" || retries.acked != 2 {
		t.Errorf("calls %v, acked %d, want [0 1 1] and 2", cursor.Calls(), retries.acked)
	}
}
