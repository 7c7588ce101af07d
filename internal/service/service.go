package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/domain/task"
	"steammarket/parser/internal/metrics"
	"steammarket/parser/internal/sink"
	"steammarket/parser/internal/state"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrAuthentication marks a run that never obtained a session.
	ErrAuthentication = errors.New("authentication failed")
	// ErrPagination marks a run whose first catalogue page could not be read.
	ErrPagination = errors.New("pagination failed")
)

type Cursor interface {
	GetPage(ctx context.Context, pageIndex int) (*domain.CatalogueResponse, error)
}

type Enricher interface {
	Width() int
	EnrichBatch(ctx context.Context, links []domain.ListingReference) ([]domain.EnrichedRecord, error)
}

// PageRetries stores pages that failed so they can be replayed.
type PageRetries interface {
	Push(ctx context.Context, t *task.PageRetryTask) error
	Pop(ctx context.Context) (*task.PageRetryTask, string, error)
	Ack(ctx context.Context, msgID string) error
}

type Options struct {
	AppID          string
	PageSize       int
	MaxPageRetries int
}

// Summary describes a finished run.
type Summary struct {
	TotalCount     int
	TotalPages     int
	StartPage      int
	PagesProcessed int
	PagesFailed    int // Pages still missing when the run ended
	PagesReplayed  int
	Rows           int
	MissingIDs     int
	Drift          int
}

type Service struct {
	cursor       Cursor
	enricher     Enricher
	sink         sink.Sink
	stateManager state.StateManager
	retries      PageRetries
	opts         Options

	totalCount int
	totalPages int

	// Pages given up on and not yet recovered, and pages recovered this run
	failed    map[int]struct{}
	recovered map[int]struct{}
}

// NewService wires the pipeline. A nil retries keeps failed pages in memory,
// so they are still replayed before the run ends.
func NewService(
	cursor Cursor,
	enricher Enricher,
	sink sink.Sink,
	stateManager state.StateManager,
	retries PageRetries,
	opts Options,
) *Service {
	if retries == nil {
		retries = newMemoryRetries()
	}
	return &Service{
		cursor:       cursor,
		enricher:     enricher,
		sink:         sink,
		stateManager: stateManager,
		retries:      retries,
		opts:         opts,
		failed:       map[int]struct{}{},
		recovered:    map[int]struct{}{},
	}
}

// Run indexes every catalogue page from the resume point on, then replays
// failed pages. Item and page failures are logged and skipped; only a failed
// first page or cancellation end the run with an error.
func (s *Service) Run(ctx context.Context) (summary Summary, err error) {
	defer func() {
		summary.PagesFailed = len(s.failed)
	}()

	start, err := s.stateManager.GetNextPage(ctx, s.opts.AppID)
	if err != nil {
		log.Warnf("⚠️ Failed to read progress, starting from page 0: %v", err)
		start = 0
	}
	summary.StartPage = start

	first, err := s.cursor.GetPage(ctx, 0)
	if err != nil {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		return summary, fmt.Errorf("%w: first page: %w", ErrPagination, err)
	}

	s.totalCount = first.TotalCount
	s.totalPages = domain.TotalPages(first.TotalCount, s.opts.PageSize)
	summary.TotalCount = s.totalCount
	summary.TotalPages = s.totalPages

	log.Infof("📚 App %s: %d listings across %d pages of %d", s.opts.AppID, s.totalCount, s.totalPages, s.opts.PageSize)
	if start > 0 {
		log.Infof("🔄 Continue from page %d", start)
	}
	s.requeueEarlierFailures(ctx)

	for k := start; k < s.totalPages; k++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page := first
		if k != 0 {
			page, err = s.cursor.GetPage(ctx, k)
			if err != nil {
				if ctx.Err() != nil {
					return summary, ctx.Err()
				}
				s.pageFailed(ctx, k, 0, err)
				continue
			}
		}

		if err := s.processPage(ctx, k, page, &summary); err != nil {
			return summary, err
		}
		metrics.PagesProcessed.WithLabelValues("ok").Inc()

		if err := s.stateManager.SetNextPage(ctx, s.opts.AppID, k+1); err != nil {
			log.Warnf("⚠️ Failed to save progress after page %d: %v", k, err)
		}
	}

	if err := s.drain(ctx, &summary); err != nil {
		return summary, err
	}

	if len(s.failed) > 0 {
		log.Errorf("❌ App %s: %d pages could not be fetched: %v", s.opts.AppID, len(s.failed), s.failedPages())
	}
	log.Infof("🎉 App %s done: %d rows written (%d without item_nameid), %d pages failed, %d replayed",
		s.opts.AppID, summary.Rows, summary.MissingIDs, len(s.failed), summary.PagesReplayed)
	return summary, nil
}

// requeueEarlierFailures queues the pages an earlier run gave up on, when the
// state manager remembers them.
func (s *Service) requeueEarlierFailures(ctx context.Context) {
	tracker, ok := s.stateManager.(state.FailedPageTracker)
	if !ok {
		return
	}
	pages, err := tracker.GetFailedPages(ctx, s.opts.AppID)
	if err != nil {
		log.Warnf("⚠️ Failed to read pages skipped by an earlier run: %v", err)
		return
	}

	for _, k := range pages {
		s.failed[k] = struct{}{}
		if s.opts.MaxPageRetries <= 0 {
			continue
		}
		retryTask := &task.PageRetryTask{AppID: s.opts.AppID, PageIndex: k, PageSize: s.opts.PageSize}
		if err := s.retries.Push(ctx, retryTask); err != nil {
			log.Errorf("❌ Failed to add page %d to retry queue: %v", k, err)
		}
	}
	if len(pages) > 0 {
		log.Infof("🔄 Replaying %d pages skipped by an earlier run: %v", len(pages), pages)
	}
}

// processPage enriches a page in pool-width chunks and writes it. Nothing of
// the page is written unless every chunk was enriched.
func (s *Service) processPage(ctx context.Context, k int, page *domain.CatalogueResponse, summary *Summary) error {
	if page.TotalCount != s.totalCount {
		log.Warnf("⚠️ Page %d reports total_count %d, page 0 reported %d; keeping %d pages",
			k, page.TotalCount, s.totalCount, s.totalPages)
		metrics.TotalCountDrift.Inc()
		summary.Drift++
	}

	links := page.Items
	if len(links) == 0 {
		log.Warnf("⚠️ Page %d returned no items", k)
	}

	records := make([]domain.EnrichedRecord, 0, len(links))
	width := max(1, s.enricher.Width())
	for off := 0; off < len(links); off += width {
		batch := links[off:min(off+width, len(links))]
		enriched, err := s.enricher.EnrichBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to enrich page %d: %w", k, err)
		}
		records = append(records, enriched...)
	}

	for _, rec := range records {
		if err := s.sink.Append(ctx, rec); err != nil {
			log.Warnf("⚠️ Failed to write %q: %v", rec.DisplayName, err)
			continue
		}
		summary.Rows++
		if !rec.HasID() {
			summary.MissingIDs++
		}
	}
	if err := s.sink.Flush(); err != nil {
		log.Warnf("⚠️ Failed to flush page %d: %v", k, err)
	}

	summary.PagesProcessed++
	log.Infof("✅ Page %d/%d: %d items, %d rows total", k+1, s.totalPages, len(links), summary.Rows)
	return nil
}

// pageFailed records page k as missing and queues it for another attempt
// while it has retries left.
func (s *Service) pageFailed(ctx context.Context, k, retryCount int, cause error) {
	metrics.PagesProcessed.WithLabelValues("failed").Inc()
	s.markFailed(ctx, k, true)

	if retryCount >= s.opts.MaxPageRetries {
		log.Errorf("❌ Giving up on page %d after %d retries: %v", k, retryCount, cause)
		return
	}

	retryTask := &task.PageRetryTask{
		AppID:      s.opts.AppID,
		PageIndex:  k,
		PageSize:   s.opts.PageSize,
		RetryCount: retryCount,
		Error:      cause.Error(),
	}
	if err := s.retries.Push(ctx, retryTask); err != nil {
		log.Errorf("❌ Failed to add page %d to retry queue: %v", k, err)
		return
	}
	log.Warnf("🔄 Added page %d to retry queue due to fetch failure: %v", k, cause)
}

func (s *Service) markFailed(ctx context.Context, k int, failed bool) {
	_, known := s.failed[k]
	if known == failed {
		return
	}
	if failed {
		s.failed[k] = struct{}{}
	} else {
		delete(s.failed, k)
	}

	tracker, ok := s.stateManager.(state.FailedPageTracker)
	if !ok {
		return
	}
	if err := tracker.SetFailedPages(ctx, s.opts.AppID, s.failedPages()); err != nil {
		log.Warnf("⚠️ Failed to save skipped pages: %v", err)
	}
}

func (s *Service) failedPages() []int {
	pages := make([]int, 0, len(s.failed))
	for k := range s.failed {
		pages = append(pages, k)
	}
	slices.Sort(pages)
	return pages
}

// drain replays queued pages until the queue is empty. A page is pushed back
// with an incremented count until it has been replayed MaxPageRetries times.
func (s *Service) drain(ctx context.Context, summary *Summary) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		retryTask, msgID, err := s.retries.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("⚠️ Failed to read retry queue, stopping replay: %v", err)
			return nil
		}
		if retryTask == nil {
			return nil
		}

		if err := s.replay(ctx, retryTask, summary); err != nil {
			return err
		}

		if err := s.retries.Ack(ctx, msgID); err != nil {
			log.Warnf("⚠️ %v", err)
		}
	}
}

func (s *Service) replay(ctx context.Context, retryTask *task.PageRetryTask, summary *Summary) error {
	if retryTask.AppID != s.opts.AppID || retryTask.PageSize != s.opts.PageSize {
		log.Warnf("⚠️ Dropping retry of page %d for app %s page size %d: not this run's catalogue",
			retryTask.PageIndex, retryTask.AppID, retryTask.PageSize)
		return nil
	}
	if _, ok := s.recovered[retryTask.PageIndex]; ok {
		log.Debugf("Page %d already recovered, dropping duplicate retry", retryTask.PageIndex)
		return nil
	}

	attempt := retryTask.RetryCount + 1
	log.Infof("🔄 Retrying page %d (attempt %d/%d)", retryTask.PageIndex, attempt, s.opts.MaxPageRetries)

	page, err := s.cursor.GetPage(ctx, retryTask.PageIndex)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.pageFailed(ctx, retryTask.PageIndex, attempt, err)
		return nil
	}

	if err := s.processPage(ctx, retryTask.PageIndex, page, summary); err != nil {
		return err
	}
	s.recovered[retryTask.PageIndex] = struct{}{}
	s.markFailed(ctx, retryTask.PageIndex, false)

	summary.PagesReplayed++
	metrics.PagesProcessed.WithLabelValues("replayed").Inc()
	log.Infof("✅ Recovered page %d after %d retries", retryTask.PageIndex, attempt)
	return nil
}
