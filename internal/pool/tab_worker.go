package pool

import (
	"context"
	"errors"
	"regexp"
	"time"

	"steammarket/parser/internal/browser"
	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/fetcher"
	"steammarket/parser/internal/metrics"

	log "github.com/sirupsen/logrus"
)

var itemNameIDPattern = regexp.MustCompile(`item_nameid=(\d+)`)

const itemNameIDMarker = "item_nameid="

type TabWorkerConfig struct {
	WaitTimeout time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration // 0 disables the ceiling
}

// TabWorker recovers item_nameid from the order-book request a listing page
// issues after it loads.
type TabWorker struct {
	id      int
	tab     browser.Tab
	fetcher *fetcher.Fetcher
	cfg     TabWorkerConfig
	now     func() time.Time
}

func NewTabWorker(id int, tab browser.Tab, f *fetcher.Fetcher, cfg TabWorkerConfig) *TabWorker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &TabWorker{
		id:      id,
		tab:     tab,
		fetcher: f,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (w *TabWorker) Enrich(ctx context.Context, link domain.ListingReference) domain.EnrichedRecord {
	start := w.now()

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		id, err := w.attempt(ctx, link)
		if err == nil {
			if id == "" {
				log.Warnf("⚠️ [worker %d] %s: matched request without a numeric item_nameid", w.id, link.DisplayName)
				metrics.ItemsEnriched.WithLabelValues("null_id").Inc()
				return domain.EnrichedRecord{DisplayName: link.DisplayName}
			}
			log.Debugf("[worker %d] %s, %s", w.id, link.DisplayName, id)
			metrics.ItemsEnriched.WithLabelValues("ok").Inc()
			return domain.NewEnrichedRecord(link.DisplayName, id)
		}

		log.Warnf("⚠️ [worker %d] %s: attempt %d/%d failed: %v", w.id, link.DisplayName, attempt, w.cfg.MaxAttempts, err)

		if w.cfg.MaxElapsed > 0 && w.now().Sub(start) >= w.cfg.MaxElapsed {
			break
		}
	}

	log.Errorf("❌ [worker %d] %s: giving up, writing without item_nameid", w.id, link.DisplayName)
	metrics.ItemsEnriched.WithLabelValues("exhausted").Inc()
	return domain.EnrichedRecord{DisplayName: link.DisplayName}
}

// attempt returns "" with a nil error when the matched URL carries no id.
func (w *TabWorker) attempt(ctx context.Context, link domain.ListingReference) (string, error) {
	if _, err := w.fetcher.Fetch(ctx, fetcher.Navigation(w.tab, link.DetailURL)); err != nil {
		return "", err
	}

	resp, err := w.tab.WaitForMatchingResponse(ctx, browser.URLContains(itemNameIDMarker), w.cfg.WaitTimeout)
	if err != nil {
		return "", err
	}

	return ExtractItemNameID(resp.URL), nil
}

// ExtractItemNameID returns the digits following item_nameid= in url, or "".
func ExtractItemNameID(url string) string {
	m := itemNameIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

func (w *TabWorker) Close() error {
	if err := w.tab.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
