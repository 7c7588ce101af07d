// Package metrics defines the Prometheus collectors shared by the pipeline and
// serves them on an optional HTTP endpoint.
//
// Collectors:
//   - steammarket_pages_processed_total{result}: catalogue pages by result (ok, failed, replayed)
//   - steammarket_items_enriched_total{outcome}: listings by enrichment outcome (ok, null_id, exhausted)
//   - steammarket_fetch_attempts_total{outcome}: fetch attempts by classified outcome
//   - steammarket_fetch_cooldowns_total{status}: cooldown cycles by observed status code
//   - steammarket_fetch_retry_exhausted_total: fetches that ran out of attempts
//   - steammarket_sink_rows_total{result}: rows appended to the sinks (ok, failed)
//   - steammarket_total_count_drift_total: pages whose total_count differed from page 0
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	PagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steammarket_pages_processed_total",
		Help: "Catalogue pages processed by result",
	}, []string{"result"})

	ItemsEnriched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steammarket_items_enriched_total",
		Help: "Listings enriched by outcome",
	}, []string{"outcome"})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steammarket_fetch_attempts_total",
		Help: "Fetch attempts by classified outcome",
	}, []string{"outcome"})

	FetchCooldowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steammarket_fetch_cooldowns_total",
		Help: "Cooldown cycles by observed status code",
	}, []string{"status"})

	FetchRetryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steammarket_fetch_retry_exhausted_total",
		Help: "Fetches that exhausted their attempt budget",
	})

	SinkRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steammarket_sink_rows_total",
		Help: "Rows appended to the output sinks by result",
	}, []string{"result"})

	TotalCountDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steammarket_total_count_drift_total",
		Help: "Pages whose total_count differed from the page 0 sample",
	})
)

// Serve exposes /metrics and /health on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("⚠️ Metrics server shutdown: %v", err)
		}
	}()

	log.Infof("📈 Serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
