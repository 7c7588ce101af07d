// Package pool enriches catalogue links concurrently across a fixed set of
// pre-warmed browser tabs.
package pool

import (
	"context"
	"fmt"
	"sync"

	"steammarket/parser/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Worker turns one link into a record. Enrich never fails: a record whose id
// could not be recovered carries a nil InternalID.
type Worker interface {
	Enrich(ctx context.Context, link domain.ListingReference) domain.EnrichedRecord
	Close() error
}

type Pool struct {
	workers []Worker
}

func New(workers []Worker) *Pool {
	return &Pool{workers: workers}
}

// Width is the largest batch EnrichBatch accepts.
func (p *Pool) Width() int {
	return len(p.workers)
}

// EnrichBatch assigns links[i] to worker i and waits for all of them.
// The result has the same length and order as links.
func (p *Pool) EnrichBatch(ctx context.Context, links []domain.ListingReference) ([]domain.EnrichedRecord, error) {
	if len(links) > len(p.workers) {
		return nil, fmt.Errorf("batch of %d links exceeds pool width %d", len(links), len(p.workers))
	}

	records := make([]domain.EnrichedRecord, len(links))

	var wg sync.WaitGroup
	for i, link := range links {
		wg.Add(1)
		go func(i int, worker Worker, link domain.ListingReference) {
			defer wg.Done()
			records[i] = worker.Enrich(ctx, link)
		}(i, p.workers[i], link)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes every worker.
func (p *Pool) Close() error {
	var firstErr error
	for i, w := range p.workers {
		if err := w.Close(); err != nil {
			log.Warnf("⚠️ Failed to close worker %d: %v", i, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
