package sink

import (
	"context"

	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/metrics"
	"steammarket/parser/internal/repository"
)

type repositorySink struct {
	repo  repository.ListingRepository
	appID string
}

// NewRepositorySink mirrors records into the database. Writes are not
// buffered, so Flush and Close are no-ops.
func NewRepositorySink(repo repository.ListingRepository, appID string) Sink {
	return &repositorySink{repo: repo, appID: appID}
}

func (s *repositorySink) Append(ctx context.Context, rec domain.EnrichedRecord) error {
	if err := s.repo.SaveListing(ctx, s.appID, rec); err != nil {
		metrics.SinkRows.WithLabelValues("failed").Inc()
		return err
	}
	metrics.SinkRows.WithLabelValues("ok").Inc()
	return nil
}

func (s *repositorySink) Flush() error { return nil }

func (s *repositorySink) Close() error { return nil }
