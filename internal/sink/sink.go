// Package sink persists enriched records as they are produced.
package sink

import (
	"context"
	"errors"

	"steammarket/parser/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Sink receives records in page order. Append may buffer; Flush makes every
// appended record durable.
type Sink interface {
	Append(ctx context.Context, rec domain.EnrichedRecord) error
	Flush() error
	Close() error
}

type tee struct {
	primary Sink
	mirrors []Sink
}

// Tee writes every record to primary and copies it to mirrors. Append fails
// only when primary fails; a mirror failure is logged and the record still
// counts as written. Flush and Close reach every sink and join their errors.
func Tee(primary Sink, mirrors ...Sink) Sink {
	if len(mirrors) == 0 {
		return primary
	}
	return &tee{primary: primary, mirrors: mirrors}
}

func (t *tee) all() []Sink {
	return append([]Sink{t.primary}, t.mirrors...)
}

func (t *tee) Append(ctx context.Context, rec domain.EnrichedRecord) error {
	if err := t.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Append(ctx, rec); err != nil {
			log.Warnf("⚠️ Failed to mirror %q: %v", rec.DisplayName, err)
		}
	}
	return nil
}

func (t *tee) Flush() error {
	var errs []error
	for _, s := range t.all() {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *tee) Close() error {
	var errs []error
	for _, s := range t.all() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
