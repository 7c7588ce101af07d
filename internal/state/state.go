package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"steammarket/parser/internal/sink"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// StateManager remembers the next catalogue page to process for an app.
type StateManager interface {
	GetNextPage(ctx context.Context, appID string) (int, error)
	SetNextPage(ctx context.Context, appID string, page int) error
}

// FailedPageTracker is implemented by state managers that must remember
// pages skipped below the checkpoint so a later run can replay them.
type FailedPageTracker interface {
	GetFailedPages(ctx context.Context, appID string) ([]int, error)
	SetFailedPages(ctx context.Context, appID string, pages []int) error
}

type redisStateManager struct {
	redisClient *redis.Client
	keyPrefix   string
}

func NewRedisStateManager(redisClient *redis.Client) StateManager {
	return &redisStateManager{
		redisClient: redisClient,
		keyPrefix:   "steammarket:progress:page:",
	}
}

func (s *redisStateManager) GetNextPage(ctx context.Context, appID string) (int, error) {
	key := s.keyPrefix + appID
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil // No progress saved yet
		}
		return 0, fmt.Errorf("failed to get next page for app %s: %w", appID, err)
	}

	page, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("failed to parse page number for app %s: %w", appID, err)
	}

	return page, nil
}

func (s *redisStateManager) SetNextPage(ctx context.Context, appID string, page int) error {
	key := s.keyPrefix + appID
	err := s.redisClient.Set(ctx, key, page, 0).Err() // No expiration
	if err != nil {
		return fmt.Errorf("failed to set next page for app %s: %w", appID, err)
	}
	return nil
}

type fileStateManager struct {
	path     string
	pageSize int
}

// NewFileStateManager derives progress from the rows already in the CSV at
// path. Pages a run gave up on are kept in <path>.failed: they are below the
// checkpoint but missing from the file. A trailing partial page is processed
// again, so its rows may repeat.
func NewFileStateManager(path string, pageSize int) StateManager {
	return &fileStateManager{path: path, pageSize: pageSize}
}

func (s *fileStateManager) failedPath() string {
	return s.path + ".failed"
}

func (s *fileStateManager) GetNextPage(ctx context.Context, appID string) (int, error) {
	rows, err := sink.CountRows(s.path)
	if err != nil {
		return 0, err
	}
	if s.pageSize <= 0 {
		return 0, nil
	}
	if rows == 0 {
		// A fresh output file starts over, so earlier failures no longer apply
		return 0, s.SetFailedPages(ctx, appID, nil)
	}
	if rows%s.pageSize != 0 {
		log.Warnf("⚠️ %s holds %d rows, not a multiple of page size %d; the last partial page will be fetched again",
			s.path, rows, s.pageSize)
	}

	failed, err := s.GetFailedPages(ctx, appID)
	if err != nil {
		return 0, err
	}
	if len(failed) > 0 {
		log.Warnf("⚠️ %d pages of an earlier run are missing from %s: %v", len(failed), s.path, failed)
	}
	return rows/s.pageSize + len(failed), nil
}

// SetNextPage is a no-op: the output file is the checkpoint.
func (s *fileStateManager) SetNextPage(ctx context.Context, appID string, page int) error {
	return nil
}

type failedPages struct {
	AppID string `json:"app_id"`
	Pages []int  `json:"pages"`
}

func (s *fileStateManager) GetFailedPages(ctx context.Context, appID string) ([]int, error) {
	b, err := os.ReadFile(s.failedPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read failed pages: %w", err)
	}

	var fp failedPages
	if err := json.Unmarshal(b, &fp); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.failedPath(), err)
	}
	if fp.AppID != appID {
		return nil, fmt.Errorf("%s belongs to app %s, not %s", s.failedPath(), fp.AppID, appID)
	}
	return fp.Pages, nil
}

// SetFailedPages replaces the recorded pages. An empty list removes the file.
func (s *fileStateManager) SetFailedPages(ctx context.Context, appID string, pages []int) error {
	if len(pages) == 0 {
		if err := os.Remove(s.failedPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to clear failed pages: %w", err)
		}
		return nil
	}

	sorted := slices.Sorted(slices.Values(pages))
	b, err := json.Marshal(failedPages{AppID: appID, Pages: sorted})
	if err != nil {
		return err
	}

	tmp := s.failedPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to save failed pages: %w", err)
	}
	if err := os.Rename(tmp, s.failedPath()); err != nil {
		return fmt.Errorf("failed to save failed pages: %w", err)
	}
	return nil
}

type noStateManager struct{}

// NewNoStateManager always starts from page 0.
func NewNoStateManager() StateManager {
	return noStateManager{}
}

func (noStateManager) GetNextPage(ctx context.Context, appID string) (int, error) { return 0, nil }

func (noStateManager) SetNextPage(ctx context.Context, appID string, page int) error { return nil }
