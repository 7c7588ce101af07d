package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"steammarket/parser/internal/browser"
	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/fetcher"

	log "github.com/sirupsen/logrus"
)

const searchRenderPath = "/market/search/render/"

// ErrEmptyPage is returned when the intercepted search response has no body.
var ErrEmptyPage = errors.New("empty catalogue response")

type CatalogueClient interface {
	GetPage(ctx context.Context, pageIndex int) (*domain.CatalogueResponse, error)
}

type Config struct {
	BaseURL       string
	AppID         string
	PageSize      int
	SortColumn    domain.SortColumn
	SortDirection domain.SortDirection
	WaitTimeout   time.Duration
}

type catalogueClient struct {
	cfg     Config
	tab     browser.Tab
	fetcher *fetcher.Fetcher
}

// NewCatalogueClient reads catalogue pages through tab. The tab should be
// dedicated to pagination: every GetPage navigates it.
func NewCatalogueClient(cfg Config, tab browser.Tab, f *fetcher.Fetcher) CatalogueClient {
	if cfg.SortColumn == "" {
		cfg.SortColumn = domain.SortColumnQuantity
	}
	if cfg.SortDirection == "" {
		cfg.SortDirection = domain.SortDirectionDesc
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Second
	}

	return &catalogueClient{
		cfg:     cfg,
		tab:     tab,
		fetcher: f,
	}
}

// searchResponse mirrors the norender=1 JSON of the search endpoint
type searchResponse struct {
	Success    bool   `json:"success"`
	Tip        string `json:"tip"`
	Start      int    `json:"start"`
	PageSize   int    `json:"pagesize"`
	TotalCount int    `json:"total_count"`
	Results    []struct {
		Name     string `json:"name"`
		HashName string `json:"hash_name"`
	} `json:"results"`
}

func (c *catalogueClient) GetPage(ctx context.Context, pageIndex int) (*domain.CatalogueResponse, error) {
	url := SearchURL(c.cfg, pageIndex)

	if _, err := c.fetcher.Fetch(ctx, fetcher.Navigation(c.tab, url)); err != nil {
		return nil, fmt.Errorf("failed to load catalogue page %d: %w", pageIndex, err)
	}

	resp, err := c.tab.WaitForMatchingResponse(ctx, browser.URLContains(searchRenderPath), c.cfg.WaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to intercept catalogue page %d: %w", pageIndex, err)
	}

	page, err := decodeCatalogue(resp.Body, c.cfg.BaseURL, c.cfg.AppID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalogue page %d: %w", pageIndex, err)
	}

	log.Debugf("📄 Page %d: %d items (total_count %d)", pageIndex, len(page.Items), page.TotalCount)
	return page, nil
}

func decodeCatalogue(body []byte, baseURL, appID string) (*domain.CatalogueResponse, error) {
	if len(body) == 0 {
		return nil, ErrEmptyPage
	}

	var raw searchResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if !raw.Success {
		return nil, fmt.Errorf("steam api error: %s", raw.Tip)
	}

	page := &domain.CatalogueResponse{
		Success:    raw.Success,
		Start:      raw.Start,
		TotalCount: raw.TotalCount,
		Items:      make([]domain.ListingReference, 0, len(raw.Results)),
	}
	for _, r := range raw.Results {
		page.Items = append(page.Items, domain.ListingReference{
			DisplayName: r.HashName,
			DetailURL:   DetailURL(baseURL, appID, r.HashName),
		})
	}
	return page, nil
}

// SearchURL builds the JSON search URL for the zero-based page index.
func SearchURL(cfg Config, pageIndex int) string {
	cursor := domain.PageCursor{PageIndex: pageIndex, PageSize: cfg.PageSize}

	q := url.Values{}
	q.Set("appid", cfg.AppID)
	q.Set("start", strconv.Itoa(cursor.Start()))
	q.Set("count", strconv.Itoa(cfg.PageSize))
	q.Set("search_descriptions", "0")
	q.Set("sort_column", cfg.SortColumn.String())
	q.Set("sort_dir", cfg.SortDirection.String())
	q.Set("norender", "1")

	return fmt.Sprintf("%s%s?%s", cfg.BaseURL, searchRenderPath, q.Encode())
}

// DetailURL returns the listing page URL for hashName.
func DetailURL(baseURL, appID, hashName string) string {
	return fmt.Sprintf("%s/market/listings/%s/%s", baseURL, appID, url.PathEscape(hashName))
}
