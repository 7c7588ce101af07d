// Package browser defines the browsing-context capability the pipeline is
// built on, and a chromedp-backed implementation of it.
//
// A Tab navigates, reloads, and records every network response it observes
// after the last navigation. WaitForMatchingResponse is the primary way data
// is read: catalogue JSON and the detail page's follow-up requests are both
// intercepted at the network level, never scraped from the rendered DOM.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is returned when no matching response arrives in time.
var ErrWaitTimeout = errors.New("timed out waiting for matching response")

// Response is a network response observed by a tab. Body is only populated
// for responses returned by WaitForMatchingResponse.
type Response struct {
	URL     string
	Status  int
	Headers map[string]string
	Body    []byte
}

// Tab is one browsing context bound to an authenticated session.
type Tab interface {
	// Navigate loads url and returns the main document response.
	Navigate(ctx context.Context, url string) (*Response, error)
	// Reload reloads the current document.
	Reload(ctx context.Context) (*Response, error)
	// WaitForMatchingResponse returns the first response since the last
	// navigation whose URL satisfies match, waiting up to timeout.
	WaitForMatchingResponse(ctx context.Context, match func(url string) bool, timeout time.Duration) (*Response, error)
	// SetHeaders sets extra headers sent with every request of the tab.
	SetHeaders(ctx context.Context, headers map[string]string) error
	Close() error
}

// Session is an authenticated browser able to open tabs sharing its state.
type Session interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
}

// URLContains returns a matcher for WaitForMatchingResponse.
func URLContains(fragment string) func(string) bool {
	return func(url string) bool {
		return containsFold(url, fragment)
	}
}
