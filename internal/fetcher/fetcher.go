package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"steammarket/parser/internal/browser"
	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/metrics"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

// ErrRetryExhausted is wrapped by every error returned after the attempt or
// elapsed-time budget ran out.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Policy decides which statuses trigger a cooldown.
type Policy int

const (
	// PolicyStrict retries on any status other than 200.
	PolicyStrict Policy = iota
	// PolicyRateLimitOnly retries on 429 only and accepts everything else.
	PolicyRateLimitOnly
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "strict":
		return PolicyStrict, nil
	case "rate_limit_only":
		return PolicyRateLimitOnly, nil
	default:
		return PolicyStrict, fmt.Errorf("unknown fetch policy %q", s)
	}
}

type Config struct {
	Policy            Policy
	Cooldown          time.Duration
	MaxAttempts       int
	MaxElapsed        time.Duration // 0 disables the elapsed ceiling
	RequestsPerSecond int           // 0 disables pacing
}

// Request is one logical fetch. Do performs the first attempt, Redo every
// following one; a nil Redo repeats Do.
type Request struct {
	Label string
	Do    func(ctx context.Context) (*browser.Response, error)
	Redo  func(ctx context.Context) (*browser.Response, error)
}

// Navigation navigates tab to url and reloads it on retries.
func Navigation(tab browser.Tab, url string) Request {
	return Request{
		Label: url,
		Do: func(ctx context.Context) (*browser.Response, error) {
			return tab.Navigate(ctx, url)
		},
		Redo: tab.Reload,
	}
}

// ExhaustedError reports the last status seen before giving up.
type ExhaustedError struct {
	Label      string
	Attempts   int
	LastStatus int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts (last status %d)", e.Label, ErrRetryExhausted, e.Attempts, e.LastStatus)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrRetryExhausted
}

// Fetcher runs requests with cooldown-and-retry. One Fetcher is shared by all
// tabs of a run: a rate limit seen by any caller holds every caller back
// until the cooldown window closes.
type Fetcher struct {
	cfg Config
	rl  ratelimit.Limiter

	// Replaced in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	gateMutex     sync.RWMutex
	cooldownUntil time.Time
}

func New(cfg Config) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var rl ratelimit.Limiter
	if cfg.RequestsPerSecond > 0 {
		rl = ratelimit.New(cfg.RequestsPerSecond)
	} else {
		rl = ratelimit.NewUnlimited()
	}

	return &Fetcher{
		cfg:   cfg,
		rl:    rl,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Classify turns the result of one attempt into a FetchOutcome.
func (f *Fetcher) Classify(resp *browser.Response, err error) domain.FetchOutcome {
	if err != nil {
		return domain.TransportError(err)
	}
	if resp == nil {
		return domain.TransportError(errors.New("no response"))
	}

	switch f.cfg.Policy {
	case PolicyRateLimitOnly:
		if resp.Status == http.StatusTooManyRequests {
			return domain.RateLimited(resp.Status)
		}
	default:
		if resp.Status != http.StatusOK {
			return domain.RateLimited(resp.Status)
		}
	}
	return domain.Ok(resp.Status)
}

// Fetch issues req until it succeeds, fails at the transport level, or the
// attempt/elapsed budget is spent.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*browser.Response, error) {
	start := f.now()
	lastStatus := 0

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := f.waitForGate(ctx); err != nil {
			return nil, err
		}
		f.rl.Take()

		call := req.Do
		if attempt > 1 && req.Redo != nil {
			call = req.Redo
		}

		resp, err := call(ctx)
		outcome := f.Classify(resp, err)
		metrics.FetchAttempts.WithLabelValues(outcome.Kind.String()).Inc()

		switch outcome.Kind {
		case domain.OutcomeOK:
			if attempt > 1 {
				log.Debugf("✅ %s succeeded on attempt %d", req.Label, attempt)
			}
			return resp, nil
		case domain.OutcomeTransportError:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to fetch %s: %w", req.Label, outcome.Err)
		}

		lastStatus = outcome.StatusCode
		if attempt == f.cfg.MaxAttempts {
			break
		}
		if f.cfg.MaxElapsed > 0 && f.now().Sub(start)+f.cfg.Cooldown > f.cfg.MaxElapsed {
			log.Warnf("⌛ %s: elapsed budget %v spent after %d attempts", req.Label, f.cfg.MaxElapsed, attempt)
			return nil, f.exhausted(req.Label, attempt, lastStatus)
		}

		log.Warnf("⏳ [%d] Cooling off %v before reloading %s (attempt %d/%d)",
			lastStatus, f.cfg.Cooldown, req.Label, attempt, f.cfg.MaxAttempts)
		metrics.FetchCooldowns.WithLabelValues(strconv.Itoa(lastStatus)).Inc()
		f.triggerCooldown()
	}

	return nil, f.exhausted(req.Label, f.cfg.MaxAttempts, lastStatus)
}

func (f *Fetcher) exhausted(label string, attempts, lastStatus int) error {
	metrics.FetchRetryExhausted.Inc()
	return &ExhaustedError{Label: label, Attempts: attempts, LastStatus: lastStatus}
}

func (f *Fetcher) triggerCooldown() {
	f.gateMutex.Lock()
	defer f.gateMutex.Unlock()

	until := f.now().Add(f.cfg.Cooldown)
	if until.After(f.cooldownUntil) {
		f.cooldownUntil = until
	}
}

func (f *Fetcher) remainingCooldown() time.Duration {
	f.gateMutex.RLock()
	defer f.gateMutex.RUnlock()

	remaining := f.cooldownUntil.Sub(f.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (f *Fetcher) waitForGate(ctx context.Context) error {
	for {
		remaining := f.remainingCooldown()
		if remaining <= 0 {
			return nil
		}
		if err := f.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
