package proxy

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

const maxParallelChecks = 16

// Supplier hands out proxies in round-robin order. Get returns "" when no
// proxy is configured or none passed validation.
type Supplier interface {
	Get() string
	Len() int
}

type supplier struct {
	proxies []string
	current int
	mutex   sync.Mutex
}

// NewSupplier keeps the proxies that can reach testURL. An empty list is
// valid and yields a supplier that always returns "".
func NewSupplier(ctx context.Context, proxies []string, testURL string) Supplier {
	if len(proxies) == 0 {
		return &supplier{}
	}

	log.Infof("🔄 Testing %d proxies against %s...", len(proxies), testURL)

	ok := make([]bool, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for i, proxyURL := range proxies {
		g.Go(func() error {
			ok[i] = isProxyValid(gctx, proxyURL, testURL)
			return nil
		})
	}
	_ = g.Wait()

	valid := make([]string, 0, len(proxies))
	for i, proxyURL := range proxies {
		if ok[i] {
			valid = append(valid, proxyURL)
		}
	}

	log.Infof("✅ %d of %d proxies are working", len(valid), len(proxies))
	return &supplier{proxies: valid}
}

// NewStaticSupplier rotates proxies without validating them.
func NewStaticSupplier(proxies []string) Supplier {
	return &supplier{proxies: append([]string(nil), proxies...)}
}

func (p *supplier) Get() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.proxies) == 0 {
		return ""
	}

	proxy := p.proxies[p.current]
	p.current = (p.current + 1) % len(p.proxies)
	return proxy
}

func (p *supplier) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.proxies)
}

func isProxyValid(ctx context.Context, proxyURL, testURL string) bool {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(0).
		SetProxy(proxyURL)
	defer client.Close()

	resp, err := client.R().
		SetContext(ctx).
		Get(testURL)
	if err != nil {
		log.Debugf("❌ Proxy %s failed: %v", proxyURL, err)
		return false
	}
	if resp.IsError() {
		log.Debugf("❌ Proxy %s failed with status %s", proxyURL, resp.Status())
		return false
	}
	return true
}
