// Package session obtains the authenticated browser every tab of a run is
// opened from, either from stored cookies or by logging in.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"steammarket/parser/internal/browser"
	"steammarket/parser/internal/config"
	"steammarket/parser/internal/proxy"

	"github.com/chromedp/chromedp"
	log "github.com/sirupsen/logrus"
	"resty.dev/v3"
)

// ErrNoCredentials is returned when a login is needed but the secrets file
// provided none.
var ErrNoCredentials = errors.New("no credentials available for login")

const (
	ModeCookies = "cookies"
	ModeLogin   = "login"
)

type Provider interface {
	AcquireSession(ctx context.Context, creds config.Credentials) (browser.Session, error)
}

type Options struct {
	Mode         string
	CookieFile   string
	LoginTimeout time.Duration
	BaseURL      string
	UserAgent    string
	Chrome       browser.ChromeOptions
}

type chromeProvider struct {
	opts    Options
	proxies proxy.Supplier
}

func NewProvider(opts Options, proxies proxy.Supplier) Provider {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 5 * time.Minute
	}
	if proxies == nil {
		proxies = proxy.NewStaticSupplier(nil)
	}
	return &chromeProvider{opts: opts, proxies: proxies}
}

// AcquireSession returns a browser carrying a logged-in session. In cookies
// mode stale cookies fall back to a login when credentials are available.
func (p *chromeProvider) AcquireSession(ctx context.Context, creds config.Credentials) (browser.Session, error) {
	chromeOpts := p.opts.Chrome
	chromeOpts.ProxyServer = p.proxies.Get()
	if chromeOpts.ProxyServer != "" {
		log.Infof("🔗 Using proxy: %s", chromeOpts.ProxyServer)
	}

	if p.opts.Mode == ModeLogin {
		return p.login(ctx, creds, chromeOpts)
	}

	cookies, err := p.validCookies(ctx, chromeOpts.ProxyServer)
	if err != nil {
		if creds.Username == "" {
			return nil, err
		}
		log.Warnf("⚠️ Stored cookies unusable (%v), logging in instead", err)
		return p.login(ctx, creds, chromeOpts)
	}

	chromeOpts.Cookies = toCookieParams(cookies)
	s, err := browser.NewChromeSession(ctx, chromeOpts)
	if err != nil {
		return nil, err
	}
	log.Infof("🍪 Session restored from %s", p.opts.CookieFile)
	return s, nil
}

func (p *chromeProvider) validCookies(ctx context.Context, proxyURL string) ([]Cookie, error) {
	cookies, err := LoadCookies(p.opts.CookieFile)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetHeader("Accept-Language", "en-US,en;q=0.5")
	defer client.Close()
	if p.opts.UserAgent != "" {
		client.SetHeader("User-Agent", p.opts.UserAgent)
	}
	if proxyURL != "" {
		client.SetProxy(proxyURL)
	}

	if err := VerifyCookies(ctx, client, p.opts.BaseURL, cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

// login drives the sign-in form. Steam Guard prompts are left to whoever
// watches the browser, so a visible browser is usually wanted here.
func (p *chromeProvider) login(ctx context.Context, creds config.Credentials, chromeOpts browser.ChromeOptions) (browser.Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, ErrNoCredentials
	}

	s, err := browser.NewChromeSession(ctx, chromeOpts)
	if err != nil {
		return nil, err
	}

	loginCtx, cancel := context.WithTimeout(ctx, p.opts.LoginTimeout)
	defer cancel()

	log.Infof("🔐 Logging in, waiting up to %v for the profile page", p.opts.LoginTimeout)

	var location string
	err = s.Run(loginCtx,
		chromedp.Navigate(p.opts.BaseURL+"/login/home/?goto="),
		chromedp.WaitVisible(`input[type="text"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[type="text"]`, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(`input[type="password"]`, creds.Password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		waitForProfile(&location),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	log.Infof("✅ Logged in, landed on %s", location)

	cookies, err := s.Cookies(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := SaveCookies(p.opts.CookieFile, fromNetworkCookies(cookies)); err != nil {
		log.Warnf("⚠️ Failed to save cookies: %v", err)
	} else {
		log.Infof("🍪 Saved %d cookies to %s", len(cookies), p.opts.CookieFile)
	}

	return s, nil
}

func waitForProfile(location *string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			if err := chromedp.Location(location).Do(ctx); err != nil {
				return err
			}
			if isProfileURL(*location) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

func isProfileURL(u string) bool {
	return strings.Contains(u, "/profiles/") || strings.Contains(u, "/id/")
}
