package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// BrowserConfig describes a form-based login page.
type BrowserConfig struct {
	// LoginURL is the page holding the login form.
	LoginURL string

	// Selectors for the form fields. Defaults match a plain
	// username/password form with a submit input.
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string

	// ReadySelector appears once the login has landed on the target site.
	// Cookies are read only after it is visible.
	ReadySelector string

	// ControlURL connects to an already running browser instead of launching one.
	ControlURL string

	Headless bool
	Timeout  time.Duration
}

// DefaultBrowserConfig returns selectors for a plain login form.
func DefaultBrowserConfig(loginURL string) BrowserConfig {
	return BrowserConfig{
		LoginURL:         loginURL,
		UsernameSelector: "input[type=text]",
		PasswordSelector: "input[type=password]",
		SubmitSelector:   "input[type=submit]",
		ReadySelector:    "body",
		Headless:         true,
		Timeout:          2 * time.Minute,
	}
}

// BrowserAuthenticator logs in by driving a Chromium instance through the
// login form and harvesting the resulting cookies.
type BrowserAuthenticator struct {
	config BrowserConfig
}

// NewBrowserAuthenticator validates cfg and returns an authenticator.
func NewBrowserAuthenticator(cfg BrowserConfig) (*BrowserAuthenticator, error) {
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("login url is required")
	}
	defaults := DefaultBrowserConfig(cfg.LoginURL)
	if cfg.UsernameSelector == "" {
		cfg.UsernameSelector = defaults.UsernameSelector
	}
	if cfg.PasswordSelector == "" {
		cfg.PasswordSelector = defaults.PasswordSelector
	}
	if cfg.SubmitSelector == "" {
		cfg.SubmitSelector = defaults.SubmitSelector
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = defaults.ReadySelector
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &BrowserAuthenticator{config: cfg}, nil
}

// Login implements Authenticator.
func (b *BrowserAuthenticator) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, errors.New("username and password are required")
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	controlURL := b.config.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(b.config.Headless).Context(ctx)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		defer l.Kill()
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	defer browser.Close()

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("open incognito context: %w", err)
	}
	p, err := incognito.Page(proto.TargetCreateTarget{URL: b.config.LoginURL})
	if err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for login page: %w", err)
	}

	if err := fill(p, b.config.UsernameSelector, creds.Username); err != nil {
		return nil, err
	}
	if err := fill(p, b.config.PasswordSelector, creds.Password); err != nil {
		return nil, err
	}

	submit, err := p.Element(b.config.SubmitSelector)
	if err != nil {
		return nil, fmt.Errorf("find submit %q: %w", b.config.SubmitSelector, err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("submit login form: %w", err)
	}

	if _, err := p.Element(b.config.ReadySelector); err != nil {
		return nil, fmt.Errorf("wait for %q after login: %w", b.config.ReadySelector, err)
	}

	raw, err := p.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires.Time(),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}

	log.Debug().
		Str("component", "session").
		Int("cookies", len(cookies)).
		Msg("Browser login complete")

	return New(cookies), nil
}

func fill(p *rod.Page, selector, value string) error {
	el, err := p.Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("type into %q: %w", selector, err)
	}
	return nil
}
