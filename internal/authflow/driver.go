// Package authflow drives a browser through a third-party site's "sign in with
// GitHub" flow: provider login, two-factor, security checkup, consent and the
// redirect back to the site, then reads the balance on the landing page.
package authflow

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/browser"
	"github.com/t77yq/autologin/internal/model"
)

// CodeGenerator produces time-based one-time codes
type CodeGenerator interface {
	Code(secret string, t time.Time) (string, error)
}

// BalanceExtractor reads the balance from the landing page
type BalanceExtractor interface {
	Extract(ctx context.Context, page browser.Page) (*model.Balance, error)
}

// Result is the outcome of one login attempt
type Result struct {
	Success      bool
	Message      string
	FinalURL     string
	Cookies      []browser.Cookie
	Balance      *model.Balance
	BalanceError string
	// FailedIn is the state whose transition failed
	FailedIn State
	Path     []State
}

type transition func(ctx context.Context, s *session) (State, error)

// session is the mutable state of one login attempt
type session struct {
	page   browser.Page
	target *url.URL
	creds  model.Credentials

	button  browser.Element
	origin  string
	popup   bool
	current string
	// providerReached is set once the active window showed a GitHub URL
	providerReached bool
	otpAttempts     int
	result          *Result
}

// Driver runs the login state machine
type Driver struct {
	logger      *zap.Logger
	config      Config
	codes       CodeGenerator
	extractor   BalanceExtractor
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	transitions map[State]transition
}

// NewDriver creates a driver. extractor may be nil to skip balance extraction.
func NewDriver(config Config, codes CodeGenerator, extractor BalanceExtractor, logger *zap.Logger) *Driver {
	d := &Driver{
		logger:    logger.Named("authflow"),
		config:    config.withDefaults(),
		codes:     codes,
		extractor: extractor,
		now:       time.Now,
		sleep:     sleepContext,
	}
	d.transitions = map[State]transition{
		StateStart:                   d.visitSite,
		StateSiteVisited:             d.locateProviderButton,
		StateProviderButtonLocated:   d.openProvider,
		StatePopupOrRedirectDetected: d.submitCredentials,
		StateProviderLoginSubmitted:  d.awaitLoginOutcome,
		StateTwoFactorRequired:       d.submitTwoFactor,
		StateSecurityCheckup:         d.passSecurityCheckup,
		StateAuthorizationPending:    d.authorize,
		StateAlreadyAuthenticated:    d.skipAuthorization,
		StateAuthorizationConfirmed:  d.awaitRedirect,
		StateRedirectedToTarget:      d.collectSession,
	}
	return d
}

// Login performs one complete login attempt on page. It never closes page.
func (d *Driver) Login(ctx context.Context, page browser.Page, target string, creds model.Credentials) *Result {
	result := &Result{}

	targetURL, err := parseTarget(target)
	if err != nil {
		result.Message = fmt.Sprintf("invalid target url %q: %v", target, err)
		result.FailedIn = StateStart
		result.Path = []State{StateStart, StateError}
		return result
	}

	s := &session{
		page:   page,
		target: targetURL,
		creds:  creds,
		result: result,
	}

	logger := d.logger.With(
		zap.String("username", creds.Username),
		zap.String("target", target))

	state := StateStart
	for step := 0; ; step++ {
		result.Path = append(result.Path, state)
		if state == StateDone {
			result.Success = true
			result.Message = fmt.Sprintf("OAuth login succeeded, landed on %s", result.FinalURL)
			logger.Info("OAuth login succeeded", zap.String("final_url", result.FinalURL))
			return result
		}
		if step >= d.config.MaxSteps {
			return d.fail(logger, s, state, failf("%s after %d steps", MsgFlowDidNotConverge, step))
		}

		next, err := d.transitions[state](ctx, s)
		if err != nil {
			return d.fail(logger, s, state, err)
		}

		logger.Debug("OAuth flow transition",
			zap.Stringer("from", state),
			zap.Stringer("to", next))
		state = next
	}
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("missing scheme or host")
	}
	return u, nil
}

func (d *Driver) fail(logger *zap.Logger, s *session, state State, err error) *Result {
	s.result.Path = append(s.result.Path, StateError)
	s.result.FailedIn = state
	s.result.Message = failureMessage(err)
	if s.result.FinalURL == "" {
		s.result.FinalURL = s.current
	}

	logger.Warn("OAuth login failed",
		zap.Stringer("state", state),
		zap.String("url", s.current),
		zap.Error(err))
	return s.result
}

// poll calls check every interval until it returns true or wait elapses
func (d *Driver) poll(ctx context.Context, wait, interval time.Duration, check func() bool) (bool, error) {
	deadline := d.now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if check() {
			return true, nil
		}
		if !d.now().Before(deadline) {
			return false, nil
		}
		if err := d.sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

// waitFind polls for the first element matching any locator
func (d *Driver) waitFind(ctx context.Context, s *session, wait time.Duration, locators ...browser.Locator) (browser.Element, error) {
	var found browser.Element
	ok, err := d.poll(ctx, wait, d.config.PopupPoll, func() bool {
		el, err := browser.Find(ctx, s.page, locators...)
		if err != nil {
			return false
		}
		found = el
		return true
	})
	if err != nil {
		return browser.Element{}, err
	}
	if !ok {
		return browser.Element{}, browser.ErrElementNotFound
	}
	return found, nil
}

// currentURL reads the URL of the active context. A popup that closed itself
// after the OAuth callback hands control back to the original window.
func (d *Driver) currentURL(ctx context.Context, s *session) (string, error) {
	u, err := s.page.CurrentURL(ctx)
	if err == nil {
		s.current = u
		return u, nil
	}
	if !s.popup || ctx.Err() != nil {
		return "", err
	}

	if serr := s.page.SwitchTo(ctx, s.origin); serr != nil {
		return "", err
	}
	s.popup = false
	d.logger.Debug("OAuth popup closed, switched back to original window")

	u, err = s.page.CurrentURL(ctx)
	if err != nil {
		return "", err
	}
	s.current = u
	return u, nil
}

// route picks the state matching the page the provider sent us to
func (d *Driver) route(raw string) State {
	switch d.classify(raw) {
	case pageTwoFactor:
		return StateTwoFactorRequired
	case pageCheckup:
		return StateSecurityCheckup
	case pageAuthorize:
		return StateAuthorizationPending
	case pageTargetHome:
		return StateAlreadyAuthenticated
	default:
		return StateAuthorizationConfirmed
	}
}

// findLoggedInContext looks through the other open windows for one that already
// landed on the target site. On success it stays switched to that window.
func (d *Driver) findLoggedInContext(ctx context.Context, s *session) (string, bool) {
	ids, err := s.page.Contexts(ctx)
	if err != nil || len(ids) < 2 {
		return "", false
	}

	home := s.page.CurrentContext()
	for _, id := range ids {
		if id == home {
			continue
		}
		if err := s.page.SwitchTo(ctx, id); err != nil {
			continue
		}
		u, err := s.page.CurrentURL(ctx)
		if err == nil && d.classify(u) == pageTargetHome {
			s.current = u
			s.popup = id != s.origin
			d.logger.Debug("Found logged in window", zap.String("url", u))
			return u, true
		}
	}

	_ = s.page.SwitchTo(ctx, home)
	return "", false
}

func (d *Driver) oneTimeCode(ctx context.Context, secret string) (string, error) {
	// avoid typing a code that expires before the form is submitted
	if r, ok := d.codes.(interface{ SecondsRemaining(time.Time) int }); ok {
		if left := r.SecondsRemaining(d.now()); left <= minCodeValidity {
			if err := d.sleep(ctx, time.Duration(left)*time.Second); err != nil {
				return "", err
			}
		}
	}

	code, err := d.codes.Code(secret, d.now())
	if err != nil {
		return "", failf("2FA code generation failed: %v", err)
	}
	return code, nil
}

const minCodeValidity = 3

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
