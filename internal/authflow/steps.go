package authflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/browser"
)

const maxOTPAttempts = 2

func (d *Driver) visitSite(ctx context.Context, s *session) (State, error) {
	target := loginURL(s.target)
	if err := s.page.Navigate(ctx, target); err != nil {
		return StateError, fmt.Errorf("failed to open %s: %w", target, err)
	}
	s.origin = s.page.CurrentContext()
	s.current = target

	if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
		return StateError, err
	}
	d.closeModals(ctx, s)
	return StateSiteVisited, nil
}

// closeModals dismisses announcement dialogs covering the login form
func (d *Driver) closeModals(ctx context.Context, s *session) {
	closed := 0
	for _, loc := range modalCloseButtons {
		elements, err := s.page.FindAll(ctx, loc)
		if err != nil || len(elements) == 0 {
			continue
		}
		if err := s.page.Click(ctx, elements[0]); err != nil {
			d.logger.Debug("Failed to close modal", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}
		closed++
	}
	if closed > 0 {
		d.logger.Debug("Closed modals", zap.Int("count", closed))
	}
}

// locateProviderButton finds the GitHub entry point. The first render of some
// sites shows only a password form, so the page is reloaded before giving up
// and trying well-known OAuth endpoints directly.
func (d *Driver) locateProviderButton(ctx context.Context, s *session) (State, error) {
	for attempt := 0; ; attempt++ {
		el, err := d.waitFind(ctx, s, d.config.ButtonWait, providerButtons...)
		if err == nil {
			s.button = el
			return StateProviderButtonLocated, nil
		}
		if !errors.Is(err, browser.ErrElementNotFound) {
			return StateError, err
		}
		if attempt >= d.config.MaxRefreshes {
			break
		}

		d.logger.Info("GitHub button not found, reloading login page", zap.Int("attempt", attempt+1))
		if err := s.page.Reload(ctx); err != nil {
			return StateError, fmt.Errorf("failed to reload login page: %w", err)
		}
		if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
			return StateError, err
		}
		d.closeModals(ctx, s)
	}

	root := siteRoot(s.target)
	for _, endpoint := range fallbackEndpoints {
		if err := s.page.Navigate(ctx, root+endpoint); err != nil {
			if ctx.Err() != nil {
				return StateError, ctx.Err()
			}
			d.logger.Debug("OAuth endpoint failed", zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
			return StateError, err
		}

		current, err := d.currentURL(ctx, s)
		if err == nil && d.isProvider(current) {
			s.providerReached = true
			d.logger.Info("Reached GitHub through OAuth endpoint", zap.String("endpoint", endpoint))
			return StatePopupOrRedirectDetected, nil
		}
	}
	return StateError, failf(MsgUnknownOAuthOption)
}

// openProvider clicks the GitHub button and waits for a popup window or an in-place redirect
func (d *Driver) openProvider(ctx context.Context, s *session) (State, error) {
	before, err := s.page.Contexts(ctx)
	if err != nil {
		return StateError, fmt.Errorf("failed to list browser windows: %w", err)
	}
	known := make(map[string]bool, len(before))
	for _, id := range before {
		known[id] = true
	}

	if err := s.page.Click(ctx, s.button); err != nil {
		return StateError, fmt.Errorf("failed to click GitHub button: %w", err)
	}

	var popup string
	ok, err := d.poll(ctx, d.config.PopupWait, d.config.PopupPoll, func() bool {
		if ids, err := s.page.Contexts(ctx); err == nil && len(ids) > len(before) {
			for _, id := range ids {
				if !known[id] {
					popup = id
					return true
				}
			}
		}
		current, err := s.page.CurrentURL(ctx)
		if err == nil {
			s.current = current
		}
		return err == nil && d.isProvider(current)
	})
	if err != nil {
		return StateError, err
	}
	if !ok {
		return StateError, failf("%s, current url: %s", MsgWindowNotOpened, s.current)
	}

	if popup == "" {
		s.providerReached = true
		d.logger.Info("GitHub opened in place", zap.String("url", s.current))
		return StatePopupOrRedirectDetected, nil
	}

	if err := s.page.SwitchTo(ctx, popup); err != nil {
		return StateError, fmt.Errorf("failed to switch to OAuth window: %w", err)
	}
	s.popup = true
	d.logger.Info("Switched to OAuth window", zap.String("context", popup))

	// a new window starts blank or on the site's own OAuth bounce URL
	ok, err = d.poll(ctx, d.config.PopupWait, d.config.PopupPoll, func() bool {
		current, err := d.currentURL(ctx, s)
		return err == nil && d.isProvider(current)
	})
	if err != nil {
		return StateError, err
	}
	if !ok {
		return StateError, failf("%s, OAuth window stopped at %s", MsgWindowNotOpened, s.current)
	}
	s.providerReached = true
	d.logger.Debug("OAuth window reached GitHub", zap.String("url", s.current))
	return StatePopupOrRedirectDetected, nil
}

// submitCredentials fills the provider login form when one is shown. An
// existing provider session skips straight past it, but only once GitHub was
// actually reached.
func (d *Driver) submitCredentials(ctx context.Context, s *session) (State, error) {
	current, err := d.currentURL(ctx, s)
	if err != nil {
		return StateError, fmt.Errorf("failed to read OAuth window url: %w", err)
	}
	switch kind := d.classify(current); {
	case kind == pageProviderLogin:
	case d.isProvider(current):
		return StateProviderLoginSubmitted, nil
	case s.providerReached && kind == pageTargetHome:
		// an existing GitHub session bounced straight back to the site
		return StateProviderLoginSubmitted, nil
	default:
		return StateError, failf("%s, current url: %s", MsgWindowNotOpened, current)
	}

	username, err := d.waitFind(ctx, s, d.config.FieldWait, usernameFields...)
	if err != nil {
		return StateError, fieldError(err, "username")
	}
	password, err := d.waitFind(ctx, s, d.config.FieldWait, passwordFields...)
	if err != nil {
		return StateError, fieldError(err, "password")
	}

	if err := s.page.Type(ctx, username, s.creds.Username); err != nil {
		return StateError, fmt.Errorf("failed to type username: %w", err)
	}
	if err := s.page.Type(ctx, password, s.creds.Password); err != nil {
		return StateError, fmt.Errorf("failed to type password: %w", err)
	}

	if button, err := browser.Find(ctx, s.page, signInButtons...); err == nil {
		if err := s.page.Click(ctx, button); err != nil {
			return StateError, fmt.Errorf("failed to click sign in: %w", err)
		}
	} else if err := s.page.Submit(ctx, password); err != nil {
		return StateError, fmt.Errorf("failed to submit login form: %w", err)
	}

	d.logger.Debug("Submitted GitHub credentials")
	return StateProviderLoginSubmitted, nil
}

func fieldError(err error, name string) error {
	if errors.Is(err, browser.ErrElementNotFound) {
		return missingField(name)
	}
	return err
}

// awaitLoginOutcome waits for the provider to leave its login page
func (d *Driver) awaitLoginOutcome(ctx context.Context, s *session) (State, error) {
	rejected := false
	left, err := d.poll(ctx, d.config.NavigationWait, d.config.PopupPoll, func() bool {
		current, err := d.currentURL(ctx, s)
		if err != nil {
			return false
		}
		if d.classify(current) != pageProviderLogin {
			return true
		}
		if text, err := s.page.Text(ctx); err == nil && containsAny(text, loginErrorMarkers) {
			rejected = true
			return true
		}
		return false
	})
	if err != nil {
		return StateError, err
	}
	if rejected || !left {
		return StateError, failf(MsgStillOnLoginPage)
	}
	return d.route(s.current), nil
}

// submitTwoFactor enters the authenticator app code, switching away from
// security keys or SMS when GitHub offers those first
func (d *Driver) submitTwoFactor(ctx context.Context, s *session) (State, error) {
	if s.creds.TOTPSecret == "" {
		return StateError, failf(MsgTwoFactorNoSecret)
	}
	if s.otpAttempts >= maxOTPAttempts {
		return StateError, failf(MsgTwoFactorRejected)
	}

	field, err := browser.Find(ctx, s.page, otpFields...)
	if err != nil {
		appURL := d.config.ProviderBaseURL + twoFactorAppPath
		d.logger.Debug("Switching to authenticator app challenge", zap.String("url", appURL))
		if err := s.page.Navigate(ctx, appURL); err != nil {
			return StateError, fmt.Errorf("failed to open authenticator challenge: %w", err)
		}
		field, err = d.waitFind(ctx, s, d.config.FieldWait, otpFields...)
		if err != nil {
			return StateError, fieldError(err, "2FA code")
		}
	}

	if err := d.enterCode(ctx, s, field); err != nil {
		return StateError, err
	}

	left, err := d.poll(ctx, d.config.NavigationWait, d.config.PopupPoll, func() bool {
		current, err := d.currentURL(ctx, s)
		return err == nil && d.classify(current) != pageTwoFactor
	})
	if err != nil {
		return StateError, err
	}
	if !left {
		return StateError, failf(MsgTwoFactorRejected)
	}
	return d.route(s.current), nil
}

func (d *Driver) enterCode(ctx context.Context, s *session, field browser.Element) error {
	code, err := d.oneTimeCode(ctx, s.creds.TOTPSecret)
	if err != nil {
		return err
	}
	s.otpAttempts++

	if err := s.page.Type(ctx, field, code); err != nil {
		return fmt.Errorf("failed to type 2FA code: %w", err)
	}
	if button, err := browser.Find(ctx, s.page, otpSubmitButtons...); err == nil {
		if err := s.page.Click(ctx, button); err != nil {
			return fmt.Errorf("failed to click 2FA verify: %w", err)
		}
		return nil
	}
	// GitHub auto-submits a complete code; Enter covers forms that do not
	if err := s.page.Submit(ctx, field); err != nil {
		return fmt.Errorf("failed to submit 2FA code: %w", err)
	}
	return nil
}

// passSecurityCheckup waits for the post-2FA checkup page to redirect by itself
// and clicks through it when it does not
func (d *Driver) passSecurityCheckup(ctx context.Context, s *session) (State, error) {
	start := d.now()
	manual := false

	left, err := d.poll(ctx, d.config.CheckupWait, d.config.CheckupPoll, func() bool {
		current, err := d.currentURL(ctx, s)
		if err != nil {
			return false
		}
		if d.classify(current) != pageCheckup {
			return true
		}
		if _, ok := d.findLoggedInContext(ctx, s); ok {
			return true
		}
		if !manual && d.now().Sub(start) >= d.config.CheckupManualAfter {
			manual = true
			d.clickThroughCheckup(ctx, s)
		}
		return false
	})
	if err != nil {
		return StateError, err
	}
	if !left {
		return StateError, failf(MsgCheckupStuck)
	}
	return d.route(s.current), nil
}

func (d *Driver) clickThroughCheckup(ctx context.Context, s *session) {
	if skip, err := browser.Find(ctx, s.page, checkupSkipControls...); err == nil {
		d.logger.Info("Skipping security checkup", zap.String("control", skip.Text))
		if err := s.page.Click(ctx, skip); err != nil {
			d.logger.Debug("Failed to click checkup skip", zap.Error(err))
		}
		return
	}

	if field, err := browser.Find(ctx, s.page, otpFields...); err == nil && s.otpAttempts < maxOTPAttempts {
		d.logger.Info("Re-submitting 2FA code on security checkup")
		if err := d.enterCode(ctx, s, field); err != nil {
			d.logger.Debug("Failed to re-submit 2FA code", zap.Error(err))
		}
		return
	}
	d.logger.Debug("No way through security checkup found, waiting for redirect")
}

// authorize confirms the consent screen shown on the first login to an app
func (d *Driver) authorize(ctx context.Context, s *session) (State, error) {
	button, err := d.waitFind(ctx, s, d.config.FieldWait, authorizeButtons...)
	if err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			d.logger.Info("No authorize button, assuming the app is already authorized")
			return StateAuthorizationConfirmed, nil
		}
		return StateError, err
	}

	if err := s.page.Click(ctx, button); err != nil {
		return StateError, fmt.Errorf("failed to click authorize: %w", err)
	}
	d.logger.Info("Authorized OAuth app")
	return StateAuthorizationConfirmed, nil
}

func (d *Driver) skipAuthorization(_ context.Context, s *session) (State, error) {
	d.logger.Debug("OAuth app already authorized", zap.String("url", s.current))
	return StateAuthorizationConfirmed, nil
}

// awaitRedirect follows the OAuth callback until a window lands on the target site
func (d *Driver) awaitRedirect(ctx context.Context, s *session) (State, error) {
	next := StateRedirectedToTarget
	ok, err := d.poll(ctx, d.config.RedirectWait, d.config.RedirectPoll, func() bool {
		current, err := d.currentURL(ctx, s)
		if err != nil {
			return false
		}
		switch d.classify(current) {
		case pageTargetHome:
			next = StateRedirectedToTarget
			return true
		case pageCheckup:
			next = StateSecurityCheckup
			return true
		case pageTwoFactor:
			next = StateTwoFactorRequired
			return true
		}
		if _, ok := d.findLoggedInContext(ctx, s); ok {
			next = StateRedirectedToTarget
			return true
		}
		return false
	})
	if err != nil {
		return StateError, err
	}
	if !ok {
		if d.classify(s.current) == pageProviderLogin {
			return StateError, failf(MsgStillOnLoginPage)
		}
		return StateError, failf("%s, stopped at %s", MsgRedirectFailed, s.current)
	}
	return next, nil
}

// collectSession records the landing page, its cookies and the balance shown on it
func (d *Driver) collectSession(ctx context.Context, s *session) (State, error) {
	s.result.FinalURL = s.current

	cookies, err := s.page.Cookies(ctx)
	if err != nil {
		d.logger.Warn("Failed to read session cookies", zap.Error(err))
	}
	s.result.Cookies = cookies

	if d.extractor == nil {
		return StateDone, nil
	}

	for attempt := 1; attempt <= d.config.ExtractAttempts; attempt++ {
		if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
			s.result.BalanceError = err.Error()
			return StateDone, nil
		}

		balance, err := d.extractor.Extract(ctx, s.page)
		if err == nil {
			s.result.Balance = balance
			s.result.BalanceError = ""
			return StateDone, nil
		}
		s.result.BalanceError = err.Error()
		d.logger.Debug("Balance not found yet", zap.Int("attempt", attempt), zap.Error(err))
	}

	d.logger.Warn("Failed to extract balance", zap.String("error", s.result.BalanceError))
	return StateDone, nil
}
