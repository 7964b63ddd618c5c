package authflow

import (
	"net/url"
	"strings"

	"github.com/t77yq/autologin/internal/browser"
)

var (
	providerButtons = []browser.Locator{
		browser.CSS("button").WithText("使用 GitHub 继续"),
		browser.CSS("button").WithText("Continue with GitHub"),
		browser.CSS("button").WithText("Sign in with GitHub"),
		browser.CSS("a").WithText("GitHub"),
		browser.CSS("button").WithText("GitHub"),
		browser.CSS("a[href*='github']"),
	}

	fallbackEndpoints = []string{"/auth/github", "/oauth/github", "/login/github"}

	modalCloseButtons = []browser.Locator{
		browser.CSS("button").WithText("关闭公告"),
		browser.CSS("button").WithText("今日关闭"),
		browser.CSS(".semi-modal-close"),
		browser.CSS("button[aria-label='close']"),
		browser.CSS("[role='dialog'] button").WithText("Close"),
		browser.CSS("[role='dialog'] button").WithText("关闭"),
		browser.CSS("[role='dialog'] button").WithText("Cancel"),
		browser.CSS("[role='dialog'] button").WithText("取消"),
	}

	usernameFields = []browser.Locator{
		browser.CSS("#login_field"),
		browser.CSS("input[name='login']"),
	}

	passwordFields = []browser.Locator{
		browser.CSS("#password"),
		browser.CSS("input[name='password']"),
	}

	signInButtons = []browser.Locator{
		browser.CSS("input[type='submit'][value*='Sign in']"),
		browser.CSS("input[name='commit']"),
		browser.CSS("button[type='submit']"),
	}

	otpFields = []browser.Locator{
		browser.CSS("input[name='app_otp']"),
		browser.CSS("#app_totp"),
		browser.CSS("input[name='otp']"),
		browser.CSS("input[autocomplete='one-time-code']"),
	}

	otpSubmitButtons = []browser.Locator{
		browser.CSS("button[type='submit']").WithText("Verify"),
		browser.CSS("button[type='submit']"),
	}

	checkupSkipControls = []browser.Locator{
		browser.CSS("button").WithText("Skip for now"),
		browser.CSS("a").WithText("Skip for now"),
		browser.CSS("[data-ga-click*='skip']"),
		browser.CSS("a[href*='skip']"),
		browser.CSS("button").WithText("Skip"),
		browser.CSS("button").WithText("Continue"),
	}

	authorizeButtons = []browser.Locator{
		browser.CSS("button[name='authorize']"),
		browser.CSS("button").WithText("Authorize"),
		browser.CSS("input[type='submit'][value*='Authorize']"),
	}

	loginErrorMarkers = []string{
		"incorrect username or password",
		"用户名或密码错误",
	}
)

const twoFactorAppPath = "/sessions/two-factor/app"

// pageKind is what a URL tells about the progress of the flow
type pageKind int

const (
	pageUnknown pageKind = iota
	pageProviderLogin
	pageTwoFactor
	pageCheckup
	pageAuthorize
	pageProviderOther
	pageTargetLogin
	pageTargetHome
)

func (d *Driver) classify(raw string) pageKind {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return pageUnknown
	}

	path := strings.ToLower(u.Path)
	if !d.isProviderHost(u.Hostname()) {
		if strings.Contains(path, "/login") {
			return pageTargetLogin
		}
		return pageTargetHome
	}

	switch {
	case strings.Contains(path, "two_factor_checkup"):
		return pageCheckup
	case strings.Contains(path, "two-factor"), strings.Contains(path, "webauthn"):
		return pageTwoFactor
	case strings.Contains(path, "/oauth/authorize"):
		return pageAuthorize
	case path == "/login", path == "/session", strings.HasPrefix(path, "/login/"):
		return pageProviderLogin
	default:
		return pageProviderOther
	}
}

func (d *Driver) isProviderHost(host string) bool {
	host = strings.ToLower(host)
	return host == d.config.ProviderHost || strings.HasSuffix(host, "."+d.config.ProviderHost)
}

func (d *Driver) isProvider(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && d.isProviderHost(u.Hostname())
}

// loginURL returns the sign-in page of the target site
func loginURL(target *url.URL) string {
	u := *target
	if !strings.Contains(u.Path, "/login") {
		u.Path = strings.TrimRight(u.Path, "/") + "/login"
	}
	return u.String()
}

func siteRoot(target *url.URL) string {
	return target.Scheme + "://" + target.Host
}

func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
