package authflow

import "time"

// Config bounds every wait of the login flow
type Config struct {
	ProviderHost    string
	ProviderBaseURL string

	SettleDelay    time.Duration
	ButtonWait     time.Duration
	FieldWait      time.Duration
	NavigationWait time.Duration

	PopupWait time.Duration
	PopupPoll time.Duration

	CheckupWait time.Duration
	CheckupPoll time.Duration
	// CheckupManualAfter is how long the checkup page may auto-redirect before
	// the driver clicks through it
	CheckupManualAfter time.Duration

	RedirectWait time.Duration
	RedirectPoll time.Duration

	// MaxRefreshes is how often the login page is reloaded while the provider button is missing
	MaxRefreshes    int
	ExtractAttempts int
	MaxSteps        int
}

// DefaultConfig returns production waits
func DefaultConfig() Config {
	return Config{
		ProviderHost:       "github.com",
		ProviderBaseURL:    "https://github.com",
		SettleDelay:        2 * time.Second,
		ButtonWait:         10 * time.Second,
		FieldWait:          10 * time.Second,
		NavigationWait:     15 * time.Second,
		PopupWait:          45 * time.Second,
		PopupPoll:          500 * time.Millisecond,
		CheckupWait:        90 * time.Second,
		CheckupPoll:        2 * time.Second,
		CheckupManualAfter: 30 * time.Second,
		RedirectWait:       120 * time.Second,
		RedirectPoll:       time.Second,
		MaxRefreshes:       1,
		ExtractAttempts:    3,
		MaxSteps:           32,
	}
}

// withDefaults fills unset fields from DefaultConfig. Zero durations that may
// legitimately be zero (SettleDelay, CheckupManualAfter) are kept.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProviderHost == "" {
		c.ProviderHost = d.ProviderHost
	}
	if c.ProviderBaseURL == "" {
		c.ProviderBaseURL = "https://" + c.ProviderHost
	}
	durations := []struct {
		field *time.Duration
		def   time.Duration
	}{
		{&c.ButtonWait, d.ButtonWait},
		{&c.FieldWait, d.FieldWait},
		{&c.NavigationWait, d.NavigationWait},
		{&c.PopupWait, d.PopupWait},
		{&c.PopupPoll, d.PopupPoll},
		{&c.CheckupWait, d.CheckupWait},
		{&c.CheckupPoll, d.CheckupPoll},
		{&c.RedirectWait, d.RedirectWait},
		{&c.RedirectPoll, d.RedirectPoll},
	}
	for _, dur := range durations {
		if *dur.field <= 0 {
			*dur.field = dur.def
		}
	}
	if c.MaxRefreshes < 1 {
		c.MaxRefreshes = 1
	}
	if c.ExtractAttempts < 1 {
		c.ExtractAttempts = 1
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	return c
}
