package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Mode selects where browsers are started
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeDocker Mode = "docker"
)

// Config configures browser sessions
type Config struct {
	Mode          Mode
	Headless      bool
	ExecPath      string
	RemoteURL     string
	UserAgent     string
	WindowWidth   int
	WindowHeight  int
	ActionTimeout time.Duration
	Docker        DockerConfig
}

// ChromeLauncher starts a local Chrome process or attaches to a remote one
type ChromeLauncher struct {
	logger *zap.Logger
	config Config
}

// NewChromeLauncher creates a launcher for local or remote mode
func NewChromeLauncher(config Config, logger *zap.Logger) *ChromeLauncher {
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = 30 * time.Second
	}
	return &ChromeLauncher{
		logger: logger.Named("browser"),
		config: config,
	}
}

// NewLauncher returns the launcher matching config.Mode
func NewLauncher(config Config, logger *zap.Logger) (Launcher, error) {
	switch config.Mode {
	case ModeLocal, ModeRemote, "":
		return NewChromeLauncher(config, logger), nil
	case ModeDocker:
		launcher, err := NewContainerLauncher(config, logger)
		if err != nil {
			return nil, err
		}
		return launcher, nil
	default:
		return nil, fmt.Errorf("unknown browser mode %q", config.Mode)
	}
}

// Launch implements Launcher
func (l *ChromeLauncher) Launch(ctx context.Context) (Page, error) {
	if l.config.Mode == ModeRemote {
		page, err := l.attach(ctx, l.config.RemoteURL)
		if err != nil {
			return nil, err
		}
		return page, nil
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", l.config.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.NoSandbox,
	)
	if l.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.config.ExecPath))
	}
	if l.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.config.UserAgent))
	}
	if l.config.WindowWidth > 0 && l.config.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(l.config.WindowWidth, l.config.WindowHeight))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	page, err := newChromePage(allocCtx, cancel, l.config.ActionTimeout, l.logger)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Launched local browser", zap.Bool("headless", l.config.Headless))
	return page, nil
}

func (l *ChromeLauncher) attach(ctx context.Context, url string) (*ChromePage, error) {
	if url == "" {
		return nil, fmt.Errorf("remote browser url is not configured")
	}

	allocCtx, cancel := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), url)
	page, err := newChromePage(allocCtx, cancel, l.config.ActionTimeout, l.logger)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Attached to remote browser", zap.String("url", url))
	return page, nil
}
