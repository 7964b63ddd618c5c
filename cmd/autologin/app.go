package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/authflow"
	"github.com/t77yq/autologin/internal/balance"
	"github.com/t77yq/autologin/internal/browser"
	"github.com/t77yq/autologin/internal/config"
	"github.com/t77yq/autologin/internal/credentials"
	"github.com/t77yq/autologin/internal/executor"
	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/monitor"
	"github.com/t77yq/autologin/internal/storage"
)

// app holds the wired service components
type app struct {
	config      *config.Config
	logger      *zap.Logger
	store       *storage.SQLiteStore
	nc          *nats.Conn
	js          nats.JetStreamContext
	running     *executor.RunningSet
	coordinator *executor.Coordinator
	events      *executor.EventLog
	monitor     *monitor.TaskMonitor
	alerts      *monitor.AlertManager
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{config: cfg, logger: logger}

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a.store = store

	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.config

	vault, err := credentials.NewFernetVault(cfg.Vault.Keys...)
	if err != nil {
		return err
	}

	launcher, err := browser.NewLauncher(cfg.Browser.Launcher(), a.logger)
	if err != nil {
		return err
	}

	extractor := balance.NewExtractor(a.logger)
	driver := authflow.NewDriver(cfg.Browser.Flow(), credentials.NewTOTPGenerator(), extractor, a.logger)

	a.events, err = executor.NewEventLog(cfg.Executor.EventLog(), a.logger)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		if err := a.connectNATS(); err != nil {
			return err
		}
	}

	a.monitor = monitor.NewTaskMonitor(a.js, cfg.Monitor.SampleInterval, a.logger)
	a.alerts = monitor.NewAlertManager(a.logger, a.js)
	if err := a.addAlertRules(); err != nil {
		return err
	}

	a.running = executor.NewRunningSet()
	a.alerts.WatchRunning(a.running)

	a.coordinator = executor.NewCoordinator(a.store, a.running, a.logger)
	a.coordinator.SetTolerance(cfg.Loop().Tolerance)
	a.coordinator.RegisterHandler(model.TaskKindOAuthLogin, executor.NewOAuthHandler(
		cfg.Executor.Handler(),
		a.store,
		vault,
		launcher,
		driver,
		a.events,
		a.monitor,
		a.logger,
	))
	a.coordinator.AddObserver(a.alerts)

	if a.js != nil {
		publisher := monitor.NewPublisher(a.js, a.logger)
		if err := publisher.Setup(); err != nil {
			return err
		}
		a.coordinator.AddObserver(publisher)
	}
	return nil
}

func (a *app) addAlertRules() error {
	m := a.config.Monitor

	var rules []*model.AlertRule
	if m.AlertOnFailure {
		rules = append(rules, &model.AlertRule{
			Name:     "Task run failed",
			Type:     model.AlertTypeTaskFailure,
			Severity: model.AlertSeverityError,
		})
	}
	if m.SlowRun > 0 {
		rules = append(rules, &model.AlertRule{
			Name:     "Task run is slow",
			Type:     model.AlertTypeSlowExecution,
			Duration: m.SlowRun.String(),
			Severity: model.AlertSeverityWarning,
		})
	}
	if m.AccountFailureThreshold > 0 {
		rules = append(rules, &model.AlertRule{
			Name:      "Account keeps failing",
			Type:      model.AlertTypeAccountFailure,
			Threshold: float64(m.AccountFailureThreshold),
			Severity:  model.AlertSeverityCritical,
		})
	}

	for _, rule := range rules {
		if err := a.alerts.AddRule(rule); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) connectNATS() error {
	c := a.config.NATS
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(c.URL, opts...)
		if err == nil {
			break
		}
		a.logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	a.nc = nc
	a.js = js
	a.logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nil
}

// start starts the background components
func (a *app) start(ctx context.Context) error {
	a.events.Start(ctx)
	a.monitor.Start(ctx)
	return a.alerts.Start(ctx)
}

func (a *app) close() {
	if a.alerts != nil {
		a.alerts.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	a.events.Stop()
	if a.nc != nil {
		a.nc.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", zap.Error(err))
		}
	}
}
