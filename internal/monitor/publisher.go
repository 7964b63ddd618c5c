package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

const (
	executionStreamName = "EXECUTIONS"
	metricsStreamName   = "METRICS"
	alertStreamName     = "ALERTS"

	executionResultSubject = "execution.result.%d"
)

type streamSpec struct {
	name     string
	subjects []string
}

var streams = []streamSpec{
	{name: executionStreamName, subjects: []string{"execution.result.*"}},
	{name: metricsStreamName, subjects: []string{"metrics.*"}},
	{name: alertStreamName, subjects: []string{"alert.*"}},
}

// Publisher publishes finished runs on NATS JetStream
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger.Named("publisher"),
		js:     js,
	}
}

// Setup creates or updates the streams used by the service
func (p *Publisher) Setup() error {
	for _, stream := range streams {
		if err := ensureStream(p.js, stream, p.logger); err != nil {
			return err
		}
	}
	return nil
}

func ensureStream(js nats.JetStreamContext, stream streamSpec, logger *zap.Logger) error {
	info, err := js.StreamInfo(stream.name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if info == nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       stream.name,
			Subjects:   stream.subjects,
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 1 * 1024 * 1024, // 1MB
			Storage:    nats.FileStorage,
			Replicas:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", stream.name, err)
		}
		logger.Info("Created stream", zap.String("name", stream.name))
		return nil
	}

	// keep the retention policy of an existing stream
	config := info.Config
	config.Subjects = stream.subjects
	if _, err := js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", stream.name, err)
	}
	logger.Debug("Updated stream", zap.String("name", stream.name))
	return nil
}

// ObserveRun publishes result on execution.result.<task id>
func (p *Publisher) ObserveRun(_ context.Context, result *model.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if _, err := p.js.Publish(fmt.Sprintf(executionResultSubject, result.TaskID), data); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}
