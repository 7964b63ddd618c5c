package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/testutil"
)

func TestPublisher_Setup(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	publisher := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, publisher.Setup())
	// idempotent
	require.NoError(t, publisher.Setup())

	for _, name := range []string{executionStreamName, metricsStreamName, alertStreamName} {
		info, err := js.StreamInfo(name)
		require.NoError(t, err)
		assert.Equal(t, nats.LimitsPolicy, info.Config.Retention)
	}
}

func TestPublisher_ObserveRun(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	publisher := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, publisher.Setup())

	result := &model.ExecutionResult{
		TaskID:   7,
		TaskName: "daily check-in",
		LogID:    "log-1",
		Status:   model.ExecutionStatusSuccess,
		Message:  "OAuth login finished: 1 ok / 0 failed / 0 skipped (2.0s)",
		Duration: 2 * time.Second,
		Accounts: []model.AccountResult{
			{AccountID: 1, Username: "octocat", Status: model.AccountStatusSuccess, Attempts: 1},
		},
	}
	require.NoError(t, publisher.ObserveRun(context.Background(), result))

	msg := testutil.NextMessage(t, js, "execution.result.7", 5*time.Second)
	var got model.ExecutionResult
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, result.TaskName, got.TaskName)
	assert.Equal(t, result.Status, got.Status)
	require.Len(t, got.Accounts, 1)
	assert.Equal(t, "octocat", got.Accounts[0].Username)
}
