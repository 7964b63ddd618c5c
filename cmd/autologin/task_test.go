package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstRun(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) // 08:00 in Shanghai

	tests := []struct {
		name string
		from string
		want time.Time
	}{
		{
			name: "after now",
			want: time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC),
		},
		{
			name: "from local wall time includes that minute",
			from: "2024-06-01 09:00",
			want: time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC),
		},
		{
			name: "from local wall time between occurrences",
			from: "2024-06-01 09:30",
			want: time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := firstRun("0 9 * * *", "Asia/Shanghai", tt.from, now)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
		})
	}
}

func TestFirstRun_Errors(t *testing.T) {
	now := time.Now()

	_, err := firstRun("0 9 * * *", "Asia/Shanghai", "June 1st", now)
	assert.ErrorContains(t, err, "invalid --from")

	_, err = firstRun("0 9 * * *", "Nowhere/Land", "2024-06-01 09:00", now)
	assert.Error(t, err)

	_, err = firstRun("every day", "UTC", "", now)
	assert.Error(t, err)
}
