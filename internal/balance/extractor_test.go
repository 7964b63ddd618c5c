package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/autologin/internal/browser/browsertest"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		value    float64
		currency string
		implicit bool
	}{
		{"code prefix", "Current balance: USD 1,234.50", 1234.50, "USD", false},
		{"chinese label with CN yen", "账户余额：CN¥ 2,345.6789", 2345.6789, "CNY", false},
		{"no marker", "Balance remaining: 75", 75, "USD", true},
		{"dollar", "$57.10", 57.10, "USD", false},
		{"fullwidth yen", "￥60.86", 60.86, "CNY", false},
		{"euro", "€ 9.99", 9.99, "EUR", false},
		{"pound", "£3", 3, "GBP", false},
		{"rmb suffix", "88.00 RMB", 88, "CNY", false},
		{"code overrides symbol", "$ 12.00 CNY", 12, "CNY", false},
		{"us dollar", "US$ 1,500.25", 1500.25, "USD", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, currency, implicit, ok := ParseAmount(tt.text)
			require.True(t, ok)
			assert.InDelta(t, tt.value, value, 1e-9)
			assert.Equal(t, tt.currency, currency)
			assert.Equal(t, tt.implicit, implicit)
		})
	}

	_, _, _, ok := ParseAmount("no digits here")
	assert.False(t, ok)
}

func TestExtractMarkup(t *testing.T) {
	tests := []struct {
		name     string
		markup   string
		value    float64
		currency string
		strategy string
	}{
		{
			name: "label next to amount",
			markup: `<html><body><div class="card">
				<span>Current balance</span>
				<div class="text-lg font-semibold">$57.10</div>
			</div></body></html>`,
			value:    57.10,
			currency: "USD",
			strategy: "structural",
		},
		{
			name: "styled amount without label",
			markup: `<html><body><div>
				<p>Welcome back</p>
				<div class="text-lg font-semibold">¥60.86</div>
			</div></body></html>`,
			value:    60.86,
			currency: "CNY",
			strategy: "structural",
		},
		{
			name: "history is ignored",
			markup: `<html><body>
				<div><span>history: $500</span></div>
				<div><span>current balance: $12.30</span></div>
			</body></html>`,
			value:    12.30,
			currency: "USD",
			strategy: "structural",
		},
		{
			name: "balance history label is skipped",
			markup: `<html><body>
				<div><span>Balance history</span><span>$500</span></div>
				<div class="text-lg font-semibold">$12.30</div>
			</body></html>`,
			value:    12.30,
			currency: "USD",
			strategy: "structural",
		},
		{
			name: "chinese label",
			markup: `<html><body><div>
				<label>账户余额</label><b>￥18.20</b>
			</div></body></html>`,
			value:    18.20,
			currency: "CNY",
			strategy: "structural",
		},
	}

	extractor := NewExtractor(zaptest.NewLogger(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractor.ExtractMarkup(tt.markup)
			require.NoError(t, err)
			assert.InDelta(t, tt.value, got.Value, 1e-9)
			assert.Equal(t, tt.currency, got.Currency)
			assert.Equal(t, tt.strategy, got.Strategy)
		})
	}
}

func TestExtractMarkup_NothingFound(t *testing.T) {
	extractor := NewExtractor(zaptest.NewLogger(t))

	_, err := extractor.ExtractMarkup(`<html><body><h1>Dashboard</h1><p>Welcome</p></body></html>`)
	assert.ErrorIs(t, err, ErrNoBalanceFound)
}

func TestExtractMarkup_IgnoresScripts(t *testing.T) {
	extractor := NewExtractor(zaptest.NewLogger(t))

	_, err := extractor.ExtractMarkup(`<html><body><script>var price = "$99.99";</script><p>Hello</p></body></html>`)
	assert.ErrorIs(t, err, ErrNoBalanceFound)
}

func TestContextualRegex(t *testing.T) {
	t.Run("amount after label", func(t *testing.T) {
		snap, err := NewSnapshot(`<div><span>Current balance</span>
			<strong>US$ 1,500.25</strong></div>`)
		require.NoError(t, err)

		got, ok := contextualRegex(snap)
		require.True(t, ok)
		assert.InDelta(t, 1500.25, got.Value, 1e-9)
		assert.Equal(t, "USD", got.Currency)
	})

	t.Run("global scan keeps smallest plausible amount", func(t *testing.T) {
		snap, err := NewSnapshot(`<p>Plan: $2000</p><p>Top up ¥60.86</p><p>Bonus $80</p>`)
		require.NoError(t, err)

		got, ok := contextualRegex(snap)
		require.True(t, ok)
		assert.InDelta(t, 60.86, got.Value, 1e-9)
		assert.Equal(t, "CNY", got.Currency)
	})

	t.Run("implicit amounts are not accepted", func(t *testing.T) {
		snap, err := NewSnapshot(`<p>Visitors 42.50</p>`)
		require.NoError(t, err)

		_, ok := contextualRegex(snap)
		assert.False(t, ok)
	})
}

func TestTextScoring(t *testing.T) {
	snap, err := NewSnapshot(`<html><body>
		<div><p>Total consumed</p><p>1234.56</p></div>
		<div><p>Available credit</p><p>42.50</p></div>
	</body></html>`)
	require.NoError(t, err)

	got, ok := textScoring(snap)
	require.True(t, ok)
	assert.InDelta(t, 42.50, got.Value, 1e-9)
	assert.True(t, got.Implicit)
}

func TestExtract_FromPage(t *testing.T) {
	page := browsertest.New()
	page.Docs["https://example.com/console"] = &browsertest.Doc{
		Markup: `<html><body><div><span>Current balance</span><span>$7.25</span></div></body></html>`,
	}
	page.Goto("https://example.com/console")

	got, err := NewExtractor(zaptest.NewLogger(t)).Extract(context.Background(), page)
	require.NoError(t, err)
	assert.InDelta(t, 7.25, got.Value, 1e-9)

	page.Fail = errors.New("target closed")
	_, err = NewExtractor(zaptest.NewLogger(t)).Extract(context.Background(), page)
	assert.ErrorContains(t, err, "failed to read page markup")
}
