// Package balance reads the account balance shown on a target site after login.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/browser"
	"github.com/t77yq/autologin/internal/model"
)

// ErrNoBalanceFound is returned when no strategy recognised a balance
var ErrNoBalanceFound = errors.New("no balance found on page")

// Snapshot is a parsed page shared by all strategies
type Snapshot struct {
	Doc *goquery.Document
	// Markup is the page HTML with scripts and styles removed
	Markup string
}

// NewSnapshot parses markup for extraction
func NewSnapshot(markup string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page markup: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	cleaned, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render page markup: %w", err)
	}
	return &Snapshot{Doc: doc, Markup: strings.ReplaceAll(cleaned, "\u00a0", " ")}, nil
}

// Strategy is one way of locating the balance
type Strategy struct {
	Name string
	find func(s *Snapshot) (amount, bool)
}

// DefaultStrategies returns the strategies in the order they are tried
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "structural", find: structural},
		{Name: "contextual_regex", find: contextualRegex},
		{Name: "text_scoring", find: textScoring},
	}
}

// Extractor runs strategies in order and returns the first hit
type Extractor struct {
	logger     *zap.Logger
	strategies []Strategy
}

// NewExtractor creates an extractor; with no strategies the defaults are used
func NewExtractor(logger *zap.Logger, strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Extractor{
		logger:     logger.Named("balance"),
		strategies: strategies,
	}
}

// Extract reads the current page of a browser session
func (e *Extractor) Extract(ctx context.Context, page browser.Page) (*model.Balance, error) {
	markup, err := page.Markup(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page markup: %w", err)
	}
	return e.ExtractMarkup(markup)
}

// ExtractMarkup runs the strategies against raw HTML
func (e *Extractor) ExtractMarkup(markup string) (*model.Balance, error) {
	snap, err := NewSnapshot(markup)
	if err != nil {
		return nil, err
	}

	for _, strategy := range e.strategies {
		found, ok := strategy.find(snap)
		if !ok {
			e.logger.Debug("Balance strategy found nothing", zap.String("strategy", strategy.Name))
			continue
		}

		e.logger.Info("Extracted balance",
			zap.String("strategy", strategy.Name),
			zap.Float64("value", found.Value),
			zap.String("currency", found.Currency),
			zap.Bool("implicit_currency", found.Implicit))

		return &model.Balance{
			Value:    found.Value,
			Currency: found.Currency,
			RawText:  found.Raw,
			Implicit: found.Implicit,
			Strategy: strategy.Name,
		}, nil
	}
	return nil, ErrNoBalanceFound
}
