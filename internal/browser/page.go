// Package browser defines the browser automation capability used by the login
// flow and the balance extractor, plus chromedp-backed implementations of it.
package browser

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrElementNotFound is returned when no interactable element matches a locator
	ErrElementNotFound = errors.New("element not found")

	// ErrContextNotFound is returned when switching to an unknown browser context
	ErrContextNotFound = errors.New("browser context not found")
)

// By selects the query language of a Locator
type By string

const (
	ByCSS   By = "css"
	ByXPath By = "xpath"
)

// Locator describes how to find elements on the current page
type Locator struct {
	By    By
	Query string
	// Text keeps only elements whose visible text, value or aria-label
	// contains it, compared case-insensitively
	Text string
}

// CSS returns a CSS selector locator
func CSS(query string) Locator {
	return Locator{By: ByCSS, Query: query}
}

// XPath returns an XPath locator
func XPath(query string) Locator {
	return Locator{By: ByXPath, Query: query}
}

// WithText narrows the locator to elements containing text
func (l Locator) WithText(text string) Locator {
	l.Text = text
	return l
}

func (l Locator) String() string {
	if l.Text != "" {
		return fmt.Sprintf("%s(%s)[%s]", l.By, l.Query, l.Text)
	}
	return fmt.Sprintf("%s(%s)", l.By, l.Query)
}

// Element is a handle to a visible, enabled element on the current page
type Element struct {
	Ref   string            `json:"ref"`
	Tag   string            `json:"tag"`
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

// Attr returns an attribute value or the empty string
func (e Element) Attr(name string) string {
	return e.Attrs[name]
}

// Cookie is a browser cookie of the current context
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Page is the browser automation handle. Every call must return within a
// bounded time; implementations apply their own per-action timeout.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)

	// FindAll returns the visible, enabled elements matching loc
	FindAll(ctx context.Context, loc Locator) ([]Element, error)
	Click(ctx context.Context, el Element) error
	Type(ctx context.Context, el Element, text string) error
	// Submit presses Enter inside el
	Submit(ctx context.Context, el Element) error

	Text(ctx context.Context) (string, error)
	Markup(ctx context.Context) (string, error)

	// Contexts lists the IDs of open top-level browsing contexts (tabs and popups)
	Contexts(ctx context.Context) ([]string, error)
	CurrentContext() string
	SwitchTo(ctx context.Context, id string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// Launcher opens fresh, isolated browser sessions
type Launcher interface {
	Launch(ctx context.Context) (Page, error)
}

// Find returns the first element matched by the first matching locator, or
// ErrElementNotFound. If every lookup failed, the last lookup error is returned.
func Find(ctx context.Context, p Page, locators ...Locator) (Element, error) {
	var lastErr error
	failures := 0
	for _, loc := range locators {
		elements, err := p.FindAll(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return Element{}, ctx.Err()
			}
			lastErr = err
			failures++
			continue
		}
		if len(elements) > 0 {
			return elements[0], nil
		}
	}
	if failures > 0 && failures == len(locators) {
		return Element{}, lastErr
	}
	return Element{}, ErrElementNotFound
}
