// Package browsertest provides a scripted in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/t77yq/autologin/internal/browser"
)

// Element is a scripted element. It answers every locator whose query equals
// one of Queries, subject to the locator's text filter.
type Element struct {
	Queries []string
	Text    string
	Attrs   map[string]string
	// OnClick runs when the element is clicked
	OnClick func(p *Page)
	// OnSubmit runs when Enter is pressed inside the element
	OnSubmit func(p *Page)

	typed string
}

// Typed returns the text last typed into the element
func (e *Element) Typed() string {
	return e.typed
}

// Doc is the scripted content served for a URL
type Doc struct {
	Markup   string
	Text     string
	Elements []*Element
}

// AutoRedirect moves a window away from a URL after it was polled a number of times
type AutoRedirect struct {
	AfterPolls int
	To         string
}

type window struct {
	id  string
	url string
}

// Page is a scripted browser.Page
type Page struct {
	mu sync.Mutex

	Docs          map[string]*Doc
	AutoRedirects map[string]AutoRedirect
	// OnNavigate, keyed by URL, replaces plain navigation
	OnNavigate map[string]func(p *Page)
	OnReload   func(p *Page)
	CookieJar  []browser.Cookie
	// Fail makes every call return the error
	Fail error

	windows     []*window
	current     int
	nextID      int
	polls       map[string]int
	navigations []string
	reloads     int
	closed      bool
}

// New creates a page with a single blank window
func New() *Page {
	p := &Page{
		Docs:          make(map[string]*Doc),
		AutoRedirects: make(map[string]AutoRedirect),
		OnNavigate:    make(map[string]func(p *Page)),
		polls:         make(map[string]int),
	}
	p.windows = []*window{{id: p.newID(), url: "about:blank"}}
	return p
}

func (p *Page) newID() string {
	p.nextID++
	return fmt.Sprintf("ctx-%d", p.nextID)
}

// Goto moves the current window to url without running navigation hooks
func (p *Page) Goto(url string) {
	p.windows[p.current].url = url
}

// OpenWindow opens a popup at url without switching to it
func (p *Page) OpenWindow(url string) string {
	id := p.newID()
	p.windows = append(p.windows, &window{id: id, url: url})
	return id
}

// Navigations returns every URL passed to Navigate
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Reloads returns the number of Reload calls
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Closed reports whether Close was called
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) doc() *Doc {
	if d, ok := p.Docs[p.windows[p.current].url]; ok {
		return d
	}
	return &Doc{}
}

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed {
		return fmt.Errorf("browser session closed")
	}
	return p.Fail
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	p.navigations = append(p.navigations, url)
	if hook, ok := p.OnNavigate[url]; ok {
		hook(p)
		return nil
	}
	p.Goto(url)
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	p.reloads++
	if p.OnReload != nil {
		p.OnReload(p)
	}
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}

	url := p.windows[p.current].url
	if redirect, ok := p.AutoRedirects[url]; ok {
		p.polls[url]++
		if p.polls[url] > redirect.AfterPolls {
			p.Goto(redirect.To)
			return redirect.To, nil
		}
	}
	return url, nil
}

func (p *Page) FindAll(ctx context.Context, loc browser.Locator) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}

	var found []browser.Element
	for i, el := range p.doc().Elements {
		if !el.matches(loc) {
			continue
		}
		found = append(found, browser.Element{
			Ref:   fmt.Sprintf("%s#%d", p.windows[p.current].url, i),
			Text:  el.Text,
			Attrs: el.Attrs,
		})
	}
	return found, nil
}

func (e *Element) matches(loc browser.Locator) bool {
	hit := false
	for _, q := range e.Queries {
		if q == loc.Query {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	if loc.Text == "" {
		return true
	}
	label := e.Text + " " + e.Attrs["value"] + " " + e.Attrs["aria-label"]
	return strings.Contains(strings.ToLower(label), strings.ToLower(loc.Text))
}

func (p *Page) resolve(el browser.Element) (*Element, error) {
	var url string
	var idx int
	sep := strings.LastIndex(el.Ref, "#")
	if sep < 0 {
		return nil, browser.ErrElementNotFound
	}
	url = el.Ref[:sep]
	if _, err := fmt.Sscanf(el.Ref[sep+1:], "%d", &idx); err != nil {
		return nil, browser.ErrElementNotFound
	}
	if url != p.windows[p.current].url {
		return nil, fmt.Errorf("stale element: %w", browser.ErrElementNotFound)
	}
	elements := p.doc().Elements
	if idx < 0 || idx >= len(elements) {
		return nil, browser.ErrElementNotFound
	}
	return elements[idx], nil
}

func (p *Page) Click(ctx context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	target, err := p.resolve(el)
	if err != nil {
		return err
	}
	if target.OnClick != nil {
		target.OnClick(p)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, el browser.Element, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	target, err := p.resolve(el)
	if err != nil {
		return err
	}
	target.typed = text
	return nil
}

func (p *Page) Submit(ctx context.Context, el browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	target, err := p.resolve(el)
	if err != nil {
		return err
	}
	if target.OnSubmit != nil {
		target.OnSubmit(p)
	}
	return nil
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	return p.doc().Text, nil
}

func (p *Page) Markup(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	return p.doc().Markup, nil
}

func (p *Page) Contexts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, len(p.windows))
	for i, w := range p.windows {
		ids[i] = w.id
	}
	return ids, nil
}

func (p *Page) CurrentContext() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windows[p.current].id
}

func (p *Page) SwitchTo(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}

	for i, w := range p.windows {
		if w.id == id {
			p.current = i
			return nil
		}
	}
	return fmt.Errorf("%w: %s", browser.ErrContextNotFound, id)
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return append([]browser.Cookie(nil), p.CookieJar...), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Launcher hands out pages built by New
type Launcher struct {
	mu       sync.Mutex
	New      func() *Page
	Err      error
	launched []*Page
}

// Launch implements browser.Launcher
func (l *Launcher) Launch(ctx context.Context) (browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	page := l.New()
	l.launched = append(l.launched, page)
	return page, nil
}

// Launched returns every page handed out so far
func (l *Launcher) Launched() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.launched...)
}
