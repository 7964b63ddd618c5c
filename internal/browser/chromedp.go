package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

const refAttr = "data-al-ref"

// findScript tags every visible, enabled match with a stable ref attribute
// so later actions can address it with a plain CSS selector.
const findScript = `(function(by, query, text) {
	var nodes = [];
	try {
		if (by === 'xpath') {
			var snap = document.evaluate(query, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (var i = 0; i < snap.snapshotLength; i++) nodes.push(snap.snapshotItem(i));
		} else {
			nodes = Array.prototype.slice.call(document.querySelectorAll(query));
		}
	} catch (e) {
		return [];
	}
	var needle = (text || '').toLowerCase();
	var out = [];
	nodes.forEach(function(n) {
		if (!(n instanceof Element)) return;
		if (n.getClientRects().length === 0 || n.disabled) return;
		var label = [n.innerText || n.textContent || '', n.value || '', n.getAttribute('aria-label') || ''].join(' ');
		if (needle && label.toLowerCase().indexOf(needle) === -1) return;
		var ref = n.getAttribute('%s');
		if (!ref) {
			window.__alRef = (window.__alRef || 0) + 1;
			ref = String(window.__alRef);
			n.setAttribute('%s', ref);
		}
		var attrs = {};
		for (var j = 0; j < n.attributes.length; j++) attrs[n.attributes[j].name] = n.attributes[j].value;
		out.push({ref: ref, tag: n.tagName.toLowerCase(), text: (n.innerText || n.value || '').trim().slice(0, 200), attrs: attrs});
	});
	return out;
})(%s, %s, %s)`

// ChromePage implements Page on top of chromedp
type ChromePage struct {
	logger        *zap.Logger
	actionTimeout time.Duration

	mu      sync.Mutex
	browser context.Context
	tabs    map[string]context.Context
	cancels []context.CancelFunc
	current string
	onClose []func()
	closed  bool
}

// newChromePage attaches to the first tab of an already allocated browser
func newChromePage(allocCtx context.Context, cancelAlloc context.CancelFunc, actionTimeout time.Duration, logger *zap.Logger) (*ChromePage, error) {
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	p := &ChromePage{
		logger:        logger,
		actionTimeout: actionTimeout,
		browser:       browserCtx,
		tabs:          make(map[string]context.Context),
		cancels:       []context.CancelFunc{cancelBrowser, cancelAlloc},
	}

	// The first Run starts the browser; it must not use a derived timeout context.
	if err := chromedp.Run(browserCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	id := string(chromedp.FromContext(browserCtx).Target.TargetID)
	p.tabs[id] = browserCtx
	p.current = id
	return p, nil
}

// OnClose registers cleanup to run after the browser is shut down
func (p *ChromePage) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("browser session closed")
	}
	tab := p.tabs[p.current]
	p.mu.Unlock()

	actx, cancel := context.WithTimeout(tab, p.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(actx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if actx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timeout after %s: %w", p.actionTimeout, err)
		}
		return err
	}
	return nil
}

func refSelector(el Element) string {
	return fmt.Sprintf(`[%s="%s"]`, refAttr, el.Ref)
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *ChromePage) Reload(ctx context.Context) error {
	if err := p.run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("failed to reload page: %w", err)
	}
	return nil
}

func (p *ChromePage) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read current url: %w", err)
	}
	return url, nil
}

func (p *ChromePage) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	by, _ := json.Marshal(string(loc.By))
	query, _ := json.Marshal(loc.Query)
	text, _ := json.Marshal(loc.Text)
	script := fmt.Sprintf(findScript, refAttr, refAttr, by, query, text)

	var elements []Element
	if err := p.run(ctx, chromedp.Evaluate(script, &elements)); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", loc, err)
	}
	return elements, nil
}

func (p *ChromePage) Click(ctx context.Context, el Element) error {
	sel := refSelector(el)
	err := p.run(ctx, chromedp.Click(sel, chromedp.ByQuery))
	if err == nil {
		return nil
	}

	// Some component libraries swallow synthetic mouse events; fall back to a DOM click.
	p.logger.Debug("Native click failed, using script click", zap.String("ref", el.Ref), zap.Error(err))
	var clicked bool
	script := fmt.Sprintf(`(function(){var n=document.querySelector(%q); if(!n) return false; n.click(); return true;})()`, sel)
	if err := p.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("failed to click element: %w", err)
	}
	if !clicked {
		return fmt.Errorf("failed to click element: %w", ErrElementNotFound)
	}
	return nil
}

func (p *ChromePage) Type(ctx context.Context, el Element, text string) error {
	sel := refSelector(el)
	if err := p.run(ctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to type into element: %w", err)
	}
	return nil
}

func (p *ChromePage) Submit(ctx context.Context, el Element) error {
	if err := p.run(ctx, chromedp.SendKeys(refSelector(el), kb.Enter, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to submit element: %w", err)
	}
	return nil
}

func (p *ChromePage) Text(ctx context.Context) (string, error) {
	var text string
	if err := p.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text)); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

func (p *ChromePage) Markup(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page markup: %w", err)
	}
	return html, nil
}

func (p *ChromePage) Contexts(ctx context.Context) ([]string, error) {
	tctx, cancel := context.WithTimeout(p.browser, p.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	infos, err := chromedp.Targets(tctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list browser contexts: %w", err)
	}

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			ids = append(ids, string(info.TargetID))
		}
	}
	return ids, nil
}

func (p *ChromePage) CurrentContext() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *ChromePage) SwitchTo(ctx context.Context, id string) error {
	p.mu.Lock()
	if _, ok := p.tabs[id]; ok {
		p.current = id
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ids, err := p.Contexts(ctx)
	if err != nil {
		return err
	}
	known := false
	for _, candidate := range ids {
		if candidate == id {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}

	tab, cancel := chromedp.NewContext(p.browser, chromedp.WithTargetID(target.ID(id)))
	if err := chromedp.Run(tab); err != nil {
		cancel()
		return fmt.Errorf("failed to attach to browser context %s: %w", id, err)
	}

	p.mu.Lock()
	p.tabs[id] = tab
	p.cancels = append([]context.CancelFunc{cancel}, p.cancels...)
	p.current = id
	p.mu.Unlock()
	return nil
}

func (p *ChromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return cookies, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (p *ChromePage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancels := p.cancels
	hooks := p.onClose
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}
