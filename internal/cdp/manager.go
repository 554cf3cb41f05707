// Package cdp drives the operator's browser over the Chrome DevTools Protocol.
// The Manager owns the remote allocator, opens and activates listing tabs, and
// surfaces the three events the coordinator cares about: a page finished
// loading, the operator clicked confirm, and a tab went away.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ConfirmBinding is the name of the page-world function invoked by the
// confirmation panel's button. The binding call surfaces as a CDP event on the
// tab's session.
const ConfirmBinding = "__cgResearchConfirm"

// Events are the callbacks fired by the Manager. Handlers run on their own
// goroutines because they re-enter the Manager (evals must not run inside the
// CDP event listener).
type Events struct {
	OnPageLoad  func(id target.ID)
	OnConfirm   func(id target.ID, payload string)
	OnTabClosed func(id target.ID)
}

// TabInfo describes a tracked tab for the operator API.
type TabInfo struct {
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
}

type tabContext struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager manages CDP connections to browser tabs.
type Manager struct {
	cdpURL      string
	evalTimeout time.Duration
	events      Events

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[target.ID]*tabContext
	closing       bool
}

func NewManager(cdpURL string, evalTimeout time.Duration, events Events) *Manager {
	return &Manager{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		events:      events,
		tabs:        make(map[target.ID]*tabContext),
	}
}

// Connect establishes the browser-level connection and registers the
// tab-removal observer.
func (m *Manager) Connect(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("connecting to browser", "cdp_url", m.cdpURL)
	m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cdpURL)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx)

	if err := chromedp.Run(m.browserCtx); err != nil {
		m.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to browser failed", err)
	}

	chromedp.ListenBrowser(m.browserCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			go m.handleTargetDestroyed(e.TargetID)
		}
	})

	slog.Info("browser connected", "cdp_url", m.cdpURL)
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	m.cleanupLocked()
	slog.Info("cdp manager closed")
	return nil
}

func (m *Manager) cleanupLocked() {
	for id, tab := range m.tabs {
		tab.cancel()
		delete(m.tabs, id)
	}
	if m.browserCancel != nil {
		m.browserCancel()
		m.browserCancel = nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
	}
}

// OpenTab creates a new browser tab at the given URL and starts tracking it.
func (m *Manager) OpenTab(ctx context.Context, url string) (target.ID, error) {
	browserCtx, err := m.browser()
	if err != nil {
		return "", err
	}

	var id target.ID
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var createErr error
		id, createErr = target.CreateTarget(url).Do(ctx)
		return createErr
	}))
	if err != nil {
		return "", newError(CodeCDPUnavailable, "create tab failed", err)
	}

	if err := m.track(id); err != nil {
		return "", err
	}
	slog.Info("opened tab", "target_id", id, "url", url)
	return id, nil
}

// FindTabByURL locates an already-open page tab showing exactly the given URL
// and starts tracking it. When several tabs match, the first reported by the
// browser wins.
func (m *Manager) FindTabByURL(ctx context.Context, url string) (target.ID, bool, error) {
	browserCtx, err := m.browser()
	if err != nil {
		return "", false, err
	}

	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return "", false, newError(CodeCDPUnavailable, "list targets failed", err)
	}
	for _, info := range infos {
		if info.Type != "page" || info.URL != url {
			continue
		}
		if err := m.track(info.TargetID); err != nil {
			return "", false, err
		}
		return info.TargetID, true, nil
	}
	return "", false, nil
}

// Activate brings a tab to the front.
func (m *Manager) Activate(ctx context.Context, id target.ID) error {
	browserCtx, err := m.browser()
	if err != nil {
		return err
	}
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.ActivateTarget(id).Do(ctx)
	}))
	if err != nil {
		return newError(CodeCDPUnavailable, "activate tab failed", err)
	}
	return nil
}

// List returns the currently open page targets for the operator API.
func (m *Manager) List(ctx context.Context) ([]TabInfo, error) {
	browserCtx, err := m.browser()
	if err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "list targets failed", err)
	}
	out := make([]TabInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		out = append(out, TabInfo{TargetID: string(info.TargetID), URL: info.URL})
	}
	return out, nil
}

// Snapshot returns the tab's current URL and rendered outer HTML.
func (m *Manager) Snapshot(ctx context.Context, id target.ID) (string, string, error) {
	tab, err := m.tab(id)
	if err != nil {
		return "", "", err
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, m.evalTimeout)
	defer cancel()

	var pageURL, html string
	err = chromedp.Run(evalCtx,
		chromedp.Location(&pageURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", "", newError(CodeEvalTimeout, "snapshot timed out", err)
		}
		return "", "", newError(CodeEvalFailure, "snapshot failed", err)
	}
	return pageURL, html, nil
}

// Eval runs a wrapped IIFE on the tab and decodes its envelope into out. The
// script must return JSON.stringify({ok, data?, error_message?}).
func (m *Manager) Eval(ctx context.Context, id target.ID, js string, out any) error {
	tab, err := m.tab(id)
	if err != nil {
		return err
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, m.evalTimeout)
	defer cancel()

	var raw string
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(js, &raw)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		return newError(CodeEvalFailure, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// track attaches to a target, enables the Page and Runtime domains, registers
// the confirm binding, and wires the per-tab event listener. Tracking an
// already-tracked tab is a no-op.
func (m *Manager) track(id target.ID) error {
	m.mu.Lock()
	if _, ok := m.tabs[id]; ok {
		m.mu.Unlock()
		return nil
	}
	browserCtx := m.browserCtx
	if browserCtx == nil {
		m.mu.Unlock()
		return newError(CodeCDPUnavailable, "not connected", nil)
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(id))
	m.tabs[id] = &tabContext{id: id, ctx: tabCtx, cancel: tabCancel}
	m.mu.Unlock()

	err := chromedp.Run(tabCtx,
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(ConfirmBinding),
	)
	if err != nil {
		tabCancel()
		m.mu.Lock()
		delete(m.tabs, id)
		m.mu.Unlock()
		return newError(CodeCDPUnavailable, "attach to tab failed", err)
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLoadEventFired:
			if m.events.OnPageLoad != nil {
				go m.events.OnPageLoad(id)
			}
		case *runtime.EventBindingCalled:
			if e.Name == ConfirmBinding && m.events.OnConfirm != nil {
				go m.events.OnConfirm(id, e.Payload)
			}
		}
	})
	return nil
}

func (m *Manager) handleTargetDestroyed(id target.ID) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	tab, tracked := m.tabs[id]
	if tracked {
		tab.cancel()
		delete(m.tabs, id)
	}
	m.mu.Unlock()

	slog.Debug("tab destroyed", "target_id", id, "tracked", tracked)
	// Every destroyed target is reported; the coordinator filters against its
	// correlation store.
	if m.events.OnTabClosed != nil {
		m.events.OnTabClosed(id)
	}
}

func (m *Manager) browser() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserCtx == nil {
		return nil, newError(CodeCDPUnavailable, "not connected", nil)
	}
	return m.browserCtx, nil
}

func (m *Manager) tab(id target.ID) (*tabContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[id]
	if !ok {
		return nil, newError(CodeTabNotFound, fmt.Sprintf("tab not tracked: %s", id), nil)
	}
	return tab, nil
}
