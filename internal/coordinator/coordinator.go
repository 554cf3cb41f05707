// Package coordinator routes request envelopes between application
// connections, the correlation store, and the browser tabs doing the actual
// work. It is the only component that writes terminal replies.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/agent"
	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/history"
	"github.com/cgsuite/research-bridge/internal/notify"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

// Recorder persists terminal outcomes; the history log implements it.
type Recorder interface {
	Record(rec history.Record) error
}

// Tabs is the slice of browser control the coordinator needs. The CDP manager
// satisfies it; tests use a fake.
type Tabs interface {
	OpenTab(ctx context.Context, url string) (target.ID, error)
	FindTabByURL(ctx context.Context, url string) (target.ID, bool, error)
	Activate(ctx context.Context, id target.ID) error
}

// Coordinator dispatches incoming envelopes and browser events. All state
// lives in the injected store and session registry.
type Coordinator struct {
	tabs        Tabs
	sessions    *agent.Registry
	store       *correlate.Store
	defaultURLs map[adapter.Competitor]string

	recorder Recorder
	notifier *notify.Notifier
}

func New(tabs Tabs, sessions *agent.Registry, store *correlate.Store, defaultURLs map[adapter.Competitor]string) *Coordinator {
	return &Coordinator{
		tabs:        tabs,
		sessions:    sessions,
		store:       store,
		defaultURLs: defaultURLs,
	}
}

// Store exposes the correlation store for the operator API.
func (c *Coordinator) Store() *correlate.Store { return c.store }

// SetRecorder attaches a history log for terminal outcomes.
func (c *Coordinator) SetRecorder(r Recorder) { c.recorder = r }

// SetNotifier attaches operator push notifications for waiting requests.
func (c *Coordinator) SetNotifier(n *notify.Notifier) { c.notifier = n }

func (c *Coordinator) notifyWaitingOperator(competitor adapter.Competitor, isRefine bool) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.notifier.RequestWaiting(ctx, string(competitor), isRefine); err != nil {
			slog.Warn("coordinator: operator notification failed", "error", err)
		}
	}()
}

// progress sends a non-terminal status envelope back to the origin. Delivery
// is best effort; the terminal reply is the one that matters.
func (c *Coordinator) progress(origin correlate.OriginTab, correlationID string, action protocol.Action, payload any) {
	env, err := protocol.NewEnvelope(correlationID, action, payload)
	if err != nil {
		slog.Error("coordinator: encode progress", "correlation_id", correlationID, "action", action, "error", err)
		return
	}
	c.reply(origin, env)
}

func (c *Coordinator) record(entry correlate.PendingEntry, result protocol.ScrapeResult) {
	if c.recorder == nil {
		return
	}
	competitor := string(result.Competitor)
	if competitor == "" || competitor == string(adapter.CompetitorUnknown) {
		competitor = entry.Competitor
	}
	rec := history.Record{
		Time:           time.Now().UTC(),
		CorrelationID:  entry.CorrelationID,
		Competitor:     competitor,
		SearchTerm:     result.SearchTerm,
		ListingPageURL: result.ListingPageURL,
		ListingCount:   len(result.Results),
		IsRefine:       entry.IsRefine,
		Success:        result.Success,
		Error:          result.Error,
	}
	if entry.Origin != nil {
		rec.OriginID = entry.Origin.ID()
	}
	if err := c.recorder.Record(rec); err != nil {
		slog.Warn("coordinator: history record failed", "correlation_id", entry.CorrelationID, "error", err)
	}
}

// HandleEnvelope processes one request envelope from an application
// connection. Replies, including errors, go back over origin; the returned
// error is for transport-level logging only.
func (c *Coordinator) HandleEnvelope(ctx context.Context, origin correlate.OriginTab, env protocol.Envelope) error {
	if env.CorrelationID == "" {
		return c.reply(origin, protocol.ErrorEnvelope("", env.Action, "missing correlation_id"))
	}

	switch env.Action {
	case protocol.ActionStartScrape:
		var req protocol.StartScrape
		if err := env.Decode(&req); err != nil {
			return c.reply(origin, protocol.ErrorEnvelope(env.CorrelationID, env.Action, err.Error()))
		}
		return c.startScrape(ctx, origin, env.CorrelationID, req)
	case protocol.ActionStartRefine:
		var req protocol.StartRefine
		if err := env.Decode(&req); err != nil {
			return c.reply(origin, protocol.ErrorEnvelope(env.CorrelationID, env.Action, err.Error()))
		}
		return c.startRefine(ctx, origin, env.CorrelationID, req)
	default:
		slog.Warn("coordinator: unknown action", "action", env.Action, "correlation_id", env.CorrelationID)
		return c.reply(origin, protocol.ErrorEnvelope(env.CorrelationID, env.Action, fmt.Sprintf("unknown action %q", env.Action)))
	}
}

// startScrape opens a fresh tab at the competitor's default listings URL. The
// confirmation panel appears later, once the tab reports a recognizable
// listings page.
func (c *Coordinator) startScrape(ctx context.Context, origin correlate.OriginTab, correlationID string, req protocol.StartScrape) error {
	homeURL, ok := c.defaultURLs[req.Competitor]
	if !ok {
		return c.reply(origin, protocol.ErrorEnvelope(correlationID, protocol.ActionStartScrape,
			fmt.Sprintf("unsupported competitor %q", req.Competitor)))
	}

	c.store.Begin(correlationID, origin, string(req.Competitor), false)
	tabID, err := c.tabs.OpenTab(ctx, homeURL)
	if err != nil {
		c.store.Resolve(correlationID)
		return c.reply(origin, protocol.ErrorEnvelope(correlationID, protocol.ActionStartScrape, err.Error()))
	}
	c.store.AttachTarget(correlationID, tabID)
	c.sessions.Session(tabID)
	slog.Info("coordinator: scrape started",
		"correlation_id", correlationID, "competitor", req.Competitor, "target_id", tabID)
	return c.reply(origin, protocol.Envelope{CorrelationID: correlationID, Action: protocol.ActionAck})
}

// startRefine reuses the tab showing the previous results when it still
// exists, otherwise opens a new one. The panel goes up immediately; the
// operator may already be looking at the data they want.
func (c *Coordinator) startRefine(ctx context.Context, origin correlate.OriginTab, correlationID string, req protocol.StartRefine) error {
	pageURL := req.ListingPageURL
	if pageURL == "" {
		home, ok := c.defaultURLs[req.Competitor]
		if !ok {
			return c.reply(origin, protocol.ErrorEnvelope(correlationID, protocol.ActionStartRefine,
				fmt.Sprintf("unsupported competitor %q", req.Competitor)))
		}
		pageURL = home
	}

	c.store.Begin(correlationID, origin, string(req.Competitor), true)

	tabID, found, err := c.tabs.FindTabByURL(ctx, pageURL)
	if err == nil && found {
		if err := c.tabs.Activate(ctx, tabID); err != nil {
			slog.Warn("coordinator: activate failed", "correlation_id", correlationID, "target_id", tabID, "error", err)
		}
	} else {
		if err != nil {
			slog.Warn("coordinator: tab lookup failed, opening fresh", "correlation_id", correlationID, "error", err)
		}
		tabID, err = c.tabs.OpenTab(ctx, pageURL)
		if err != nil {
			c.store.Resolve(correlationID)
			return c.reply(origin, protocol.ErrorEnvelope(correlationID, protocol.ActionStartRefine, err.Error()))
		}
	}

	c.store.AttachTarget(correlationID, tabID)
	session := c.sessions.Session(tabID)
	armed := false
	if err := session.NotifyWaiting(ctx, correlationID, true); err != nil {
		slog.Warn("coordinator: refine panel injection failed, deferring to page load",
			"correlation_id", correlationID, "target_id", tabID, "error", err)
	} else {
		armed = true
		c.store.MarkAwaitingUser(correlationID)
		c.notifyWaitingOperator(req.Competitor, true)
	}
	slog.Info("coordinator: refine started",
		"correlation_id", correlationID, "competitor", req.Competitor, "target_id", tabID, "reused_tab", found)
	if err := c.reply(origin, protocol.Envelope{CorrelationID: correlationID, Action: protocol.ActionAck}); err != nil {
		return err
	}
	if armed {
		c.progress(origin, correlationID, protocol.ActionWaitingForData, protocol.WaitingForData{IsRefine: true})
	}
	return nil
}

// OnPageLoad is wired to the browser's load events. When a pending request's
// tab lands on a listings page the confirmation panel goes up.
func (c *Coordinator) OnPageLoad(ctx context.Context, tabID target.ID) {
	entry, ok := c.store.FindByTarget(tabID)
	if !ok {
		return
	}
	session := c.sessions.Session(tabID)
	if !session.PageReady(ctx) {
		slog.Debug("coordinator: page loaded but not a listings page",
			"correlation_id", entry.CorrelationID, "target_id", tabID)
		return
	}
	// Navigation within the listings site re-fires load events; progress
	// updates and the operator push go out only on the first arming.
	firstArming := entry.State != correlate.StateAwaitingUser
	if firstArming {
		c.progress(entry.Origin, entry.CorrelationID, protocol.ActionListingsPageReady, nil)
	}
	if err := session.NotifyWaiting(ctx, entry.CorrelationID, entry.IsRefine); err != nil {
		slog.Warn("coordinator: panel injection failed",
			"correlation_id", entry.CorrelationID, "target_id", tabID, "error", err)
		return
	}
	c.store.MarkAwaitingUser(entry.CorrelationID)
	if firstArming {
		c.progress(entry.Origin, entry.CorrelationID, protocol.ActionWaitingForData, protocol.WaitingForData{IsRefine: entry.IsRefine})
		c.notifyWaitingOperator(adapter.Competitor(entry.Competitor), entry.IsRefine)
	}
}

// OnConfirm is wired to the in-page confirmation binding. It scrapes the tab
// and delivers the terminal result to the waiting origin, exactly once.
func (c *Coordinator) OnConfirm(ctx context.Context, tabID target.ID, payload string) {
	session, ok := c.sessions.Lookup(tabID)
	if !ok {
		slog.Debug("coordinator: confirm from untracked tab", "target_id", tabID, "payload", payload)
		return
	}
	correlationID, result, ok := session.Confirm(ctx)
	if !ok {
		return
	}
	entry, ok := c.store.Resolve(correlationID)
	if !ok {
		slog.Warn("coordinator: confirm for resolved request", "correlation_id", correlationID, "target_id", tabID)
		return
	}
	env, err := protocol.NewEnvelope(correlationID, protocol.ActionScrapedData, result)
	if err != nil {
		slog.Error("coordinator: encode result", "correlation_id", correlationID, "error", err)
		return
	}
	if err := c.reply(entry.Origin, env); err == nil {
		slog.Info("coordinator: request fulfilled",
			"correlation_id", correlationID, "target_id", tabID, "listings", len(result.Results))
	}
	c.record(entry, result)
}

// OnTabClosed is wired to target-destroyed events. Closing the listings tab
// is the only way a pending request fails.
func (c *Coordinator) OnTabClosed(tabID target.ID) {
	c.sessions.Remove(tabID)
	entry, ok := c.store.ResolveByTarget(tabID)
	if !ok {
		return
	}
	env, err := protocol.NewEnvelope(entry.CorrelationID, protocol.ActionTabClosed, protocol.TabClosedResult())
	if err != nil {
		slog.Error("coordinator: encode tab_closed", "correlation_id", entry.CorrelationID, "error", err)
		return
	}
	slog.Info("coordinator: tab closed with pending request",
		"correlation_id", entry.CorrelationID, "target_id", tabID)
	c.reply(entry.Origin, env)
	c.record(entry, protocol.TabClosedResult())
}

func (c *Coordinator) reply(origin correlate.OriginTab, env protocol.Envelope) error {
	if err := origin.Send(env); err != nil {
		slog.Warn("coordinator: reply dropped",
			"correlation_id", env.CorrelationID, "action", env.Action, "origin", origin.ID(), "error", err)
		return err
	}
	return nil
}

// chanOrigin adapts a channel to the origin interface for in-process callers.
type chanOrigin struct {
	id string
	ch chan protocol.Envelope
}

func (o *chanOrigin) ID() string { return o.id }

func (o *chanOrigin) Send(env protocol.Envelope) error {
	select {
	case o.ch <- env:
		return nil
	default:
		return fmt.Errorf("coordinator: origin %s not draining", o.id)
	}
}

// Request issues a scrape or refine on behalf of an in-process caller and
// blocks until the terminal reply or ctx expiry. Used by the operator API.
func (c *Coordinator) Request(ctx context.Context, action protocol.Action, payload any) (protocol.ScrapeResult, error) {
	correlationID := uuid.NewString()
	origin := &chanOrigin{id: "api:" + correlationID, ch: make(chan protocol.Envelope, 4)}

	env, err := protocol.NewEnvelope(correlationID, action, payload)
	if err != nil {
		return protocol.ScrapeResult{}, err
	}
	if err := c.HandleEnvelope(ctx, origin, env); err != nil {
		return protocol.ScrapeResult{}, err
	}

	for {
		select {
		case <-ctx.Done():
			if entry, ok := c.store.Resolve(correlationID); ok {
				c.sessions.Remove(entry.TargetID)
			}
			return protocol.ScrapeResult{}, ctx.Err()
		case reply := <-origin.ch:
			if reply.Error != "" {
				return protocol.ScrapeResult{}, fmt.Errorf("coordinator: %s", reply.Error)
			}
			if reply.Action.Progress() {
				continue
			}
			var result protocol.ScrapeResult
			if err := reply.Decode(&result); err != nil {
				return protocol.ScrapeResult{}, err
			}
			return result, nil
		}
	}
}
