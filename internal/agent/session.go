// Package agent drives the confirm-and-scrape flow on an opened listings tab.
// Each Session owns one tab's state: whether a confirmation panel is up, and
// for which correlation id.
package agent

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/protocol"
	"github.com/chromedp/cdproto/target"
)

// PageDriver abstracts the in-page operations a session needs: injecting the
// confirmation panel and reading the rendered document. *Driver implements it
// over the CDP manager; tests substitute fixtures.
type PageDriver interface {
	ShowPanel(ctx context.Context, id target.ID, isRefine bool) (shown bool, err error)
	Snapshot(ctx context.Context, id target.ID) (pageURL, html string, err error)
}

// State is the session's position in the confirm-and-scrape flow.
type State int

const (
	StateIdle State = iota
	StateAwaitingConfirmation
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// Session holds exactly one current correlation id for a tab. NotifyWaiting
// arms it, a confirm click consumes it; the consume is one-shot.
type Session struct {
	tabID    target.ID
	page     PageDriver
	adapters *adapter.Registry

	mu            sync.Mutex
	state         State
	correlationID string
	isRefine      bool
}

func NewSession(tabID target.ID, page PageDriver, adapters *adapter.Registry) *Session {
	return &Session{tabID: tabID, page: page, adapters: adapters}
}

func (s *Session) TabID() target.ID { return s.tabID }

// NotifyWaiting stores the correlation id and shows the confirmation panel.
// A second notification while a panel is armed is ignored rather than
// stacking panels.
func (s *Session) NotifyWaiting(ctx context.Context, correlationID string, isRefine bool) error {
	s.mu.Lock()
	if s.state == StateAwaitingConfirmation {
		current := s.correlationID
		s.mu.Unlock()
		if current != correlationID {
			slog.Warn("agent: ignoring waiting notification while armed",
				"tab_id", s.tabID, "armed", current, "requested", correlationID)
			return nil
		}
		// Same request again (e.g. page-ready after a navigation): re-show the
		// panel, the injection itself is idempotent.
	} else {
		s.state = StateAwaitingConfirmation
		s.correlationID = correlationID
		s.isRefine = isRefine
		s.mu.Unlock()
	}

	shown, err := s.page.ShowPanel(ctx, s.tabID, isRefine)
	if err != nil {
		s.mu.Lock()
		if s.correlationID == correlationID {
			s.state = StateIdle
			s.correlationID = ""
		}
		s.mu.Unlock()
		return err
	}
	slog.Debug("agent: panel notified", "tab_id", s.tabID, "correlation_id", correlationID,
		"is_refine", isRefine, "newly_shown", shown)
	return nil
}

// PageReady reports whether the tab currently shows a listings page per the
// matched adapter. A page with no matching adapter is never ready.
func (s *Session) PageReady(ctx context.Context) bool {
	pageURL, doc, err := s.document(ctx)
	if err != nil {
		slog.Debug("agent: ready probe failed", "tab_id", s.tabID, "error", err)
		return false
	}
	a, ok := s.adapters.ForHost(pageURL.Hostname())
	if !ok {
		return false
	}
	return a.Identify(pageURL, doc)
}

// Confirm consumes the armed correlation id and scrapes the page. The boolean
// is false when no request is armed (stray click after completion).
func (s *Session) Confirm(ctx context.Context) (string, protocol.ScrapeResult, bool) {
	s.mu.Lock()
	if s.state != StateAwaitingConfirmation {
		state := s.state
		s.mu.Unlock()
		slog.Debug("agent: confirm with no armed request", "tab_id", s.tabID, "state", state.String())
		return "", protocol.ScrapeResult{}, false
	}
	correlationID := s.correlationID
	s.state = StateCompleted
	s.correlationID = ""
	s.isRefine = false
	s.mu.Unlock()

	return correlationID, s.scrape(ctx), true
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// scrape normalizes whatever the tab currently shows. Every failure path
// degrades to a well-formed empty result so the operator's confirmation
// always produces a reply.
func (s *Session) scrape(ctx context.Context) protocol.ScrapeResult {
	result := protocol.ScrapeResult{
		Success:    true,
		Results:    []adapter.Listing{},
		Competitor: adapter.CompetitorUnknown,
	}

	pageURL, doc, err := s.document(ctx)
	if err != nil {
		slog.Warn("agent: scrape snapshot failed", "tab_id", s.tabID, "error", err)
		return result
	}
	result.ListingPageURL = pageURL.String()

	a, ok := s.adapters.ForHost(pageURL.Hostname())
	if !ok {
		slog.Info("agent: no adapter for host", "tab_id", s.tabID, "host", pageURL.Hostname())
		return result
	}

	result.Competitor = a.Competitor()
	result.SearchTerm = a.SearchTerm(doc)
	result.Results = a.Listings(pageURL, doc)
	slog.Info("agent: scraped listings", "tab_id", s.tabID,
		"competitor", result.Competitor, "count", len(result.Results))
	return result
}

func (s *Session) document(ctx context.Context) (*url.URL, *goquery.Document, error) {
	rawURL, html, err := s.page.Snapshot(ctx, s.tabID)
	if err != nil {
		return nil, nil, err
	}
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, err
	}
	return pageURL, doc, nil
}
