package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/chromedp/cdproto/target"
)

const ebayFixture = `<html><body>
	<input id="gh-ac" value="xbox series x"/>
	<div id="srp-river-results"><ul>
		<li>
			<div class="s-card__title"><span class="su-styled-text primary default">Xbox Series X</span></div>
			<div class="s-card__price">£299.99</div>
			<a class="s-card__link" href="/itm/777">link</a>
		</li>
	</ul></div>
</body></html>`

type fakePage struct {
	url     string
	html    string
	snapErr error
	showErr error

	showCalls  int
	refineLast bool
}

func (f *fakePage) ShowPanel(ctx context.Context, id target.ID, isRefine bool) (bool, error) {
	if f.showErr != nil {
		return false, f.showErr
	}
	f.showCalls++
	f.refineLast = isRefine
	// First injection creates the panel; repeats find it already present.
	return f.showCalls == 1, nil
}

func (f *fakePage) Snapshot(ctx context.Context, id target.ID) (string, string, error) {
	if f.snapErr != nil {
		return "", "", f.snapErr
	}
	return f.url, f.html, nil
}

func newTestSession(page *fakePage) *Session {
	return NewSession(target.ID("tab-1"), page, adapter.NewRegistry())
}

func TestNotifyWaitingArmsAndShowsPanel(t *testing.T) {
	page := &fakePage{url: "https://www.ebay.co.uk/sch", html: ebayFixture}
	s := newTestSession(page)

	if err := s.NotifyWaiting(context.Background(), "req-1", false); err != nil {
		t.Fatalf("NotifyWaiting() = %v", err)
	}
	if s.State() != StateAwaitingConfirmation {
		t.Fatalf("State() = %v; want awaiting", s.State())
	}
	if page.showCalls != 1 || page.refineLast {
		t.Fatalf("panel shown %d times, refine=%v; want 1, false", page.showCalls, page.refineLast)
	}
}

func TestNotifyWaitingIgnoresSecondRequestWhileArmed(t *testing.T) {
	page := &fakePage{url: "https://www.ebay.co.uk/sch", html: ebayFixture}
	s := newTestSession(page)

	if err := s.NotifyWaiting(context.Background(), "req-1", false); err != nil {
		t.Fatalf("NotifyWaiting() = %v", err)
	}
	if err := s.NotifyWaiting(context.Background(), "req-2", true); err != nil {
		t.Fatalf("second NotifyWaiting() = %v", err)
	}

	id, _, ok := s.Confirm(context.Background())
	if !ok {
		t.Fatal("Confirm() found no armed request")
	}
	if id != "req-1" {
		t.Fatalf("confirmed id = %q; want req-1 (second notification must not steal the panel)", id)
	}
}

func TestNotifyWaitingSameRequestReshowsIdempotently(t *testing.T) {
	page := &fakePage{url: "https://www.ebay.co.uk/sch", html: ebayFixture}
	s := newTestSession(page)

	for range 3 {
		if err := s.NotifyWaiting(context.Background(), "req-1", true); err != nil {
			t.Fatalf("NotifyWaiting() = %v", err)
		}
	}
	if page.showCalls != 3 {
		t.Fatalf("showCalls = %d; want 3 (injection is re-attempted, JS dedupes)", page.showCalls)
	}
	if !page.refineLast {
		t.Fatal("refine label lost on re-show")
	}
}

func TestNotifyWaitingRevertsOnPanelError(t *testing.T) {
	page := &fakePage{showErr: errors.New("eval failed")}
	s := newTestSession(page)

	if err := s.NotifyWaiting(context.Background(), "req-1", false); err == nil {
		t.Fatal("NotifyWaiting() = nil; want error")
	}
	if s.State() != StateIdle {
		t.Fatalf("State() = %v; want idle after failed injection", s.State())
	}
}

func TestConfirmScrapesAndIsOneShot(t *testing.T) {
	page := &fakePage{url: "https://www.ebay.co.uk/sch/i.html?_nkw=xbox", html: ebayFixture}
	s := newTestSession(page)

	if err := s.NotifyWaiting(context.Background(), "req-9", false); err != nil {
		t.Fatalf("NotifyWaiting() = %v", err)
	}

	id, result, ok := s.Confirm(context.Background())
	if !ok {
		t.Fatal("Confirm() found no armed request")
	}
	if id != "req-9" {
		t.Fatalf("correlation id = %q; want req-9", id)
	}
	if !result.Success {
		t.Fatal("Success = false; want true")
	}
	if result.Competitor != adapter.CompetitorEBay {
		t.Fatalf("Competitor = %q; want eBay", result.Competitor)
	}
	if result.SearchTerm != "xbox series x" {
		t.Fatalf("SearchTerm = %q", result.SearchTerm)
	}
	if len(result.Results) != 1 || result.Results[0].Title != "Xbox Series X" {
		t.Fatalf("unexpected results %+v", result.Results)
	}
	if result.ListingPageURL != "https://www.ebay.co.uk/sch/i.html?_nkw=xbox" {
		t.Fatalf("ListingPageURL = %q", result.ListingPageURL)
	}

	// One-shot: the armed id is consumed.
	if _, _, ok := s.Confirm(context.Background()); ok {
		t.Fatal("second Confirm() succeeded; want no-op")
	}
	if s.State() != StateCompleted {
		t.Fatalf("State() = %v; want completed", s.State())
	}
}

func TestConfirmWithoutNotifyIsNoOp(t *testing.T) {
	s := newTestSession(&fakePage{url: "https://www.ebay.co.uk/sch", html: ebayFixture})
	if _, _, ok := s.Confirm(context.Background()); ok {
		t.Fatal("Confirm() on idle session succeeded")
	}
}

func TestConfirmOnUnknownHostYieldsEmptyWellFormedResult(t *testing.T) {
	page := &fakePage{url: "https://example.com/somewhere", html: "<html><body></body></html>"}
	s := newTestSession(page)

	if err := s.NotifyWaiting(context.Background(), "req-1", false); err != nil {
		t.Fatalf("NotifyWaiting() = %v", err)
	}
	_, result, ok := s.Confirm(context.Background())
	if !ok {
		t.Fatal("Confirm() found no armed request")
	}
	if !result.Success {
		t.Fatal("Success = false; want true for no-adapter page")
	}
	if result.Competitor != adapter.CompetitorUnknown {
		t.Fatalf("Competitor = %q; want Unknown", result.Competitor)
	}
	if result.Results == nil || len(result.Results) != 0 {
		t.Fatalf("Results = %#v; want empty non-nil slice", result.Results)
	}
}

func TestCompletedSessionCanBeReArmed(t *testing.T) {
	page := &fakePage{url: "https://www.ebay.co.uk/sch", html: ebayFixture}
	s := newTestSession(page)

	if err := s.NotifyWaiting(context.Background(), "req-1", false); err != nil {
		t.Fatal(err)
	}
	s.Confirm(context.Background())

	// A refine on the same tab arms it again.
	if err := s.NotifyWaiting(context.Background(), "req-2", true); err != nil {
		t.Fatalf("re-arm NotifyWaiting() = %v", err)
	}
	id, _, ok := s.Confirm(context.Background())
	if !ok || id != "req-2" {
		t.Fatalf("Confirm() = (%q, %v); want req-2, true", id, ok)
	}
}

func TestPageReady(t *testing.T) {
	listings := &fakePage{url: "https://www.ebay.co.uk/sch", html: ebayFixture}
	if !newTestSession(listings).PageReady(context.Background()) {
		t.Fatal("PageReady() = false on a results page")
	}

	itemPage := &fakePage{url: "https://www.ebay.co.uk/itm/1", html: "<html><body><div id='item'></div></body></html>"}
	if newTestSession(itemPage).PageReady(context.Background()) {
		t.Fatal("PageReady() = true on an item page")
	}

	unknownHost := &fakePage{url: "https://example.com/", html: ebayFixture}
	if newTestSession(unknownHost).PageReady(context.Background()) {
		t.Fatal("PageReady() = true on an unknown host")
	}

	broken := &fakePage{snapErr: errors.New("tab gone")}
	if newTestSession(broken).PageReady(context.Background()) {
		t.Fatal("PageReady() = true when snapshot fails")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(&fakePage{}, adapter.NewRegistry())

	a := r.Session(target.ID("tab-a"))
	if again := r.Session(target.ID("tab-a")); again != a {
		t.Fatal("Session() created a duplicate for the same tab")
	}
	if _, ok := r.Lookup(target.ID("tab-b")); ok {
		t.Fatal("Lookup() found an untracked tab")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d; want 1", r.Count())
	}

	r.Remove(target.ID("tab-a"))
	if _, ok := r.Lookup(target.ID("tab-a")); ok {
		t.Fatal("Lookup() found a removed tab")
	}
}
