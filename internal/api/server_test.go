package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/cdp"
	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

type fakeService struct {
	pending    []correlate.EntryView
	tabs       []cdp.TabInfo
	tabsErr    error
	scrapeFn   func(action protocol.Action, competitor adapter.Competitor, url string) (protocol.ScrapeResult, error)
	lastAction protocol.Action
}

func (f *fakeService) PendingRequests(ctx context.Context) []correlate.EntryView { return f.pending }

func (f *fakeService) Adapters(ctx context.Context) []adapter.Info {
	return []adapter.Info{
		{Competitor: adapter.CompetitorEBay, HostSuffix: "ebay.co.uk"},
		{Competitor: adapter.CompetitorCashConverters, HostSuffix: "cashconverters.co.uk"},
	}
}

func (f *fakeService) Tabs(ctx context.Context) ([]cdp.TabInfo, error) { return f.tabs, f.tabsErr }

func (f *fakeService) Scrape(ctx context.Context, action protocol.Action, competitor adapter.Competitor, url string) (protocol.ScrapeResult, error) {
	f.lastAction = action
	return f.scrapeFn(action, competitor, url)
}

func (f *fakeService) BridgeConnections() int { return 2 }

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	svc := &fakeService{pending: []correlate.EntryView{{CorrelationID: "req-1", State: correlate.StateAwaitingUser}}}
	rec := doRequest(t, NewServer(svc, nil), http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status            string `json:"status"`
		PendingRequests   int    `json:"pending_requests"`
		BridgeConnections int    `json:"bridge_connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" || body.PendingRequests != 1 || body.BridgeConnections != 2 {
		t.Fatalf("body = %+v", body)
	}
}

func TestListAdapters(t *testing.T) {
	rec := doRequest(t, NewServer(&fakeService{}, nil), http.MethodGet, "/api/v1/adapters", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var infos []adapter.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(infos) != 2 || infos[0].Competitor != adapter.CompetitorEBay {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestListRequests(t *testing.T) {
	svc := &fakeService{pending: []correlate.EntryView{
		{CorrelationID: "req-1", OriginID: "ws-1", TargetID: "t-1", State: correlate.StateTargeting},
	}}
	rec := doRequest(t, NewServer(svc, nil), http.MethodGet, "/api/v1/requests", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []correlate.EntryView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 || views[0].CorrelationID != "req-1" {
		t.Fatalf("views = %+v", views)
	}
}

func TestListTabsMapsCDPUnavailable(t *testing.T) {
	svc := &fakeService{tabsErr: &cdp.CodedError{Code: cdp.CodeCDPUnavailable, Message: "browser not connected"}}
	rec := doRequest(t, NewServer(svc, nil), http.MethodGet, "/api/v1/tabs", "")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", rec.Code)
	}
}

func TestScrapeHappyPath(t *testing.T) {
	svc := &fakeService{
		scrapeFn: func(action protocol.Action, competitor adapter.Competitor, url string) (protocol.ScrapeResult, error) {
			if competitor != adapter.CompetitorEBay {
				t.Errorf("competitor = %q", competitor)
			}
			return protocol.ScrapeResult{
				Success:    true,
				Competitor: competitor,
				Results:    []adapter.Listing{{Title: "Xbox", Price: "150.00", URL: "https://www.ebay.co.uk/itm/1"}},
			}, nil
		},
	}
	rec := doRequest(t, NewServer(svc, nil), http.MethodPost, "/api/v1/scrape", `{"competitor":"eBay"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.lastAction != protocol.ActionStartScrape {
		t.Fatalf("action = %s; want start_scrape", svc.lastAction)
	}
	var result protocol.ScrapeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Success || len(result.Results) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestScrapeRefineFlagSwitchesAction(t *testing.T) {
	svc := &fakeService{
		scrapeFn: func(action protocol.Action, competitor adapter.Competitor, url string) (protocol.ScrapeResult, error) {
			if url != "https://www.ebay.co.uk/sch/old" {
				t.Errorf("url = %q", url)
			}
			return protocol.ScrapeResult{Success: true, Results: []adapter.Listing{}}, nil
		},
	}
	body := `{"competitor":"eBay","refine":true,"listing_page_url":"https://www.ebay.co.uk/sch/old"}`
	rec := doRequest(t, NewServer(svc, nil), http.MethodPost, "/api/v1/scrape", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.lastAction != protocol.ActionStartRefine {
		t.Fatalf("action = %s; want start_refine", svc.lastAction)
	}
}

func TestScrapeValidationErrorMapsTo400(t *testing.T) {
	svc := &fakeService{
		scrapeFn: func(action protocol.Action, competitor adapter.Competitor, url string) (protocol.ScrapeResult, error) {
			return protocol.ScrapeResult{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "unsupported competitor"}
		},
	}
	rec := doRequest(t, NewServer(svc, nil), http.MethodPost, "/api/v1/scrape", `{"competitor":"Gumtree"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestScrapeTimeoutMapsTo504(t *testing.T) {
	svc := &fakeService{
		scrapeFn: func(action protocol.Action, competitor adapter.Competitor, url string) (protocol.ScrapeResult, error) {
			return protocol.ScrapeResult{}, context.DeadlineExceeded
		},
	}
	rec := doRequest(t, NewServer(svc, nil), http.MethodPost, "/api/v1/scrape", `{"competitor":"eBay"}`)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d; want 504", rec.Code)
	}
}

func TestDocsServed(t *testing.T) {
	rec := doRequest(t, NewServer(&fakeService{}, nil), http.MethodGet, "/docs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Research Bridge API") {
		t.Fatal("docs page missing title")
	}
}
