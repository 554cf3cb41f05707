package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/cdp"
	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

// Service is the operator-facing surface of the bridge: inspect what is in
// flight and trigger scrapes without going through a WebSocket connection.
type Service interface {
	PendingRequests(ctx context.Context) []correlate.EntryView
	Adapters(ctx context.Context) []adapter.Info
	Tabs(ctx context.Context) ([]cdp.TabInfo, error)
	Scrape(ctx context.Context, action protocol.Action, competitor adapter.Competitor, listingPageURL string) (protocol.ScrapeResult, error)
	BridgeConnections() int
}

// NewServer builds the operator API router. bridgeHandler, when non-nil, is
// mounted at /bridge for WebSocket upgrades.
func NewServer(svc Service, bridgeHandler http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Research Bridge API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if bridgeHandler != nil {
		router.Handle("/bridge", bridgeHandler)
	}

	registerBridgeHandlers(api, svc)
	return router
}

func registerBridgeHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status            string `json:"status"`
			PendingRequests   int    `json:"pending_requests"`
			BridgeConnections int    `json:"bridge_connections"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Bridge health and connection counts",
		Tags:        []string{"Bridge"},
	}, func(ctx context.Context, input *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.PendingRequests = len(svc.PendingRequests(ctx))
		out.Body.BridgeConnections = svc.BridgeConnections()
		return out, nil
	})

	type requestsOutput struct {
		Body []correlate.EntryView
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/api/v1/requests",
		Summary:     "List in-flight scrape requests",
		Tags:        []string{"Bridge"},
	}, func(ctx context.Context, input *struct{}) (*requestsOutput, error) {
		out := &requestsOutput{}
		out.Body = svc.PendingRequests(ctx)
		return out, nil
	})

	type adaptersOutput struct {
		Body []adapter.Info
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-adapters",
		Method:      http.MethodGet,
		Path:        "/api/v1/adapters",
		Summary:     "List supported competitor sites",
		Tags:        []string{"Bridge"},
	}, func(ctx context.Context, input *struct{}) (*adaptersOutput, error) {
		out := &adaptersOutput{}
		out.Body = svc.Adapters(ctx)
		return out, nil
	})

	type tabsOutput struct {
		Body []cdp.TabInfo
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-tabs",
		Method:      http.MethodGet,
		Path:        "/api/v1/tabs",
		Summary:     "List open browser tabs",
		Tags:        []string{"Browser"},
	}, func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
		tabs, err := svc.Tabs(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &tabsOutput{}
		out.Body = tabs
		return out, nil
	})

	type scrapeInput struct {
		Body struct {
			Competitor     string `json:"competitor" doc:"Competitor site tag, e.g. eBay or CashConverters"`
			Refine         bool   `json:"refine,omitempty" doc:"Reuse the previous listings tab instead of opening a new one"`
			ListingPageURL string `json:"listing_page_url,omitempty" doc:"Listings URL from a prior scrape, used with refine"`
		}
	}
	type scrapeOutput struct {
		Body protocol.ScrapeResult
	}
	huma.Register(api, huma.Operation{
		OperationID: "scrape",
		Method:      http.MethodPost,
		Path:        "/api/v1/scrape",
		Summary:     "Open a competitor tab and wait for the operator to confirm",
		Tags:        []string{"Bridge"},
	}, func(ctx context.Context, input *scrapeInput) (*scrapeOutput, error) {
		action := protocol.ActionStartScrape
		if input.Body.Refine {
			action = protocol.ActionStartRefine
		}
		result, err := svc.Scrape(ctx, action, adapter.Competitor(input.Body.Competitor), input.Body.ListingPageURL)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &scrapeOutput{}
		out.Body = result
		return out, nil
	})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdp.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdp.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdp.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdp.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdp.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout("timed out waiting for operator confirmation")
	}
	return huma.Error500InternalServerError(err.Error())
}
