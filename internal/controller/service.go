// Package controller implements the operator API service on top of the
// coordinator and the CDP manager.
package controller

import (
	"context"
	"strings"
	"time"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/cdp"
	"github.com/cgsuite/research-bridge/internal/coordinator"
	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

// operatorWait bounds an API-triggered scrape. Longer than the client
// library's wait; the operator started this one themselves.
const operatorWait = 5 * time.Minute

// ConnCounter reports live bridge connections; the bridge server implements
// it.
type ConnCounter interface {
	ConnCount() int
}

// Service wires the operator API to the coordinator. It validates input at
// the edge and leaves the flow semantics to the coordinator.
type Service struct {
	coord    *coordinator.Coordinator
	mgr      *cdp.Manager
	adapters *adapter.Registry
	conns    ConnCounter
}

func NewService(coord *coordinator.Coordinator, mgr *cdp.Manager, adapters *adapter.Registry, conns ConnCounter) *Service {
	return &Service{coord: coord, mgr: mgr, adapters: adapters, conns: conns}
}

func (s *Service) PendingRequests(ctx context.Context) []correlate.EntryView {
	return s.coord.Store().Snapshot()
}

func (s *Service) Adapters(ctx context.Context) []adapter.Info {
	return s.adapters.List()
}

func (s *Service) Tabs(ctx context.Context) ([]cdp.TabInfo, error) {
	return s.mgr.List(ctx)
}

func (s *Service) BridgeConnections() int {
	if s.conns == nil {
		return 0
	}
	return s.conns.ConnCount()
}

// Scrape runs the full confirm-and-collect flow on behalf of the operator,
// blocking until the confirmation or the deadline.
func (s *Service) Scrape(ctx context.Context, action protocol.Action, competitor adapter.Competitor, listingPageURL string) (protocol.ScrapeResult, error) {
	if strings.TrimSpace(string(competitor)) == "" {
		return protocol.ScrapeResult{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "competitor is required"}
	}
	if !competitor.Known() {
		return protocol.ScrapeResult{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "unsupported competitor " + string(competitor)}
	}

	ctx, cancel := context.WithTimeout(ctx, operatorWait)
	defer cancel()

	switch action {
	case protocol.ActionStartRefine:
		return s.coord.Request(ctx, action, protocol.StartRefine{Competitor: competitor, ListingPageURL: listingPageURL})
	default:
		return s.coord.Request(ctx, protocol.ActionStartScrape, protocol.StartScrape{Competitor: competitor})
	}
}
