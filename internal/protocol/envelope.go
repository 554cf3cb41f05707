// Package protocol defines the wire shapes exchanged between the application
// tab, the bridge relay, and the coordinator. Every message crossing a context
// boundary travels inside an Envelope tagged with a correlation id.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/cgsuite/research-bridge/internal/adapter"
)

// Action tags the payload variant carried by an Envelope.
type Action string

const (
	ActionStartScrape       Action = "start_scrape"
	ActionStartRefine       Action = "start_refine"
	ActionListingsPageReady Action = "listings_page_ready"
	ActionWaitingForData    Action = "waiting_for_data"
	ActionScrapedData       Action = "scraped_data"
	ActionTabClosed         Action = "tab_closed"
	ActionAck               Action = "ack"
)

// Progress reports whether the action is a non-terminal status update.
// Waiting callers skip past these until scraped_data or tab_closed arrives.
func (a Action) Progress() bool {
	return a == ActionAck || a == ActionListingsPageReady || a == ActionWaitingForData
}

// Envelope is the unit of transfer for every cross-context message. Payload
// holds the action-specific variant; Error carries bridge-level failures
// (unknown action, dropped request) back to the caller.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for the given correlation id.
func NewEnvelope(correlationID string, action Action, payload any) (Envelope, error) {
	env := Envelope{CorrelationID: correlationID, Action: action}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", action, err)
	}
	env.Payload = raw
	return env, nil
}

// ErrorEnvelope builds a reply carrying only a bridge-level error.
func ErrorEnvelope(correlationID string, action Action, msg string) Envelope {
	return Envelope{CorrelationID: correlationID, Action: action, Error: msg}
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: empty %s payload", e.Action)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Action, err)
	}
	return nil
}

// StartScrape asks the coordinator to open a fresh tab at the competitor's
// default listings URL and wait for the operator to confirm.
type StartScrape struct {
	Competitor adapter.Competitor `json:"competitor"`
}

// StartRefine asks the coordinator to bring an existing listings tab to the
// front (or open one) so the operator can adjust their search. ListingPageURL
// is the URL remembered from the previous scrape, if any.
type StartRefine struct {
	Competitor     adapter.Competitor `json:"competitor"`
	ListingPageURL string             `json:"listing_page_url,omitempty"`
}

// WaitingForData is the progress update sent once the confirmation panel is
// up in the listings tab and the request is waiting on the operator.
type WaitingForData struct {
	IsRefine bool `json:"is_refine"`
}

// ScrapeResult is the terminal answer for a scrape or refine request. A closed
// tab yields Success=false with Error set; an unrecognized page yields
// Success=true with empty Results.
type ScrapeResult struct {
	Success        bool               `json:"success"`
	Results        []adapter.Listing  `json:"results"`
	Competitor     adapter.Competitor `json:"competitor,omitempty"`
	SearchTerm     string             `json:"search_term,omitempty"`
	ListingPageURL string             `json:"listing_page_url,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// TabClosedError is the message delivered when the operator closes the
// listings tab before confirming.
const TabClosedError = "Tab was closed. You can try again when ready."

// TabClosedResult synthesizes the failure result for an abandoned request.
func TabClosedResult() ScrapeResult {
	return ScrapeResult{Success: false, Results: []adapter.Listing{}, Error: TabClosedError}
}
