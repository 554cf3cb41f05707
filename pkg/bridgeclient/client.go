// Package bridgeclient is the Go client for the research bridge. It speaks
// the envelope protocol over a WebSocket and turns the scrape flow into a
// blocking call: issue a request, wait for the operator to confirm in the
// opened tab, get the listings back.
package bridgeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

// DefaultTimeout bounds how long a request waits for the operator. The
// operator may be talking to a customer; a minute is deliberate slack.
const DefaultTimeout = 60 * time.Second

// Client is a single bridge connection. Safe for concurrent requests; each
// carries its own correlation id.
type Client struct {
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn

	waitersMu sync.Mutex
	waiters   map[string]chan protocol.Envelope
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request wait for the operator's confirmation.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to the bridge's /bridge WebSocket endpoint, e.g.
// "ws://127.0.0.1:8976/bridge".
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bridgeclient: dial %s: %w", url, err)
	}

	c := &Client{
		timeout: DefaultTimeout,
		conn:    conn,
		waiters: make(map[string]chan protocol.Envelope),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection. In-flight requests fail with a closed-channel
// error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("bridgeclient: read loop exit", "error", err)
			c.failAllWaiters()
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("bridgeclient: malformed envelope", "error", err)
			continue
		}

		c.waitersMu.Lock()
		ch, ok := c.waiters[env.CorrelationID]
		c.waitersMu.Unlock()
		if !ok {
			slog.Debug("bridgeclient: envelope for unknown request",
				"correlation_id", env.CorrelationID, "action", env.Action)
			continue
		}
		select {
		case ch <- env:
		default:
			slog.Warn("bridgeclient: dropping envelope, waiter not draining",
				"correlation_id", env.CorrelationID, "action", env.Action)
		}
	}
}

func (c *Client) failAllWaiters() {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
}

// RequestScrape opens a competitor tab on the bridge host and blocks until
// the operator confirms, the tab closes, or the timeout passes. A closed tab
// is not a Go error: the result comes back with Success=false and the
// operator-facing message in Error.
func (c *Client) RequestScrape(ctx context.Context, competitor string) (protocol.ScrapeResult, error) {
	return c.request(ctx, protocol.ActionStartScrape, protocol.StartScrape{
		Competitor: competitorTag(competitor),
	})
}

// RequestRefine brings the previous listings tab back to the front so the
// operator can adjust the search. listingPageURL may be empty; the bridge
// falls back to the competitor's home page.
func (c *Client) RequestRefine(ctx context.Context, competitor, listingPageURL string) (protocol.ScrapeResult, error) {
	return c.request(ctx, protocol.ActionStartRefine, protocol.StartRefine{
		Competitor:     competitorTag(competitor),
		ListingPageURL: listingPageURL,
	})
}

func (c *Client) request(ctx context.Context, action protocol.Action, payload any) (protocol.ScrapeResult, error) {
	correlationID := uuid.NewString()
	env, err := protocol.NewEnvelope(correlationID, action, payload)
	if err != nil {
		return protocol.ScrapeResult{}, err
	}

	ch := make(chan protocol.Envelope, 4)
	c.waitersMu.Lock()
	c.waiters[correlationID] = ch
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, correlationID)
		c.waitersMu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return protocol.ScrapeResult{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return protocol.ScrapeResult{}, ctx.Err()
		case <-timer.C:
			return protocol.ScrapeResult{}, fmt.Errorf("bridgeclient: %s %s timed out after %s", action, correlationID, c.timeout)
		case reply, ok := <-ch:
			if !ok {
				return protocol.ScrapeResult{}, fmt.Errorf("bridgeclient: connection closed")
			}
			if reply.Error != "" {
				return protocol.ScrapeResult{}, fmt.Errorf("bridgeclient: %s", reply.Error)
			}
			if reply.Action.Progress() {
				// Registered, panel up, and so on; keep waiting.
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

// competitorTag normalizes a caller-supplied competitor name to the tag the
// bridge understands. Unknown names pass through; the bridge rejects them.
func competitorTag(name string) adapter.Competitor {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ebay":
		return adapter.CompetitorEBay
	case "cashconverters", "cash converters":
		return adapter.CompetitorCashConverters
	default:
		return adapter.Competitor(name)
	}
}

func (c *Client) send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridgeclient: marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("bridgeclient: not connected")
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("bridgeclient: send: %w", err)
	}
	return nil
}
