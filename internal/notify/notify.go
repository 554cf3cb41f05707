// Package notify pushes short operator alerts over an ntfy-style HTTP
// endpoint. The operator may be mid-conversation with a customer; a push is
// how they learn a tab is waiting for them.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Notifier posts plain-text messages. A nil Notifier or empty endpoint
// disables pushes.
type Notifier struct {
	endpoint string
	client   *http.Client
}

func New(endpoint string, client *http.Client) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{endpoint: endpoint, client: client}
}

// RequestWaiting alerts the operator that a confirmation panel is up.
func (n *Notifier) RequestWaiting(ctx context.Context, competitor string, isRefine bool) error {
	if n == nil || n.endpoint == "" {
		return nil
	}
	verb := "scrape"
	if isRefine {
		verb = "refine"
	}
	msg := fmt.Sprintf("Research bridge: %s request waiting in the %s tab.", verb, competitor)
	return Send(ctx, n.client, n.endpoint, msg)
}

// Send posts a message to the given endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
