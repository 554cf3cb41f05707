package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

type echoHandler struct{}

func (echoHandler) HandleEnvelope(ctx context.Context, origin correlate.OriginTab, env protocol.Envelope) error {
	return origin.Send(protocol.Envelope{CorrelationID: env.CorrelationID, Action: protocol.ActionAck})
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(echoHandler{})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestMalformedEnvelopeGetsErrorReply(t *testing.T) {
	_, url := startServer(t)

	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, []byte("{not json")); err != nil {
		t.Fatalf("WriteClientText() = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText() = %v", err)
	}
	var reply protocol.Envelope
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if reply.Error != "malformed envelope" {
		t.Fatalf("reply = %+v; want malformed envelope error", reply)
	}

	// The connection survives the bad frame.
	valid, err := json.Marshal(protocol.Envelope{CorrelationID: "req-1", Action: protocol.ActionStartScrape})
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	if err := wsutil.WriteClientText(conn, valid); err != nil {
		t.Fatalf("WriteClientText() = %v", err)
	}
	data, err = wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText() = %v", err)
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if reply.CorrelationID != "req-1" || reply.Action != protocol.ActionAck {
		t.Fatalf("reply = %+v; want ack for req-1", reply)
	}
}
