// Package bridge accepts WebSocket connections from application tabs and
// feeds their envelopes to the coordinator. Each connection is one origin
// tab; replies for its requests are written back on the same socket.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cgsuite/research-bridge/internal/correlate"
	"github.com/cgsuite/research-bridge/internal/protocol"
)

// Handler is the coordinator's envelope entrypoint.
type Handler interface {
	HandleEnvelope(ctx context.Context, origin correlate.OriginTab, env protocol.Envelope) error
}

// Server upgrades HTTP requests to WebSocket connections and runs a read loop
// per connection.
type Server struct {
	handler Handler
	seq     atomic.Int64

	mu    sync.Mutex
	conns map[int64]*Conn
}

func NewServer(handler Handler) *Server {
	return &Server{handler: handler, conns: make(map[int64]*Conn)}
}

// Conn is one application-tab connection. It satisfies the origin-tab
// interface the correlation store holds; Send is safe for concurrent use.
type Conn struct {
	id      int64
	netConn net.Conn
	writeMu sync.Mutex
}

func (c *Conn) ID() string {
	return fmt.Sprintf("ws-%d", c.id)
}

// Send writes one envelope as a text frame.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteServerText(c.netConn, data); err != nil {
		return fmt.Errorf("bridge: write to %s: %w", c.ID(), err)
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until the peer
// hangs up. Mount it on the router's /bridge route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("bridge: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := &Conn{id: s.seq.Add(1), netConn: netConn}
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	slog.Info("bridge: connection opened", "origin", conn.ID(), "remote", r.RemoteAddr)

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer func() {
		conn.netConn.Close()
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		slog.Info("bridge: connection closed", "origin", conn.ID())
	}()

	for {
		data, err := wsutil.ReadClientText(conn.netConn)
		if err != nil {
			slog.Debug("bridge: read loop exit", "origin", conn.ID(), "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("bridge: malformed envelope", "origin", conn.ID(), "error", err)
			if err := conn.Send(protocol.ErrorEnvelope("", "", "malformed envelope")); err != nil {
				slog.Warn("bridge: error reply dropped", "origin", conn.ID(), "error", err)
			}
			continue
		}

		slog.Debug("bridge: envelope received",
			"origin", conn.ID(), "correlation_id", env.CorrelationID, "action", env.Action)
		if err := s.handler.HandleEnvelope(context.Background(), conn, env); err != nil {
			slog.Warn("bridge: handler error",
				"origin", conn.ID(), "correlation_id", env.CorrelationID, "error", err)
		}
	}
}

// ConnCount reports the number of live connections, for the health endpoint.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		conn.netConn.Close()
		delete(s.conns, id)
	}
}
