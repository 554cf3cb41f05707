// Package correlate owns the request correlation store: the single source of
// truth mapping a correlation id to the origin connection that asked for data
// and the browser tab opened to produce it.
package correlate

import (
	"log/slog"
	"sync"

	"github.com/cgsuite/research-bridge/internal/protocol"
	"github.com/chromedp/cdproto/target"
)

// OriginTab is the caller's side of a pending request: the bridge connection
// owned by the application tab that issued it. Send failures are reported, not
// thrown; the coordinator logs and drops them.
type OriginTab interface {
	ID() string
	Send(env protocol.Envelope) error
}

// State tracks a pending request through its lifecycle. Terminal outcomes are
// not states; the entry is removed the moment one is reached.
type State string

const (
	StateCreated      State = "created"
	StateTargeting    State = "targeting"
	StateAwaitingUser State = "awaiting_user"
)

// PendingEntry records the tabs involved in one in-flight request. TargetID is
// empty until the destination tab has been opened or located.
type PendingEntry struct {
	CorrelationID string
	Origin        OriginTab
	TargetID      target.ID
	State         State
	Competitor    string
	IsRefine      bool
}

// EntryView is a JSON-safe snapshot of a PendingEntry for the operator API.
type EntryView struct {
	CorrelationID string `json:"correlation_id"`
	OriginID      string `json:"origin_id"`
	TargetID      string `json:"target_id,omitempty"`
	State         State  `json:"state"`
	Competitor    string `json:"competitor,omitempty"`
	IsRefine      bool   `json:"is_refine"`
}

// Store maps correlation ids to pending entries. It is an owned object
// injected into the coordinator, never package state. All methods are safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	pending map[string]*PendingEntry
}

func NewStore() *Store {
	return &Store{pending: make(map[string]*PendingEntry)}
}

// Begin creates a pending entry with no target tab yet. Callers mint fresh
// ids, so an existing entry under the same id is stale by construction and is
// overwritten.
func (s *Store) Begin(correlationID string, origin OriginTab, competitor string, isRefine bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[correlationID]; exists {
		slog.Warn("correlate: overwriting stale entry", "correlation_id", correlationID)
	}
	s.pending[correlationID] = &PendingEntry{
		CorrelationID: correlationID,
		Origin:        origin,
		State:         StateCreated,
		Competitor:    competitor,
		IsRefine:      isRefine,
	}
}

// AttachTarget fills in the opened or located destination tab. A missing entry
// means the request ended in the interim; that is logged and ignored.
func (s *Store) AttachTarget(correlationID string, targetID target.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[correlationID]
	if !ok {
		slog.Debug("correlate: attach target for removed entry", "correlation_id", correlationID, "target_id", targetID)
		return
	}
	entry.TargetID = targetID
	entry.State = StateTargeting
}

// MarkAwaitingUser records that the confirmation panel is up on the target
// tab. Missing entries are ignored for the same reason as AttachTarget.
func (s *Store) MarkAwaitingUser(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.pending[correlationID]; ok {
		entry.State = StateAwaitingUser
	}
}

// Resolve looks up and removes the entry in one step so it can never be
// delivered twice. The boolean is false when the entry is already gone.
func (s *Store) Resolve(correlationID string) (PendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[correlationID]
	if !ok {
		return PendingEntry{}, false
	}
	delete(s.pending, correlationID)
	return *entry, true
}

// FindByTarget reverse-looks-up the pending entry for a destination tab. Used
// when a tab reports readiness without knowing its correlation id.
func (s *Store) FindByTarget(targetID target.ID) (PendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.pending {
		if entry.TargetID == targetID {
			return *entry, true
		}
	}
	return PendingEntry{}, false
}

// ResolveByTarget atomically removes and returns the entry whose destination
// tab matches, for the tab-removal observer.
func (s *Store) ResolveByTarget(targetID target.ID) (PendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.pending {
		if entry.TargetID == targetID {
			delete(s.pending, id)
			return *entry, true
		}
	}
	return PendingEntry{}, false
}

// Snapshot returns a copy of the pending entries for the operator API.
func (s *Store) Snapshot() []EntryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryView, 0, len(s.pending))
	for _, entry := range s.pending {
		view := EntryView{
			CorrelationID: entry.CorrelationID,
			TargetID:      string(entry.TargetID),
			State:         entry.State,
			Competitor:    entry.Competitor,
			IsRefine:      entry.IsRefine,
		}
		if entry.Origin != nil {
			view.OriginID = entry.Origin.ID()
		}
		out = append(out, view)
	}
	return out
}

// Len reports the number of in-flight requests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
