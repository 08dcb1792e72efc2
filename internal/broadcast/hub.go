package broadcast

import (
	"log/slog"
	"sync"

	"agent-bridge/internal/metrics"
	"agent-bridge/internal/protocol"

	"github.com/google/uuid"
)

// Hub fans session events out to every observer registered for the session.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[string]Observer // sessionID → observerID → observer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHub creates an empty hub. m may be nil.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]map[string]Observer),
		logger:   logger,
		metrics:  m,
	}
}

// AddObserver registers obs for sessionID and returns its observer ID.
func (h *Hub) AddObserver(sessionID string, obs Observer) string {
	id := uuid.New().String()

	h.mu.Lock()
	observers, ok := h.sessions[sessionID]
	if !ok {
		observers = make(map[string]Observer)
		h.sessions[sessionID] = observers
	}
	observers[id] = obs
	h.mu.Unlock()

	h.metrics.ObserverAdded()
	h.logger.Debug("observer added", "session_id", sessionID, "observer_id", id)
	return id
}

// RemoveObserver closes and unregisters one observer. Unknown IDs are ignored.
func (h *Hub) RemoveObserver(sessionID, observerID string) {
	h.mu.Lock()
	obs, ok := h.sessions[sessionID][observerID]
	if ok {
		h.removeLocked(sessionID, observerID)
	}
	h.mu.Unlock()

	if ok {
		obs.Close()
		h.logger.Debug("observer removed", "session_id", sessionID, "observer_id", observerID)
	}
}

// Broadcast delivers ev to every observer of sessionID. Observers that fail to
// accept the event are dropped and closed. Sends happen under the hub lock, so
// all observers of a session see the same event order.
func (h *Hub) Broadcast(sessionID string, ev protocol.Event) {
	var dropped []Observer

	h.mu.Lock()
	for id, obs := range h.sessions[sessionID] {
		if err := obs.Send(ev); err != nil {
			h.logger.Debug("dropping observer",
				"session_id", sessionID,
				"observer_id", id,
				"error", err)
			h.removeLocked(sessionID, id)
			dropped = append(dropped, obs)
		}
	}
	h.mu.Unlock()

	h.metrics.EventBroadcast(string(ev.Type))
	for _, obs := range dropped {
		obs.Close()
	}
}

// ObserverCount reports how many observers sessionID currently has.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// CloseSession closes every observer of sessionID and forgets the session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	observers := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for range observers {
		h.metrics.ObserverRemoved()
	}
	for _, obs := range observers {
		obs.Close()
	}
	if len(observers) > 0 {
		h.logger.Debug("session observers closed", "session_id", sessionID, "count", len(observers))
	}
}

// Shutdown closes all observers of all sessions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.CloseSession(id)
	}
}

func (h *Hub) removeLocked(sessionID, observerID string) {
	observers := h.sessions[sessionID]
	delete(observers, observerID)
	if len(observers) == 0 {
		delete(h.sessions, sessionID)
	}
	h.metrics.ObserverRemoved()
}
