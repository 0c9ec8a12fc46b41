package server

import (
	"log/slog"
	"sync"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/changelog"
)

// delivery is one item broadcast to a session: either a ChangeLog or a
// custom event.
type delivery struct {
	log   *changelog.ChangeLog
	path  ir.Path
	event *ir.Node
}

// Hub fans accepted ChangeLogs and custom events out to every session.
// It is thread-safe and designed for concurrent access from multiple
// sessions.
//
// Sending never blocks: each session has a bounded broadcast queue and a
// session whose queue is full is failed as a slow consumer rather than
// stalling the mutation that produced the broadcast.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	log      *slog.Logger
	metrics  *Metrics
}

func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		log:      log,
		metrics:  metrics,
	}
}

// Register adds s to the broadcast set.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	if h.metrics != nil {
		h.metrics.sessions.Set(float64(len(h.sessions)))
	}
}

// Unregister removes s from the broadcast set.  A broadcast already in
// flight may still queue one delivery for s.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	if h.metrics != nil {
		h.metrics.sessions.Set(float64(len(h.sessions)))
	}
}

// Distribute implements actions.Distributor.
func (h *Hub) Distribute(c *changelog.ChangeLog) {
	h.broadcast(delivery{log: c})
}

// DistributeEvent implements actions.Distributor.
func (h *Hub) DistributeEvent(p ir.Path, data *ir.Node) {
	h.broadcast(delivery{path: p, event: data})
}

func (h *Hub) broadcast(d delivery) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var slow []*Session
	for _, s := range targets {
		select {
		case <-s.failed:
			continue
		default:
		}
		select {
		case s.broadcast <- d:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		h.log.Warn("dropping slow consumer", "session", s.ID, "queued", len(s.broadcast))
		if h.metrics != nil {
			h.metrics.slowConsumers.Inc()
		}
		s.fail()
		h.Unregister(s)
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// subscriptionsChanged adjusts the subscriptions gauge by n.
func (h *Hub) subscriptionsChanged(n int) {
	if h.metrics != nil && n != 0 {
		h.metrics.subscriptions.Add(float64(n))
	}
}
