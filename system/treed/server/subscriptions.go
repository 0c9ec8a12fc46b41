package server

import (
	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/changelog"
	"github.com/signadot/livetree/system/treed/query"
)

// handleAttachListener attaches an event type at a path and replays the
// current state for child_added and value listeners.  Attaching an
// attached listener again only replays.
func (s *Session) handleAttachListener(req *api.Request) {
	if !api.ValidListenerType(req.EventType) {
		s.sendError(req.ID, api.Malformed("invalid event type %q", req.EventType))
		return
	}
	p, err := s.resolve(req.Path)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	types := s.listeners[p]
	if types == nil {
		types = make(map[string]int64)
		s.listeners[p] = types
	}
	if _, ok := types[req.EventType]; !ok {
		s.hub.subscriptionsChanged(1)
	}
	root, seq := s.engine.Snapshot()
	types[req.EventType] = seq
	s.reply(req.ID, nil)
	s.replay(p, req.EventType, root)
}

// handleDetachListener detaches one event type at a path, or all of
// them when the request names none.
func (s *Session) handleDetachListener(req *api.Request) {
	p, err := s.resolve(req.Path)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	types := s.listeners[p]
	n := 0
	if req.EventType == "" {
		n = len(types)
		delete(s.listeners, p)
	} else if _, ok := types[req.EventType]; ok {
		n = 1
		delete(types, req.EventType)
		if len(types) == 0 {
			delete(s.listeners, p)
		}
	}
	if n == 0 {
		s.sendError(req.ID, api.NewError(api.ErrCodeNotFound, "no listener at "+req.Path))
		return
	}
	s.hub.subscriptionsChanged(-n)
	s.reply(req.ID, nil)
}

// handleAttachQuery attaches a query at a path and sends its initial
// members as query_child_added events.
func (s *Session) handleAttachQuery(req *api.Request) {
	if req.Query == "" {
		s.sendError(req.ID, api.Malformed("missing query"))
		return
	}
	p, err := s.resolve(req.Path)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	before := s.queries.Len()
	root, seq := s.engine.Snapshot()
	evs, err := s.queries.AddAt(p, req.Query, root.GetPath(p), seq)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	s.hub.subscriptionsChanged(s.queries.Len() - before)
	s.reply(req.ID, nil)
	actor := s.currentActor()
	for i := range evs {
		s.sendQueryEvent(actor, &evs[i], root)
	}
}

func (s *Session) handleDetachQuery(req *api.Request) {
	p, err := s.resolve(req.Path)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.queries.Remove(p, req.Query) {
		s.sendError(req.ID, api.NewError(api.ErrCodeNotFound, "no query "+req.Query+" at "+req.Path))
		return
	}
	s.hub.subscriptionsChanged(-1)
	s.reply(req.ID, nil)
}

// cleanupSubscriptions removes all listeners and queries on session
// close.
func (s *Session) cleanupSubscriptions() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	n := s.queries.Len()
	for p, types := range s.listeners {
		n += len(types)
		delete(s.listeners, p)
	}
	s.queries = query.NewEvaluator(s.log)
	s.hub.subscriptionsChanged(-n)
}

// resyncLocked replays every listener, after the identity changed.
func (s *Session) resyncLocked() {
	root, seq := s.engine.Snapshot()
	for p, types := range s.listeners {
		for et := range types {
			types[et] = seq
			s.replay(p, et, root)
		}
	}
}

// replay sends the current state at p as a burst of synthetic events:
// one child_added per child, or one value.
func (s *Session) replay(p ir.Path, eventType string, root *ir.Node) {
	actor := s.currentActor()
	v := root.GetPath(p)
	switch eventType {
	case api.EventChildAdded:
		for _, k := range v.Keys() {
			cv := v.Get(k)
			s.sendChild(actor, api.EventChildAdded, p, k, cv, v.HasChildren(), v.ChildCount(), root)
		}
	case api.EventValue:
		s.sendValue(actor, p, v, root)
	}
}

// deliver turns one broadcast into events for this session's queries
// and listeners.
func (s *Session) deliver(d delivery) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	actor := s.currentActor()
	root := s.engine.Store().Root()

	if d.log == nil {
		if _, ok := s.listeners[d.path][api.EventCustom]; ok {
			s.sendCustom(actor, d.path, d.event, root)
		}
		return
	}

	c := d.log
	qevs := s.queries.Process(c)
	for i := range qevs {
		s.sendQueryEvent(actor, &qevs[i], root)
	}
	for i := range c.Events {
		ev := &c.Events[i]
		et := ev.Kind.EventType()
		since, ok := s.listeners[ev.Path][et]
		if !ok || c.Seq <= since {
			continue
		}
		if ev.Kind == changelog.ValueChanged {
			s.sendValue(actor, ev.Path, ev.Value, root)
			continue
		}
		s.sendChild(actor, et, ev.Path, ev.Name, ev.Value, ev.HasChildren, ev.NumChildren, root)
	}
}

// newEvent returns an event about the node at p with its paths rebased,
// or false if p is outside the session's base.
func (s *Session) newEvent(typ string, at ir.Path, name string) (*api.Event, bool) {
	rel, ok := s.rebase(at)
	if !ok {
		return nil, false
	}
	ev := &api.Event{Type: typ, Name: name, Path: rel}
	if !at.IsRoot() {
		if parent, ok := s.rebase(at.Parent()); ok {
			ev.Parent = parent
		}
	}
	return ev, true
}

// readable authorizes a read of v at p and returns its filtered value.
func (s *Session) readable(actor *authz.Actor, p ir.Path, v, root *ir.Node) (*ir.Node, bool) {
	az := s.engine.Authz()
	if !az.IsAuthorized(authz.Read, actor, p, v, root) {
		return nil, false
	}
	return az.Filter(actor, p, v, root), true
}

func (s *Session) sendChild(actor *authz.Actor, typ string, container ir.Path, name string, v *ir.Node, hasChildren bool, numChildren int, root *ir.Node) {
	payload, ok := s.readable(actor, container.Append(name), v, root)
	if !ok {
		return
	}
	ev, ok := s.newEvent(typ, container, name)
	if !ok {
		return
	}
	ev.Payload = payload
	ev.HasChildren = &hasChildren
	ev.NumChildren = &numChildren
	if v != nil {
		ev.Priority = v.Priority
	}
	s.send(&api.Message{Event: ev})
}

func (s *Session) sendValue(actor *authz.Actor, p ir.Path, v, root *ir.Node) {
	payload, ok := s.readable(actor, p, v, root)
	if !ok {
		return
	}
	ev, ok := s.newEvent(api.EventValue, p, p.LastElement())
	if !ok {
		return
	}
	if payload == nil {
		payload = ir.Null()
	}
	ev.Payload = payload
	if v != nil {
		ev.Priority = v.Priority
	}
	s.send(&api.Message{Event: ev})
}

func (s *Session) sendQueryEvent(actor *authz.Actor, qe *query.Event, root *ir.Node) {
	payload, ok := s.readable(actor, qe.Node(), qe.Value, root)
	if !ok {
		return
	}
	ev, ok := s.newEvent(qe.Kind.EventType(), qe.Query.Path, qe.Name)
	if !ok {
		return
	}
	ev.Payload = payload
	ev.Query = qe.Query.Source
	s.send(&api.Message{Event: ev})
}

func (s *Session) sendCustom(actor *authz.Actor, p ir.Path, data, root *ir.Node) {
	payload, ok := s.readable(actor, p, data, root)
	if !ok {
		return
	}
	ev, ok := s.newEvent(api.EventCustom, p, p.LastElement())
	if !ok {
		return
	}
	ev.Payload = payload
	s.send(&api.Message{Event: ev})
}
