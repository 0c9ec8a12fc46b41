package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/signadot/livetree/debug"
	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/actions"
	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/query"
)

var errSlowConsumer = errors.New("slow consumer")

// Conn is a message oriented client connection.  ReadMessage returns
// io.EOF when the peer closed the connection cleanly.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Session represents a bidirectional session with a client.
// It handles parsing requests, dispatching to handlers, and sending responses/events.
type Session struct {
	ID     string
	conn   Conn
	engine *actions.Engine
	auth   *actions.Authenticator
	hub    *Hub
	log    *slog.Logger

	// base is the path client paths are relative to.
	base ir.Path

	actorMu sync.RWMutex
	actor   *authz.Actor

	// subMu serializes subscription changes with the delivery of
	// broadcasts, so the replay of an attach precedes its live events.
	subMu sync.Mutex
	// listeners maps a path to its attached event types, each with the
	// sequence its replay was read at.
	listeners map[ir.Path]map[string]int64
	queries   *query.Evaluator

	disconnectMu          sync.Mutex
	onDisconnect          []*actions.Mutation
	disconnectConcurrency int

	// Communication channels
	broadcast chan delivery     // ChangeLogs and custom events from the hub
	outgoing  chan *api.Message // responses and events to send
	done      chan struct{}     // signals session shutdown
	failed    chan struct{}     // closed when dropped as a slow consumer

	ctx    context.Context
	cancel context.CancelFunc

	// Shutdown coordination
	closeOnce    sync.Once
	closeOutOnce sync.Once
	failOnce     sync.Once
}

// SessionConfig contains configuration for creating a session.
type SessionConfig struct {
	Engine *actions.Engine
	// Auth is nil when authentication is disabled.
	Auth *actions.Authenticator
	Hub  *Hub
	Log  *slog.Logger
	Base ir.Path

	BroadcastBuffer       int // default 256
	OutgoingBuffer        int // default 256
	DisconnectConcurrency int // default 4
}

// NewSession creates a new session for the given connection.
func NewSession(id string, conn Conn, cfg *SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id)
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:                    id,
		conn:                  conn,
		engine:                cfg.Engine,
		auth:                  cfg.Auth,
		hub:                   cfg.Hub,
		log:                   log,
		base:                  cfg.Base,
		listeners:             make(map[ir.Path]map[string]int64),
		queries:               query.NewEvaluator(log),
		disconnectConcurrency: positive(cfg.DisconnectConcurrency, 4),
		broadcast:             make(chan delivery, positive(cfg.BroadcastBuffer, 256)),
		outgoing:              make(chan *api.Message, positive(cfg.OutgoingBuffer, 256)),
		done:                  make(chan struct{}),
		failed:                make(chan struct{}),
		ctx:                   ctx,
		cancel:                cancel,
	}
}

func positive(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// Run starts the session and blocks until it completes.
// It spawns forwarder and writer goroutines and reads in the caller's.
// When the reader stops, the on-disconnect mutations run before Run
// returns.
func (s *Session) Run() error {
	s.hub.Register(s)

	var wg, fwd sync.WaitGroup

	// Goroutine to close connection when done or failed is signaled.
	// This unblocks the reader if it's stuck in a blocking read.
	wg.Go(func() {
		select {
		case <-s.done:
		case <-s.failed:
		}
		s.conn.Close()
	})

	wg.Go(s.writer)
	fwd.Go(s.forwarder)

	err := s.reader()

	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.cancel()
	s.hub.Unregister(s)
	fwd.Wait()
	s.cleanupSubscriptions()
	s.runOnDisconnect()

	s.closeOutOnce.Do(func() {
		close(s.outgoing)
	})
	wg.Wait()

	return err
}

// Close signals the session to shut down.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.conn.Close()
}

// fail drops the session as a slow consumer.
func (s *Session) fail() {
	s.failOnce.Do(func() {
		close(s.failed)
	})
}

// reader reads and processes incoming messages.
// It exits when the connection is closed (either by client disconnect or session shutdown).
func (s *Session) reader() error {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			select {
			case <-s.failed:
				return errSlowConsumer
			case <-s.done:
				return nil // Clean shutdown
			default:
			}
			return fmt.Errorf("read error: %w", err)
		}
		if debug.Wire() {
			debug.Logf("%s < %s\n", s.ID, data)
		}

		var req api.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError("", api.Malformed("failed to parse request: %v", err))
			continue
		}
		s.dispatch(&req)
	}
}

// writer sends outgoing responses and events.
func (s *Session) writer() {
	for m := range s.outgoing {
		data, err := json.Marshal(m)
		if err != nil {
			s.log.Error("failed to encode message", "error", err)
			continue
		}
		if debug.Wire() {
			debug.Logf("%s > %s\n", s.ID, data)
		}
		if err := s.conn.WriteMessage(data); err != nil {
			s.log.Error("failed to write message", "error", err)
			s.Close()
			// keep draining so senders never block on a dead connection
			for range s.outgoing {
			}
			return
		}
	}
}

// forwarder turns broadcasts into client events.
func (s *Session) forwarder() {
	for {
		select {
		case <-s.done:
			return
		case <-s.failed:
			return
		case d := <-s.broadcast:
			s.deliver(d)
		}
	}
}

// dispatch routes a request to the appropriate handler.
func (s *Session) dispatch(req *api.Request) {
	switch req.Method {
	case api.MethodAttachListener:
		s.handleAttachListener(req)
	case api.MethodDetachListener:
		s.handleDetachListener(req)
	case api.MethodAttachQuery:
		s.handleAttachQuery(req)
	case api.MethodDetachQuery:
		s.handleDetachQuery(req)
	case api.MethodGet:
		s.handleGet(req)
	case api.MethodSet:
		s.handleMutation(req, actions.ActionSet)
	case api.MethodUpdate:
		s.handleMutation(req, actions.ActionUpdate)
	case api.MethodPush:
		s.handleMutation(req, actions.ActionPush)
	case api.MethodDelete:
		s.handleMutation(req, actions.ActionDelete)
	case api.MethodSetPriority:
		s.handleMutation(req, actions.ActionSetPriority)
	case api.MethodEvent:
		s.handleMutation(req, actions.ActionEvent)
	case api.MethodSetOnDisconnect:
		s.handleOnDisconnect(req, actions.ActionSet)
	case api.MethodUpdateOnDisconnect:
		s.handleOnDisconnect(req, actions.ActionUpdate)
	case api.MethodPushOnDisconnect:
		s.handleOnDisconnect(req, actions.ActionPush)
	case api.MethodDeleteOnDisconnect:
		s.handleOnDisconnect(req, actions.ActionDelete)
	case api.MethodCancelOnDisconnect:
		s.handleCancelOnDisconnect(req)
	case api.MethodAuthenticate:
		s.handleAuthenticate(req)
	case "":
		s.sendError(req.ID, api.Malformed("no method specified"))
	default:
		s.sendError(req.ID, api.Malformed("unknown method %q", req.Method))
	}
}

// resolve turns a client path into a tree path.
func (s *Session) resolve(p string) (ir.Path, error) {
	return s.base.Join(p)
}

// rebase turns a tree path into a client path.
func (s *Session) rebase(p ir.Path) (string, bool) {
	return p.Rel(s.base)
}

func (s *Session) currentActor() *authz.Actor {
	s.actorMu.RLock()
	defer s.actorMu.RUnlock()
	return s.actor
}

func (s *Session) setActor(a *authz.Actor) {
	s.actorMu.Lock()
	defer s.actorMu.Unlock()
	s.actor = a
}

// handleGet replies with the readable part of the value at a path.
// Absent paths read as null.
func (s *Session) handleGet(req *api.Request) {
	p, err := s.resolve(req.Path)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	actor := s.currentActor()
	az := s.engine.Authz()
	root := s.engine.Store().Root()
	v := root.GetPath(p)
	if err := az.Authorize(authz.Read, actor, p, v, root); err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	v = az.Filter(actor, p, v, root)
	if v == nil {
		v = ir.Null()
	}
	s.reply(req.ID, v)
}

// handleMutation runs a mutation as the session's actor.
func (s *Session) handleMutation(req *api.Request, a actions.Action) {
	m, err := s.mutation(req, a)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	m.Actor = s.currentActor()
	res, err := s.engine.Apply(s.ctx, m)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	var data *ir.Node
	switch {
	case a == actions.ActionPush:
		rel, _ := s.rebase(res.Path)
		data = ir.FromFields(
			[]string{"name", "path"},
			[]*ir.Node{ir.FromString(res.Path.LastElement()), ir.FromString(rel)},
		)
	case len(res.Rejected) != 0:
		rejected := make([]any, 0, len(res.Rejected))
		for _, r := range res.Rejected {
			if rel, ok := s.rebase(r); ok {
				rejected = append(rejected, rel)
			}
		}
		data = ir.FromFields([]string{"rejected"}, []*ir.Node{ir.MustFromAny(rejected)})
	}
	s.reply(req.ID, data)
}

func (s *Session) mutation(req *api.Request, a actions.Action) (*actions.Mutation, error) {
	p, err := s.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	return &actions.Mutation{
		Action:   a,
		Path:     p,
		Data:     req.Data,
		Name:     req.Name,
		Priority: req.Priority,
	}, nil
}

// handleOnDisconnect queues a mutation to run when the connection
// closes.
func (s *Session) handleOnDisconnect(req *api.Request, a actions.Action) {
	m, err := s.mutation(req, a)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	if a == actions.ActionUpdate && !m.Data.IsObject() {
		s.sendError(req.ID, api.Malformed("update of %s needs an object", m.Path))
		return
	}
	s.disconnectMu.Lock()
	s.onDisconnect = append(s.onDisconnect, m)
	s.disconnectMu.Unlock()
	s.reply(req.ID, nil)
}

// handleCancelOnDisconnect drops the queued on-disconnect mutations at
// or below a path.
func (s *Session) handleCancelOnDisconnect(req *api.Request) {
	p, err := s.resolve(req.Path)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}
	s.disconnectMu.Lock()
	kept := s.onDisconnect[:0]
	for _, m := range s.onDisconnect {
		if !m.Path.HasPrefix(p) {
			kept = append(kept, m)
		}
	}
	n := len(s.onDisconnect) - len(kept)
	clear(s.onDisconnect[len(kept):])
	s.onDisconnect = kept
	s.disconnectMu.Unlock()
	s.reply(req.ID, ir.FromInt(int64(n)))
}

// runOnDisconnect runs the queued on-disconnect mutations with the last
// known identity.  Each runs independently; failures are logged.
func (s *Session) runOnDisconnect() {
	s.disconnectMu.Lock()
	ops := s.onDisconnect
	s.onDisconnect = nil
	s.disconnectMu.Unlock()
	if len(ops) == 0 {
		return
	}

	actor := s.currentActor()
	var g errgroup.Group
	g.SetLimit(s.disconnectConcurrency)
	for _, m := range ops {
		m.Actor = actor
		g.Go(func() error {
			if _, err := s.engine.Apply(context.Background(), m); err != nil {
				s.log.Warn("on-disconnect mutation failed", "action", m.Action, "path", m.Path.String(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
	s.log.Debug("ran on-disconnect mutations", "count", len(ops))
}

// handleAuthenticate switches the session's identity, by password or by
// a token from an earlier authentication, and replays every listener
// under the new identity.
func (s *Session) handleAuthenticate(req *api.Request) {
	if s.auth == nil {
		s.sendError(req.ID, api.NewError(api.ErrCodeAuthenticationFailed, "authentication is disabled"))
		return
	}
	var (
		actor *authz.Actor
		token string
		err   error
	)
	if req.Token != "" {
		token = req.Token
		actor, err = s.auth.Token(req.Token)
	} else {
		actor, token, err = s.auth.Password(req.Username, req.Password)
	}
	if err != nil {
		s.log.Warn("authentication failed", "username", req.Username, "error", err)
		s.sendError(req.ID, api.FromError(err))
		return
	}
	claims, err := ir.FromAny(actor.Claims)
	if err != nil {
		s.sendError(req.ID, api.FromError(err))
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.setActor(actor)
	s.log.Info("authenticated", "actor", actor.String())
	s.reply(req.ID, ir.FromFields([]string{"token", "claims"}, []*ir.Node{ir.FromString(token), claims}))
	s.resyncLocked()
}

// send queues a message for sending.
func (s *Session) send(m *api.Message) {
	select {
	case s.outgoing <- m:
	case <-s.done:
	}
}

// reply sends a success response if the request has an id.
func (s *Session) reply(id string, data *ir.Node) {
	if id == "" {
		return
	}
	s.send(&api.Message{Response: &api.Response{ID: id, OK: true, Data: data}})
}

// sendError sends an error response.
func (s *Session) sendError(id string, e *api.Error) {
	s.send(&api.Message{Response: &api.Response{ID: id, Error: e}})
}
