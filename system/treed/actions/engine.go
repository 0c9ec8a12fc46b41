package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/changelog"
	"github.com/signadot/livetree/system/treed/storage"
)

// Distributor receives every accepted ChangeLog and every custom event.
// Implementations must not block.
type Distributor interface {
	Distribute(c *changelog.ChangeLog)
	DistributeEvent(p ir.Path, data *ir.Node)
}

// Persister receives every accepted ChangeLog for durable storage.
// Implementations must not block.
type Persister interface {
	Enqueue(c *changelog.ChangeLog)
}

// Observer is told about every finished mutation.
type Observer interface {
	Observe(m *Mutation, r *Result, err error)
}

// Engine runs mutations against a store.
type Engine struct {
	store *storage.Store
	authz *authz.Engine
	seq   *storage.Sequence
	log   *slog.Logger

	dist     Distributor
	persist  Persister
	observer Observer

	// commitMu orders the swap of the root with the hand-off of its
	// ChangeLog.
	commitMu sync.Mutex
}

// New returns an engine.  seq continues from its current value.
func New(store *storage.Store, az *authz.Engine, seq *storage.Sequence, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if seq == nil {
		seq = &storage.Sequence{}
	}
	return &Engine{
		store: store,
		authz: az,
		seq:   seq,
		log:   log.With("component", "actions"),
	}
}

func (e *Engine) SetDistributor(d Distributor) { e.dist = d }
func (e *Engine) SetPersister(p Persister)     { e.persist = p }
func (e *Engine) SetObserver(o Observer)       { e.observer = o }

func (e *Engine) Store() *storage.Store { return e.store }
func (e *Engine) Authz() *authz.Engine  { return e.authz }

// Seq returns the sequence of the last accepted mutation.
func (e *Engine) Seq() int64 { return e.seq.Current() }

// Snapshot returns the tree and the sequence it reflects.
func (e *Engine) Snapshot() (*ir.Node, int64) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.store.Root(), e.seq.Current()
}

// Apply runs m.  Denials at the target path abort the whole mutation and
// leave the tree untouched.
func (e *Engine) Apply(ctx context.Context, m *Mutation) (res *Result, err error) {
	res = &Result{Stage: Received, Path: m.Path, ChangeLog: &changelog.ChangeLog{}}
	defer func() {
		if e.observer != nil {
			e.observer.Observe(m, res, err)
		}
		if err != nil {
			e.log.Debug("mutation failed", "action", m.Action, "path", res.Path.String(), "stage", res.Stage.String(), "actor", m.Actor.String(), "error", err)
			return
		}
		e.log.Debug("mutation done", "action", m.Action, "path", res.Path.String(), "stage", res.Stage.String(), "seq", res.ChangeLog.Seq, "events", res.ChangeLog.Len())
	}()

	if m.Action == ActionPush {
		name := m.Name
		if name == "" {
			name = ulid.Make().String()
		}
		if err := ir.ValidKey(name); err != nil {
			return res, fmt.Errorf("%w: push name: %w", ErrMalformed, err)
		}
		res.Path = m.Path.Append(name)
	}
	if m.Action == ActionEvent {
		return res, e.event(m, res)
	}

	unlock, err := e.store.Lock(ctx, res.Path)
	if err != nil {
		return res, err
	}
	defer unlock()

	res.Stage = Authorizing
	var w *write
	switch m.Action {
	case ActionSet, ActionPush:
		w, err = e.set(m, res)
	case ActionUpdate:
		w, err = e.update(m, res)
	case ActionDelete:
		w, err = e.delete(m, res)
	case ActionSetPriority:
		w, err = e.setPriority(m, res)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrMalformed, m.Action)
	}
	if err != nil || w == nil {
		return res, err
	}
	return res, e.commit(res, w)
}

// write is an authorized change of the tree.
type write struct {
	mutate func(root *ir.Node) *ir.Node
	build  func(b *changelog.Builder)
}

// commit diffs, applies and emits w.
func (e *Engine) commit(res *Result, w *write) error {
	res.Stage = Diffing
	before := e.store.Root()
	after, c, err := w.diff(before)
	if err != nil {
		return err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if cur := e.store.Root(); cur != before {
		// a write to a disjoint path landed since; ancestor events must
		// reflect it.
		before = cur
		if after, c, err = w.diff(before); err != nil {
			return err
		}
	}
	res.Stage = Applying
	if c.Empty() {
		res.ChangeLog = c
		res.Stage = Emitted
		return nil
	}
	if !e.store.Swap(before, after) {
		return fmt.Errorf("%w: root changed under commit lock", changelog.ErrInvariant)
	}
	c.Seq = e.seq.Next()
	res.ChangeLog = c
	if e.dist != nil {
		e.dist.Distribute(c)
	}
	if e.persist != nil {
		e.persist.Enqueue(c)
	}
	res.Stage = Emitted
	return nil
}

func (w *write) diff(before *ir.Node) (*ir.Node, *changelog.ChangeLog, error) {
	after := w.mutate(before)
	if after == nil {
		after = ir.Null()
	}
	b := changelog.NewBuilder(before, after)
	w.build(b)
	c := b.ChangeLog()
	if err := c.Check(); err != nil {
		return nil, nil, err
	}
	return after, c, nil
}

// keyWrite builds the write of v at p, or the deletion of p if v is
// absent.
func keyWrite(p ir.Path, v *ir.Node) *write {
	if p.IsRoot() {
		return &write{
			mutate: func(*ir.Node) *ir.Node { return v },
			build:  func(b *changelog.Builder) { b.SetRoot() },
		}
	}
	return &write{
		mutate: func(root *ir.Node) *ir.Node { return root.PutPath(p, v) },
		build:  func(b *changelog.Builder) { b.Write(p.Parent(), []string{p.LastElement()}) },
	}
}

func (e *Engine) set(m *Mutation, res *Result) (*write, error) {
	p := res.Path
	if !m.Data.Exists() {
		return e.delete(m, res)
	}
	root := e.store.Root()
	old := root.GetPath(p)
	v, rejected, err := e.authz.Admit(m.Actor, p, m.Data, old, root)
	if err != nil {
		return nil, err
	}
	res.Rejected = rejected
	if !v.Exists() && !old.Exists() {
		return nil, nil
	}
	if v.Exists() {
		switch {
		case m.Priority != nil:
			v = v.WithPriority(m.Priority)
		case v.Priority == nil && old.Exists() && old.Priority != nil:
			v = v.WithPriority(old.Priority)
		}
	}
	return keyWrite(p, v), nil
}

func (e *Engine) update(m *Mutation, res *Result) (*write, error) {
	p := res.Path
	if !m.Data.IsObject() {
		return nil, fmt.Errorf("%w: update of %s needs an object", ErrMalformed, p)
	}
	root := e.store.Root()
	old := root.GetPath(p)
	v, rejected, err := e.authz.Admit(m.Actor, p, m.Data, old, root)
	if err != nil {
		return nil, err
	}
	res.Rejected = rejected
	skip := make(map[string]bool, len(rejected))
	for _, r := range rejected {
		if r.Parent() == p {
			skip[r.LastElement()] = true
		}
	}
	var keys []string
	for _, k := range m.Data.Keys() {
		if skip[k] || (!v.Get(k).Exists() && !old.Get(k).Exists()) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &write{
		mutate: func(root *ir.Node) *ir.Node {
			cur := root.GetPath(p)
			if !cur.IsObject() {
				var prio *float64
				if cur != nil {
					prio = cur.Priority
				}
				cur = ir.FromFields(nil, nil).WithPriority(prio)
			}
			for _, k := range keys {
				nv := v.Get(k)
				if nv.Exists() && nv.Priority == nil && cur.Get(k).Exists() {
					nv = nv.WithPriority(cur.Get(k).Priority)
				}
				cur = cur.Put(k, nv)
			}
			return root.PutPath(p, cur)
		},
		build: func(b *changelog.Builder) { b.Write(p, keys) },
	}, nil
}

func (e *Engine) delete(m *Mutation, res *Result) (*write, error) {
	p := res.Path
	root := e.store.Root()
	old := root.GetPath(p)
	if err := e.authz.Authorize(authz.Write, m.Actor, p, old, root); err != nil {
		return nil, err
	}
	if !old.Exists() {
		return nil, nil
	}
	return keyWrite(p, nil), nil
}

func (e *Engine) setPriority(m *Mutation, res *Result) (*write, error) {
	p := res.Path
	if p.IsRoot() {
		return nil, fmt.Errorf("%w: the root has no priority", ErrMalformed)
	}
	root := e.store.Root()
	old := root.GetPath(p)
	if !old.Exists() {
		return nil, fmt.Errorf("set priority of %s: %w", p, storage.ErrNotFound)
	}
	if err := e.authz.Authorize(authz.Write, m.Actor, p, old, root); err != nil {
		return nil, err
	}
	prio := m.Priority
	return &write{
		mutate: func(root *ir.Node) *ir.Node {
			return root.PutPath(p, root.GetPath(p).WithPriority(prio))
		},
		build: func(b *changelog.Builder) { b.Priority(p) },
	}, nil
}

func (e *Engine) event(m *Mutation, res *Result) error {
	res.Stage = Authorizing
	if err := e.authz.Authorize(authz.Write, m.Actor, m.Path, m.Data, e.store.Root()); err != nil {
		return err
	}
	if e.dist != nil {
		e.dist.DistributeEvent(m.Path, m.Data)
	}
	res.Stage = Emitted
	return nil
}
