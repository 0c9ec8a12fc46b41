// Package query tracks live queries: for a path and a predicate, the set
// of immediate children whose value satisfies the predicate, kept up to
// date from ChangeLogs.
package query

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/signadot/livetree"
	"github.com/signadot/livetree/debug"
	"github.com/signadot/livetree/eval"
	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/changelog"
)

var ErrBadPredicate = errors.New("bad query predicate")

type Kind int

const (
	ChildAdded Kind = iota
	ChildChanged
	ChildDeleted
)

func (k Kind) String() string {
	switch k {
	case ChildAdded:
		return "QueryChildAdded"
	case ChildChanged:
		return "QueryChildChanged"
	case ChildDeleted:
		return "QueryChildDeleted"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// EventType is the name of the kind on the wire.
func (k Kind) EventType() string {
	switch k {
	case ChildAdded:
		return "query_child_added"
	case ChildChanged:
		return "query_child_changed"
	case ChildDeleted:
		return "query_child_deleted"
	}
	return ""
}

// Key identifies a query.
type Key struct {
	Path   ir.Path
	Source string
}

// Event is a membership transition of one child of a query path.
type Event struct {
	Kind  Kind
	Query Key
	Name  string
	// Value is the child's value; for ChildDeleted it is the value that
	// no longer matches, or nil if the child was removed.
	Value *ir.Node
}

// Node returns the path of the child.
func (e *Event) Node() ir.Path {
	return e.Query.Path.Append(e.Name)
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Node())
}

type predicate func(key string, p ir.Path, v *ir.Node) (bool, error)

// compile compiles a predicate source.  Sources starting with { are
// structural patterns, anything else is an expression over value, key
// and path.
func compile(src string) (predicate, error) {
	trimmed := strings.TrimSpace(src)
	if strings.HasPrefix(trimmed, "{") {
		pat, err := ir.FromJSON([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: pattern: %w", ErrBadPredicate, err)
		}
		return func(_ string, _ ir.Path, v *ir.Node) (bool, error) {
			return livetree.Match(v, pat), nil
		}, nil
	}
	prog, err := eval.CompileQuery(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPredicate, err)
	}
	return func(key string, p ir.Path, v *ir.Node) (bool, error) {
		return prog.QueryBool(&eval.QueryEnv{Key: key, Path: p, Value: v})
	}, nil
}

type query struct {
	key     Key
	pred    predicate
	members map[string]bool
	// since is the sequence current was read at; ChangeLogs up to it
	// are already reflected in members.
	since int64
}

// test evaluates q against the child name with value v.  Absent values
// and evaluation errors do not match.
func (q *query) test(name string, v *ir.Node, log *slog.Logger) bool {
	if !v.Exists() {
		return false
	}
	ok, err := q.pred(name, q.key.Path.Append(name), v)
	if err != nil {
		log.Debug("query predicate failed", "path", q.key.Path.String(), "query", q.key.Source, "child", name, "error", err)
		return false
	}
	return ok
}

// Evaluator holds the queries of one connection.
type Evaluator struct {
	mu     sync.Mutex
	byPath map[ir.Path][]*query
	all    map[Key]*query
	log    *slog.Logger
}

func NewEvaluator(log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		byPath: map[ir.Path][]*query{},
		all:    map[Key]*query{},
		log:    log,
	}
}

// Add registers the query (p, src) and computes its membership from
// current, the value at p.  It returns a ChildAdded event for each
// initial member.  Adding a registered query again returns its current
// members.
func (e *Evaluator) Add(p ir.Path, src string, current *ir.Node) ([]Event, error) {
	return e.AddAt(p, src, current, 0)
}

// AddAt is Add where current was read at commit sequence seq.  Process
// ignores ChangeLogs up to seq for this query.
func (e *Evaluator) AddAt(p ir.Path, src string, current *ir.Node, seq int64) ([]Event, error) {
	key := Key{Path: p, Source: src}
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.all[key]
	if q == nil {
		pred, err := compile(src)
		if err != nil {
			return nil, err
		}
		q = &query{key: key, pred: pred}
		e.all[key] = q
		e.byPath[p] = append(e.byPath[p], q)
	}
	q.members = map[string]bool{}
	q.since = seq
	var res []Event
	for _, name := range current.Keys() {
		v := current.Get(name)
		if q.test(name, v, e.log) {
			q.members[name] = true
			res = append(res, Event{Kind: ChildAdded, Query: key, Name: name, Value: v})
		}
	}
	if debug.Query() {
		debug.Logf("query %q at %s: %d initial members\n", src, p, len(res))
	}
	return res, nil
}

// Remove unregisters a query and reports whether it was registered.
func (e *Evaluator) Remove(p ir.Path, src string) bool {
	key := Key{Path: p, Source: src}
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.all[key]
	if q == nil {
		return false
	}
	delete(e.all, key)
	qs := e.byPath[p]
	for i, o := range qs {
		if o == q {
			qs = append(qs[:i:i], qs[i+1:]...)
			break
		}
	}
	if len(qs) == 0 {
		delete(e.byPath, p)
	} else {
		e.byPath[p] = qs
	}
	return true
}

// Len returns the number of registered queries.
func (e *Evaluator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.all)
}

// Members returns the current members of a query, in no particular
// order.
func (e *Evaluator) Members(p ir.Path, src string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.all[Key{Path: p, Source: src}]
	if q == nil {
		return nil
	}
	res := make([]string, 0, len(q.members))
	for m := range q.members {
		res = append(res, m)
	}
	return res
}

// touched is the final state of one child within a ChangeLog.
type touched struct {
	container ir.Path
	name      string
	value     *ir.Node
}

// Process updates membership from c and returns the resulting
// transitions.  Each child is evaluated once per ChangeLog against its
// final value in c.
func (e *Evaluator) Process(c *changelog.ChangeLog) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.all) == 0 {
		return nil
	}
	var (
		order []*touched
		seen  = map[ir.Path]*touched{}
	)
	for i := range c.Events {
		ev := &c.Events[i]
		n := ev.Node()
		if n.IsRoot() {
			continue
		}
		container := n.Parent()
		if _, ok := e.byPath[container]; !ok {
			continue
		}
		t := seen[n]
		if t == nil {
			t = &touched{container: container, name: n.LastElement()}
			seen[n] = t
			order = append(order, t)
		}
		if ev.Kind == changelog.ChildRemoved {
			t.value = nil
		} else {
			t.value = ev.Value
		}
	}
	var res []Event
	for _, t := range order {
		for _, q := range e.byPath[t.container] {
			if q.since > 0 && c.Seq <= q.since {
				continue
			}
			match := q.test(t.name, t.value, e.log)
			was := q.members[t.name]
			var kind Kind
			switch {
			case match && !was:
				kind = ChildAdded
				q.members[t.name] = true
			case match:
				kind = ChildChanged
			case was:
				kind = ChildDeleted
				delete(q.members, t.name)
			default:
				continue
			}
			ev := Event{Kind: kind, Query: q.key, Name: t.name, Value: t.value}
			if debug.Query() {
				debug.Logf("query %q: %s\n", q.key.Source, ev.String())
			}
			res = append(res, ev)
		}
	}
	return res
}
