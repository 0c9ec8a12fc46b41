package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/signadot/livetree/debug"
	"github.com/signadot/livetree/ir"
)

// Locks is a set of hierarchical path locks.  A lock on a path excludes
// locks on the same path, its ancestors and its descendants; locks on
// disjoint paths are held concurrently.  Conflicting requests are
// granted in arrival order.
type Locks struct {
	mu      sync.Mutex
	held    []*lockReq
	waiting []*lockReq
}

type lockReq struct {
	path    ir.Path
	ready   chan struct{}
	granted bool
}

func NewLocks() *Locks {
	return &Locks{}
}

func (l *Locks) Lock(ctx context.Context, p ir.Path) (func(), error) {
	r := &lockReq{path: p, ready: make(chan struct{})}
	l.mu.Lock()
	if !conflicts(r, l.held) && !conflicts(r, l.waiting) {
		r.granted = true
		l.held = append(l.held, r)
		l.mu.Unlock()
		return l.unlocker(r), nil
	}
	if debug.Lock() {
		debug.Logf("lock %s waiting behind %d held %d queued\n", p, len(l.held), len(l.waiting))
	}
	l.waiting = append(l.waiting, r)
	l.mu.Unlock()

	select {
	case <-r.ready:
		return l.unlocker(r), nil
	case <-ctx.Done():
		l.mu.Lock()
		if r.granted {
			l.mu.Unlock()
			l.unlocker(r)()
			return nil, ctx.Err()
		}
		l.waiting = slices.DeleteFunc(l.waiting, func(w *lockReq) bool { return w == r })
		l.grantLocked()
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *Locks) unlocker(r *lockReq) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.held = slices.DeleteFunc(l.held, func(h *lockReq) bool { return h == r })
			l.grantLocked()
		})
	}
}

// grantLocked grants every waiting request that conflicts neither with a
// held lock nor with an earlier waiting request.
func (l *Locks) grantLocked() {
	var still []*lockReq
	for _, w := range l.waiting {
		if conflicts(w, l.held) || conflicts(w, still) {
			still = append(still, w)
			continue
		}
		w.granted = true
		l.held = append(l.held, w)
		close(w.ready)
	}
	l.waiting = still
}

// Held returns the number of held locks.
func (l *Locks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

func conflicts(r *lockReq, others []*lockReq) bool {
	for _, o := range others {
		if r.path.Overlaps(o.path) {
			return true
		}
	}
	return false
}
