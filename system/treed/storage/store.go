// Package storage holds the in-memory tree and its durable mirror.
package storage

import (
	"context"
	"sync/atomic"

	"github.com/signadot/livetree/ir"
)

// Store is the in-memory tree.  The whole tree is an immutable ir.Node
// published through an atomic pointer: readers never lock and always see
// a complete tree, writers replace the nodes along the written path and
// swap the root.
//
// Writers to overlapping paths must hold the path lock (see Lock) so
// that their read-modify-write of a subtree is not interleaved.  Writers
// to disjoint paths only contend on the root swap, which is retried.
type Store struct {
	root  atomic.Pointer[ir.Node]
	locks *Locks
}

func New() *Store {
	s := &Store{locks: NewLocks()}
	s.root.Store(ir.Null())
	return s
}

// Root returns a snapshot of the whole tree.
func (s *Store) Root() *ir.Node {
	return s.root.Load()
}

// Get returns the node at p, or nil if there is none.  Missing
// intermediate paths are not an error.
func (s *Store) Get(p ir.Path) *ir.Node {
	return s.Root().GetPath(p)
}

func (s *Store) Exists(p ir.Path) bool {
	return s.Get(p).Exists()
}

// Put places v at p and returns the roots before and after.
func (s *Store) Put(p ir.Path, v *ir.Node) (before, after *ir.Node) {
	return s.swap(func(r *ir.Node) *ir.Node { return r.PutPath(p, v) })
}

// Delete removes p and returns the roots before and after.
func (s *Store) Delete(p ir.Path) (before, after *ir.Node) {
	return s.swap(func(r *ir.Node) *ir.Node { return r.DeletePath(p) })
}

// Swap replaces the tree with after if it is still old.
func (s *Store) Swap(old, after *ir.Node) bool {
	if after == nil {
		after = ir.Null()
	}
	return s.root.CompareAndSwap(old, after)
}

// Restore replaces the whole tree, for restart recovery.
func (s *Store) Restore(root *ir.Node) {
	if root == nil {
		root = ir.Null()
	}
	s.root.Store(root)
}

func (s *Store) swap(f func(*ir.Node) *ir.Node) (before, after *ir.Node) {
	for {
		before = s.root.Load()
		after = f(before)
		if after == nil {
			after = ir.Null()
		}
		if s.root.CompareAndSwap(before, after) {
			return before, after
		}
	}
}

// Lock acquires the path lock for p.  It is held until the returned
// function is called.
func (s *Store) Lock(ctx context.Context, p ir.Path) (func(), error) {
	return s.locks.Lock(ctx, p)
}
