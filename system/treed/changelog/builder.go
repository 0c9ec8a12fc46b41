package changelog

import (
	"github.com/signadot/livetree/debug"
	"github.com/signadot/livetree/ir"
)

// Builder accumulates the events of one mutation given the tree before
// (Old) and after (New) it.
type Builder struct {
	Old, New *ir.Node
	events   []Event
}

func NewBuilder(oldRoot, newRoot *ir.Node) *Builder {
	return &Builder{Old: oldRoot, New: newRoot}
}

// ChangeLog returns the accumulated events.
func (b *Builder) ChangeLog() *ChangeLog {
	c := &ChangeLog{Events: b.events}
	if debug.ChangeLog() {
		for i := range c.Events {
			debug.Logf("changelog %d: %s\n", i, &c.Events[i])
		}
	}
	return c
}

// Write records that the children named by keys of the container at were
// written, each either to a new value or to absent (deleted).  The events
// for each key come in keys order, each key's descendants first.  The
// ancestor walk from at up to the root follows.
//
// Writing key k of the root's parent is how a Set of the root is
// expressed: use SetRoot instead.
func (b *Builder) Write(at ir.Path, keys []string) {
	for _, k := range keys {
		p := at.Append(k)
		oc, nc := b.Old.GetPath(p), b.New.GetPath(p)
		if !nc.Exists() {
			if oc.Exists() {
				b.removed(p, oc)
			}
			continue
		}
		b.diff(p, oc, nc)
		b.child(at, k, !oc.Exists(), nc)
		b.value(p, nc)
	}
	b.walkUp(at)
}

// SetRoot records the replacement of the whole tree.
func (b *Builder) SetRoot() {
	b.diff(ir.Root(), b.Old, b.New)
}

// Priority records a priority change of the node at p.
func (b *Builder) Priority(p ir.Path) {
	n := b.New.GetPath(p)
	b.child(p.Parent(), p.LastElement(), false, n)
}

// walkUp emits the child and value events of at and each of its
// ancestors, stopping before the root.
func (b *Builder) walkUp(at ir.Path) {
	for a := at; !a.IsRoot(); a = a.Parent() {
		n := b.New.GetPath(a)
		if !n.Exists() {
			continue
		}
		b.child(a.Parent(), a.LastElement(), !b.Old.GetPath(a).Exists(), n)
		b.value(a, n)
	}
}

// diff emits the events for the descendants of p changing from before
// to after, children before parents, each changed descendant with its
// value.  p itself is left to the caller.
func (b *Builder) diff(p ir.Path, before, after *ir.Node) {
	if after.IsObject() {
		for _, k := range after.Keys() {
			oc, nc := before.Get(k), after.Get(k)
			if !before.IsObject() {
				oc = nil
			}
			if ir.Equal(oc, nc) && samePriority(oc, nc) {
				continue
			}
			cp := p.Append(k)
			b.diff(cp, oc, nc)
			b.child(p, k, !oc.Exists(), nc)
			b.value(cp, nc)
		}
	}
	if !before.IsObject() {
		return
	}
	for _, k := range before.Keys() {
		if after.IsObject() && after.Has(k) {
			continue
		}
		b.removed(p.Append(k), before.Get(k))
	}
}

// removed emits ChildRemoved for every node below p, deepest first, then
// for p.  Each is followed by a null ValueChanged for the removed node.
func (b *Builder) removed(p ir.Path, old *ir.Node) {
	old.Walk(p, b.removedNode)
	b.removedNode(p, old)
}

func (b *Builder) removedNode(p ir.Path, old *ir.Node) {
	b.add(Event{Kind: ChildRemoved, Name: p.LastElement(), Path: p.Parent(), Parent: p.Parent().Parent(), Value: old})
	b.add(Event{Kind: ValueChanged, Name: p.LastElement(), Path: p, Parent: p.Parent()})
}

func (b *Builder) child(container ir.Path, name string, created bool, v *ir.Node) {
	kind := ChildChanged
	if created {
		kind = ChildAdded
	}
	c := b.New.GetPath(container)
	b.add(Event{
		Kind:        kind,
		Name:        name,
		Path:        container,
		Parent:      container.Parent(),
		Value:       v,
		HasChildren: c.HasChildren(),
		NumChildren: c.ChildCount(),
		Priority:    v.Priority,
	})
}

func (b *Builder) value(p ir.Path, v *ir.Node) {
	if !v.Exists() || p.IsRoot() {
		return
	}
	b.add(Event{
		Kind:     ValueChanged,
		Name:     p.LastElement(),
		Path:     p,
		Parent:   p.Parent(),
		Value:    v,
		Priority: v.Priority,
	})
}

func (b *Builder) add(e Event) {
	b.events = append(b.events, e)
}

func samePriority(a, b *ir.Node) bool {
	var pa, pb *float64
	if a != nil {
		pa = a.Priority
	}
	if b != nil {
		pb = b.Priority
	}
	if pa == nil || pb == nil {
		return pa == pb
	}
	return *pa == *pb
}
