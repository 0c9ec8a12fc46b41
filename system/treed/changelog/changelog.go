// Package changelog describes the ordered change events produced by a
// single mutation of the tree, and builds them from before and after
// snapshots.
package changelog

import (
	"errors"
	"fmt"

	"github.com/signadot/livetree/ir"
)

// ErrInvariant is returned by Check when a ChangeLog is not ordered
// leaves first.
var ErrInvariant = errors.New("changelog invariant violated")

type Kind int

const (
	ChildAdded Kind = iota
	ChildChanged
	ValueChanged
	ChildRemoved
)

func (k Kind) String() string {
	switch k {
	case ChildAdded:
		return "ChildAdded"
	case ChildChanged:
		return "ChildChanged"
	case ValueChanged:
		return "ValueChanged"
	case ChildRemoved:
		return "ChildRemoved"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// EventType is the listener event type a Kind is delivered as.
func (k Kind) EventType() string {
	switch k {
	case ChildAdded:
		return "child_added"
	case ChildChanged:
		return "child_changed"
	case ValueChanged:
		return "value"
	case ChildRemoved:
		return "child_deleted"
	}
	return ""
}

// Event is one entry of a ChangeLog.
//
// For the child kinds, Path is the container holding the child called
// Name, and HasChildren/NumChildren describe that container after the
// change.  For ValueChanged, Path is the node whose value is Value and
// Name is its last segment.
type Event struct {
	Kind        Kind
	Name        string
	Path        ir.Path
	Parent      ir.Path
	Value       *ir.Node
	HasChildren bool
	NumChildren int
	Priority    *float64
}

// Node returns the path of the node the event is about.
func (e *Event) Node() ir.Path {
	if e.Kind == ValueChanged {
		return e.Path
	}
	return e.Path.Append(e.Name)
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Node())
}

// ChangeLog is the ordered list of events of one mutation.  Seq is the
// commit sequence assigned when the mutation was accepted.
type ChangeLog struct {
	Seq    int64
	Events []Event
}

func (c *ChangeLog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Events)
}

func (c *ChangeLog) Empty() bool {
	return c.Len() == 0
}

// Apply replays c against root and returns the resulting tree.
func (c *ChangeLog) Apply(root *ir.Node) *ir.Node {
	for i := range c.Events {
		e := &c.Events[i]
		switch e.Kind {
		case ChildAdded, ChildChanged:
			root = root.PutPath(e.Node(), e.Value)
		case ValueChanged:
			root = root.PutPath(e.Path, e.Value)
		case ChildRemoved:
			root = root.DeletePath(e.Node())
		}
	}
	return root
}

// Check verifies that no ValueChanged event for a node precedes an event
// about one of its descendants, i.e. the ancestor walk comes after the
// changes it summarizes.
func (c *ChangeLog) Check() error {
	for i := range c.Events {
		vc := &c.Events[i]
		if vc.Kind != ValueChanged {
			continue
		}
		for j := i + 1; j < len(c.Events); j++ {
			n := c.Events[j].Node()
			if n != vc.Path && n.HasPrefix(vc.Path) {
				return fmt.Errorf("%w: %s at %d precedes %s at %d", ErrInvariant, vc, i, &c.Events[j], j)
			}
		}
	}
	return nil
}
