// Package actions runs mutations of the tree: Set, Update, Push, Delete
// and SetPriority, plus custom events.
//
// Each mutation goes through the same stages.  It is received, authorized
// against the rules, diffed against the current tree into a ChangeLog,
// applied to the store and finally emitted to the distributor and the
// durable mirror.  A mutation holds the path lock of its target for its
// whole run, so mutations of overlapping paths are applied and emitted
// in the order they were accepted.
package actions

import (
	"errors"
	"fmt"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/changelog"
)

var ErrMalformed = errors.New("malformed mutation")

// Action names a kind of mutation.
type Action string

const (
	ActionSet         Action = "set"
	ActionUpdate      Action = "update"
	ActionPush        Action = "push"
	ActionDelete      Action = "delete"
	ActionSetPriority Action = "setPriority"
	ActionEvent       Action = "event"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionSet, ActionUpdate, ActionPush, ActionDelete, ActionSetPriority, ActionEvent:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrMalformed, s)
}

// Stage is the progress of a mutation.
type Stage int

const (
	Received Stage = iota
	Authorizing
	Diffing
	Applying
	Emitted
)

func (s Stage) String() string {
	switch s {
	case Received:
		return "received"
	case Authorizing:
		return "authorizing"
	case Diffing:
		return "diffing"
	case Applying:
		return "applying"
	case Emitted:
		return "emitted"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Mutation is one request to change the tree.
type Mutation struct {
	Action Action
	Actor  *authz.Actor
	Path   ir.Path
	Data   *ir.Node
	// Name is the child key for Push; empty means generate one.
	Name string
	// Priority is the new priority for SetPriority, and optionally the
	// priority of the value written by Set and Push.
	Priority *float64
}

func (m *Mutation) String() string {
	return fmt.Sprintf("%s %s", m.Action, m.Path)
}

// Result describes an accepted mutation.
type Result struct {
	Stage Stage
	// Path is the written path; for Push it is the generated child.
	Path      ir.Path
	ChangeLog *changelog.ChangeLog
	// Rejected lists keys of a composite value that were not written
	// because their write was denied or their validation failed.
	Rejected []ir.Path
}

// Outcome is a coarse classification of a mutation result.
func Outcome(r *Result, err error) string {
	switch {
	case authz.IsDenied(err):
		return "denied"
	case err != nil:
		return "error"
	case len(r.Rejected) != 0:
		return "partial"
	case r.ChangeLog.Empty():
		return "noop"
	}
	return "ok"
}
