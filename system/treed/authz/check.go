package authz

import (
	"errors"
	"fmt"

	"github.com/signadot/livetree/ir"
)

// Authorize decides whether actor may perform op on p.  data is the
// proposed value for writes and the existing value for reads; root is
// the tree snapshot rules are read from and evaluated against.
func (e *Engine) Authorize(op Op, actor *Actor, p ir.Path, data, root *ir.Node) error {
	if actor.IsSystem() {
		return nil
	}
	m, ok := e.lookup(root, op, p)
	return e.decide(m, ok, op, actor, p, data, root)
}

func (e *Engine) decide(m match, found bool, op Op, actor *Actor, p ir.Path, data, root *ir.Node) error {
	if !found {
		if e.policy.allows() {
			return nil
		}
		return e.deny(op, actor, p, "no rule, default policy "+string(e.policy), nil)
	}
	out, err := e.run(m, actor, p, data, root)
	if err != nil {
		return e.deny(op, actor, p, "rule error", err)
	}
	allowed, isBool := out.(bool)
	if !isBool {
		return e.deny(op, actor, p, fmt.Sprintf("rule at %s returned %T", m.at, out), nil)
	}
	if !allowed {
		return e.deny(op, actor, p, "denied by rule at "+m.at.String(), nil)
	}
	return nil
}

func (e *Engine) deny(op Op, actor *Actor, p ir.Path, reason string, err error) error {
	attrs := []any{"op", op.String(), "path", p.String(), "actor", actor.String(), "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	// reads are filtered silently and far more frequent than writes.
	if op == Read {
		e.log.Debug("not authorized", attrs...)
	} else {
		e.log.Warn("not authorized", attrs...)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNotAuthorized, op, p, err)
	}
	return fmt.Errorf("%w: %s %s", ErrNotAuthorized, op, p)
}

// IsAuthorized is the boolean form of Authorize.
func (e *Engine) IsAuthorized(op Op, actor *Actor, p ir.Path, data, root *ir.Node) bool {
	return e.Authorize(op, actor, p, data, root) == nil
}

// Filter returns v, the value at p, with every subtree actor may not read
// removed.  It returns nil if p itself may not be read.
//
// The governing read rule runs again for each descendant, with path and
// data bound to that descendant.  Only a boolean literal rule shares its
// outcome with the descendants it governs.
func (e *Engine) Filter(actor *Actor, p ir.Path, v, root *ir.Node) *ir.Node {
	if actor.IsSystem() {
		return v
	}
	return e.filter(actor, p, v, root, nil)
}

func (e *Engine) filter(actor *Actor, p ir.Path, v, root *ir.Node, parent *match) *ir.Node {
	m, ok := e.lookup(root, Read, p)
	inherited := parent != nil && ok && m.at == parent.at && m.literal()
	if !inherited && e.decide(m, ok, Read, actor, p, v, root) != nil {
		return nil
	}
	if !v.IsObject() {
		return v
	}
	// nothing below p can decide differently
	if m.final && (!ok || m.literal()) {
		return v
	}
	keys := v.Keys()
	vals := make([]*ir.Node, 0, len(keys))
	kept := make([]string, 0, len(keys))
	changed := false
	for _, k := range keys {
		c := v.Get(k)
		f := e.filter(actor, p.Append(k), c, root, &m)
		if f != c {
			changed = true
		}
		if f == nil {
			continue
		}
		kept = append(kept, k)
		vals = append(vals, f)
	}
	if !changed {
		return v
	}
	return ir.FromFields(kept, vals).WithPriority(v.Priority)
}

// Validate runs the validation rule for p against v.  It returns the
// value to write: v itself, a replacement produced by the rule, or nil
// when the rule turns the write into a deletion.
func (e *Engine) Validate(actor *Actor, p ir.Path, v, root *ir.Node) (*ir.Node, error) {
	if actor.IsSystem() {
		return v, nil
	}
	m, ok := e.lookup(root, Validate, p)
	if !ok {
		return v, nil
	}
	out, err := e.run(m, actor, p, v, root)
	if err != nil {
		return nil, e.reject(actor, p, err)
	}
	switch out := out.(type) {
	case nil:
		return nil, nil
	case bool:
		if !out {
			return nil, e.reject(actor, p, nil)
		}
		return v, nil
	}
	res, err := ir.FromAny(out)
	if err != nil {
		return nil, e.reject(actor, p, err)
	}
	return res.WithPriority(v.Priority), nil
}

func (e *Engine) reject(actor *Actor, p ir.Path, err error) error {
	e.log.Warn("validation rejected", "path", p.String(), "actor", actor.String(), "error", err)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrValidationRejected, p, err)
	}
	return fmt.Errorf("%w: %s", ErrValidationRejected, p)
}

// Admit authorizes a write of v at p, where old is the value currently
// there, and checks v key by key.
//
// A denial at p itself is returned as an error and nothing may be
// written.  Inside a composite, a key whose write is denied or whose
// validation fails keeps its old value and is reported in rejected; a key
// validated to null is dropped.  Validation runs on scalar values.  An
// object none of whose keys is admitted where old is absent yields nil.
func (e *Engine) Admit(actor *Actor, p ir.Path, v, old, root *ir.Node) (res *ir.Node, rejected []ir.Path, err error) {
	if err := e.Authorize(Write, actor, p, v, root); err != nil {
		return nil, nil, err
	}
	if !v.IsObject() {
		res, err := e.Validate(actor, p, v, root)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	}
	res = e.admitObject(actor, p, v, old, root, &rejected)
	return res, rejected, nil
}

func (e *Engine) admitObject(actor *Actor, p ir.Path, v, old, root *ir.Node, rejected *[]ir.Path) *ir.Node {
	keys := v.Keys()
	kept := make([]string, 0, len(keys))
	vals := make([]*ir.Node, 0, len(keys))
	for _, k := range keys {
		cp := p.Append(k)
		c, prev := v.Get(k), old.Get(k)
		var r *ir.Node
		switch err := e.Authorize(Write, actor, cp, c, root); {
		case err != nil:
			*rejected = append(*rejected, cp)
			r = prev
		case c.IsObject():
			r = e.admitObject(actor, cp, c, prev, root, rejected)
		default:
			var verr error
			r, verr = e.Validate(actor, cp, c, root)
			if verr != nil {
				*rejected = append(*rejected, cp)
				r = prev
			}
		}
		if !r.Exists() {
			continue
		}
		kept = append(kept, k)
		vals = append(vals, r)
	}
	if len(kept) == 0 && len(keys) != 0 && !old.Exists() {
		// nothing admitted where nothing was
		return nil
	}
	return ir.FromFields(kept, vals).WithPriority(v.Priority)
}

// IsDenied reports whether err is an authorization or validation denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrNotAuthorized) || errors.Is(err, ErrValidationRejected)
}
