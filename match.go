// Package livetree holds helpers shared by the tree server components.
package livetree

import (
	"github.com/signadot/livetree/debug"
	"github.com/signadot/livetree/ir"
)

// Match reports whether doc structurally matches the pattern match.
//
// An object pattern matches an object holding every field of the pattern
// with a matching value; extra fields in doc are ignored.  A null pattern
// matches anything, including an absent doc.  Scalars match when equal.
func Match(doc, match *ir.Node) bool {
	if debug.Query() {
		debug.Logf("match pattern type %s against %s\n", typeOf(match), typeOf(doc))
	}
	if !match.Exists() {
		return true
	}
	if !doc.Exists() || doc.Type != match.Type {
		return false
	}
	switch match.Type {
	case ir.ObjectType:
		return matchObj(doc, match)
	case ir.StringType:
		return doc.String == match.String
	case ir.BoolType:
		return doc.Bool == match.Bool
	case ir.NumberType:
		return doc.NumberString() == match.NumberString()
	}
	return false
}

func matchObj(doc, match *ir.Node) bool {
	for _, k := range match.Keys() {
		if !Match(doc.Get(k), match.Get(k)) {
			return false
		}
	}
	return true
}

func typeOf(n *ir.Node) ir.Type {
	if n == nil {
		return ir.NullType
	}
	return n.Type
}
