package authz

import (
	"fmt"
	"maps"
	"strings"

	"github.com/signadot/livetree/debug"
	"github.com/signadot/livetree/eval"
	"github.com/signadot/livetree/ir"
)

// level is one step of the rules tree matched against a data path.
type level struct {
	node *ir.Node
	vars map[string]string
}

// match is the result of a rule lookup.
type match struct {
	rule *ir.Node
	// at is the data path of the level holding rule.
	at   ir.Path
	vars map[string]string
	// final reports that no rule below the target path can exist.
	final bool
}

// levels walks the rules tree along p, preferring exact keys over
// wildcards.  levels[i] corresponds to the first i segments of p.
func (e *Engine) levels(root *ir.Node, p ir.Path) []level {
	node := root.GetPath(e.rules)
	if !node.IsObject() {
		return nil
	}
	res := []level{{node: node}}
	vars := map[string]string(nil)
	for _, seg := range p.Segments() {
		next := node.Get(seg)
		if !next.IsObject() {
			next = nil
			for _, k := range node.Keys() {
				if strings.HasPrefix(k, "$") && node.Get(k).IsObject() {
					next = node.Get(k)
					vars = maps.Clone(vars)
					if vars == nil {
						vars = map[string]string{}
					}
					vars[k[1:]] = seg
					break
				}
			}
		}
		if next == nil {
			break
		}
		node = next
		res = append(res, level{node: node, vars: vars})
	}
	return res
}

// lookup finds the rule for op nearest to p.
func (e *Engine) lookup(root *ir.Node, op Op, p ir.Path) (match, bool) {
	lv := e.levels(root, p)
	final := len(lv) <= p.Depth() || !hasSubRules(lv[len(lv)-1].node)
	segs := p.Segments()
	for i := len(lv) - 1; i >= 0; i-- {
		r := lv[i].node.Get(op.key())
		if !r.Exists() {
			continue
		}
		at := ir.Root()
		for _, s := range segs[:i] {
			at = at.Append(s)
		}
		if debug.Rules() {
			debug.Logf("rule %s for %s found at %s\n", op.key(), p, at)
		}
		return match{rule: r, at: at, vars: lv[i].vars, final: final}, true
	}
	return match{final: final}, false
}

// literal reports whether the rule is a boolean literal, whose outcome
// does not depend on the path or data it is run for.
func (m match) literal() bool {
	return m.rule != nil && m.rule.Type == ir.BoolType
}

func hasSubRules(n *ir.Node) bool {
	for _, c := range n.Children() {
		if c.IsObject() {
			return true
		}
	}
	return false
}

// run evaluates a rule node.  Literal booleans are returned as is;
// strings are compiled as expressions.
func (e *Engine) run(m match, actor *Actor, p ir.Path, data, root *ir.Node) (any, error) {
	switch m.rule.Type {
	case ir.BoolType:
		return m.rule.Bool, nil
	case ir.StringType:
		prog, err := eval.CompileRule(m.rule.String)
		if err != nil {
			return nil, fmt.Errorf("%w at %s: %w", ErrBadRule, m.at, err)
		}
		out, err := prog.Rule(&eval.RuleEnv{
			Auth: actor.claims(),
			Path: p,
			Data: data,
			Root: root,
			Vars: m.vars,
		})
		if err != nil {
			return nil, fmt.Errorf("%w at %s: %w", ErrBadRule, m.at, err)
		}
		if debug.Rules() {
			debug.Logf("rule %q at %s for %s => %v\n", m.rule.String, m.at, p, out)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w at %s: rule must be a bool or a string, got %s", ErrBadRule, m.at, m.rule.Type)
}
