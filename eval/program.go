package eval

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNotBool = errors.New("expression did not produce a boolean")

type kind int

const (
	ruleKind kind = iota
	queryKind
)

type cacheKey struct {
	kind kind
	src  string
}

// ProgramCacheSize bounds the number of compiled programs kept; the least
// recently used is evicted first.
const ProgramCacheSize = 1024

var programs = mustCache[cacheKey, *Program](ProgramCacheSize)

func mustCache[K comparable, V any](size int) *lru.Cache[K, V] {
	c, err := lru.New[K, V](size)
	if err != nil {
		panic(err)
	}
	return c
}

// Program is a compiled rule or query expression.  Programs are safe for
// concurrent use.
type Program struct {
	Source string
	prog   *vm.Program
}

// CompileRule compiles a rule expression over auth, anonymous, path, data
// and vars, with getpath and exists reading the root snapshot.
func CompileRule(src string) (*Program, error) {
	return compile(ruleKind, src)
}

// CompileQuery compiles a query predicate over value, key and path.
func CompileQuery(src string) (*Program, error) {
	return compile(queryKind, src)
}

func compile(k kind, src string) (*Program, error) {
	key := cacheKey{kind: k, src: src}
	if p, ok := programs.Get(key); ok {
		return p, nil
	}
	sample := ruleSample()
	if k == queryKind {
		sample = querySample()
	}
	opts := append(funcOpts(), expr.Env(sample), expr.AllowUndefinedVariables())
	prog, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	p := &Program{Source: src, prog: prog}
	if prev, ok, _ := programs.PeekOrAdd(key, p); ok {
		return prev, nil
	}
	return p, nil
}

// Rule runs p against a rule environment.
func (p *Program) Rule(env *RuleEnv) (any, error) {
	return expr.Run(p.prog, env.env())
}

// RuleBool runs p and requires a boolean result.
func (p *Program) RuleBool(env *RuleEnv) (bool, error) {
	out, err := p.Rule(env)
	if err != nil {
		return false, err
	}
	return asBool(out)
}

// QueryBool runs p against a query environment.
func (p *Program) QueryBool(env *QueryEnv) (bool, error) {
	out, err := expr.Run(p.prog, env.env())
	if err != nil {
		return false, err
	}
	return asBool(out)
}

func asBool(out any) (bool, error) {
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBool, out)
	}
	return b, nil
}
