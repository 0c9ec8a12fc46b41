package eval

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/signadot/livetree/ir"
)

// RegexpCacheSize bounds the number of compiled rematch patterns kept.
const RegexpCacheSize = 256

var regexps = mustCache[string, *regexp.Regexp](RegexpCacheSize)

// rematch is like the matches operator with a pattern computed at run
// time; compiled patterns are cached.
func rematchFunc() Func {
	return Func{
		Name: "rematch",
		Fn: func(params ...any) (any, error) {
			s, _ := params[0].(string)
			pat, _ := params[1].(string)
			re, ok := regexps.Get(pat)
			if !ok {
				var err error
				re, err = regexp.Compile(pat)
				if err != nil {
					return nil, fmt.Errorf("rematch: %w", err)
				}
				regexps.Add(pat, re)
			}
			return re.MatchString(s), nil
		},
		Types: []any{new(func(string, string) bool)},
	}
}

func hasChildFunc() Func {
	return Func{
		Name: "haschild",
		Fn: func(params ...any) (any, error) {
			m, ok := params[0].(map[string]any)
			if !ok {
				return false, nil
			}
			k, _ := params[1].(string)
			_, ok = m[k]
			return ok, nil
		},
		Types: []any{new(func(any, string) bool)},
	}
}

func nowFunc() Func {
	return Func{
		Name: "now",
		Fn: func(params ...any) (any, error) {
			return time.Now().UnixMilli(), nil
		},
		Types: []any{new(func() int64)},
	}
}

func lowerFunc() Func {
	return Func{
		Name: "lower",
		Fn: func(params ...any) (any, error) {
			s, _ := params[0].(string)
			return strings.ToLower(s), nil
		},
		Types: []any{new(func(string) string)},
	}
}

func upperFunc() Func {
	return Func{
		Name: "upper",
		Fn: func(params ...any) (any, error) {
			s, _ := params[0].(string)
			return strings.ToUpper(s), nil
		},
		Types: []any{new(func(string) string)},
	}
}

// RuleEnv is the input to a rule expression.
type RuleEnv struct {
	// Auth holds the actor's claims, nil when anonymous.
	Auth map[string]any
	Path ir.Path
	// Data is the proposed value for writes and validation, the existing
	// value for reads.
	Data *ir.Node
	// Root is the tree snapshot the rule is evaluated against.
	Root *ir.Node
	// Vars holds the segments bound by wildcard rule keys.
	Vars map[string]string
}

func (e *RuleEnv) env() map[string]any {
	auth := e.Auth
	if auth == nil {
		auth = map[string]any{}
	}
	vars := make(map[string]any, len(e.Vars))
	for k, v := range e.Vars {
		vars[k] = v
	}
	root := e.Root
	return map[string]any{
		"auth":      auth,
		"anonymous": e.Auth == nil,
		"path":      e.Path.String(),
		"data":      e.Data.ToAny(),
		"vars":      vars,
		"getpath": func(p string) any {
			pp, err := ir.ParsePath(p)
			if err != nil {
				return nil
			}
			return root.GetPath(pp).ToAny()
		},
		"exists": func(p string) bool {
			pp, err := ir.ParsePath(p)
			if err != nil {
				return false
			}
			return root.GetPath(pp).Exists()
		},
	}
}

func ruleSample() map[string]any {
	e := &RuleEnv{}
	return e.env()
}

// QueryEnv is the input to a query predicate.
type QueryEnv struct {
	// Key is the child key, Path the child's full path.
	Key   string
	Path  ir.Path
	Value *ir.Node
}

func (e *QueryEnv) env() map[string]any {
	return map[string]any{
		"key":   e.Key,
		"path":  e.Path.String(),
		"value": e.Value.ToAny(),
	}
}

func querySample() map[string]any {
	e := &QueryEnv{}
	return e.env()
}
