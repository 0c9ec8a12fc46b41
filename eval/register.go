package eval

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
)

var (
	mu sync.RWMutex
	d  = map[string]Func{}
)

var ErrFuncExists = errors.New("function exists")

// Func is a helper made available to every rule and query expression.
// Fn and Types follow expr.Function.
type Func struct {
	Name  string
	Fn    func(params ...any) (any, error)
	Types []any
}

func (f Func) String() string {
	return f.Name
}

func (f Func) option() expr.Option {
	return expr.Function(f.Name, f.Fn, f.Types...)
}

// Register adds f to the helpers.  Programs compiled before the call do
// not see it.
func Register(f Func) error {
	mu.Lock()
	defer mu.Unlock()
	if _, present := d[f.Name]; present {
		return fmt.Errorf("%s: %w", f, ErrFuncExists)
	}
	d[f.Name] = f
	return nil
}

func init() {
	Register(rematchFunc())
	Register(hasChildFunc())
	Register(nowFunc())
	Register(lowerFunc())
	Register(upperFunc())
}

func Lookup(s string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := d[s]
	return f, ok
}

func Funcs() []Func {
	mu.RLock()
	defer mu.RUnlock()
	res := make([]Func, 0, len(d))
	for _, f := range d {
		res = append(res, f)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

func funcOpts() []expr.Option {
	fs := Funcs()
	res := make([]expr.Option, len(fs))
	for i, f := range fs {
		res[i] = f.option()
	}
	return res
}
