// Package ir contains the in-memory representation of tree values.
//
// A Node is either a scalar (string, number, bool, null) or an object, an
// ordered mapping from key to child Node.  Nodes are immutable once
// constructed: Put, Delete and friends return new nodes which share the
// untouched children with the receiver.  This is what makes copy-on-path-write
// in the tree store possible.
package ir

import (
	"maps"
	"slices"
	"sort"
	"strconv"
)

type Node struct {
	Type    Type
	String  string
	Bool    bool
	Float64 *float64
	Int64   *int64

	// Priority orders a node among its siblings.  It plays no part in
	// equality.
	Priority *float64

	// fields holds the keys in insertion order, values the children.
	fields []string
	values map[string]*Node
}

var null = &Node{Type: NullType}

func Null() *Node {
	return null
}

func FromString(v string) *Node {
	return &Node{Type: StringType, String: v}
}

func FromInt(v int64) *Node {
	return &Node{Type: NumberType, Int64: &v}
}

func FromFloat(f float64) *Node {
	return &Node{Type: NumberType, Float64: &f}
}

func FromBool(v bool) *Node {
	return &Node{Type: BoolType, Bool: v}
}

// FromMap creates an object from m, inserting keys in sorted order.
// Absent children are dropped.
func FromMap(m map[string]*Node) *Node {
	res := &Node{Type: ObjectType, values: make(map[string]*Node, len(m))}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v := m[k]
		if !v.Exists() {
			continue
		}
		res.fields = append(res.fields, k)
		res.values[k] = v
	}
	return res
}

// FromFields creates an object from parallel key and value slices,
// preserving their order.
func FromFields(keys []string, vals []*Node) *Node {
	res := &Node{Type: ObjectType, values: make(map[string]*Node, len(keys))}
	for i, k := range keys {
		res.insert(k, vals[i])
	}
	return res
}

// Exists reports whether y holds a value.  nil and null nodes do not.
func (y *Node) Exists() bool {
	return y != nil && y.Type != NullType
}

func (y *Node) IsObject() bool {
	return y != nil && y.Type == ObjectType
}

func (y *Node) ChildCount() int {
	if y == nil {
		return 0
	}
	return len(y.fields)
}

// HasChildren reports whether y is an object with at least one child.
// An empty object and a scalar are alike in this respect.
func (y *Node) HasChildren() bool {
	return y.ChildCount() != 0
}

// Get returns the child at key, or nil.
func (y *Node) Get(key string) *Node {
	if y == nil || y.values == nil {
		return nil
	}
	return y.values[key]
}

// Has reports whether y has a child at key.
func (y *Node) Has(key string) bool {
	return y.Get(key) != nil
}

// Put returns a copy of y with key set to v.  If y is not an object the
// result is a new object with the single child.  Setting an absent value
// is the same as Delete.  An existing key keeps its insertion position.
func (y *Node) Put(key string, v *Node) *Node {
	if !v.Exists() {
		return y.Delete(key)
	}
	res := y.shallowObject(1)
	if _, present := res.values[key]; !present {
		res.fields = append(res.fields, key)
	}
	res.values[key] = v
	return res
}

// Delete returns a copy of y without key.  If y has no such child, y is
// returned.
func (y *Node) Delete(key string) *Node {
	if !y.Has(key) {
		return y
	}
	res := y.shallowObject(0)
	delete(res.values, key)
	res.fields = slices.DeleteFunc(res.fields, func(f string) bool { return f == key })
	return res
}

// WithPriority returns a copy of y with the given priority.
func (y *Node) WithPriority(p *float64) *Node {
	var res Node
	if y != nil {
		res = *y
	} else {
		res.Type = NullType
	}
	if p != nil {
		pp := *p
		p = &pp
	}
	res.Priority = p
	return &res
}

// insert mutates y in place; only for nodes under construction.
func (y *Node) insert(key string, v *Node) {
	if !v.Exists() {
		return
	}
	if _, present := y.values[key]; !present {
		y.fields = append(y.fields, key)
	}
	y.values[key] = v
}

func (y *Node) shallowObject(extra int) *Node {
	res := &Node{Type: ObjectType}
	if y != nil {
		res.Priority = y.Priority
	}
	if !y.IsObject() {
		res.values = make(map[string]*Node, extra)
		return res
	}
	res.fields = make([]string, len(y.fields), len(y.fields)+extra)
	copy(res.fields, y.fields)
	res.values = make(map[string]*Node, len(y.values)+extra)
	maps.Copy(res.values, y.values)
	return res
}

// Keys returns the child keys in iteration order: nodes without a
// priority first, then by ascending priority, ties broken by insertion
// order.
func (y *Node) Keys() []string {
	if y == nil {
		return nil
	}
	res := slices.Clone(y.fields)
	sort.SliceStable(res, func(i, j int) bool {
		pi, pj := y.values[res[i]].Priority, y.values[res[j]].Priority
		switch {
		case pi == nil:
			return pj != nil
		case pj == nil:
			return false
		default:
			return *pi < *pj
		}
	})
	return res
}

// Children returns the children in Keys() order.
func (y *Node) Children() []*Node {
	keys := y.Keys()
	res := make([]*Node, len(keys))
	for i, k := range keys {
		res[i] = y.values[k]
	}
	return res
}

// GetPath returns the node at p below y, or nil if any segment is
// missing.
func (y *Node) GetPath(p Path) *Node {
	x := y
	for _, seg := range p.Segments() {
		x = x.Get(seg)
		if x == nil {
			return nil
		}
	}
	return x
}

// PutPath returns a copy of y with v placed at p, creating intermediate
// objects as needed.  Only the nodes along p are copied.
func (y *Node) PutPath(p Path, v *Node) *Node {
	if p.IsRoot() {
		if !v.Exists() {
			return Null()
		}
		return v
	}
	return y.putSegs(p.Segments(), v)
}

func (y *Node) putSegs(segs []string, v *Node) *Node {
	if len(segs) == 1 {
		return y.Put(segs[0], v)
	}
	child := y.Get(segs[0])
	nc := child.putSegs(segs[1:], v)
	if nc == child {
		return y
	}
	if !v.Exists() && !child.Exists() {
		return y
	}
	return y.Put(segs[0], nc)
}

// DeletePath returns a copy of y with the node at p removed.  Ancestors
// left empty are kept.
func (y *Node) DeletePath(p Path) *Node {
	if p.IsRoot() {
		return Null()
	}
	if y.GetPath(p) == nil {
		return y
	}
	return y.putSegs(p.Segments(), nil)
}

// Walk calls fn for every node below y, children before parents and
// siblings in Keys() order.  at is the path of y.
func (y *Node) Walk(at Path, fn func(Path, *Node)) {
	for _, k := range y.Keys() {
		c := y.values[k]
		cp := at.Append(k)
		c.Walk(cp, fn)
		fn(cp, c)
	}
}

// Equal reports whether a and b hold the same value, ignoring priorities
// and key order.
func Equal(a, b *Node) bool {
	if !a.Exists() || !b.Exists() {
		return a.Exists() == b.Exists()
	}
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case StringType:
		return a.String == b.String
	case BoolType:
		return a.Bool == b.Bool
	case NumberType:
		return a.NumberString() == b.NumberString()
	case ObjectType:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for k, av := range a.values {
			if !Equal(av, b.values[k]) {
				return false
			}
		}
		return true
	}
	return true
}

// Float returns the numeric value of y as a float64.
func (y *Node) Float() (float64, bool) {
	if y == nil || y.Type != NumberType {
		return 0, false
	}
	if y.Int64 != nil {
		return float64(*y.Int64), true
	}
	if y.Float64 != nil {
		return *y.Float64, true
	}
	return 0, false
}

// NumberString formats a number node canonically.
func (y *Node) NumberString() string {
	if y.Int64 != nil {
		return strconv.FormatInt(*y.Int64, 10)
	}
	if y.Float64 != nil {
		f := *y.Float64
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "0"
}
