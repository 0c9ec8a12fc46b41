package changelog

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signadot/livetree/ir"
)

func node(t *testing.T, s string) *ir.Node {
	t.Helper()
	if s == "" {
		return nil
	}
	n, err := ir.FromJSON([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func summary(c *ChangeLog) []string {
	res := make([]string, len(c.Events))
	for i := range c.Events {
		res[i] = c.Events[i].String()
	}
	return res
}

func TestSetScenario(t *testing.T) {
	p := ir.MustParsePath("/a/b")
	before := (*ir.Node)(nil)
	after := before.PutPath(p, node(t, `{"x":1}`))
	b := NewBuilder(before, after)
	b.Write(p.Parent(), []string{p.LastElement()})
	c := b.ChangeLog()
	want := []string{
		"ChildAdded(/a/b/x)",
		"ValueChanged(/a/b/x)",
		"ChildAdded(/a/b)",
		"ValueChanged(/a/b)",
		"ChildAdded(/a)",
		"ValueChanged(/a)",
	}
	if diff := cmp.Diff(want, summary(c)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	e := c.Events[2]
	if e.Name != "b" || e.Path != ir.MustParsePath("/a") || !ir.Equal(e.Value, node(t, `{"x":1}`)) {
		t.Errorf("unexpected top entry %+v", e)
	}
	if !e.HasChildren || e.NumChildren != 1 {
		t.Errorf("container counts: %v %d", e.HasChildren, e.NumChildren)
	}
	if err := c.Check(); err != nil {
		t.Error(err)
	}
}

type replayTest struct {
	name   string
	before string
	at     string
	keys   []string
	after  func(*ir.Node) *ir.Node
}

func TestReplayReproducesTree(t *testing.T) {
	tests := []replayTest{
		{
			name:   "replace composite",
			before: `{"a":{"b":{"x":1,"y":2},"c":3}}`,
			at:     "/a",
			keys:   []string{"b"},
			after: func(n *ir.Node) *ir.Node {
				return n.PutPath(ir.MustParsePath("/a/b"), ir.MustFromAny(map[string]any{"x": 1, "z": map[string]any{"q": true}}))
			},
		},
		{
			name:   "scalar over composite",
			before: `{"a":{"b":{"x":1}}}`,
			at:     "/a",
			keys:   []string{"b"},
			after: func(n *ir.Node) *ir.Node {
				return n.PutPath(ir.MustParsePath("/a/b"), ir.FromString("s"))
			},
		},
		{
			name:   "update two keys",
			before: `{"u":{"k1":1,"k2":{"deep":1},"k3":3}}`,
			at:     "/u",
			keys:   []string{"k1", "k2"},
			after: func(n *ir.Node) *ir.Node {
				n = n.PutPath(ir.MustParsePath("/u/k1"), ir.FromInt(10))
				return n.DeletePath(ir.MustParsePath("/u/k2"))
			},
		},
		{
			name:   "deep create",
			before: `{"other":1}`,
			at:     "/x/y",
			keys:   []string{"z"},
			after: func(n *ir.Node) *ir.Node {
				return n.PutPath(ir.MustParsePath("/x/y/z"), ir.FromBool(true))
			},
		},
	}
	for _, tc := range tests {
		before := node(t, tc.before)
		after := tc.after(before)
		b := NewBuilder(before, after)
		b.Write(ir.MustParsePath(tc.at), tc.keys)
		c := b.ChangeLog()
		if err := c.Check(); err != nil {
			t.Errorf("%s: %v", tc.name, err)
		}
		got := c.Apply(before)
		if !ir.Equal(got, after) {
			gd, _ := got.MarshalJSON()
			ad, _ := after.MarshalJSON()
			t.Errorf("%s: replay got %s want %s", tc.name, gd, ad)
		}
	}
}

func TestDeleteEmitsEveryDescendant(t *testing.T) {
	before := node(t, `{"a":{"b":{"c":{"d":1},"e":2},"keep":3}}`)
	p := ir.MustParsePath("/a/b")
	after := before.DeletePath(p)
	b := NewBuilder(before, after)
	b.Write(p.Parent(), []string{p.LastElement()})
	c := b.ChangeLog()

	var removed []string
	for i := range c.Events {
		if c.Events[i].Kind == ChildRemoved {
			removed = append(removed, c.Events[i].Node().String())
		}
	}
	want := []string{"/a/b/c/d", "/a/b/c", "/a/b/e", "/a/b"}
	if diff := cmp.Diff(want, removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
	if got := c.Apply(before); !ir.Equal(got, after) {
		t.Errorf("replay did not reproduce delete")
	}
	if !after.GetPath(ir.MustParsePath("/a/keep")).Exists() {
		t.Errorf("sibling removed")
	}
}

func TestValueEventsBelowWrite(t *testing.T) {
	before := node(t, `{"u":{"name":"a","old":{"k":1}}}`)
	after := before.PutPath(ir.MustParsePath("/u"), node(t, `{"name":"b"}`))
	b := NewBuilder(before, after)
	b.Write(ir.Root(), []string{"u"})
	c := b.ChangeLog()
	want := []string{
		"ChildChanged(/u/name)",
		"ValueChanged(/u/name)",
		"ChildRemoved(/u/old/k)",
		"ValueChanged(/u/old/k)",
		"ChildRemoved(/u/old)",
		"ValueChanged(/u/old)",
		"ChildChanged(/u)",
		"ValueChanged(/u)",
	}
	if diff := cmp.Diff(want, summary(c)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if v := c.Events[1].Value; v == nil || v.String != "b" {
		t.Errorf("descendant value %v", v)
	}
	// removed nodes report a null value
	for _, i := range []int{3, 5} {
		if c.Events[i].Value != nil {
			t.Errorf("%s carries %v", &c.Events[i], c.Events[i].Value)
		}
	}
	if err := c.Check(); err != nil {
		t.Error(err)
	}
	if got := c.Apply(before); !ir.Equal(got, after) {
		t.Errorf("replay did not reproduce write")
	}
}

func TestSetRoot(t *testing.T) {
	before := node(t, `{"a":1,"b":{"c":2}}`)
	after := node(t, `{"a":1,"d":4}`)
	b := NewBuilder(before, after)
	b.SetRoot()
	c := b.ChangeLog()
	want := []string{
		"ChildAdded(/d)",
		"ValueChanged(/d)",
		"ChildRemoved(/b/c)",
		"ValueChanged(/b/c)",
		"ChildRemoved(/b)",
		"ValueChanged(/b)",
	}
	if diff := cmp.Diff(want, summary(c)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPriorityEvent(t *testing.T) {
	before := node(t, `{"l":{"a":1,"b":2}}`)
	prio := 5.0
	p := ir.MustParsePath("/l/a")
	after := before.PutPath(p, before.GetPath(p).WithPriority(&prio))
	b := NewBuilder(before, after)
	b.Priority(p)
	c := b.ChangeLog()
	if c.Len() != 1 || c.Events[0].Kind != ChildChanged || c.Events[0].Path != ir.MustParsePath("/l") {
		t.Fatalf("unexpected %v", summary(c))
	}
	if c.Events[0].Priority == nil || *c.Events[0].Priority != 5 {
		t.Errorf("priority not carried")
	}
	if diff := cmp.Diff([]string{"b", "a"}, after.Get("l").Keys()); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestCheckDetectsOutOfOrder(t *testing.T) {
	c := &ChangeLog{Events: []Event{
		{Kind: ValueChanged, Name: "a", Path: ir.MustParsePath("/a")},
		{Kind: ChildAdded, Name: "b", Path: ir.MustParsePath("/a")},
	}}
	if err := c.Check(); !errors.Is(err, ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
}

func TestKindEventType(t *testing.T) {
	for k, want := range map[Kind]string{
		ChildAdded:   "child_added",
		ChildChanged: "child_changed",
		ValueChanged: "value",
		ChildRemoved: "child_deleted",
	} {
		if k.EventType() != want {
			t.Errorf("%s: got %q", k, k.EventType())
		}
	}
}
