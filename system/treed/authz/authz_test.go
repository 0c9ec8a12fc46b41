package authz

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signadot/livetree/ir"
)

func mustJSON(t *testing.T, s string) *ir.Node {
	t.Helper()
	n, err := ir.FromJSON([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func toJSON(t *testing.T, n *ir.Node) string {
	t.Helper()
	d, err := n.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	return string(d)
}

// withRules returns a tree holding data and the rule tree under /rules.
func withRules(t *testing.T, data, rules string) *ir.Node {
	t.Helper()
	root := mustJSON(t, data)
	return root.PutPath(ir.MustParsePath("/rules"), mustJSON(t, rules))
}

func newEngine(policy Policy) *Engine {
	return New(ir.MustParsePath("/rules"), policy, slog.New(slog.DiscardHandler))
}

var (
	admin = NewActor(map[string]any{"uid": "u1", "username": "admin", "isAdmin": true})
	alice = NewActor(map[string]any{"uid": "alice", "username": "alice"})
)

func TestDefaultPolicy(t *testing.T) {
	root := mustJSON(t, `{"a":{"b":1}}`)
	p := ir.MustParsePath("/a/b")
	if err := newEngine(PolicyOpen).Authorize(Write, nil, p, nil, root); err != nil {
		t.Errorf("open policy denied: %v", err)
	}
	err := newEngine(PolicyClosed).Authorize(Write, nil, p, nil, root)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("closed policy: expected ErrNotAuthorized, got %v", err)
	}
}

func TestNearestAncestorWins(t *testing.T) {
	root := withRules(t, `{}`, `{
		".write": false,
		"a": {
			".write": true,
			"b": {}
		},
		"c": {".write": "auth.isAdmin == true"}
	}`)
	e := newEngine(PolicyClosed)
	tests := []struct {
		actor *Actor
		path  string
		allow bool
	}{
		{alice, "/x", false},
		// the nearer rule at /a overrides the deny at the root
		{alice, "/a", true},
		{alice, "/a/b/c/d", true},
		{alice, "/c", false},
		{admin, "/c/d", true},
		{nil, "/c", false},
	}
	for _, tc := range tests {
		got := e.IsAuthorized(Write, tc.actor, ir.MustParsePath(tc.path), nil, root)
		if got != tc.allow {
			t.Errorf("%s write %s: got %v want %v", tc.actor, tc.path, got, tc.allow)
		}
	}
}

func TestWildcardRules(t *testing.T) {
	root := withRules(t, `{}`, `{
		"users": {
			"$uid": {".write": "auth.uid == vars.uid"},
			"admin": {".write": false}
		}
	}`)
	e := newEngine(PolicyClosed)
	if !e.IsAuthorized(Write, alice, ir.MustParsePath("/users/alice/name"), nil, root) {
		t.Error("alice cannot write her own record")
	}
	if e.IsAuthorized(Write, alice, ir.MustParsePath("/users/bob"), nil, root) {
		t.Error("alice can write bob's record")
	}
	// exact keys win over wildcards
	adminUser := NewActor(map[string]any{"uid": "admin"})
	if e.IsAuthorized(Write, adminUser, ir.MustParsePath("/users/admin"), nil, root) {
		t.Error("exact rule not preferred over wildcard")
	}
}

func TestRuleSeesDataAndRoot(t *testing.T) {
	root := withRules(t, `{"open":true}`, `{
		"posts": {".write": "getpath('/open') == true && data.title != ''"}
	}`)
	e := newEngine(PolicyClosed)
	p := ir.MustParsePath("/posts")
	if !e.IsAuthorized(Write, alice, p, mustJSON(t, `{"title":"hi"}`), root) {
		t.Error("valid post denied")
	}
	if e.IsAuthorized(Write, alice, p, mustJSON(t, `{"title":""}`), root) {
		t.Error("empty title allowed")
	}
}

func TestBadRulesDeny(t *testing.T) {
	root := withRules(t, `{}`, `{
		"a": {".read": "1 + 1"},
		"b": {".read": "auth.("},
		"c": {".read": 3}
	}`)
	e := newEngine(PolicyOpen)
	for _, p := range []string{"/a", "/b", "/c"} {
		err := e.Authorize(Read, admin, ir.MustParsePath(p), nil, root)
		if !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("%s: expected denial, got %v", p, err)
		}
	}
}

func TestSystemBypassesRules(t *testing.T) {
	root := withRules(t, `{}`, `{".write": false, ".read": false}`)
	e := newEngine(PolicyClosed)
	if err := e.Authorize(Write, System(), ir.MustParsePath("/a"), nil, root); err != nil {
		t.Error(err)
	}
	v := mustJSON(t, `{"x":1}`)
	if got := e.Filter(System(), ir.Root(), v, root); got != v {
		t.Error("system read was filtered")
	}
}

func TestFilter(t *testing.T) {
	root := withRules(t, `{}`, `{
		".read": true,
		"secret": {".read": "auth.isAdmin == true"},
		"items": {
			"$id": {".read": "getpath('/items/' + vars.id)?.public == true"}
		}
	}`)
	data := mustJSON(t, `{
		"pub": {"x": 1},
		"secret": {"k": "v"},
		"items": {
			"i1": {"public": true, "n": 1},
			"i2": {"public": false, "n": 2}
		}
	}`)
	e := newEngine(PolicyClosed)
	got := toJSON(t, e.Filter(alice, ir.Root(), data, root))
	want := `{"pub":{"x":1},"items":{"i1":{"public":true,"n":1}}}`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filtered (-want +got):\n%s", diff)
	}
	got = toJSON(t, e.Filter(admin, ir.Root(), data, root))
	want = `{"pub":{"x":1},"secret":{"k":"v"},"items":{"i1":{"public":true,"n":1}}}`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filtered for admin (-want +got):\n%s", diff)
	}
	if f := e.Filter(alice, ir.MustParsePath("/secret"), data.Get("secret"), root); f != nil {
		t.Errorf("unreadable root of filter returned %s", toJSON(t, f))
	}
}

func TestFilterRunsRulePerChild(t *testing.T) {
	tests := []struct {
		name  string
		rules string
		data  string
		want  string
	}{
		{
			name:  "path",
			rules: `{"items": {".read": "path != '/items/secret'"}}`,
			data:  `{"pub": 1, "secret": 2}`,
			want:  `{"pub":1}`,
		},
		{
			name:  "data",
			rules: `{"items": {".read": "data != 2"}}`,
			data:  `{"a": 1, "b": 2, "c": {"d": 2, "e": 3}}`,
			want:  `{"a":1,"c":{"e":3}}`,
		},
		{
			name:  "nested",
			rules: `{"items": {".read": "!(path matches '^/items/[^/]+/private')"}}`,
			data:  `{"x": {"private": "p", "public": "q"}}`,
			want:  `{"x":{"public":"q"}}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := withRules(t, `{}`, tc.rules)
			e := newEngine(PolicyClosed)
			p := ir.MustParsePath("/items")
			data := mustJSON(t, tc.data)
			got := toJSON(t, e.Filter(alice, p, data, root))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("filtered (-want +got):\n%s", diff)
			}
			// a filtered read agrees with direct reads of each child
			for _, k := range data.Keys() {
				cp := p.Append(k)
				direct := e.IsAuthorized(Read, alice, cp, data.Get(k), root)
				kept := mustJSON(t, got).Has(k)
				if direct != kept {
					t.Errorf("%s: direct read %v, kept by filter %v", cp, direct, kept)
				}
			}
		})
	}
}

func TestFilterSharesUnchangedValues(t *testing.T) {
	root := withRules(t, `{}`, `{".read": true}`)
	v := mustJSON(t, `{"a":{"b":1}}`)
	if got := newEngine(PolicyClosed).Filter(alice, ir.Root(), v, root); got != v {
		t.Error("fully readable value was copied")
	}
}

func TestValidate(t *testing.T) {
	root := withRules(t, `{}`, `{
		"age": {".validate": "data >= 0"},
		"name": {".validate": "lower(data)"},
		"tmp": {".validate": "nil"}
	}`)
	e := newEngine(PolicyOpen)
	if v, err := e.Validate(alice, ir.MustParsePath("/age"), ir.FromInt(3), root); err != nil || *v.Int64 != 3 {
		t.Errorf("age 3: %v %v", v, err)
	}
	if _, err := e.Validate(alice, ir.MustParsePath("/age"), ir.FromInt(-1), root); !errors.Is(err, ErrValidationRejected) {
		t.Errorf("age -1: expected rejection, got %v", err)
	}
	if v, err := e.Validate(alice, ir.MustParsePath("/name"), ir.FromString("ALICE"), root); err != nil || v.String != "alice" {
		t.Errorf("name replacement: %v %v", v, err)
	}
	if v, err := e.Validate(alice, ir.MustParsePath("/tmp"), ir.FromString("x"), root); err != nil || v != nil {
		t.Errorf("tmp deletion: %v %v", v, err)
	}
	// no rule keeps the value
	in := ir.FromString("free")
	if v, err := e.Validate(alice, ir.MustParsePath("/other"), in, root); err != nil || v != in {
		t.Errorf("unvalidated: %v %v", v, err)
	}
}

func TestAdmitPerKey(t *testing.T) {
	root := withRules(t, `{}`, `{
		".write": true,
		"p": {
			"locked": {".write": false},
			"age": {".validate": "data >= 0"},
			"tmp": {".validate": "nil"}
		}
	}`)
	e := newEngine(PolicyClosed)
	old := mustJSON(t, `{"locked":"keep","age":30}`)
	v := mustJSON(t, `{"locked":"new","age":-5,"tmp":1,"name":"n"}`)
	res, rejected, err := e.Admit(alice, ir.MustParsePath("/p"), v, old, root)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(`{"locked":"keep","age":30,"name":"n"}`, toJSON(t, res)); diff != "" {
		t.Errorf("admitted (-want +got):\n%s", diff)
	}
	want := []string{"/p/locked", "/p/age"}
	var got []string
	for _, p := range rejected {
		got = append(got, p.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rejected (-want +got):\n%s", diff)
	}
}

func TestAdmitNothingWhereNothingWas(t *testing.T) {
	root := withRules(t, `{}`, `{".write": true, "p": {"$k": {".write": false}}}`)
	e := newEngine(PolicyClosed)
	p := ir.MustParsePath("/p")
	v := mustJSON(t, `{"a":1,"b":2}`)
	res, rejected, err := e.Admit(alice, p, v, nil, root)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil || len(rejected) != 2 {
		t.Errorf("admitted %v, rejected %v", res, rejected)
	}
	// with an existing value the rejected keys keep their old values
	res, _, err = e.Admit(alice, p, v, mustJSON(t, `{"a":0}`), root)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(`{"a":0}`, toJSON(t, res)); diff != "" {
		t.Errorf("admitted (-want +got):\n%s", diff)
	}
}

func TestAdmitTargetDenied(t *testing.T) {
	root := withRules(t, `{}`, `{".write": true, "secret": {".write": "auth.isAdmin == true"}}`)
	e := newEngine(PolicyClosed)
	_, _, err := e.Admit(alice, ir.MustParsePath("/secret"), mustJSON(t, `{"x":1}`), nil, root)
	if !errors.Is(err, ErrNotAuthorized) || !IsDenied(err) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if _, _, err := e.Admit(admin, ir.MustParsePath("/secret"), mustJSON(t, `{"x":1}`), nil, root); err != nil {
		t.Errorf("admin denied: %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("OPEN"); err != nil || p != PolicyOpen {
		t.Errorf("got %v %v", p, err)
	}
	if _, err := ParsePolicy("maybe"); err == nil {
		t.Error("expected error")
	}
}
