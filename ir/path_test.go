package ir

import (
	"errors"
	"testing"
)

type pathTest struct {
	In     string
	Out    string
	Parent string
	Last   string
	Depth  int
}

var pathTests = []pathTest{
	{In: "/", Out: "/", Parent: "/", Last: "", Depth: 0},
	{In: "", Out: "/", Parent: "/", Last: "", Depth: 0},
	{In: "a", Out: "/a", Parent: "/", Last: "a", Depth: 1},
	{In: "/a/b", Out: "/a/b", Parent: "/a", Last: "b", Depth: 2},
	{In: "//a//b/", Out: "/a/b", Parent: "/a", Last: "b", Depth: 2},
	{In: "/rules/.read", Out: "/rules/.read", Parent: "/rules", Last: ".read", Depth: 2},
	{In: "/users/$uid/name", Out: "/users/$uid/name", Parent: "/users/$uid", Last: "name", Depth: 3},
}

func TestParsePath(t *testing.T) {
	for _, pt := range pathTests {
		p, err := ParsePath(pt.In)
		if err != nil {
			t.Errorf("%q: %v", pt.In, err)
			continue
		}
		if p.String() != pt.Out {
			t.Errorf("%q: got %q want %q", pt.In, p.String(), pt.Out)
		}
		if p.Parent().String() != pt.Parent {
			t.Errorf("%q: parent got %q want %q", pt.In, p.Parent(), pt.Parent)
		}
		if p.LastElement() != pt.Last {
			t.Errorf("%q: last got %q want %q", pt.In, p.LastElement(), pt.Last)
		}
		if p.Depth() != pt.Depth {
			t.Errorf("%q: depth got %d want %d", pt.In, p.Depth(), pt.Depth)
		}
		if len(p.Segments()) != pt.Depth {
			t.Errorf("%q: segments %v", pt.In, p.Segments())
		}
	}
}

func TestParsePathInvalid(t *testing.T) {
	for _, in := range []string{"/a/[0]", "/a/#b", "/a/./b", "/a/../b", "/a/b\x00"} {
		_, err := ParsePath(in)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("%q: expected ErrInvalidPath, got %v", in, err)
		}
	}
}

func TestPathEquality(t *testing.T) {
	a := MustParsePath("/a/b")
	b := Root().Append("a").Append("b")
	if a != b {
		t.Errorf("%s != %s", a, b)
	}
	if !Root().IsRoot() || !Root().IsEmpty() {
		t.Errorf("root is not root")
	}
	if Root().Parent() != Root() {
		t.Errorf("root parent is not root")
	}
	j, err := MustParsePath("/a").Join("b/c")
	if err != nil {
		t.Fatal(err)
	}
	if j != MustParsePath("/a/b/c") {
		t.Errorf("join got %s", j)
	}
}

func TestPathPrefix(t *testing.T) {
	ab := MustParsePath("/a/b")
	abc := MustParsePath("/a/b/c")
	abx := MustParsePath("/a/bx")
	if !abc.HasPrefix(ab) {
		t.Errorf("%s should have prefix %s", abc, ab)
	}
	if abx.HasPrefix(ab) {
		t.Errorf("%s should not have prefix %s", abx, ab)
	}
	if !ab.HasPrefix(Root()) {
		t.Errorf("every path has the root prefix")
	}
	if !ab.Overlaps(abc) || !abc.Overlaps(ab) || ab.Overlaps(abx) {
		t.Errorf("overlaps")
	}
	rel, ok := abc.Rel(MustParsePath("/a"))
	if !ok || rel != "/b/c" {
		t.Errorf("rel got %q %v", rel, ok)
	}
	rel, ok = ab.Rel(ab)
	if !ok || rel != "/" {
		t.Errorf("rel self got %q %v", rel, ok)
	}
	if _, ok := abx.Rel(ab); ok {
		t.Errorf("rel outside base should fail")
	}
	anc := abc.Ancestors()
	if len(anc) != 2 || anc[0] != ab || anc[1] != MustParsePath("/a") {
		t.Errorf("ancestors got %v", anc)
	}
}
