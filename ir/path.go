package ir

import (
	"fmt"
	"strings"
	"unicode"
)

// Path addresses a node in the tree.  It is an immutable value: the zero
// Path is the root "/", and Paths compare with ==.
type Path struct {
	// s holds the segments joined by '/' with no leading or trailing
	// separator; "" is the root.
	s string
}

// Root returns the root path "/".
func Root() Path {
	return Path{}
}

// ParsePath parses a slash separated path.  Leading, trailing and
// repeated separators are ignored, so "a/b", "/a/b/" and "//a//b" are
// the same path.
func ParsePath(p string) (Path, error) {
	var b strings.Builder
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if err := ValidKey(seg); err != nil {
			return Path{}, fmt.Errorf("%w %q: %w", ErrInvalidPath, p, err)
		}
		if b.Len() != 0 {
			b.WriteByte('/')
		}
		b.WriteString(seg)
	}
	return Path{s: b.String()}, nil
}

// MustParsePath is like ParsePath but panics on error.
func MustParsePath(p string) Path {
	res, err := ParsePath(p)
	if err != nil {
		panic(err)
	}
	return res
}

// ValidKey checks that k may be used as a path segment or object key.
func ValidKey(k string) error {
	if k == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if k == "." || k == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	for _, r := range k {
		switch {
		case r == '/', r == '[', r == ']', r == '#':
			return fmt.Errorf("%w %q: contains %q", ErrInvalidKey, k, r)
		case unicode.IsControl(r):
			return fmt.Errorf("%w %q: contains control character", ErrInvalidKey, k)
		}
	}
	return nil
}

func (p Path) String() string {
	return "/" + p.s
}

func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Path) UnmarshalText(d []byte) error {
	res, err := ParsePath(string(d))
	if err != nil {
		return err
	}
	*p = res
	return nil
}

func (p Path) IsRoot() bool {
	return p.s == ""
}

// IsEmpty is the same as IsRoot: the root path has no segments.
func (p Path) IsEmpty() bool {
	return p.s == ""
}

// Segments returns a fresh slice of the path segments.
func (p Path) Segments() []string {
	if p.s == "" {
		return nil
	}
	return strings.Split(p.s, "/")
}

func (p Path) Depth() int {
	if p.s == "" {
		return 0
	}
	return strings.Count(p.s, "/") + 1
}

// Parent returns the path with the last segment removed.  The parent of
// the root is the root.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(p.s, '/')
	if i == -1 {
		return Path{}
	}
	return Path{s: p.s[:i]}
}

// LastElement returns the last segment, or "" at the root.
func (p Path) LastElement() string {
	i := strings.LastIndexByte(p.s, '/')
	return p.s[i+1:]
}

// Append returns p extended by one segment.  seg is expected to be a
// valid key, as produced by node keys or ParsePath.
func (p Path) Append(seg string) Path {
	if p.s == "" {
		return Path{s: seg}
	}
	return Path{s: p.s + "/" + seg}
}

// Join resolves rel, a slash separated relative path, against p.
func (p Path) Join(rel string) (Path, error) {
	r, err := ParsePath(rel)
	if err != nil {
		return Path{}, err
	}
	if r.s == "" {
		return p, nil
	}
	if p.s == "" {
		return r, nil
	}
	return Path{s: p.s + "/" + r.s}, nil
}

// HasPrefix reports whether q is p or an ancestor of p.
func (p Path) HasPrefix(q Path) bool {
	if q.s == "" {
		return true
	}
	if !strings.HasPrefix(p.s, q.s) {
		return false
	}
	return len(p.s) == len(q.s) || p.s[len(q.s)] == '/'
}

// Overlaps reports whether one of p and q is a prefix of the other.
func (p Path) Overlaps(q Path) bool {
	return p.HasPrefix(q) || q.HasPrefix(p)
}

// Rel returns p relative to base as an absolute looking path, so that
// "/a/b/c" relative to "/a" is "/b/c".  ok is false when p is not
// under base.
func (p Path) Rel(base Path) (string, bool) {
	if !p.HasPrefix(base) {
		return "", false
	}
	if base.s == "" {
		return p.String(), true
	}
	return "/" + strings.TrimPrefix(p.s[len(base.s):], "/"), true
}

// Ancestors returns p's proper ancestors from the parent up to, but not
// including, the root.
func (p Path) Ancestors() []Path {
	var res []Path
	for a := p.Parent(); !a.IsRoot(); a = a.Parent() {
		res = append(res, a)
	}
	return res
}
