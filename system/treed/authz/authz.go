// Package authz decides who may read and write which paths of the tree.
//
// Rules are data: they live in the tree itself under a configurable rules
// path, laid out to mirror the data paths they guard.  At each level the
// keys .read, .write and .validate hold a boolean literal or an
// expression; a key starting with $ matches any segment.  The rule nearest
// to the target path decides, rules further up are not consulted.
package authz

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/signadot/livetree/ir"
)

var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrValidationRejected = errors.New("validation rejected")
	ErrBadRule            = errors.New("bad rule")
	ErrAuthentication     = errors.New("authentication failed")
)

// Op is the operation being authorized.
type Op int

const (
	Read Op = iota
	Write
	Validate
)

func (o Op) String() string {
	switch o {
	case Read:
		return "read"
	case Write:
		return "write"
	case Validate:
		return "validate"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// key returns the rule key for o.
func (o Op) key() string {
	return "." + o.String()
}

// Policy is the outcome when no rule applies.
type Policy string

const (
	PolicyOpen   Policy = "open"
	PolicyClosed Policy = "closed"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case PolicyOpen, PolicyClosed:
		return p, nil
	}
	return "", fmt.Errorf("unknown policy %q (want open or closed)", s)
}

func (p Policy) allows() bool {
	return p == PolicyOpen
}

// Actor is the identity a request runs as.  A nil *Actor and an Actor
// without claims are anonymous.
type Actor struct {
	Claims map[string]any
	system bool
}

// NewActor returns an actor with the given claims.
func NewActor(claims map[string]any) *Actor {
	return &Actor{Claims: claims}
}

var system = &Actor{Claims: map[string]any{"uid": "system", "isAdmin": true}, system: true}

// System returns the actor used for internal writes such as bootstrap.
// It bypasses all rules.
func System() *Actor {
	return system
}

func (a *Actor) IsSystem() bool {
	return a != nil && a.system
}

func (a *Actor) IsAnonymous() bool {
	return a == nil || a.Claims == nil
}

// UID returns the uid claim, or "" if there is none.
func (a *Actor) UID() string {
	if a.IsAnonymous() {
		return ""
	}
	s, _ := a.Claims["uid"].(string)
	return s
}

func (a *Actor) String() string {
	switch {
	case a.IsSystem():
		return "system"
	case a.IsAnonymous():
		return "anonymous"
	}
	if uid := a.UID(); uid != "" {
		return uid
	}
	if name, ok := a.Claims["username"].(string); ok {
		return name
	}
	return "authenticated"
}

func (a *Actor) claims() map[string]any {
	if a.IsAnonymous() {
		return nil
	}
	return a.Claims
}

// Engine evaluates rules read from the tree.
type Engine struct {
	rules  ir.Path
	policy Policy
	log    *slog.Logger
}

// New returns an engine reading rules below rulesPath and falling back
// to policy when no rule applies.
func New(rulesPath ir.Path, policy Policy, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{rules: rulesPath, policy: policy, log: log.With("component", "authz")}
}

func (e *Engine) RulesPath() ir.Path {
	return e.rules
}

func (e *Engine) Policy() Policy {
	return e.policy
}
