package actions

import (
	"context"
	"fmt"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/authz"
)

const adminOnly = "auth.isAdmin == true"

// BootstrapConfig names the seeded paths.
type BootstrapConfig struct {
	UsersPath ir.Path
	RulesPath ir.Path
	// AdminPassword is the password of the seeded admin user.
	AdminPassword string
	// HashCost is the bcrypt cost, 0 for the default.
	HashCost int
}

// DefaultRules returns the seeded rule tree: everything is readable,
// only admins write, and the rules and users subtrees are admin only.
func DefaultRules(rules, users ir.Path) *ir.Node {
	restricted := ir.FromFields(
		[]string{".read", ".write"},
		[]*ir.Node{ir.FromString(adminOnly), ir.FromString(adminOnly)},
	)
	root := ir.FromFields(
		[]string{".read", ".write"},
		[]*ir.Node{ir.FromBool(true), ir.FromString(adminOnly)},
	)
	for _, p := range []ir.Path{rules, users} {
		if !p.IsRoot() {
			root = root.PutPath(p, restricted)
		}
	}
	return root
}

// Bootstrap seeds an admin user and the default rules if the users or
// rules paths are absent.  It writes as the system actor through the
// normal pipeline so the seeds are distributed and persisted.
func (e *Engine) Bootstrap(ctx context.Context, cfg BootstrapConfig) error {
	if !e.store.Exists(cfg.UsersPath) {
		password := cfg.AdminPassword
		if password == "" {
			password = "admin"
		}
		hash, err := HashPassword(password, cfg.HashCost)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		admin := ir.FromFields(
			[]string{"username", passwordHashKey, "isAdmin"},
			[]*ir.Node{ir.FromString("admin"), ir.FromString(hash), ir.FromBool(true)},
		)
		res, err := e.Apply(ctx, &Mutation{Action: ActionPush, Actor: authz.System(), Path: cfg.UsersPath, Data: admin})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		e.log.Info("seeded admin user", "path", res.Path.String())
	}
	if !e.store.Exists(cfg.RulesPath) {
		rules := DefaultRules(cfg.RulesPath, cfg.UsersPath)
		if _, err := e.Apply(ctx, &Mutation{Action: ActionSet, Actor: authz.System(), Path: cfg.RulesPath, Data: rules}); err != nil {
			return fmt.Errorf("bootstrap rules: %w", err)
		}
		e.log.Info("seeded default rules", "path", cfg.RulesPath.String())
	}
	return nil
}
