package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/storage"
)

// Config represents the livetree server configuration file structure.
// Files are YAML or JSON.
type Config struct {
	// Listen is the HTTP address serving WebSocket, REST and metrics.
	Listen string `yaml:"listen"`
	// TCP is the address of the JSON lines listener, empty for none.
	TCP string `yaml:"tcp,omitempty"`
	// DataDir holds the durable mirror.  Empty means memory only.
	DataDir string `yaml:"dataDir,omitempty"`

	DefaultPolicy authz.Policy `yaml:"defaultPolicy"`
	RulesPath     string       `yaml:"rulesPath"`
	UsersPath     string       `yaml:"usersPath"`
	// Bootstrap seeds an admin user and default rules when absent.
	Bootstrap bool `yaml:"bootstrap"`

	// BroadcastBuffer is the number of ChangeLogs queued per session
	// before the session is dropped as a slow consumer.
	BroadcastBuffer int `yaml:"broadcastBuffer"`
	// OutgoingBuffer is the number of messages queued per session for
	// writing.
	OutgoingBuffer int `yaml:"outgoingBuffer"`

	Persist *PersistConfig `yaml:"persist"`
	// CompactEvery rewrites the mirror from a snapshot every so many
	// commits.  Zero or negative means never.
	CompactEvery  int64 `yaml:"compactEvery"`
	KeepSnapshots int   `yaml:"keepSnapshots"`

	Auth *AuthConfig `yaml:"auth"`

	// DisconnectConcurrency bounds the on-disconnect mutations run at once
	// for one closing session.
	DisconnectConcurrency int `yaml:"disconnectConcurrency"`
	// AllowedOrigins restricts WebSocket origins.  Empty allows all.
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// PersistConfig configures writes to the durable mirror.
type PersistConfig struct {
	Timeout api.Duration `yaml:"timeout"`
	Retries int          `yaml:"retries"`
	Backoff api.Duration `yaml:"backoff"`
}

// AuthConfig configures password and token authentication.
type AuthConfig struct {
	// Secret signs tokens.  Empty means a random secret per process.
	Secret   string       `yaml:"secret,omitempty"`
	TokenTTL api.Duration `yaml:"tokenTTL"`
	// AdminPassword is the password of the bootstrapped admin user.
	AdminPassword string `yaml:"adminPassword,omitempty"`
}

// LoadConfig loads a configuration file.  Fields absent from the file
// keep their defaults.  $VAR and ${VAR} are replaced from the
// environment, e.g. "secret: ${LIVETREE_SECRET}".
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":9000",
		DefaultPolicy:   authz.PolicyClosed,
		RulesPath:       "/rules",
		UsersPath:       "/users",
		Bootstrap:       true,
		BroadcastBuffer: 256,
		OutgoingBuffer:  256,
		Persist: &PersistConfig{
			Timeout: api.Duration(5 * time.Second),
			Retries: 3,
			Backoff: api.Duration(200 * time.Millisecond),
		},
		CompactEvery:  1000,
		KeepSnapshots: 3,
		Auth: &AuthConfig{
			TokenTTL: api.Duration(24 * time.Hour),
		},
		DisconnectConcurrency: 4,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if _, err := authz.ParsePolicy(string(c.DefaultPolicy)); err != nil {
		errs = append(errs, err)
	}
	rules, err := ir.ParsePath(c.RulesPath)
	if err != nil {
		errs = append(errs, fmt.Errorf("rulesPath: %w", err))
	} else if rules.IsRoot() {
		errs = append(errs, errors.New("rulesPath: must not be the root"))
	}
	if _, err := ir.ParsePath(c.UsersPath); err != nil {
		errs = append(errs, fmt.Errorf("usersPath: %w", err))
	}
	if c.BroadcastBuffer <= 0 {
		errs = append(errs, fmt.Errorf("broadcastBuffer: must be positive, got %d", c.BroadcastBuffer))
	}
	if c.OutgoingBuffer <= 0 {
		errs = append(errs, fmt.Errorf("outgoingBuffer: must be positive, got %d", c.OutgoingBuffer))
	}
	if c.DisconnectConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("disconnectConcurrency: must be positive, got %d", c.DisconnectConcurrency))
	}
	if c.Persist != nil {
		if c.Persist.Retries < 1 {
			errs = append(errs, fmt.Errorf("persist.retries: must be at least 1, got %d", c.Persist.Retries))
		}
		if c.Persist.Timeout <= 0 {
			errs = append(errs, errors.New("persist.timeout: must be positive"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) rulesPath() ir.Path {
	return ir.MustParsePath(c.RulesPath)
}

func (c *Config) usersPath() ir.Path {
	return ir.MustParsePath(c.UsersPath)
}

// MirrorFile is the bbolt file inside DataDir.
func (c *Config) MirrorFile() string {
	return filepath.Join(c.DataDir, "livetree.db")
}

func (c *Config) mirrorConfig() storage.MirrorConfig {
	res := storage.DefaultMirrorConfig()
	if p := c.Persist; p != nil {
		res.Timeout = p.Timeout.D()
		res.Retries = p.Retries
		res.Backoff = p.Backoff.D()
	}
	res.CompactEvery = c.CompactEvery
	res.KeepSnapshots = c.KeepSnapshots
	return res
}
