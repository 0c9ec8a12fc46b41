package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/actions"
	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/authz"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("LIVETREE_TEST_SECRET", "s3cret")
	file := filepath.Join(t.TempDir(), "livetree.yaml")
	err := os.WriteFile(file, []byte(`
listen: 127.0.0.1:8080
tcp: 127.0.0.1:8081
defaultPolicy: open
broadcastBuffer: 16
persist:
  timeout: 2s
  retries: 5
  backoff: 50ms
auth:
  secret: ${LIVETREE_TEST_SECRET}
  tokenTTL: 1h
allowedOrigins:
  - https://example.com
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.Listen = "127.0.0.1:8080"
	want.TCP = "127.0.0.1:8081"
	want.DefaultPolicy = authz.PolicyOpen
	want.BroadcastBuffer = 16
	want.Persist = &PersistConfig{
		Timeout: api.Duration(2 * time.Second),
		Retries: 5,
		Backoff: api.Duration(50 * time.Millisecond),
	}
	want.Auth = &AuthConfig{Secret: "s3cret", TokenTTL: api.Duration(time.Hour)}
	want.AllowedOrigins = []string{"https://example.com"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"policy", func(c *Config) { c.DefaultPolicy = "maybe" }, "maybe"},
		{"rules at root", func(c *Config) { c.RulesPath = "/" }, "rulesPath"},
		{"bad users path", func(c *Config) { c.UsersPath = "/a/#" }, "usersPath"},
		{"broadcast buffer", func(c *Config) { c.BroadcastBuffer = 0 }, "broadcastBuffer"},
		{"retries", func(c *Config) { c.Persist.Retries = 0 }, "persist.retries"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tc.want)
			}
			if _, err := New(&Spec{Config: cfg, Log: slog.New(slog.DiscardHandler)}); err == nil {
				t.Error("New accepted invalid config")
			}
		})
	}
}

func TestRestartFromMirror(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	log := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	srv, err := New(&Spec{Config: cfg, Log: log})
	if err != nil {
		t.Fatal(err)
	}
	muts := []*actions.Mutation{
		{Action: actions.ActionSet, Path: ir.MustParsePath("/a"), Data: ir.MustFromAny(map[string]any{"x": 1, "y": "two"})},
		{Action: actions.ActionPush, Path: ir.MustParsePath("/list"), Name: "k1", Data: ir.FromBool(true)},
		{Action: actions.ActionDelete, Path: ir.MustParsePath("/a/y")},
	}
	for _, m := range muts {
		if _, err := srv.Engine().Apply(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	want := srv.Engine().Store().Root()
	wantSeq := srv.Engine().Seq()
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}

	srv, err = New(&Spec{Config: cfg, Log: log})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	if got := srv.Engine().Store().Root(); !ir.Equal(want, got) {
		gd, _ := got.MarshalJSON()
		wd, _ := want.MarshalJSON()
		t.Errorf("restored %s, want %s", gd, wd)
	}
	if got := srv.Engine().Seq(); got != wantSeq {
		t.Errorf("restored seq %d, want %d", got, wantSeq)
	}

	// commits continue from the restored sequence
	res, err := srv.Engine().Apply(ctx, &actions.Mutation{Action: actions.ActionSet, Path: ir.MustParsePath("/b"), Data: ir.FromInt(1)})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangeLog.Seq != wantSeq+1 {
		t.Errorf("next seq %d, want %d", res.ChangeLog.Seq, wantSeq+1)
	}
}
