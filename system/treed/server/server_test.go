package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/client"
)

const waitFor = 5 * time.Second

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DefaultPolicy = authz.PolicyOpen
	cfg.Bootstrap = false
	return cfg
}

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	srv, err := New(&Spec{Config: cfg, Log: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, hs
}

func wsURL(hs *httptest.Server, suffix string) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + WebSocketPath + suffix
}

func dial(t *testing.T, hs *httptest.Server, suffix string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := client.Dial(ctx, wsURL(hs, suffix), client.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func mustJSON(t *testing.T, s string) *ir.Node {
	t.Helper()
	n, err := ir.FromJSON([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// summary renders an event as "type path name payload".
func summary(ev *api.Event) string {
	d, _ := json.Marshal(ev.Payload)
	return fmt.Sprintf("%s %s %s %s", ev.Type, ev.Path, ev.Name, d)
}

func next(t *testing.T, c *client.Client) *api.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("connection closed")
		}
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectEvents(t *testing.T, c *client.Client, want ...string) {
	t.Helper()
	got := make([]string, len(want))
	for i := range want {
		got[i] = summary(next(t, c))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func expectQuiet(t *testing.T, c *client.Client) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Errorf("unexpected event %s", summary(ev))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushChildAdded(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	sub := dial(t, hs, "")
	pub := dial(t, hs, "")

	if err := sub.Listen(ctx, "/a", api.EventChildAdded); err != nil {
		t.Fatal(err)
	}
	res, err := pub.Push(ctx, "/a", "n1", mustJSON(t, `{"v":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "n1" || res.Path != "/a/n1" {
		t.Errorf("push result %+v", res)
	}
	ev := next(t, sub)
	if got := summary(ev); got != `child_added /a n1 {"v":1}` {
		t.Errorf("got %s", got)
	}
	if ev.NumChildren == nil || *ev.NumChildren != 1 || ev.HasChildren == nil || !*ev.HasChildren {
		t.Errorf("children counts %v %v", ev.HasChildren, ev.NumChildren)
	}
	expectQuiet(t, sub)
}

func TestPushGeneratesOrderedKeys(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")
	var names []string
	for i := range 3 {
		res, err := c.Push(ctx, "/log", "", ir.FromInt(int64(i)))
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, res.Name)
	}
	v, err := c.Get(ctx, "/log")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(names, v.Keys()); diff != "" {
		t.Errorf("keys (-pushed +stored):\n%s", diff)
	}
}

func TestInitialReplay(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")
	if err := c.Set(ctx, "/a", mustJSON(t, `{"x":1,"y":{"z":2}}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen(ctx, "/a", api.EventChildAdded); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c,
		`child_added /a x 1`,
		`child_added /a y {"z":2}`,
	)
	if err := c.Listen(ctx, "/a", api.EventValue); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /a a {"x":1,"y":{"z":2}}`)

	// live events follow the replay
	if err := c.Set(ctx, "/a/x", ir.FromInt(5)); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /a a {"x":5,"y":{"z":2}}`)
	expectQuiet(t, c)
}

func TestValueOfAbsentPath(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")
	if err := c.Listen(ctx, "/nothing", api.EventValue); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /nothing nothing null`)
	v, err := c.Get(ctx, "/nothing/deeper")
	if err != nil {
		t.Fatal(err)
	}
	if v.Exists() {
		t.Errorf("got %v", v)
	}
}

func TestValueListenerBelowWrite(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")
	if err := c.Set(ctx, "/u", mustJSON(t, `{"name":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen(ctx, "/u/name", api.EventValue); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /u/name name "a"`)

	if err := c.Set(ctx, "/u", mustJSON(t, `{"name":"b"}`)); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /u/name name "b"`)
	if err := c.Delete(ctx, "/u"); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /u/name name null`)
	expectQuiet(t, c)
}

func TestChildChangedAndDeleted(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")
	if err := c.Set(ctx, "/a", mustJSON(t, `{"x":1,"y":2}`)); err != nil {
		t.Fatal(err)
	}
	for _, et := range []string{api.EventChildChanged, api.EventChildDeleted} {
		if err := c.Listen(ctx, "/a", et); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.Update(ctx, "/a", mustJSON(t, `{"x":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "/a/y"); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c,
		`child_changed /a x 3`,
		`child_deleted /a y 2`,
	)
}

func TestBasePathRebasing(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "/chat")
	if err := c.Listen(ctx, "/room", api.EventChildAdded); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Push(ctx, "/room", "m1", ir.FromString("hi")); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `child_added /room m1 "hi"`)
	if v := srv.Engine().Store().Get(ir.MustParsePath("/chat/room/m1")); v.String != "hi" {
		t.Errorf("stored %v", v)
	}

	q := dial(t, hs, "?base=/chat/room")
	v, err := q.Get(ctx, "/m1")
	if err != nil {
		t.Fatal(err)
	}
	if v.String != "hi" {
		t.Errorf("got %v", v)
	}
}

func TestQueryOverWire(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")
	if err := c.Set(ctx, "/items/i0", mustJSON(t, `{"x":9}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Query(ctx, "/items", "value.x > 5"); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `query_child_added /items i0 {"x":9}`)

	if err := c.Set(ctx, "/items/i1", mustJSON(t, `{"x":10}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "/items/i1", mustJSON(t, `{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c,
		`query_child_added /items i1 {"x":10}`,
		`query_child_deleted /items i1 {"x":1}`,
	)

	if err := c.Unquery(ctx, "/items", "value.x > 5"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "/items/i2", mustJSON(t, `{"x":10}`)); err != nil {
		t.Fatal(err)
	}
	expectQuiet(t, c)

	var apiErr *api.Error
	if err := c.Query(ctx, "/items", "value.("); !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeMalformedCommand {
		t.Errorf("bad predicate: %v", err)
	}
}

func TestCustomEvent(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	sub := dial(t, hs, "")
	pub := dial(t, hs, "")
	if err := sub.Listen(ctx, "/typing", api.EventCustom); err != nil {
		t.Fatal(err)
	}
	if err := pub.Event(ctx, "/typing", mustJSON(t, `{"who":"ann"}`)); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, sub, `event /typing typing {"who":"ann"}`)
	if v, _ := pub.Get(ctx, "/typing"); v.Exists() {
		t.Errorf("custom event stored %v", v)
	}
}

func TestOnDisconnect(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	watcher := dial(t, hs, "")
	c := dial(t, hs, "")

	if err := c.Set(ctx, "/presence/u1", ir.FromBool(true)); err != nil {
		t.Fatal(err)
	}
	if err := c.OnDisconnect(ctx, api.MethodDeleteOnDisconnect, "/presence/u1", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.OnDisconnect(ctx, api.MethodSetOnDisconnect, "/lastSeen/u1", ir.FromString("gone")); err != nil {
		t.Fatal(err)
	}
	if err := c.OnDisconnect(ctx, api.MethodSetOnDisconnect, "/cancelled/u1", ir.FromBool(true)); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelOnDisconnect(ctx, "/cancelled"); err != nil {
		t.Fatal(err)
	}
	if err := watcher.Listen(ctx, "/presence", api.EventChildDeleted); err != nil {
		t.Fatal(err)
	}
	if err := watcher.Listen(ctx, "/lastSeen", api.EventChildAdded); err != nil {
		t.Fatal(err)
	}

	c.Close()

	got := []string{summary(next(t, watcher)), summary(next(t, watcher))}
	want := []string{`child_added /lastSeen u1 "gone"`, `child_deleted /presence u1 true`}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if v, _ := watcher.Get(ctx, "/cancelled"); v.Exists() {
		t.Errorf("cancelled mutation ran: %v", v)
	}
}

func TestMalformedKeepsConnection(t *testing.T) {
	_, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	c := dial(t, hs, "")

	var apiErr *api.Error
	_, err := c.Do(ctx, &api.Request{Method: "frobnicate"})
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeMalformedCommand {
		t.Fatalf("unknown method: %v", err)
	}
	if err := c.SendRaw([]byte("{not json")); err != nil {
		t.Fatal(err)
	}
	_, err = c.Do(ctx, &api.Request{Method: api.MethodUpdate, Path: "/a", Data: ir.FromInt(1)})
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeMalformedCommand {
		t.Fatalf("update of scalar: %v", err)
	}
	_, err = c.Do(ctx, &api.Request{Method: api.MethodAttachListener, Path: "/a", EventType: "sometimes"})
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeMalformedCommand {
		t.Fatalf("bad event type: %v", err)
	}
	_, err = c.Do(ctx, &api.Request{Method: api.MethodSet, Path: "/a/#", Data: ir.FromInt(1)})
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeInvalidPath {
		t.Fatalf("bad path: %v", err)
	}
	if err := c.Set(ctx, "/still", ir.FromBool(true)); err != nil {
		t.Fatalf("connection unusable: %v", err)
	}
}

func TestAuthentication(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	_, hs := newTestServer(t, cfg)
	ctx := testCtx(t)
	c := dial(t, hs, "")

	var apiErr *api.Error
	err := c.Set(ctx, "/x", ir.FromInt(1))
	if !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeNotAuthorized {
		t.Fatalf("anonymous write: %v", err)
	}
	if _, err := c.Authenticate(ctx, "admin", "wrong"); !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeAuthenticationFailed {
		t.Fatalf("wrong password: %v", err)
	}
	if err := c.Listen(ctx, "/x", api.EventValue); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /x x null`)

	res, err := c.Authenticate(ctx, "admin", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Token == "" || res.Claims["isAdmin"] != true || res.Claims["passwordHash"] != nil {
		t.Errorf("auth result %+v", res)
	}
	// listeners are replayed for the new identity
	expectEvents(t, c, `value /x x null`)
	if err := c.Set(ctx, "/x", ir.FromInt(1)); err != nil {
		t.Fatal(err)
	}
	expectEvents(t, c, `value /x x 1`)

	// the users subtree is admin only
	anon := dial(t, hs, "")
	if _, err := anon.Get(ctx, "/users"); !errors.As(err, &apiErr) || apiErr.Code != api.ErrCodeNotAuthorized {
		t.Errorf("anonymous read of users: %v", err)
	}

	again := dial(t, hs, "")
	if _, err := again.AuthenticateToken(ctx, res.Token); err != nil {
		t.Fatal(err)
	}
	if err := again.Set(ctx, "/y", ir.FromInt(2)); err != nil {
		t.Errorf("write with token: %v", err)
	}
}

func TestReadFiltering(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	ctx := testCtx(t)
	rules := mustJSON(t, `{"secret":{".read":false}}`)
	srv.Engine().Store().Put(ir.MustParsePath("/rules"), rules)
	c := dial(t, hs, "")
	if err := c.Set(ctx, "/pub", ir.FromInt(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "/secret", ir.FromInt(2)); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen(ctx, "/", api.EventChildAdded); err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for range 2 {
		got[next(t, c).Name] = true
	}
	if got["secret"] || !got["pub"] || !got["rules"] {
		t.Errorf("replayed children %v", got)
	}
	expectQuiet(t, c)
}
