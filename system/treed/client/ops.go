package client

import (
	"context"
	"encoding/json"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/api"
)

// Get returns the value at path, null if absent.
func (c *Client) Get(ctx context.Context, path string) (*ir.Node, error) {
	r, err := c.Do(ctx, &api.Request{Method: api.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	if r.Data == nil {
		return ir.Null(), nil
	}
	return r.Data, nil
}

// Set replaces the value at path.  A nil or null value deletes it.
func (c *Client) Set(ctx context.Context, path string, v *ir.Node) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodSet, Path: path, Data: v})
	return err
}

// SetWithPriority is Set with a priority for the written node.
func (c *Client) SetWithPriority(ctx context.Context, path string, v *ir.Node, prio float64) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodSet, Path: path, Data: v, Priority: &prio})
	return err
}

// Update writes the keys of v below path.  It returns the paths of keys
// the rules rejected.
func (c *Client) Update(ctx context.Context, path string, v *ir.Node) ([]string, error) {
	r, err := c.Do(ctx, &api.Request{Method: api.MethodUpdate, Path: path, Data: v})
	if err != nil {
		return nil, err
	}
	var rejected []string
	// lists travel as objects keyed by index
	for _, c := range r.Data.Get("rejected").Children() {
		rejected = append(rejected, c.String)
	}
	return rejected, nil
}

// Push adds v as a new child of path.  An empty name lets the server
// generate a time ordered key.
func (c *Client) Push(ctx context.Context, path, name string, v *ir.Node) (*api.PushResult, error) {
	r, err := c.Do(ctx, &api.Request{Method: api.MethodPush, Path: path, Name: name, Data: v})
	if err != nil {
		return nil, err
	}
	res := &api.PushResult{}
	if err := decode(r.Data, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodDelete, Path: path})
	return err
}

// SetPriority sets the priority of the node at path; nil clears it.
func (c *Client) SetPriority(ctx context.Context, path string, prio *float64) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodSetPriority, Path: path, Priority: prio})
	return err
}

// Event broadcasts a custom event at path.
func (c *Client) Event(ctx context.Context, path string, v *ir.Node) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodEvent, Path: path, Data: v})
	return err
}

// Listen attaches a listener.  For child_added and value the current
// state follows as events.
func (c *Client) Listen(ctx context.Context, path, eventType string) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodAttachListener, Path: path, EventType: eventType})
	return err
}

// Unlisten detaches a listener; an empty eventType detaches all at path.
func (c *Client) Unlisten(ctx context.Context, path, eventType string) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodDetachListener, Path: path, EventType: eventType})
	return err
}

// Query attaches a query over the children of path.
func (c *Client) Query(ctx context.Context, path, predicate string) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodAttachQuery, Path: path, Query: predicate})
	return err
}

func (c *Client) Unquery(ctx context.Context, path, predicate string) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodDetachQuery, Path: path, Query: predicate})
	return err
}

// OnDisconnect queues a set, update, push or delete to run when the
// connection closes.
func (c *Client) OnDisconnect(ctx context.Context, method api.Method, path string, v *ir.Node) error {
	_, err := c.Do(ctx, &api.Request{Method: method, Path: path, Data: v})
	return err
}

// CancelOnDisconnect drops queued on-disconnect mutations at or below
// path.
func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := c.Do(ctx, &api.Request{Method: api.MethodCancelOnDisconnect, Path: path})
	return err
}

// Authenticate logs in with a password.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*api.AuthResult, error) {
	return c.authenticate(ctx, &api.Request{Method: api.MethodAuthenticate, Username: username, Password: password})
}

// AuthenticateToken restores the identity of an earlier login.
func (c *Client) AuthenticateToken(ctx context.Context, token string) (*api.AuthResult, error) {
	return c.authenticate(ctx, &api.Request{Method: api.MethodAuthenticate, Token: token})
}

func (c *Client) authenticate(ctx context.Context, req *api.Request) (*api.AuthResult, error) {
	r, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &api.AuthResult{}
	if err := decode(r.Data, res); err != nil {
		return nil, err
	}
	return res, nil
}

// decode converts a response payload into v.
func decode(n *ir.Node, v any) error {
	if n == nil {
		return nil
	}
	d, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return json.Unmarshal(d, v)
}
