package api

import (
	"fmt"
	"time"

	"github.com/signadot/livetree/ir"
)

// Method names a client command.
type Method string

const (
	MethodAttachListener     Method = "attachListener"
	MethodDetachListener     Method = "detachListener"
	MethodAttachQuery        Method = "attachQuery"
	MethodDetachQuery        Method = "detachQuery"
	MethodGet                Method = "get"
	MethodSet                Method = "set"
	MethodUpdate             Method = "update"
	MethodPush               Method = "push"
	MethodDelete             Method = "delete"
	MethodSetPriority        Method = "setPriority"
	MethodEvent              Method = "event"
	MethodSetOnDisconnect    Method = "setOnDisconnect"
	MethodUpdateOnDisconnect Method = "updateOnDisconnect"
	MethodPushOnDisconnect   Method = "pushOnDisconnect"
	MethodDeleteOnDisconnect Method = "deleteOnDisconnect"
	MethodCancelOnDisconnect Method = "cancelOnDisconnect"
	MethodAuthenticate       Method = "authenticate"
)

// Event types.
const (
	EventChildAdded        = "child_added"
	EventChildChanged      = "child_changed"
	EventChildDeleted      = "child_deleted"
	EventValue             = "value"
	EventQueryChildAdded   = "query_child_added"
	EventQueryChildChanged = "query_child_changed"
	EventQueryChildDeleted = "query_child_deleted"
	EventCustom            = "event"
)

// ListenerTypes are the event types a plain listener may attach to.
var ListenerTypes = []string{EventChildAdded, EventChildChanged, EventChildDeleted, EventValue, EventCustom}

func ValidListenerType(t string) bool {
	for _, l := range ListenerTypes {
		if l == t {
			return true
		}
	}
	return false
}

// Request is a client command.  Which fields are used depends on Method.
type Request struct {
	// ID is echoed in the response; empty means no success response.
	ID       string   `json:"id,omitempty"`
	Method   Method   `json:"method"`
	Path     string   `json:"path,omitempty"`
	Data     *ir.Node `json:"data,omitempty"`
	Name     string   `json:"name,omitempty"`
	Priority *float64 `json:"priority,omitempty"`

	// EventType is used by attachListener and detachListener.
	EventType string `json:"eventType,omitempty"`
	// Query is the predicate of attachQuery and detachQuery.
	Query string `json:"query,omitempty"`

	// Username and Password, or Token, are used by authenticate.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

func (r *Request) String() string {
	if r.Path == "" {
		return string(r.Method)
	}
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}

// Response answers a Request.
type Response struct {
	ID    string   `json:"id,omitempty"`
	OK    bool     `json:"ok"`
	Error *Error   `json:"error,omitempty"`
	Data  *ir.Node `json:"data,omitempty"`
}

// Event is a server pushed notification.  Paths are relative to the
// connection's base path.
type Event struct {
	Type        string   `json:"type"`
	Name        string   `json:"name,omitempty"`
	Path        string   `json:"path"`
	Parent      string   `json:"parent,omitempty"`
	Payload     *ir.Node `json:"payload"`
	HasChildren *bool    `json:"hasChildren,omitempty"`
	NumChildren *int     `json:"numChildren,omitempty"`
	Priority    *float64 `json:"priority,omitempty"`
	// Query is the predicate of query events.
	Query string `json:"query,omitempty"`
}

// Message is one outbound message: either a Response or an Event.
type Message struct {
	*Response
	*Event
}

// AuthResult is the data of a successful authenticate response.
type AuthResult struct {
	Token  string         `json:"token"`
	Claims map[string]any `json:"claims"`
}

// PushResult is the data of a successful push response.
type PushResult struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Duration is a time.Duration read and written as text, e.g. "5s".
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
