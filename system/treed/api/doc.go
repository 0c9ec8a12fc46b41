// Package api defines the wire protocol spoken between clients and the
// tree server.
//
// Every message is a single JSON object.  Over WebSocket each message is a
// text frame, over TCP each message is one line.
//
// Clients send Requests.  A Request carrying an id is answered with a
// Response carrying the same id; a Request without an id is answered only
// if it fails.  The server also pushes Events for the listeners and
// queries a connection has attached.  Responses and Events share the
// outbound stream and are told apart by the "type" field, which only
// Events have.
package api
