// Package gateway wires one support-relay instance together and serves it.
//
// # Startup
//
// New opens the SQLite store and connects to the broker. Run then starts the
// broker bridge before opening any listener, so an instance that cannot
// reach the broker never accepts a connection. The gRPC health service
// reports NOT_SERVING until the bridge is consuming.
//
// # HTTP Surface
//
//	GET /ws/client              websocket for clients
//	GET /ws/operator[?client=]  websocket for operators, optionally joining a client
//	GET /health                 liveness
//	GET /health/ready           broker bridge started
//	GET /api/participants       attached clients, operators and pairings (operators only)
//
// Identities come from a JWT (Authorization header, session_id cookie or
// ?token=) when auth.jwt_secret is set, and from ?id= otherwise.
//
// # Shutdown
//
// Shutdown stops the HTTP server, closes live websockets, stops the broker
// consumers and closes the store, in that order.
package gateway
