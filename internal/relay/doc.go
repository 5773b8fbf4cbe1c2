// ABOUTME: Package relay routes support chat traffic between clients, operators and the broker.
// ABOUTME: See router.go for the collaborator wiring and session.go for the per-connection flow.

// Package relay is the message router of the support relay.
//
// Each websocket connection is driven by Router.Serve. Client frames are
// offered to the bot first; anything it does not absorb becomes an envelope
// on the client-to-operator queue. Operator frames become envelopes on the
// operator-to-client queue. The queue consumers registered by
// RegisterHandlers deliver envelopes to participants attached to this
// instance and drop, with a logged reason, those addressed to anyone else.
//
// A client is paired with at most one operator at a time. Pairing happens
// when an operator joins with ?client=, sends a message to the client, or
// when an operator reply reaches the client. Disconnects release pairings.
package relay
