package bus

import "time"

// Event is a domain event published on the in-process bus.
//
// Kinds are dot-namespaced: "sync.*" for fetch-cycle events, "message.*"
// for message lifecycle events, "session.*" for auth and runtime state.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
