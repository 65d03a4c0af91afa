package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "remote.*" for decoded backend change events,
// "conn.*" for connection lifecycle, "message.*" for local message state,
// "sync.*" for synchronizer milestones and "typing.*" for presence.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
