package protocol

// Deliverer is the outbound capability a bound connection exposes to
// whichever component needs to push a frame down the socket — the
// registry and the command bus in particular. It keeps those packages
// from depending on the connection type directly.
type Deliverer interface {
	WriteJSON(v interface{}) error
	Close() error
	ConnectionID() string
}
