package contracts

// ControlAppID is the reserved app id marking control-plane messages.
// Deliveries carrying it are interpreted by the consumer itself and never
// reach user handlers.
const ControlAppID = "mmate.control"

// Control message types
const (
	ControlShutdown    = "shutdown"
	ControlReconfigure = "reconfigure"
)
