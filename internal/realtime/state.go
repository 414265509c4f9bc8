package realtime

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateLive
	StateClosing
	StateReconnectPending
)

var stateNames = [...]string{
	StateDisconnected:     "disconnected",
	StateConnecting:       "connecting",
	StateSubscribing:      "subscribing",
	StateLive:             "live",
	StateClosing:          "closing",
	StateReconnectPending: "reconnect_pending",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// AllStates lists every state name, for metrics.
func AllStates() []string {
	return stateNames[:]
}
