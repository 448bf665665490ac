package quote

// ConnectionState is the hub's view of its upstream health.
type ConnectionState int

const (
	// StateDisconnected means no upstream activity; the initial and torn-down state.
	StateDisconnected ConnectionState = iota
	// StateConnecting means the streaming channel is being opened.
	StateConnecting
	// StateLive means the streaming channel is healthy; the fallback is idle.
	StateLive
	// StateDegraded means the stream is down and the polling fallback is active.
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
