package conn

// State is a connection's position in the handshake/session state machine
// (spec §3, §4.5). Progression is monotonic forward except that any state
// may transition to StateDisconnected, which is terminal.
type State int32

const (
	StateConnecting State = iota
	StateWaitingForDummyPacket
	StateDhKeyExchange
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaitingForDummyPacket:
		return "waiting_for_dummy_packet"
	case StateDhKeyExchange:
		return "dh_key_exchange"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
