package listener

import "fmt"

// State is the connection lifecycle of one listener.
type State int

const (
	Idle State = iota
	Listening
	Accepting
	KeyExchange
	Negotiating
	Bound
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Accepting:
		return "accepting"
	case KeyExchange:
		return "key-exchange"
	case Negotiating:
		return "negotiating"
	case Bound:
		return "bound"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
