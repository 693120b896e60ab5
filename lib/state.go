package lib

// State is a connection state from the RFC 793 state machine.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateClosing
	StateLastAck
	StateFinWait2
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateCloseWait:   "CLOSE_WAIT",
	StateFinWait1:    "FIN_WAIT1",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateFinWait2:    "FIN_WAIT2",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// canSend reports whether user data may be queued for transmission.
func (s State) canSend() bool {
	return s == StateEstablished || s == StateCloseWait
}

// canReceive reports whether segment text is still accepted from the peer.
func (s State) canReceive() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// synchronized is true once the handshake has completed at least once.
func (s State) synchronized() bool {
	return s >= StateEstablished
}

// closing covers the states a lingering Close waits on.
func (s State) closing() bool {
	return s == StateFinWait1 || s == StateClosing || s == StateLastAck
}
