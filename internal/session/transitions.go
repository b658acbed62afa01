package session

// Event is one input to the state machine. Events name what happened, not
// who noticed it; the orchestrator maps wire messages and timer fires onto
// these.
type Event string

const (
	// EventStart moves a freshly created session into Outgoing.
	EventStart Event = "start"
	// EventIncoming moves a freshly created session into Incoming.
	EventIncoming Event = "incoming"
	// EventRemoteAccepted is the first remote acceptance of our outgoing call.
	EventRemoteAccepted Event = "remote_accepted"
	// EventAccept is the local user answering an incoming call.
	EventAccept Event = "accept"
	// EventReject is the local user declining an incoming call.
	EventReject Event = "reject"
	// EventCancel is the local initiator abandoning the call. Processed after
	// an acceptance it still ends the session immediately.
	EventCancel Event = "cancel"
	// EventRingTimeout fires when nobody answered within the ring window.
	EventRingTimeout Event = "ring_timeout"
	// EventPeerConnected is the first peer link reaching connected.
	EventPeerConnected Event = "peer_connected"
	// EventPeersFailed means the session cannot continue: negotiation or media
	// setup failed, or the last peer link was lost for good.
	EventPeersFailed Event = "peers_failed"
	// EventEnd is a deliberate local hang-up.
	EventEnd Event = "end"
	// EventRemoteEnded is the far side terminating the session.
	EventRemoteEnded Event = "remote_ended"
)

// transition is the whole state machine: every (state, event) pair either
// yields the next state or reports the event as not legal here. Ended has no
// outgoing edges.
func transition(from State, ev Event) (State, bool) {
	switch from {
	case StateIdle:
		switch ev {
		case EventStart:
			return StateOutgoing, true
		case EventIncoming:
			return StateIncoming, true
		}
	case StateOutgoing:
		switch ev {
		case EventRemoteAccepted:
			return StateConnecting, true
		case EventCancel, EventRingTimeout, EventRemoteEnded, EventPeersFailed:
			return StateEnded, true
		}
	case StateIncoming:
		switch ev {
		case EventAccept:
			return StateConnecting, true
		case EventReject, EventRingTimeout, EventRemoteEnded, EventCancel, EventPeersFailed:
			return StateEnded, true
		}
	case StateConnecting:
		switch ev {
		case EventPeerConnected:
			return StateConnected, true
		case EventEnd, EventCancel, EventRemoteEnded, EventPeersFailed:
			return StateEnded, true
		}
	case StateConnected:
		switch ev {
		case EventEnd, EventRemoteEnded, EventPeersFailed:
			return StateEnded, true
		}
	}
	return from, false
}

// defaultEndReason maps an ending event onto its reason when the caller did
// not supply one. A remote end before we ever connected counts as cancelled,
// not completed.
func defaultEndReason(from State, ev Event) EndReason {
	switch ev {
	case EventReject:
		return EndRejected
	case EventCancel:
		return EndCancelled
	case EventRingTimeout:
		if from == StateOutgoing {
			return EndCancelled
		}
		return EndMissed
	case EventPeersFailed:
		return EndError
	case EventRemoteEnded:
		if from == StateOutgoing || from == StateIncoming {
			return EndCancelled
		}
		return EndCompleted
	default:
		return EndCompleted
	}
}
