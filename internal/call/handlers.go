package call

import (
	"errors"

	"github.com/quillchat/call-core/internal/metrics"
	"github.com/quillchat/call-core/internal/peer"
	"github.com/quillchat/call-core/internal/session"
	"github.com/quillchat/call-core/internal/signaling"
)

// handleEnvelope dispatches one inbound signaling event on the loop.
func (o *Orchestrator) handleEnvelope(env signaling.Envelope) {
	switch env.Event {
	case signaling.EventCallIncoming:
		o.handleIncoming(env)
	case signaling.EventCallAccepted:
		o.handleAccepted(env)
	case signaling.EventCallRejected:
		o.handleRejected(env)
	case signaling.EventCallEnded:
		o.handleEnded(env)
	case signaling.EventCallParticipantJoined:
		o.handleParticipantJoined(env)
	case signaling.EventCallParticipantLeft:
		o.handleParticipantLeft(env)
	case signaling.EventSignalOffer:
		o.handleOffer(env)
	case signaling.EventSignalAnswer:
		o.handleAnswer(env)
	case signaling.EventSignalICE:
		o.handleICE(env)
	default:
		o.log.Warn("unexpected inbound event", "event", env.Event)
	}
}

// lookup resolves the envelope's session or counts it as stale. Everything
// except call:incoming goes through here.
func (o *Orchestrator) lookup(env signaling.Envelope) *session.Session {
	s := o.registry.Lookup(env.SessionID)
	if s == nil {
		o.metrics.Inc(metrics.StaleEventDropped)
		o.log.Debug("stale event dropped", "event", env.Event, "session_id", env.SessionID)
	}
	return s
}

func (o *Orchestrator) handleIncoming(env signaling.Envelope) {
	if current := o.registry.Current(); current != nil {
		if current.ID() == env.SessionID {
			return // relay re-delivery
		}
		o.metrics.Inc(metrics.CallRejectedBusy)
		o.log.Info("rejecting incoming call, busy",
			"session_id", env.SessionID,
			"from", env.From,
			"current_session_id", current.ID(),
		)
		o.send(signaling.Envelope{Event: signaling.EventCallReject, SessionID: env.SessionID})
		return
	}

	s := session.New(env.SessionID, session.Kind(env.Kind), env.From)
	if err := o.registry.Begin(s); err != nil {
		o.log.Warn("incoming call refused", "session_id", env.SessionID, "err", err)
		return
	}
	o.adoptSession(s, false)

	for _, p := range env.Participants {
		if p.UserID == o.self {
			continue
		}
		participant := session.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarRef:   p.AvatarRef,
			Role:        session.RoleInvitee,
			JoinStatus:  session.JoinRinging,
		}
		if p.UserID == env.From {
			participant.Role = session.RoleInitiator
			participant.JoinStatus = session.JoinJoined
		}
		s.AddParticipant(participant)
	}

	s.Apply(session.EventIncoming, "")
	if err := o.recorder.CallStarted(s.Snapshot()); err != nil {
		o.log.Warn("history record failed", "err", err)
	}
	o.armRingTimer(s)
	o.log.Info("incoming call", "session_id", s.ID(), "from", env.From, "kind", s.Kind())
}

func (o *Orchestrator) handleAccepted(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	switch s.State() {
	case session.StateOutgoing, session.StateConnecting, session.StateConnected:
	default:
		o.log.Warn("acceptance in wrong state", "state", s.State(), "user_id", env.UserID)
		return
	}

	if s.Apply(session.EventRemoteAccepted, "") {
		o.armNegotiationTimer(s)
	}
	s.SetJoinStatus(env.UserID, session.JoinJoined)

	// The relay is at-least-once; a re-delivered acceptance must not restart
	// negotiation on the existing link.
	if o.peers.HasLink(env.UserID) {
		o.log.Debug("duplicate acceptance", "session_id", s.ID(), "user_id", env.UserID)
		return
	}
	o.connectToPeer(s, env.UserID)
}

func (o *Orchestrator) handleRejected(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	s.SetJoinStatus(env.UserID, session.JoinRejected)

	if s.Kind() == session.KindOneToOne {
		s.Apply(session.EventRemoteEnded, session.EndRejected)
		return
	}
	// Group calls survive individual rejections until nobody is left.
	if o.participantsRemain(s) {
		o.publish(s.Snapshot(), o.media.State())
		return
	}
	o.log.Info("all invitees declined", "session_id", s.ID())
	s.Apply(session.EventRemoteEnded, "")
}

func (o *Orchestrator) handleEnded(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	s.Apply(session.EventRemoteEnded, "")
}

func (o *Orchestrator) handleParticipantJoined(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil || env.Participant == nil || env.Participant.UserID == o.self {
		return
	}
	userID := env.Participant.UserID
	s.AddParticipant(session.Participant{
		UserID:      userID,
		DisplayName: env.Participant.DisplayName,
		AvatarRef:   env.Participant.AvatarRef,
		Role:        session.RoleInvitee,
		JoinStatus:  session.JoinJoined,
	})

	// Mesh tie-break: the lexicographically smaller user id makes the offer,
	// the other side answers. Both arrive at one link per pair.
	if !o.peers.HasLink(userID) && o.self < userID {
		o.connectToPeer(s, userID)
		return
	}
	o.publish(s.Snapshot(), o.media.State())
}

func (o *Orchestrator) handleParticipantLeft(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	s.SetJoinStatus(env.UserID, session.JoinLeft)
	o.peers.Teardown(env.UserID)

	if !o.participantsRemain(s) {
		s.Apply(session.EventRemoteEnded, "")
		return
	}
	o.publish(s.Snapshot(), o.media.State())
}

// participantsRemain reports whether anyone is still ringing or joined.
func (o *Orchestrator) participantsRemain(s *session.Session) bool {
	for _, p := range s.Participants() {
		switch p.JoinStatus {
		case session.JoinInvited, session.JoinRinging, session.JoinJoined:
			return true
		}
	}
	return false
}

func (o *Orchestrator) handleOffer(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	switch s.State() {
	case session.StateConnecting, session.StateConnected:
	default:
		o.log.Warn("offer in wrong state", "state", s.State(), "from", env.FromUserID)
		return
	}

	from := env.FromUserID
	desc, err := env.SDP.ToPion()
	if err != nil {
		o.log.Warn("unusable offer", "from", from, "err", err)
		return
	}
	if err := o.prepareAnswerSide(s, from); err != nil {
		o.peerSetupFailed(s, from, err)
		return
	}
	if err := o.peers.HandleRemoteOffer(from, desc); err != nil {
		o.peerSetupFailed(s, from, err)
	}
}

func (o *Orchestrator) handleAnswer(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	desc, err := env.SDP.ToPion()
	if err != nil {
		o.log.Warn("unusable answer", "from", env.FromUserID, "err", err)
		return
	}
	if err := o.peers.HandleRemoteAnswer(env.FromUserID, desc); err != nil {
		// An answer for a torn-down link is a straggler, not a failure.
		if errors.Is(err, peer.ErrNoSuchLink) {
			o.log.Debug("answer for missing link", "from", env.FromUserID)
			return
		}
		o.peerSetupFailed(s, env.FromUserID, err)
	}
}

func (o *Orchestrator) handleICE(env signaling.Envelope) {
	s := o.lookup(env)
	if s == nil {
		return
	}
	if err := o.peers.HandleRemoteCandidate(env.FromUserID, env.Candidate.ToPion()); err != nil {
		o.log.Warn("candidate rejected", "from", env.FromUserID, "err", err)
	}
}
