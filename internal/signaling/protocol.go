package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Event names the signaling relay understands. The call:* family drives the
// session lifecycle; the signal:* family carries the peer negotiation
// handshake.
type Event string

const (
	// Outbound (client -> relay).
	EventCallStart  Event = "call:start"
	EventCallAccept Event = "call:accept"
	EventCallReject Event = "call:reject"
	EventCallCancel Event = "call:cancel"
	EventCallEnd    Event = "call:end"

	// Inbound (relay -> client).
	EventCallIncoming          Event = "call:incoming"
	EventCallAccepted          Event = "call:accepted"
	EventCallRejected          Event = "call:rejected"
	EventCallEnded             Event = "call:ended"
	EventCallParticipantJoined Event = "call:participant_joined"
	EventCallParticipantLeft   Event = "call:participant_left"

	// Both directions.
	EventSignalOffer  Event = "signal:offer"
	EventSignalAnswer Event = "signal:answer"
	EventSignalICE    Event = "signal:ice"
)

// CallKind distinguishes two-party calls from group calls on the wire.
type CallKind string

const (
	CallKindOneToOne CallKind = "one_to_one"
	CallKindGroup    CallKind = "group"
)

// SDP is a minimal, JSON-friendly session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON shape of one trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Participant identifies one call member on the wire.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Envelope is the single wire shape for every signaling event.
//
// Only the fields listed for an event in Validate may be set; the decoder
// rejects unknown fields and Validate rejects misplaced ones, so a payload
// either matches the canonical shape exactly or is an error.
type Envelope struct {
	Event     Event  `json:"event"`
	SessionID string `json:"sessionId"`

	Kind         CallKind      `json:"kind,omitempty"`
	From         string        `json:"from,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	ToUserID     string        `json:"toUserId,omitempty"`
	FromUserID   string        `json:"fromUserId,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Participant  *Participant  `json:"participant,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseEnvelope decodes one inbound frame. Unknown fields, trailing data, and
// payloads that do not match the canonical shape for their event are errors.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%s: missing sessionId", e.Event)
	}

	switch e.Event {
	case EventCallStart:
		if e.Kind != CallKindOneToOne && e.Kind != CallKindGroup {
			return fmt.Errorf("call:start has invalid kind %q", e.Kind)
		}
		if len(e.Participants) == 0 {
			return fmt.Errorf("call:start missing participants")
		}
		return e.rejectFields("call:start", fieldFrom|fieldUserID|fieldToUserID|fieldFromUserID|fieldParticipant|fieldSDP|fieldCandidate)
	case EventCallIncoming:
		if e.From == "" {
			return fmt.Errorf("call:incoming missing from")
		}
		if e.Kind != CallKindOneToOne && e.Kind != CallKindGroup {
			return fmt.Errorf("call:incoming has invalid kind %q", e.Kind)
		}
		if len(e.Participants) == 0 {
			return fmt.Errorf("call:incoming missing participants")
		}
		return e.rejectFields("call:incoming", fieldUserID|fieldToUserID|fieldFromUserID|fieldParticipant|fieldSDP|fieldCandidate)
	case EventCallAccepted, EventCallRejected, EventCallParticipantLeft:
		if e.UserID == "" {
			return fmt.Errorf("%s missing userId", e.Event)
		}
		return e.rejectFields(string(e.Event), fieldKind|fieldFrom|fieldToUserID|fieldFromUserID|fieldParticipants|fieldParticipant|fieldSDP|fieldCandidate)
	case EventCallAccept, EventCallReject, EventCallCancel, EventCallEnd, EventCallEnded:
		return e.rejectFields(string(e.Event), fieldKind|fieldFrom|fieldUserID|fieldToUserID|fieldFromUserID|fieldParticipants|fieldParticipant|fieldSDP|fieldCandidate)
	case EventCallParticipantJoined:
		if e.Participant == nil || e.Participant.UserID == "" {
			return fmt.Errorf("call:participant_joined missing participant")
		}
		return e.rejectFields("call:participant_joined", fieldKind|fieldFrom|fieldUserID|fieldToUserID|fieldFromUserID|fieldParticipants|fieldSDP|fieldCandidate)
	case EventSignalOffer, EventSignalAnswer:
		if e.SDP == nil {
			return fmt.Errorf("%s missing sdp", e.Event)
		}
		wantType := "offer"
		if e.Event == EventSignalAnswer {
			wantType = "answer"
		}
		if e.SDP.Type != wantType {
			return fmt.Errorf("%s has sdp.type=%q", e.Event, e.SDP.Type)
		}
		if err := e.validateAddressing(); err != nil {
			return err
		}
		return e.rejectFields(string(e.Event), fieldKind|fieldFrom|fieldUserID|fieldParticipants|fieldParticipant|fieldCandidate)
	case EventSignalICE:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("signal:ice missing candidate")
		}
		if err := e.validateAddressing(); err != nil {
			return err
		}
		return e.rejectFields("signal:ice", fieldKind|fieldFrom|fieldUserID|fieldParticipants|fieldParticipant|fieldSDP)
	default:
		return fmt.Errorf("unsupported event %q", e.Event)
	}
}

// validateAddressing checks that a signal:* event names exactly one remote
// endpoint: toUserId on the way out, fromUserId on the way in.
func (e Envelope) validateAddressing() error {
	if (e.ToUserID == "") == (e.FromUserID == "") {
		return fmt.Errorf("%s must carry exactly one of toUserId/fromUserId", e.Event)
	}
	return nil
}

type fieldMask uint16

const (
	fieldKind fieldMask = 1 << iota
	fieldFrom
	fieldUserID
	fieldToUserID
	fieldFromUserID
	fieldParticipants
	fieldParticipant
	fieldSDP
	fieldCandidate
)

// rejectFields errors when any field in mask is set. Used per-event to keep
// the envelope's one-shape-per-event guarantee.
func (e Envelope) rejectFields(event string, mask fieldMask) error {
	set := func(m fieldMask, present bool, name string) error {
		if mask&m != 0 && present {
			return fmt.Errorf("%s has unexpected field %s", event, name)
		}
		return nil
	}
	checks := []error{
		set(fieldKind, e.Kind != "", "kind"),
		set(fieldFrom, e.From != "", "from"),
		set(fieldUserID, e.UserID != "", "userId"),
		set(fieldToUserID, e.ToUserID != "", "toUserId"),
		set(fieldFromUserID, e.FromUserID != "", "fromUserId"),
		set(fieldParticipants, len(e.Participants) > 0, "participants"),
		set(fieldParticipant, e.Participant != nil, "participant"),
		set(fieldSDP, e.SDP != nil, "sdp"),
		set(fieldCandidate, e.Candidate != nil, "candidate"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}
