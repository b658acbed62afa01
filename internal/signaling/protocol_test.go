package signaling

import (
	"strings"
	"testing"
)

func TestParseEnvelope_Offer(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"event": "signal:offer",
		"sessionId": "s1",
		"fromUserId": "alice",
		"sdp": {"type": "offer", "sdp": "v=0"}
	}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Event != EventSignalOffer || env.FromUserID != "alice" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if desc.SDP != "v=0" {
		t.Fatalf("unexpected sdp %q", desc.SDP)
	}
}

func TestParseEnvelope_Incoming(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"event": "call:incoming",
		"sessionId": "s1",
		"from": "alice",
		"kind": "group",
		"participants": [{"userId": "alice"}, {"userId": "bob"}, {"userId": "carol"}]
	}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != CallKindGroup || len(env.Participants) != 3 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown event", `{"event": "call:ring", "sessionId": "s1"}`},
		{"missing session id", `{"event": "call:end"}`},
		{"unknown field", `{"event": "call:end", "sessionId": "s1", "extra": 1}`},
		{"trailing data", `{"event": "call:end", "sessionId": "s1"}{}`},
		{"offer without sdp", `{"event": "signal:offer", "sessionId": "s1", "fromUserId": "a"}`},
		{"offer with answer sdp", `{"event": "signal:offer", "sessionId": "s1", "fromUserId": "a", "sdp": {"type": "answer", "sdp": "v=0"}}`},
		{"offer with both endpoints", `{"event": "signal:offer", "sessionId": "s1", "fromUserId": "a", "toUserId": "b", "sdp": {"type": "offer", "sdp": "v=0"}}`},
		{"ice without candidate", `{"event": "signal:ice", "sessionId": "s1", "fromUserId": "a"}`},
		{"end with sdp", `{"event": "call:end", "sessionId": "s1", "sdp": {"type": "offer", "sdp": "v=0"}}`},
		{"accepted without user", `{"event": "call:accepted", "sessionId": "s1"}`},
		{"incoming without participants", `{"event": "call:incoming", "sessionId": "s1", "from": "a", "kind": "one_to_one"}`},
		{"start with bad kind", `{"event": "call:start", "sessionId": "s1", "kind": "huddle", "participants": [{"userId": "b"}]}`},
	}

	for _, tc := range cases {
		if _, err := ParseEnvelope([]byte(tc.raw)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestValidate_OutboundShapes(t *testing.T) {
	cases := []Envelope{
		{Event: EventCallStart, SessionID: "s1", Kind: CallKindOneToOne, Participants: []Participant{{UserID: "bob"}}},
		{Event: EventCallAccept, SessionID: "s1"},
		{Event: EventCallReject, SessionID: "s1"},
		{Event: EventCallCancel, SessionID: "s1"},
		{Event: EventCallEnd, SessionID: "s1"},
		{Event: EventSignalOffer, SessionID: "s1", ToUserID: "bob", SDP: &SDP{Type: "offer", SDP: "v=0"}},
		{Event: EventSignalAnswer, SessionID: "s1", ToUserID: "bob", SDP: &SDP{Type: "answer", SDP: "v=0"}},
		{Event: EventSignalICE, SessionID: "s1", ToUserID: "bob", Candidate: &Candidate{Candidate: "candidate:1"}},
	}
	for _, env := range cases {
		if err := env.Validate(); err != nil {
			t.Errorf("%s: %v", env.Event, err)
		}
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	_, err := SDP{Type: "pranswer", SDP: "v=0"}.ToPion()
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}
