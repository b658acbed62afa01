package peer

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoSuchLink = errors.New("peer: no link for user")
	ErrLinkClosed = errors.New("peer: link closed")
)

// PeerConnection is the slice of *webrtc.PeerConnection the Manager needs.
// Tests substitute a fake; production uses PionFactory.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (Sender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Sender is the outbound track handle. *webrtc.RTPSender satisfies it; screen
// share swaps tracks through ReplaceTrack without renegotiating.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// Factory creates peer connections. One Manager uses one Factory for all of
// its links.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Hooks are the Manager's outputs. All hooks may be nil. They are invoked
// from pion callback goroutines and from Manager methods; implementations
// must not call back into the Manager synchronously.
type Hooks struct {
	// SendOffer ships a local offer to one remote user.
	SendOffer func(userID string, desc webrtc.SessionDescription)
	// SendAnswer ships a local answer to one remote user.
	SendAnswer func(userID string, desc webrtc.SessionDescription)
	// SendCandidate ships one trickled local ICE candidate.
	SendCandidate func(userID string, cand webrtc.ICECandidateInit)
	// PeerConnected fires when a link reaches connected, including after a
	// recovery within the grace window.
	PeerConnected func(userID string)
	// PeerStateChanged fires on every connection state transition, after the
	// state is recorded. Connected and lost additionally get their dedicated
	// hooks.
	PeerStateChanged func(userID string, state webrtc.PeerConnectionState)
	// PeerLost fires after the disconnect grace window expires. The link is
	// already torn down when it runs.
	PeerLost func(userID string)
	// RemoteTrack fires for each inbound media track.
	RemoteTrack func(userID string, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
}
