package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quillchat/call-core/internal/metrics"
)

// link is the per-remote-user connection state. All fields are guarded by
// the owning Manager's mutex; negotiation on one link is serialized by it.
type link struct {
	userID string
	pc     PeerConnection

	// Remote candidates that arrived before the remote description.
	pendingCandidates []webrtc.ICECandidateInit

	// lastOfferSDP/lastAnswer make a re-delivered offer idempotent: the
	// stored answer is re-sent instead of renegotiating.
	lastOfferSDP string
	lastAnswer   *webrtc.SessionDescription

	audioSender Sender
	videoSender Sender

	// recvOnlyVideo remembers the receive-only transceiver so a re-run of the
	// negotiation setup does not add another m-line.
	recvOnlyVideo bool

	// established flips on the first connected state; track attachment after
	// that point triggers renegotiation.
	established bool

	// connState mirrors the last reported connection state for UI surfacing.
	connState webrtc.PeerConnectionState

	graceTimer *time.Timer
	closed     bool
}

// Config carries the Manager's collaborators and tuning.
type Config struct {
	Factory Factory
	// DisconnectGrace is how long a disconnected or failed link may linger
	// before the peer is declared lost.
	DisconnectGrace time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Manager owns one link per remote participant of the current call.
type Manager struct {
	factory Factory
	grace   time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	hooks   Hooks

	mu    sync.Mutex
	links map[string]*link
}

func NewManager(cfg Config, hooks Hooks) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory: cfg.Factory,
		grace:   cfg.DisconnectGrace,
		log:     log,
		metrics: cfg.Metrics,
		hooks:   hooks,
		links:   make(map[string]*link),
	}
}

// EnsureLink returns the link for userID, creating it on first use. Repeat
// calls for a live link are no-ops.
func (m *Manager) EnsureLink(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.ensureLinkLocked(userID)
	return err
}

func (m *Manager) ensureLinkLocked(userID string) (*link, error) {
	if l, ok := m.links[userID]; ok && !l.closed {
		return l, nil
	}

	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peer: connection for %s: %w", userID, err)
	}
	l := &link{userID: userID, pc: pc, connState: webrtc.PeerConnectionStateNew}
	m.links[userID] = l

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if m.hooks.SendCandidate != nil {
			m.hooks.SendCandidate(userID, c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleStateChange(userID, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		m.log.Info("remote track", "user_id", userID, "kind", track.Kind().String())
		if m.hooks.RemoteTrack != nil {
			m.hooks.RemoteTrack(userID, track, recv)
		}
	})

	m.log.Info("peer link created", "user_id", userID)
	return l, nil
}

func (m *Manager) handleStateChange(userID string, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	l, ok := m.links[userID]
	if !ok || l.closed {
		m.mu.Unlock()
		return
	}

	l.connState = state
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.established = true
		m.stopGraceLocked(l)
		m.mu.Unlock()
		if m.hooks.PeerConnected != nil {
			m.hooks.PeerConnected(userID)
		}

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if l.graceTimer == nil {
			m.log.Warn("peer link degraded", "user_id", userID, "state", state.String(), "grace", m.grace)
			l.graceTimer = time.AfterFunc(m.grace, func() { m.graceExpired(userID) })
		}
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}

	if m.hooks.PeerStateChanged != nil {
		m.hooks.PeerStateChanged(userID, state)
	}
}

func (m *Manager) graceExpired(userID string) {
	m.metrics.Inc(metrics.PeerGraceExpired)
	m.log.Warn("peer lost", "user_id", userID)
	m.Teardown(userID)
	if m.hooks.PeerLost != nil {
		m.hooks.PeerLost(userID)
	}
}

func (m *Manager) stopGraceLocked(l *link) {
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}

// CreateOffer starts negotiation toward userID with the current local
// description and ships the offer through the SendOffer hook.
func (m *Manager) CreateOffer(userID string) error {
	m.mu.Lock()
	l, ok := m.links[userID]
	if !ok || l.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchLink, userID)
	}
	offer, err := m.offerLocked(l)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.hooks.SendOffer != nil {
		m.hooks.SendOffer(userID, offer)
	}
	return nil
}

func (m *Manager) offerLocked(l *link) (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create offer for %s: %w", l.userID, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local offer for %s: %w", l.userID, err)
	}
	return offer, nil
}

// HandleRemoteOffer applies a remote offer and ships the answer back. A
// byte-identical re-delivery of the previous offer re-sends the stored answer
// without touching the connection.
func (m *Manager) HandleRemoteOffer(userID string, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	l, err := m.ensureLinkLocked(userID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if desc.SDP == l.lastOfferSDP && l.lastAnswer != nil {
		answer := *l.lastAnswer
		m.mu.Unlock()
		m.log.Info("duplicate offer, re-sending answer", "user_id", userID)
		if m.hooks.SendAnswer != nil {
			m.hooks.SendAnswer(userID, answer)
		}
		return nil
	}

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("peer: set remote offer from %s: %w", userID, err)
	}
	m.flushCandidatesLocked(l)

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("peer: create answer for %s: %w", userID, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("peer: set local answer for %s: %w", userID, err)
	}
	l.lastOfferSDP = desc.SDP
	l.lastAnswer = &answer
	m.mu.Unlock()

	if m.hooks.SendAnswer != nil {
		m.hooks.SendAnswer(userID, answer)
	}
	return nil
}

// HandleRemoteAnswer applies a remote answer to a previously sent offer.
func (m *Manager) HandleRemoteAnswer(userID string, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[userID]
	if !ok || l.closed {
		return fmt.Errorf("%w: %s", ErrNoSuchLink, userID)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote answer from %s: %w", userID, err)
	}
	m.flushCandidatesLocked(l)
	return nil
}

// HandleRemoteCandidate adds one remote ICE candidate, queueing it when the
// remote description has not arrived yet.
func (m *Manager) HandleRemoteCandidate(userID string, cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.ensureLinkLocked(userID)
	if err != nil {
		return err
	}
	if l.pc.RemoteDescription() == nil {
		l.pendingCandidates = append(l.pendingCandidates, cand)
		return nil
	}
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("peer: add candidate from %s: %w", userID, err)
	}
	return nil
}

func (m *Manager) flushCandidatesLocked(l *link) {
	for _, cand := range l.pendingCandidates {
		if err := l.pc.AddICECandidate(cand); err != nil {
			m.log.Warn("queued candidate rejected", "user_id", l.userID, "err", err)
		}
	}
	l.pendingCandidates = nil
}

// AttachLocalTracks adds local tracks to one link, at most one sender per
// kind. Attaching to an already established link renegotiates with a fresh
// offer.
func (m *Manager) AttachLocalTracks(userID string, tracks ...webrtc.TrackLocal) error {
	m.mu.Lock()
	l, err := m.ensureLinkLocked(userID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	added := false
	for _, track := range tracks {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if l.audioSender != nil {
				continue
			}
			sender, err := l.pc.AddTrack(track)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("peer: add audio track for %s: %w", userID, err)
			}
			l.audioSender = sender
			added = true
		case webrtc.RTPCodecTypeVideo:
			if l.videoSender != nil {
				continue
			}
			sender, err := l.pc.AddTrack(track)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("peer: add video track for %s: %w", userID, err)
			}
			l.videoSender = sender
			added = true
		}
	}

	if !added || !l.established {
		m.mu.Unlock()
		return nil
	}

	// A track landed on a live connection (for example camera recovery after
	// an audio-only start); the remote side needs a new offer to see it.
	offer, err := m.offerLocked(l)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.metrics.Inc(metrics.Renegotiation)
	m.log.Info("renegotiating after track attach", "user_id", userID)
	if m.hooks.SendOffer != nil {
		m.hooks.SendOffer(userID, offer)
	}
	return nil
}

// EnsureRecvOnlyVideo adds a receive-only video transceiver so remote video
// still flows when we send none.
func (m *Manager) EnsureRecvOnlyVideo(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.ensureLinkLocked(userID)
	if err != nil {
		return err
	}
	if l.videoSender != nil || l.recvOnlyVideo {
		return nil
	}
	_, err = l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("peer: recvonly video for %s: %w", userID, err)
	}
	l.recvOnlyVideo = true
	return nil
}

// ReplaceVideoTrack swaps the outbound video track on every link that sends
// video. Pass the camera track to end screen share, the screen track to start
// it. No renegotiation happens.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	senders := make(map[string]Sender)
	for userID, l := range m.links {
		if !l.closed && l.videoSender != nil {
			senders[userID] = l.videoSender
		}
	}
	m.mu.Unlock()

	var errs []error
	for userID, sender := range senders {
		if err := sender.ReplaceTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("peer: replace video track for %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

// HasVideoSender reports whether the link toward userID already carries an
// outbound video sender. A sender left holding nil after a stopped screen
// share still counts; it is replaced, not re-added.
func (m *Manager) HasVideoSender(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[userID]
	return ok && !l.closed && l.videoSender != nil
}

// LinkStates snapshots the last reported connection state of every live link.
func (m *Manager) LinkStates() map[string]webrtc.PeerConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) == 0 {
		return nil
	}
	out := make(map[string]webrtc.PeerConnectionState, len(m.links))
	for userID, l := range m.links {
		if !l.closed {
			out[userID] = l.connState
		}
	}
	return out
}

// HasLink reports whether a live link exists for userID.
func (m *Manager) HasLink(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[userID]
	return ok && !l.closed
}

// LinkCount is the number of live links.
func (m *Manager) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.links {
		if !l.closed {
			n++
		}
	}
	return n
}

// Teardown closes and forgets one link. Unknown or already closed links are
// no-ops.
func (m *Manager) Teardown(userID string) {
	m.mu.Lock()
	l, ok := m.links[userID]
	if !ok || l.closed {
		m.mu.Unlock()
		return
	}
	l.closed = true
	m.stopGraceLocked(l)
	delete(m.links, userID)
	m.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		m.log.Warn("peer close", "user_id", userID, "err", err)
	}
	m.log.Info("peer link torn down", "user_id", userID)
}

// TeardownAll closes every link. Safe to call repeatedly.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		if !l.closed {
			l.closed = true
			m.stopGraceLocked(l)
			links = append(links, l)
		}
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, l := range links {
		if err := l.pc.Close(); err != nil {
			m.log.Warn("peer close", "user_id", l.userID, "err", err)
		}
	}
}
