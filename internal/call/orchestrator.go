package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quillchat/call-core/internal/history"
	"github.com/quillchat/call-core/internal/media"
	"github.com/quillchat/call-core/internal/metrics"
	"github.com/quillchat/call-core/internal/notify"
	"github.com/quillchat/call-core/internal/peer"
	"github.com/quillchat/call-core/internal/session"
	"github.com/quillchat/call-core/internal/signaling"
)

// Options carries the orchestrator's collaborators and timing knobs.
type Options struct {
	SelfUserID string

	Transport   signaling.Transport
	PeerFactory peer.Factory
	Device      media.Device
	Recorder    history.Recorder
	Notifier    *notify.Notifier

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	RingTimeout         time.Duration
	NegotiationTimeout  time.Duration
	MediaAcquireTimeout time.Duration
	DisconnectGrace     time.Duration
}

// Orchestrator is the call engine. All state mutation happens on its event
// loop; exported intents post onto the loop and wait for the outcome.
type Orchestrator struct {
	self     string
	log      *slog.Logger
	metrics  *metrics.Metrics
	ringTTL  time.Duration
	negTTL   time.Duration
	recorder history.Recorder
	notifier *notify.Notifier

	transport signaling.Transport
	peers     *peer.Manager
	media     *media.Controller
	registry  *session.Registry

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	// Loop-owned; never touched off the event loop.
	wantVideo        bool
	negotiationTimer *time.Timer
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = history.NopRecorder{}
	}

	o := &Orchestrator{
		self:      opts.SelfUserID,
		log:       log,
		metrics:   opts.Metrics,
		ringTTL:   opts.RingTimeout,
		negTTL:    opts.NegotiationTimeout,
		recorder:  recorder,
		notifier:  opts.Notifier,
		transport: opts.Transport,
		registry:  session.NewRegistry(),
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	o.peers = peer.NewManager(peer.Config{
		Factory:         opts.PeerFactory,
		DisconnectGrace: opts.DisconnectGrace,
		Logger:          log,
		Metrics:         opts.Metrics,
	}, peer.Hooks{
		SendOffer:        o.hookSendOffer,
		SendAnswer:       o.hookSendAnswer,
		SendCandidate:    o.hookSendCandidate,
		PeerConnected:    o.hookPeerConnected,
		PeerStateChanged: o.hookPeerStateChanged,
		PeerLost:         o.hookPeerLost,
		RemoteTrack:      o.hookRemoteTrack,
	})
	o.media = media.NewController(media.Config{
		Device:         opts.Device,
		AcquireTimeout: opts.MediaAcquireTimeout,
		Logger:         log,
		Metrics:        opts.Metrics,
	})

	go o.run()
	return o
}

// run is the event loop: inbound signaling, posted commands, nothing else.
func (o *Orchestrator) run() {
	defer close(o.loopDone)

	events := o.transport.Events()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				o.transportLost()
				events = nil
				continue
			}
			o.handleEnvelope(env)
		case fn := <-o.cmds:
			fn()
		case <-o.done:
			o.shutdownCurrent()
			return
		}
	}
}

// post queues fn on the loop without waiting. Used by timers and peer hooks.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.cmds <- fn:
	case <-o.done:
	}
}

// do queues fn and waits for its result. Used by UI intents.
func (o *Orchestrator) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- func() { reply <- fn() }:
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.loopDone:
		return ErrClosed
	}
}

// Close ends any current call, stops the loop, and closes the notifier. The
// transport is the caller's to close.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	<-o.loopDone
	if o.notifier != nil {
		o.notifier.Close()
	}
	return nil
}

func (o *Orchestrator) shutdownCurrent() {
	s := o.registry.Current()
	if s == nil {
		return
	}
	o.log.Info("shutting down with call in progress", "session_id", s.ID())
	switch s.State() {
	case session.StateOutgoing:
		if s.Apply(session.EventCancel, "") {
			o.send(signaling.Envelope{Event: signaling.EventCallCancel, SessionID: s.ID()})
		}
	case session.StateIncoming:
		if s.Apply(session.EventReject, "") {
			o.send(signaling.Envelope{Event: signaling.EventCallReject, SessionID: s.ID()})
		}
	default:
		if s.Apply(session.EventEnd, "") {
			o.send(signaling.Envelope{Event: signaling.EventCallEnd, SessionID: s.ID()})
		}
	}
}

// transportLost ends the current call when the signaling channel dies.
func (o *Orchestrator) transportLost() {
	o.log.Error("signaling transport lost")
	if s := o.registry.Current(); s != nil {
		s.Apply(session.EventPeersFailed, session.EndError)
	}
}

// ---- UI intents -----------------------------------------------------------

// StartCall rings the given participants. It returns the new session ID, or
// session.ErrCallInProgress when a call is already live.
func (o *Orchestrator) StartCall(kind session.Kind, participants []signaling.Participant, withVideo bool) (string, error) {
	var id string
	err := o.do(func() error {
		if len(participants) == 0 {
			return fmt.Errorf("call: no participants")
		}

		s := session.New(session.NewID(), kind, o.self)
		if err := o.registry.Begin(s); err != nil {
			return err
		}
		o.adoptSession(s, withVideo)

		for _, p := range participants {
			s.AddParticipant(session.Participant{
				UserID:      p.UserID,
				DisplayName: p.DisplayName,
				AvatarRef:   p.AvatarRef,
				Role:        session.RoleInvitee,
				JoinStatus:  session.JoinRinging,
			})
		}
		s.Apply(session.EventStart, "")
		if err := o.recorder.CallStarted(s.Snapshot()); err != nil {
			o.log.Warn("history record failed", "err", err)
		}

		o.send(signaling.Envelope{
			Event:        signaling.EventCallStart,
			SessionID:    s.ID(),
			Kind:         signaling.CallKind(kind),
			Participants: participants,
		})
		o.armRingTimer(s)
		id = s.ID()
		return nil
	})
	return id, err
}

// AcceptCall answers the ringing incoming call. Local media is acquired
// before the acceptance goes out; if no media at all can be opened the call
// ends instead.
func (o *Orchestrator) AcceptCall(withVideo bool) error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		if s.State() != session.StateIncoming {
			return fmt.Errorf("%w: %s", ErrInvalidState, s.State())
		}

		o.wantVideo = withVideo
		if err := o.ensureLocalMedia(s); err != nil {
			s.Apply(session.EventPeersFailed, session.EndError)
			o.send(signaling.Envelope{Event: signaling.EventCallEnd, SessionID: s.ID()})
			return err
		}

		s.Apply(session.EventAccept, "")
		o.send(signaling.Envelope{Event: signaling.EventCallAccept, SessionID: s.ID()})
		o.armNegotiationTimer(s)
		return nil
	})
}

// RejectCall declines the ringing incoming call.
func (o *Orchestrator) RejectCall() error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		if s.State() != session.StateIncoming {
			return fmt.Errorf("%w: %s", ErrInvalidState, s.State())
		}
		s.Apply(session.EventReject, "")
		o.send(signaling.Envelope{Event: signaling.EventCallReject, SessionID: s.ID()})
		return nil
	})
}

// CancelCall abandons a call we initiated. After an acceptance has already
// arrived the call is ended instead, so the outcome is the same for the user.
func (o *Orchestrator) CancelCall() error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		prev := s.State()
		if !s.Apply(session.EventCancel, "") {
			return fmt.Errorf("%w: %s", ErrInvalidState, prev)
		}
		event := signaling.EventCallCancel
		if prev != session.StateOutgoing {
			event = signaling.EventCallEnd
		}
		o.send(signaling.Envelope{Event: event, SessionID: s.ID()})
		return nil
	})
}

// EndCall hangs up the connected (or connecting) call.
func (o *Orchestrator) EndCall() error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		prev := s.State()
		if !s.Apply(session.EventEnd, "") {
			return fmt.Errorf("%w: %s", ErrInvalidState, prev)
		}
		o.send(signaling.Envelope{Event: signaling.EventCallEnd, SessionID: s.ID()})
		return nil
	})
}

// SetMuted flips the microphone. No signaling or renegotiation is involved.
func (o *Orchestrator) SetMuted(muted bool) error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		state := o.media.SetAudioEnabled(!muted)
		o.publish(s.Snapshot(), state)
		return nil
	})
}

// SetCameraEnabled flips the camera track. With no camera track (audio-only
// call) it is a no-op.
func (o *Orchestrator) SetCameraEnabled(enabled bool) error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		state := o.media.SetVideoEnabled(enabled)
		o.publish(s.Snapshot(), state)
		return nil
	})
}

// StartScreenShare swaps the outbound video source to a screen capture. On a
// call that sends no video yet, the screen track is attached and negotiated
// in.
func (o *Orchestrator) StartScreenShare() error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}

		track, err := o.media.StartScreenShare(context.Background(), func() {
			o.post(o.restoreCameraAfterShare)
		})
		if err != nil {
			return err
		}

		// Links that already carry a video sender get the screen swapped in
		// without renegotiation; links without one (audio-only so far) get it
		// attached, which renegotiates when established.
		if err := o.peers.ReplaceVideoTrack(track); err != nil {
			o.log.Warn("screen track swap failed", "err", err)
		}
		for _, p := range s.Participants() {
			if !o.peers.HasLink(p.UserID) || o.peers.HasVideoSender(p.UserID) {
				continue
			}
			if err := o.peers.AttachLocalTracks(p.UserID, track); err != nil {
				o.log.Warn("screen track attach failed", "user_id", p.UserID, "err", err)
			}
		}
		o.publish(s.Snapshot(), o.media.State())
		return nil
	})
}

// StopScreenShare restores the camera as the outbound video source, or stops
// video entirely on an audio-only call.
func (o *Orchestrator) StopScreenShare() error {
	return o.do(func() error {
		s := o.registry.Current()
		if s == nil {
			return ErrNoActiveCall
		}
		cam, err := o.media.StopScreenShare()
		if err != nil {
			return err
		}
		if err := o.peers.ReplaceVideoTrack(cam); err != nil {
			o.log.Warn("camera restore failed", "err", err)
		}
		o.publish(s.Snapshot(), o.media.State())
		return nil
	})
}

func (o *Orchestrator) restoreCameraAfterShare() {
	s := o.registry.Current()
	if s == nil {
		return
	}
	if err := o.peers.ReplaceVideoTrack(o.media.CameraTrack()); err != nil {
		o.log.Warn("camera restore failed", "err", err)
	}
	o.publish(s.Snapshot(), o.media.State())
}

// MediaState snapshots local capture for the UI.
func (o *Orchestrator) MediaState() media.State { return o.media.State() }

// CurrentSession snapshots the live session; ok is false when idle.
func (o *Orchestrator) CurrentSession() (session.Snapshot, bool) {
	s := o.registry.Current()
	if s == nil {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// ---- session plumbing -----------------------------------------------------

// adoptSession hooks cleanup and notification onto a freshly created session
// and records the caller's video preference.
func (o *Orchestrator) adoptSession(s *session.Session, withVideo bool) {
	o.wantVideo = withVideo
	s.Subscribe(func(snap session.Snapshot) {
		o.publish(snap, o.media.State())
	})
	s.OnEnd(func() { o.cleanupSession(s) })
}

// cleanupSession runs exactly once per session, inside the Apply that moved
// it to Ended, always on the event loop.
func (o *Orchestrator) cleanupSession(s *session.Session) {
	o.stopNegotiationTimer()
	o.peers.TeardownAll()
	o.media.Release()
	if err := o.recorder.CallEnded(s.Snapshot(), s.Duration()); err != nil {
		o.log.Warn("history record failed", "err", err)
	}
	o.registry.Clear(s.ID())
	o.log.Info("call ended",
		"session_id", s.ID(),
		"reason", s.EndReason(),
		"duration", s.Duration(),
	)
}

func (o *Orchestrator) publish(snap session.Snapshot, ms media.State) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(notify.Update{Session: snap, Media: ms, Links: o.peers.LinkStates()})
}

func (o *Orchestrator) armRingTimer(s *session.Session) {
	id := s.ID()
	err := s.ArmRingTimer(o.ringTTL, func() {
		o.post(func() { o.ringTimedOut(id) })
	})
	if err != nil {
		o.log.Warn("ring timer", "session_id", id, "err", err)
	}
}

func (o *Orchestrator) ringTimedOut(sessionID string) {
	s := o.registry.Lookup(sessionID)
	if s == nil {
		return
	}
	wasOutgoing := s.State() == session.StateOutgoing
	if !s.Apply(session.EventRingTimeout, "") {
		return
	}
	o.metrics.Inc(metrics.RingTimeout)
	if wasOutgoing {
		// Tell the relay to stop ringing the invitees.
		o.send(signaling.Envelope{Event: signaling.EventCallCancel, SessionID: sessionID})
	}
}

func (o *Orchestrator) armNegotiationTimer(s *session.Session) {
	if o.negotiationTimer != nil {
		return
	}
	id := s.ID()
	o.negotiationTimer = time.AfterFunc(o.negTTL, func() {
		o.post(func() { o.negotiationTimedOut(id) })
	})
}

func (o *Orchestrator) stopNegotiationTimer() {
	if o.negotiationTimer != nil {
		o.negotiationTimer.Stop()
		o.negotiationTimer = nil
	}
}

func (o *Orchestrator) negotiationTimedOut(sessionID string) {
	s := o.registry.Lookup(sessionID)
	if s == nil || s.State() != session.StateConnecting {
		return
	}
	o.metrics.Inc(metrics.NegotiationFailure)
	o.log.Error("negotiation timed out", "session_id", sessionID)
	if s.Apply(session.EventPeersFailed, "") {
		o.send(signaling.Envelope{Event: signaling.EventCallEnd, SessionID: sessionID})
	}
}

// ensureLocalMedia acquires microphone (and camera when wanted) once per
// call. Degrading to audio-only is not an error.
func (o *Orchestrator) ensureLocalMedia(s *session.Session) error {
	if o.media.State().HasAudio {
		return nil
	}
	constraints := media.Constraints{Audio: true}
	if o.wantVideo {
		constraints.Video = true
		constraints.Width = 1280
		constraints.Height = 720
		constraints.FrameRate = 30
	}
	state, err := o.media.Acquire(context.Background(), constraints)
	if err != nil {
		return err
	}
	o.publish(s.Snapshot(), state)
	return nil
}

// connectToPeer builds the link toward one participant and sends the offer.
// On group calls a failure only marks that participant; on one-to-one calls
// it ends the session.
func (o *Orchestrator) connectToPeer(s *session.Session, userID string) {
	if err := o.connectToPeerErr(s, userID); err != nil {
		o.peerSetupFailed(s, userID, err)
	}
}

// peerSetupFailed applies the partial-failure policy: group calls drop the
// one participant, one-to-one calls end with an error.
func (o *Orchestrator) peerSetupFailed(s *session.Session, userID string, err error) {
	o.log.Error("peer setup failed", "session_id", s.ID(), "user_id", userID, "err", err)
	o.metrics.Inc(metrics.NegotiationFailure)
	if s.Kind() == session.KindGroup {
		s.SetJoinStatus(userID, session.JoinLeft)
		o.peers.Teardown(userID)
		o.publish(s.Snapshot(), o.media.State())
		return
	}
	if s.Apply(session.EventPeersFailed, "") {
		o.send(signaling.Envelope{Event: signaling.EventCallEnd, SessionID: s.ID()})
	}
}

func (o *Orchestrator) connectToPeerErr(s *session.Session, userID string) error {
	if err := o.ensureLocalMedia(s); err != nil {
		return err
	}
	if err := o.peers.EnsureLink(userID); err != nil {
		return err
	}
	if err := o.peers.AttachLocalTracks(userID, o.media.Tracks()...); err != nil {
		return err
	}
	if !o.media.State().HasVideo {
		if err := o.peers.EnsureRecvOnlyVideo(userID); err != nil {
			return err
		}
	}
	return o.peers.CreateOffer(userID)
}

// prepareAnswerSide mirrors connectToPeer for the answering role: media and
// tracks must be on the connection before the remote offer is answered.
func (o *Orchestrator) prepareAnswerSide(s *session.Session, userID string) error {
	if err := o.ensureLocalMedia(s); err != nil {
		return err
	}
	if err := o.peers.EnsureLink(userID); err != nil {
		return err
	}
	if err := o.peers.AttachLocalTracks(userID, o.media.Tracks()...); err != nil {
		return err
	}
	if !o.media.State().HasVideo {
		if err := o.peers.EnsureRecvOnlyVideo(userID); err != nil {
			return err
		}
	}
	return nil
}

// ---- transport output -----------------------------------------------------

func (o *Orchestrator) send(env signaling.Envelope) {
	if err := o.transport.Send(env); err != nil {
		o.log.Warn("signaling send failed", "event", env.Event, "err", err)
	}
}

// ---- peer hooks (arrive on pion goroutines, move onto the loop) -----------

func (o *Orchestrator) hookSendOffer(userID string, desc webrtc.SessionDescription) {
	o.post(func() {
		s := o.registry.Current()
		if s == nil {
			return
		}
		sdp := signaling.SDPFromPion(desc)
		o.send(signaling.Envelope{
			Event:     signaling.EventSignalOffer,
			SessionID: s.ID(),
			ToUserID:  userID,
			SDP:       &sdp,
		})
	})
}

func (o *Orchestrator) hookSendAnswer(userID string, desc webrtc.SessionDescription) {
	o.post(func() {
		s := o.registry.Current()
		if s == nil {
			return
		}
		sdp := signaling.SDPFromPion(desc)
		o.send(signaling.Envelope{
			Event:     signaling.EventSignalAnswer,
			SessionID: s.ID(),
			ToUserID:  userID,
			SDP:       &sdp,
		})
	})
}

func (o *Orchestrator) hookSendCandidate(userID string, cand webrtc.ICECandidateInit) {
	o.post(func() {
		s := o.registry.Current()
		if s == nil {
			return
		}
		c := signaling.CandidateFromPion(cand)
		o.send(signaling.Envelope{
			Event:     signaling.EventSignalICE,
			SessionID: s.ID(),
			ToUserID:  userID,
			Candidate: &c,
		})
	})
}

func (o *Orchestrator) hookPeerConnected(userID string) {
	o.post(func() {
		s := o.registry.Current()
		if s == nil {
			return
		}
		s.SetJoinStatus(userID, session.JoinJoined)
		if s.Apply(session.EventPeerConnected, "") {
			o.stopNegotiationTimer()
		} else {
			o.publish(s.Snapshot(), o.media.State())
		}
	})
}

func (o *Orchestrator) hookPeerStateChanged(userID string, state webrtc.PeerConnectionState) {
	o.post(func() {
		o.log.Debug("peer connection state", "user_id", userID, "state", state.String())
		s := o.registry.Current()
		if s == nil {
			return
		}
		o.publish(s.Snapshot(), o.media.State())
	})
}

func (o *Orchestrator) hookPeerLost(userID string) {
	o.post(func() {
		s := o.registry.Current()
		if s == nil {
			return
		}
		s.SetJoinStatus(userID, session.JoinLeft)
		if s.Kind() == session.KindOneToOne || o.peers.LinkCount() == 0 {
			if s.Apply(session.EventPeersFailed, "") {
				o.send(signaling.Envelope{Event: signaling.EventCallEnd, SessionID: s.ID()})
			}
			return
		}
		o.publish(s.Snapshot(), o.media.State())
	})
}

func (o *Orchestrator) hookRemoteTrack(userID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	o.log.Info("receiving remote media", "user_id", userID, "kind", track.Kind().String())
}
