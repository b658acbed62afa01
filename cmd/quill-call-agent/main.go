// quill-call-agent is a headless call endpoint: it connects to the signaling
// relay, answers incoming calls, and keeps local capture and peer links alive
// until it is told to stop. It exists for soak testing and for embedding the
// call core on machines without a UI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/quillchat/call-core/internal/call"
	"github.com/quillchat/call-core/internal/config"
	"github.com/quillchat/call-core/internal/history"
	"github.com/quillchat/call-core/internal/media"
	"github.com/quillchat/call-core/internal/metrics"
	"github.com/quillchat/call-core/internal/notify"
	"github.com/quillchat/call-core/internal/peer"
	"github.com/quillchat/call-core/internal/session"
	"github.com/quillchat/call-core/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.SignalingURL == "" {
		fmt.Fprintln(os.Stderr, "CALL_CORE_SIGNALING_URL is required")
		os.Exit(2)
	}
	if cfg.SelfUserID == "" {
		fmt.Fprintln(os.Stderr, "CALL_CORE_SELF_USER_ID is required")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting quill-call-agent",
		"commit", commit,
		"build_time", builtAt,
		"signaling_url", cfg.SignalingURL,
		"self_user_id", cfg.SelfUserID,
		"ice_servers", len(cfg.ICEServers),
		"ring_timeout", cfg.RingTimeout,
		"negotiation_timeout", cfg.NegotiationTimeout,
		"disconnect_grace", cfg.DisconnectGrace,
		"history_db_set", cfg.HistoryDBPath != "",
		"auto_accept", cfg.AutoAccept,
	)

	device, err := media.NewCaptureDevice()
	if err != nil {
		logger.Error("failed to open capture backend", "err", err)
		os.Exit(2)
	}

	// Construct the WebRTC API early so ICE misconfigurations are caught on
	// startup. The capture backend registers its encoders alongside the
	// default codecs.
	var engineHooks []func(*webrtc.MediaEngine)
	if populator, ok := device.(interface{ PopulateMediaEngine(*webrtc.MediaEngine) }); ok {
		engineHooks = append(engineHooks, populator.PopulateMediaEngine)
	}
	factory, err := peer.NewPionFactory(cfg.ICEServers, logging.NewDefaultLoggerFactory(), engineHooks...)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	met := metrics.New()

	var recorder history.Recorder = history.NopRecorder{}
	if cfg.HistoryDBPath != "" {
		store, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			logger.Error("failed to open call history store", "path", cfg.HistoryDBPath, "err", err)
			os.Exit(2)
		}
		recorder = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:                  cfg.SignalingURL,
		Token:                cfg.SignalingToken,
		SendQueueBytes:       cfg.SendQueueBytes,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		PingInterval:         cfg.WSPingInterval,
		IdleTimeout:          cfg.WSIdleTimeout,
		Logger:               logger,
		Metrics:              met,
	})
	if err != nil {
		logger.Error("failed to connect to signaling relay", "err", err)
		os.Exit(1)
	}

	notifier := notify.New(64, logger, met)

	orchestrator := call.New(call.Options{
		SelfUserID:          cfg.SelfUserID,
		Transport:           transport,
		PeerFactory:         factory,
		Device:              device,
		Recorder:            recorder,
		Notifier:            notifier,
		Logger:              logger,
		Metrics:             met,
		RingTimeout:         cfg.RingTimeout,
		NegotiationTimeout:  cfg.NegotiationTimeout,
		MediaAcquireTimeout: cfg.MediaAcquireTimeout,
		DisconnectGrace:     cfg.DisconnectGrace,
	})

	updatesDone := make(chan struct{})
	go func() {
		defer close(updatesDone)
		for u := range notifier.Updates() {
			logger.Info("call state",
				"session_id", u.Session.ID,
				"state", u.Session.State,
				"reason", u.Session.EndReason,
				"participants", len(u.Session.Participants),
				"audio", u.Media.HasAudio,
				"video", u.Media.HasVideo,
				"screen", u.Media.ScreenSharing,
			)
			// A repeat update for the same ring fails with an invalid-state
			// error, which is fine.
			if cfg.AutoAccept && u.Session.State == session.StateIncoming {
				if err := orchestrator.AcceptCall(false); err != nil {
					logger.Debug("auto-accept", "session_id", u.Session.ID, "err", err)
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Close ends any call in progress and flushes the farewell through the
	// still-open transport.
	if err := orchestrator.Close(); err != nil {
		logger.Warn("orchestrator shutdown", "err", err)
	}
	<-updatesDone
	if err := transport.Close(); err != nil {
		logger.Warn("transport close", "err", err)
	}
	if err := recorder.Close(); err != nil {
		logger.Warn("history close", "err", err)
	}
	logger.Info("stopped", "counters", met.Snapshot())
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
