package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// PionFactory builds real pion peer connections. One shared API instance
// carries the media engine, the default interceptor chain, and the ICE
// server set for every link.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory builds the shared API. engineHooks run after the default
// codecs are registered; the capture backend uses one to add its encoders.
func NewPionFactory(iceServers []webrtc.ICEServer, loggerFactory logging.LoggerFactory, engineHooks ...func(*webrtc.MediaEngine)) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("peer: register codecs: %w", err)
	}
	for _, hook := range engineHooks {
		hook(mediaEngine)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("peer: register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if loggerFactory != nil {
		settingEngine.LoggerFactory = loggerFactory
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PionFactory{api: api, iceServers: iceServers}, nil
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}
	return pionConn{pc}, nil
}

// pionConn narrows AddTrack's return type to the Sender interface.
type pionConn struct {
	*webrtc.PeerConnection
}

func (c pionConn) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}
