package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/adwski/meetroom/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type PionConfig struct {
	Logger     *zerolog.Logger
	ICEServers []model.ICEServer
	ForceRelay bool
}

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger zerolog.Logger
}

func NewPionFactory(cfg PionConfig) (*PionFactory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("cannot register codecs: %w", err)
	}
	logger := cfg.Logger.With().Str("component", "webrtc").Logger()
	se := webrtc.SettingEngine{LoggerFactory: NewPionLogger(logger)}

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	policy := webrtc.ICETransportPolicyAll
	if cfg.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}

	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{
			ICEServers:         servers,
			ICETransportPolicy: policy,
		},
		logger: logger,
	}, nil
}

// New satisfies Factory. The connection always offers an audio and a video
// section so that receive-only clients still negotiate media.
func (f *PionFactory) New(remoteUserID string) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("cannot create peer connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err = pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("cannot add %s transceiver: %w", kind, err)
		}
	}

	logger := f.logger.With().Str("remoteID", remoteUserID).Logger()
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Debug().Str("state", s.String()).Msg("connection state")
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info().
			Str("kind", tr.Kind().String()).
			Str("codec", tr.Codec().MimeType).
			Msg("remote track")
		go func() {
			for {
				if _, _, errR := tr.ReadRTP(); errR != nil {
					return
				}
			}
		}()
	})
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	video *webrtc.RTPSender
}

func (p *pionConn) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		p.mu.Lock()
		p.video = sender
		p.mu.Unlock()
	}
	// RTCP has to be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, errR := sender.Read(buf); errR != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.video == nil {
		return ErrNoVideoSender
	}
	return p.video.ReplaceTrack(track)
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

// StaticMedia hands out sample tracks that nothing writes into. It stands in
// for capture devices; a producer may write samples into the tracks.
type StaticMedia struct {
	StreamID string
	NoAudio  bool
	NoVideo  bool

	mu     sync.Mutex
	tracks Tracks
}

func (s *StaticMedia) Open(context.Context) (Tracks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tracks Tracks
	if !s.NoAudio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", s.StreamID)
		if err != nil {
			return Tracks{}, err
		}
		tracks.Audio = audio
	}
	if !s.NoVideo {
		video, err := NewVideoTrack("camera", s.StreamID)
		if err != nil {
			return Tracks{}, err
		}
		tracks.Video = video
	}
	s.tracks = tracks
	return tracks, nil
}

// Tracks returns what the last Open produced.
func (s *StaticMedia) Tracks() Tracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

func (s *StaticMedia) Close() error {
	s.mu.Lock()
	s.tracks = Tracks{}
	s.mu.Unlock()
	return nil
}

// NewVideoTrack creates a VP8 sample track, used for both camera and screen.
func NewVideoTrack(id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, streamID)
}
