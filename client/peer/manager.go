package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type (
	Config struct {
		Logger      *zerolog.Logger
		LocalUserID string
		RoomID      string
		Signaler    Signaler
		Factory     Factory
		Media       MediaSource // optional, nil means receive only
		Observer    Observer    // optional
	}

	// Manager owns the local side of one room session.
	// HandleEvent must be called from a single goroutine, Run does that.
	Manager struct {
		local    string
		room     string
		signaler Signaler
		factory  Factory
		media    MediaSource
		observer Observer
		logger   zerolog.Logger

		mu     sync.Mutex
		pairs  map[string]*pair
		tracks Tracks
		screen webrtc.TrackLocal
		left   bool
	}

	// pair is the negotiation state towards one remote user. It exists before
	// a connection does, so that early candidates have a queue to wait in.
	pair struct {
		mu        sync.Mutex
		userID    string
		pc        PeerConnection
		state     State
		remoteSet bool
		queue     []webrtc.ICECandidateInit
		gone      bool
		// retired is set once pc is closed, its late candidates are not sent.
		retired *atomic.Bool
	}
)

func NewManager(cfg Config) *Manager {
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		local:    cfg.LocalUserID,
		room:     cfg.RoomID,
		signaler: cfg.Signaler,
		factory:  cfg.Factory,
		media:    cfg.Media,
		observer: observer,
		pairs:    make(map[string]*pair),
		logger: cfg.Logger.With().
			Str("component", "peer-manager").
			Str("roomID", cfg.RoomID).
			Str("userID", cfg.LocalUserID).
			Logger(),
	}
}

// Start opens local media and joins the room.
// Without a camera a blank video track is sent so that a screen can
// replace it later.
func (m *Manager) Start(ctx context.Context) error {
	var tracks Tracks
	if m.media != nil {
		var err error
		if tracks, err = m.media.Open(ctx); err != nil {
			return &MediaAccessError{Err: err}
		}
	}
	if tracks.Video == nil {
		blank, err := NewVideoTrack("blank", m.local)
		if err != nil {
			return &MediaAccessError{Err: err}
		}
		tracks.Video = blank
	}
	m.mu.Lock()
	m.tracks = tracks
	m.mu.Unlock()
	if err := m.signaler.Send(protocol.JoinRoom{RoomID: m.room, UserID: m.local}); err != nil {
		return fmt.Errorf("cannot join room: %w", err)
	}
	m.logger.Debug().Msg("join sent")
	return nil
}

// Run dispatches events until the channel is closed or ctx is done.
func (m *Manager) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.HandleEvent(ctx, ev); err != nil {
				var ne *NegotiationError
				if errors.As(err, &ne) {
					m.logger.Warn().Err(err).Str("remoteID", ne.UserID).Msg("pair abandoned")
				} else {
					m.logger.Debug().Err(err).Str("type", string(ev.Type())).Msg("event dropped")
				}
			}
		}
	}
}

// HandleEvent applies one server event. A returned NegotiationError means
// that Pair was closed; other Pairs are not affected.
func (m *Manager) HandleEvent(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch e := ev.(type) {
	case protocol.ExistingUsers:
		var errs []error
		seen := make(map[string]struct{}, len(e.Users))
		for _, u := range e.Users {
			if _, dup := seen[u]; dup || u == m.local {
				continue
			}
			seen[u] = struct{}{}
			m.observer.PeerJoined(u)
			if err := m.offerTo(u); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case protocol.UserConnected:
		if e.UserID == m.local {
			return nil
		}
		if p := m.lockPair(e.UserID, true); p != nil {
			p.mu.Unlock()
		}
		m.observer.PeerJoined(e.UserID)

	case protocol.UserDisconnected:
		if p := m.lockPair(e.UserID, false); p != nil {
			m.discard(p)
			p.mu.Unlock()
		}
		m.observer.PeerLeft(e.UserID)

	case protocol.Offer:
		return m.handleOffer(e)
	case protocol.Answer:
		return m.handleAnswer(e)
	case protocol.ICECandidate:
		return m.handleCandidate(e)

	case protocol.ChatMessage:
		m.observer.Chat(e)

	case protocol.Error:
		m.logger.Warn().Str("message", e.Message).Msg("server error")
		m.observer.ServerError(e.Message)

	default:
		m.logger.Debug().Str("type", string(ev.Type())).Msg("ignoring event")
	}
	return nil
}

func (m *Manager) offerTo(userID string) error {
	p := m.lockPair(userID, true)
	if p == nil {
		return ErrLeft
	}
	defer p.mu.Unlock()

	if p.pc != nil {
		m.logger.Debug().Str("remoteID", userID).Msg("already negotiating")
		return nil
	}
	if err := m.connect(p); err != nil {
		return m.abandon(p, "create connection", err)
	}
	offer, err := p.pc.CreateOffer()
	if err != nil {
		return m.abandon(p, "create offer", err)
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return m.abandon(p, "set local offer", err)
	}
	blob, err := protocol.NewBlob(offer)
	if err != nil {
		return m.abandon(p, "encode offer", err)
	}
	if err = m.signaler.Send(protocol.Offer{RoomID: m.room, SDP: blob, TargetUserID: userID}); err != nil {
		return m.abandon(p, "send offer", err)
	}
	p.state = StateHaveLocalOffer
	m.logger.Debug().Str("remoteID", userID).Msg("offer sent")
	return nil
}

func (m *Manager) handleOffer(e protocol.Offer) error {
	from := e.SenderID
	if from == "" {
		return ErrMissingSender
	}
	if from == m.local {
		return nil
	}
	p := m.lockPair(from, true)
	if p == nil {
		return ErrLeft
	}
	defer p.mu.Unlock()

	desc, err := sessionDescription(e.SDP)
	if err != nil {
		return m.abandon(p, "decode offer", err)
	}

	switch {
	case p.pc == nil:
		if err = m.connect(p); err != nil {
			return m.abandon(p, "create connection", err)
		}
	case p.state == StateHaveLocalOffer:
		// Both sides offered. The smaller user id keeps its offer.
		if m.local < from {
			m.logger.Debug().Str("remoteID", from).Msg("glare, keeping local offer")
			return nil
		}
		// Drop the local offer with its connection and answer on a fresh one.
		m.logger.Debug().Str("remoteID", from).Msg("glare, replacing local offer")
		m.retire(p)
		if err = m.connect(p); err != nil {
			return m.abandon(p, "create connection", err)
		}
	}
	return m.answer(p, desc)
}

// answer completes an offer received for p. Caller holds p.mu.
func (m *Manager) answer(p *pair, offer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return m.abandon(p, "set remote offer", err)
	}
	wasConnected := p.state == StateConnected
	p.remoteSet = true
	p.state = StateHaveRemoteOffer
	m.drain(p)

	answer, err := p.pc.CreateAnswer()
	if err != nil {
		return m.abandon(p, "create answer", err)
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return m.abandon(p, "set local answer", err)
	}
	blob, err := protocol.NewBlob(answer)
	if err != nil {
		return m.abandon(p, "encode answer", err)
	}
	if err = m.signaler.Send(protocol.Answer{RoomID: m.room, SDP: blob, TargetUserID: p.userID}); err != nil {
		return m.abandon(p, "send answer", err)
	}
	p.state = StateConnected
	m.logger.Debug().Str("remoteID", p.userID).Msg("answer sent")
	if !wasConnected {
		m.observer.PeerConnected(p.userID)
	}
	return nil
}

func (m *Manager) handleAnswer(e protocol.Answer) error {
	from := e.SenderID
	if from == "" {
		return ErrMissingSender
	}
	p := m.lockPair(from, false)
	if p == nil {
		return fmt.Errorf("%w from %s", ErrUnexpectedAnswer, from)
	}
	defer p.mu.Unlock()
	if p.pc == nil || p.state != StateHaveLocalOffer {
		return fmt.Errorf("%w from %s (%s)", ErrUnexpectedAnswer, from, p.state)
	}

	desc, err := sessionDescription(e.SDP)
	if err != nil {
		return m.abandon(p, "decode answer", err)
	}
	if err = p.pc.SetRemoteDescription(desc); err != nil {
		return m.abandon(p, "set remote answer", err)
	}
	p.remoteSet = true
	m.drain(p)
	p.state = StateConnected
	m.logger.Debug().Str("remoteID", from).Msg("answer applied")
	m.observer.PeerConnected(from)
	return nil
}

func (m *Manager) handleCandidate(e protocol.ICECandidate) error {
	from := e.SenderID
	if from == "" {
		return ErrMissingSender
	}
	if from == m.local {
		return nil
	}
	var c webrtc.ICECandidateInit
	if err := decodeBlob(e.Candidate, &c); err != nil {
		return fmt.Errorf("cannot decode candidate from %s: %w", from, err)
	}

	p := m.lockPair(from, true)
	if p == nil {
		return ErrLeft
	}
	defer p.mu.Unlock()

	if p.pc == nil || !p.remoteSet {
		p.queue = append(p.queue, c)
		m.logger.Trace().Str("remoteID", from).Int("queued", len(p.queue)).Msg("candidate queued")
		return nil
	}
	m.addCandidate(p, c)
	return nil
}

// addCandidate applies c to p. A rejected candidate is skipped, it may
// belong to a connection the remote side already replaced.
func (m *Manager) addCandidate(p *pair, c webrtc.ICECandidateInit) {
	if err := p.pc.AddICECandidate(c); err != nil {
		m.logger.Debug().Err(err).Str("remoteID", p.userID).Msg("candidate skipped")
	}
}

// drain applies queued candidates in arrival order. Caller holds p.mu.
func (m *Manager) drain(p *pair) {
	for _, c := range p.queue {
		m.addCandidate(p, c)
	}
	p.queue = nil
}

// connect creates the connection of p with the current outgoing tracks. Caller holds p.mu.
func (m *Manager) connect(p *pair) error {
	pc, err := m.factory(p.userID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	tracks := []webrtc.TrackLocal{m.tracks.Audio, m.outgoingVideo()}
	m.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err = pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return err
		}
	}
	remoteID := p.userID
	retired := &atomic.Bool{}
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if retired.Load() {
			return
		}
		m.sendCandidate(remoteID, c)
	})
	p.pc = pc
	p.retired = retired
	p.state = StateNoPair
	p.remoteSet = false
	return nil
}

func (m *Manager) sendCandidate(remoteID string, c webrtc.ICECandidateInit) {
	blob, err := protocol.NewBlob(c)
	if err != nil {
		m.logger.Error().Err(err).Msg("cannot encode candidate")
		return
	}
	if err = m.signaler.Send(protocol.ICECandidate{RoomID: m.room, Candidate: blob, TargetUserID: remoteID}); err != nil {
		m.logger.Debug().Err(err).Str("remoteID", remoteID).Msg("candidate not sent")
	}
}

// lockPair returns the locked pair of userID, creating it when asked.
// Returns nil after Leave or when the pair does not exist.
func (m *Manager) lockPair(userID string, create bool) *pair {
	for {
		m.mu.Lock()
		if m.left {
			m.mu.Unlock()
			return nil
		}
		p, ok := m.pairs[userID]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			p = &pair{userID: userID}
			m.pairs[userID] = p
		}
		m.mu.Unlock()

		p.mu.Lock()
		if !p.gone {
			return p
		}
		p.mu.Unlock()
	}
}

// retire closes the connection of p, keeping the pair and its queue.
// Caller holds p.mu.
func (m *Manager) retire(p *pair) {
	if p.retired != nil {
		p.retired.Store(true)
	}
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			m.logger.Debug().Err(err).Str("remoteID", p.userID).Msg("close failed")
		}
	}
	p.pc = nil
	p.remoteSet = false
	p.state = StateNoPair
}

// discard closes p and forgets it with its queue. Caller holds p.mu.
func (m *Manager) discard(p *pair) {
	m.retire(p)
	p.queue = nil
	p.state = StateClosed
	p.gone = true

	m.mu.Lock()
	if m.pairs[p.userID] == p {
		delete(m.pairs, p.userID)
	}
	m.mu.Unlock()
}

func (m *Manager) abandon(p *pair, op string, err error) error {
	m.discard(p)
	return &NegotiationError{UserID: p.userID, Op: op, Err: err}
}

func (m *Manager) outgoingVideo() webrtc.TrackLocal {
	if m.screen != nil {
		return m.screen
	}
	return m.tracks.Video
}

func (m *Manager) snapshot() []*pair {
	list := make([]*pair, 0, len(m.pairs))
	for _, p := range m.pairs {
		list = append(list, p)
	}
	return list
}

// ShareScreen sends track instead of the camera on every Pair without renegotiation.
func (m *Manager) ShareScreen(track webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return ErrLeft
	}
	m.screen = track
	pairs := m.snapshot()
	m.mu.Unlock()
	return m.replaceVideo(pairs, track)
}

// StopScreenShare puts the camera track back.
func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return ErrLeft
	}
	m.screen = nil
	camera := m.tracks.Video
	pairs := m.snapshot()
	m.mu.Unlock()
	return m.replaceVideo(pairs, camera)
}

func (m *Manager) replaceVideo(pairs []*pair, track webrtc.TrackLocal) error {
	var errs []error
	for _, p := range pairs {
		p.mu.Lock()
		if !p.gone && p.pc != nil {
			if err := p.pc.ReplaceVideoTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.userID, err))
			}
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Sharing reports whether a screen track is being sent.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

func (m *Manager) SendChat(text, displayName string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return m.signaler.Send(protocol.ChatMessage{RoomID: m.room, Text: text, DisplayName: displayName})
}

// Peers returns the state towards every known remote user.
func (m *Manager) Peers() map[string]State {
	m.mu.Lock()
	pairs := m.snapshot()
	m.mu.Unlock()

	states := make(map[string]State, len(pairs))
	for _, p := range pairs {
		p.mu.Lock()
		if !p.gone {
			states[p.userID] = p.state
		}
		p.mu.Unlock()
	}
	return states
}

// Leave stops local media, closes every Pair and then the signaling
// connection, in that order. Later calls do nothing.
func (m *Manager) Leave() error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return nil
	}
	m.left = true
	pairs := m.snapshot()
	m.pairs = make(map[string]*pair)
	m.mu.Unlock()

	var errs []error
	if m.media != nil {
		if err := m.media.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stop media: %w", err))
		}
	}
	for _, p := range pairs {
		p.mu.Lock()
		if p.retired != nil {
			p.retired.Store(true)
		}
		if p.pc != nil {
			if err := p.pc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.userID, err))
			}
		}
		p.pc = nil
		p.queue = nil
		p.state = StateClosed
		p.gone = true
		p.mu.Unlock()
	}
	if err := m.signaler.Send(protocol.LeaveRoom{}); err != nil {
		m.logger.Debug().Err(err).Msg("leave not sent")
	}
	if err := m.signaler.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close signaling: %w", err))
	}
	m.logger.Debug().Int("pairs", len(pairs)).Msg("left room")
	return errors.Join(errs...)
}

// sessionDescription decodes through JSON since SDPType only knows its JSON form.
func sessionDescription(b protocol.Blob) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := decodeBlob(b, &desc); err != nil {
		return desc, err
	}
	if desc.SDP == "" {
		return desc, errors.New("empty session description")
	}
	return desc, nil
}

func decodeBlob(b protocol.Blob, v any) error {
	raw, err := b.JSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
