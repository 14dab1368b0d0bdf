// Package relay implements the signaling state machine: room joins,
// targeted offer/answer/candidate forwarding, chat broadcast and
// departure announcements.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/protocol"
	"github.com/adwski/meetroom/backend/registry"
	"github.com/rs/zerolog"
)

var (
	ErrNotJoined        = errors.New("join a room first")
	ErrWrongRoom        = errors.New("event addressed to a room the connection has not joined")
	ErrIdentityMismatch = errors.New("user id does not match authenticated identity")
	ErrUnknownTarget    = errors.New("target is not in the room")
	ErrUnknownConn      = errors.New("connection is not attached")
)

type (
	// Membership is the room membership table the relay works on.
	Membership interface {
		Register(connID string) error
		JoinRoom(connID, roomID, userID string, notify registry.Notify) ([]model.Member, error)
		LeaveRoom(connID string, notify registry.Notify) (model.Member, bool)
		Unregister(connID string, notify registry.Notify) (model.Member, bool)
		MembersOf(roomID string) []model.Member
		Lookup(connID string) (model.Member, string, bool)
	}

	// Outbox queues events for one connection. Deliver must not block;
	// it returns false when the event could not be queued.
	Outbox interface {
		Deliver(ev protocol.Event) bool
	}

	// ProtocolError is answered with an error event; the connection stays up.
	ProtocolError struct {
		Event protocol.Type
		Err   error
	}

	endpoint struct {
		out      Outbox
		identity string
	}

	Relay struct {
		logger    zerolog.Logger
		members   Membership
		now       func() time.Time
		mx        *sync.RWMutex
		endpoints map[string]endpoint
	}

	Config struct {
		Logger     *zerolog.Logger
		Membership Membership
		Clock      func() time.Time
	}
)

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func NewRelay(cfg Config) *Relay {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Relay{
		logger:    cfg.Logger.With().Str("component", "relay").Logger(),
		members:   cfg.Membership,
		now:       clock,
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]endpoint),
	}
}

// Attach registers a newly connected transport. identity is the user id
// verified during the handshake, empty if the connection is anonymous.
func (r *Relay) Attach(connID string, out Outbox, identity string) error {
	if err := r.members.Register(connID); err != nil {
		return err
	}
	r.mx.Lock()
	r.endpoints[connID] = endpoint{out: out, identity: identity}
	r.mx.Unlock()

	r.logger.Debug().
		Str("connID", connID).
		Str("identity", identity).
		Msg("connection attached")
	return nil
}

// Detach runs disconnect cleanup. Every remaining member of the room the
// connection was in is told exactly once that it left.
func (r *Relay) Detach(connID string) {
	departed, ok := r.members.Unregister(connID, r.announceDeparture)

	r.mx.Lock()
	delete(r.endpoints, connID)
	r.mx.Unlock()

	logger := r.logger.With().Str("connID", connID).Logger()
	if ok {
		logger = logger.With().Str("userID", departed.UserID).Logger()
	}
	logger.Debug().Bool("wasJoined", ok).Msg("connection detached")
}

// Reject answers a frame that could not be decoded.
func (r *Relay) Reject(connID string, err error) {
	r.logger.Warn().Err(err).Str("connID", connID).Msg("malformed event")
	r.deliver(connID, protocol.Error{Message: err.Error()})
}

// Handle processes one inbound event of a connection. Events of a single
// connection must be handled sequentially. The returned error is
// informational: protocol errors are already answered, unknown targets
// are dropped.
func (r *Relay) Handle(connID string, ev protocol.Event) error {
	var err error
	switch e := ev.(type) {
	case protocol.JoinRoom:
		err = r.join(connID, e)
	case protocol.LeaveRoom:
		r.leave(connID)
	case protocol.Offer:
		err = r.forward(connID, e.RoomID, e.TargetUserID, ev.Type(), func(sender string) protocol.Event {
			return protocol.Offer{RoomID: e.RoomID, SDP: e.SDP, SenderID: sender}
		})
	case protocol.Answer:
		err = r.forward(connID, e.RoomID, e.TargetUserID, ev.Type(), func(sender string) protocol.Event {
			return protocol.Answer{RoomID: e.RoomID, SDP: e.SDP, SenderID: sender}
		})
	case protocol.ICECandidate:
		err = r.forward(connID, e.RoomID, e.TargetUserID, ev.Type(), func(sender string) protocol.Event {
			return protocol.ICECandidate{RoomID: e.RoomID, Candidate: e.Candidate, SenderID: sender}
		})
	case protocol.ChatMessage:
		err = r.chat(connID, e)
	default:
		err = &ProtocolError{Event: ev.Type(), Err: protocol.ErrUnknownType}
	}

	var pErr *ProtocolError
	if errors.As(err, &pErr) {
		r.logger.Warn().
			Err(pErr.Err).
			Str("connID", connID).
			Str("type", string(pErr.Event)).
			Msg("protocol error")
		r.deliver(connID, protocol.Error{Message: pErr.Error()})
	}
	return err
}

func (r *Relay) join(connID string, ev protocol.JoinRoom) error {
	r.mx.RLock()
	ep, ok := r.endpoints[connID]
	r.mx.RUnlock()
	if !ok {
		return &ProtocolError{Event: ev.Type(), Err: ErrUnknownConn}
	}
	if ep.identity != "" && ep.identity != ev.UserID {
		return &ProtocolError{Event: ev.Type(), Err: ErrIdentityMismatch}
	}

	_, err := r.members.JoinRoom(connID, ev.RoomID, ev.UserID, r.announceArrival)
	if err != nil {
		return &ProtocolError{Event: ev.Type(), Err: err}
	}
	return nil
}

// announceArrival runs under the room lock.
func (r *Relay) announceArrival(joiner model.Member, existing []model.Member) {
	users := make([]string, 0, len(existing))
	for _, m := range existing {
		users = append(users, m.UserID)
	}
	r.deliver(joiner.ConnID, protocol.ExistingUsers{Users: users})
	for _, m := range existing {
		r.deliver(m.ConnID, protocol.UserConnected{UserID: joiner.UserID})
	}
}

// announceDeparture runs under the room lock.
func (r *Relay) announceDeparture(departed model.Member, remaining []model.Member) {
	for _, m := range remaining {
		r.deliver(m.ConnID, protocol.UserDisconnected{UserID: departed.UserID})
	}
}

func (r *Relay) leave(connID string) {
	if _, ok := r.members.LeaveRoom(connID, r.announceDeparture); !ok {
		r.logger.Debug().Str("connID", connID).Msg("leave ignored, not in a room")
	}
}

// sender resolves the connection's membership and checks the event is for
// its room.
func (r *Relay) sender(connID, roomID string, typ protocol.Type) (model.Member, error) {
	self, joined, ok := r.members.Lookup(connID)
	if !ok {
		return model.Member{}, &ProtocolError{Event: typ, Err: ErrNotJoined}
	}
	if roomID != joined {
		return model.Member{}, &ProtocolError{Event: typ, Err: ErrWrongRoom}
	}
	return self, nil
}

func (r *Relay) forward(
	connID, roomID, target string,
	typ protocol.Type,
	build func(sender string) protocol.Event,
) error {
	self, err := r.sender(connID, roomID, typ)
	if err != nil {
		return err
	}

	ev := build(self.UserID)
	var sent int
	for _, m := range r.members.MembersOf(roomID) {
		if m.UserID != target || m.ConnID == connID {
			continue
		}
		if r.deliver(m.ConnID, ev) {
			sent++
		}
	}
	if sent == 0 {
		r.logger.Debug().
			Str("connID", connID).
			Str("roomID", roomID).
			Str("type", string(typ)).
			Str("dst", target).
			Msg("cannot forward, dst not found")
		return fmt.Errorf("%s to %s: %w", typ, target, ErrUnknownTarget)
	}
	return nil
}

func (r *Relay) chat(connID string, ev protocol.ChatMessage) error {
	if _, err := r.sender(connID, ev.RoomID, ev.Type()); err != nil {
		return err
	}
	msg := protocol.ChatMessage{
		Text:        ev.Text,
		DisplayName: ev.DisplayName,
		Timestamp:   r.now().UTC(),
	}
	for _, m := range r.members.MembersOf(ev.RoomID) {
		r.deliver(m.ConnID, msg)
	}
	return nil
}

func (r *Relay) deliver(connID string, ev protocol.Event) bool {
	r.mx.RLock()
	ep, ok := r.endpoints[connID]
	r.mx.RUnlock()

	logger := r.logger.With().
		Str("dst", connID).
		Str("type", string(ev.Type())).
		Logger()
	if !ok {
		logger.Debug().Msg("endpoint is gone, event dropped")
		return false
	}
	if !ep.out.Deliver(ev) {
		logger.Error().Msg("dead endpoint")
		return false
	}
	logger.Trace().Msg("event is forwarded")
	return true
}
