// Package peer negotiates one WebRTC session per remote room member.
//
// A Manager consumes server events from the signaling connection and keeps
// a Pair for every remote user. The user that joins later sends the offers,
// existing members wait for them. Candidates that arrive before a Pair has
// its remote description are queued per user and applied in arrival order.
package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/pion/webrtc/v4"
)

// State of a Pair.
type State int

const (
	StateNoPair State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoPair:
		return "no-pair"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrUnexpectedAnswer = errors.New("answer without a pending local offer")
	ErrMissingSender    = errors.New("event has no sender")
	ErrLeft             = errors.New("session already left")
	ErrNoVideoSender    = errors.New("no outgoing video to replace")
)

// NegotiationError means the Pair with UserID was abandoned.
type NegotiationError struct {
	UserID string
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %s: %v", e.UserID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// MediaAccessError means local capture could not be opened. The session cannot continue.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("cannot access local media: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

type (
	// PeerConnection is the part of a WebRTC peer connection the Manager drives.
	PeerConnection interface {
		AddTrack(track webrtc.TrackLocal) error
		ReplaceVideoTrack(track webrtc.TrackLocal) error
		CreateOffer() (webrtc.SessionDescription, error)
		CreateAnswer() (webrtc.SessionDescription, error)
		SetLocalDescription(desc webrtc.SessionDescription) error
		SetRemoteDescription(desc webrtc.SessionDescription) error
		AddICECandidate(c webrtc.ICECandidateInit) error
		// OnICECandidate is called for each gathered local candidate.
		OnICECandidate(fn func(webrtc.ICECandidateInit))
		Close() error
	}

	// Factory creates the connection for a remote user.
	Factory func(remoteUserID string) (PeerConnection, error)

	// Tracks are the local outgoing tracks. Either may be nil.
	Tracks struct {
		Audio webrtc.TrackLocal
		Video webrtc.TrackLocal
	}

	MediaSource interface {
		Open(ctx context.Context) (Tracks, error)
		Close() error
	}

	// Signaler sends events to the signaling server.
	Signaler interface {
		Send(ev protocol.Event) error
		Close() error
	}

	// Observer receives what a user interface shows. Calls may come from
	// different goroutines.
	Observer interface {
		PeerJoined(userID string)
		PeerConnected(userID string)
		PeerLeft(userID string)
		Chat(msg protocol.ChatMessage)
		ServerError(message string)
	}
)

type nopObserver struct{}

func (nopObserver) PeerJoined(string)         {}
func (nopObserver) PeerConnected(string)      {}
func (nopObserver) PeerLeft(string)           {}
func (nopObserver) Chat(protocol.ChatMessage) {}
func (nopObserver) ServerError(string)        {}
