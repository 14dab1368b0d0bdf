// Package protocol defines the signaling events exchanged over the websocket,
// their validation rules and wire codecs.
//
// Every event is a distinct Go type implementing Event. Inbound frames are
// decoded into exactly one of these types and validated before they reach
// the relay; anything else is rejected with ErrUnknownType or ErrMissingField.
package protocol

import (
	"time"
)

type Type string

// Client to server.
const (
	TypeJoinRoom  Type = "join-room"
	TypeLeaveRoom Type = "leave-room"
)

// Both directions.
const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeChatMessage  Type = "chat-message"
)

// Server to client.
const (
	TypeExistingUsers    Type = "existing-users"
	TypeUserConnected    Type = "user-connected"
	TypeUserDisconnected Type = "user-disconnected"
	TypeError            Type = "error"
)

// Event is implemented only by the event types of this package.
type Event interface {
	Type() Type
	event()
}

type (
	JoinRoom struct {
		RoomID string
		UserID string
	}

	LeaveRoom struct{}

	// Offer carries an opaque session description. Inbound it is addressed
	// with TargetUserID, outbound the relay tags it with SenderID.
	Offer struct {
		RoomID       string
		SDP          Blob
		TargetUserID string
		SenderID     string
	}

	Answer struct {
		RoomID       string
		SDP          Blob
		TargetUserID string
		SenderID     string
	}

	ICECandidate struct {
		RoomID       string
		Candidate    Blob
		TargetUserID string
		SenderID     string
	}

	ChatMessage struct {
		RoomID      string
		Text        string
		DisplayName string
		Timestamp   time.Time
	}

	ExistingUsers struct {
		Users []string
	}

	UserConnected struct {
		UserID string
	}

	UserDisconnected struct {
		UserID string
	}

	Error struct {
		Message string
	}
)

func (JoinRoom) Type() Type         { return TypeJoinRoom }
func (LeaveRoom) Type() Type        { return TypeLeaveRoom }
func (Offer) Type() Type            { return TypeOffer }
func (Answer) Type() Type           { return TypeAnswer }
func (ICECandidate) Type() Type     { return TypeICECandidate }
func (ChatMessage) Type() Type      { return TypeChatMessage }
func (ExistingUsers) Type() Type    { return TypeExistingUsers }
func (UserConnected) Type() Type    { return TypeUserConnected }
func (UserDisconnected) Type() Type { return TypeUserDisconnected }
func (Error) Type() Type            { return TypeError }

func (JoinRoom) event()         {}
func (LeaveRoom) event()        {}
func (Offer) event()            {}
func (Answer) event()           {}
func (ICECandidate) event()     {}
func (ChatMessage) event()      {}
func (ExistingUsers) event()    {}
func (UserConnected) event()    {}
func (UserDisconnected) event() {}
func (Error) event()            {}
