package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownType  = errors.New("unknown event type")
	ErrMissingField = errors.New("missing required field")
)

// Websocket subprotocol names used to negotiate the codec.
const (
	SubprotocolJSON    = "meetroom.json"
	SubprotocolMsgPack = "meetroom.msgpack"
)

// Codec turns frames into bytes. Binary codecs must be sent as binary
// websocket messages.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return SubprotocolJSON }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return SubprotocolMsgPack }
func (msgpackCodec) Binary() bool                       { return true }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// Subprotocols lists supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgPack}
}

// CodecFor returns the codec for a negotiated subprotocol. An empty name
// selects JSON.
func CodecFor(subprotocol string) (Codec, bool) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSON, true
	case SubprotocolMsgPack:
		return MsgPack, true
	}
	return nil, false
}

// frame is the flat wire shape shared by all events.
type frame struct {
	Type         Type       `json:"type" msgpack:"type"`
	RoomID       string     `json:"roomId,omitempty" msgpack:"roomId,omitempty"`
	UserID       string     `json:"userId,omitempty" msgpack:"userId,omitempty"`
	TargetUserID string     `json:"targetUserId,omitempty" msgpack:"targetUserId,omitempty"`
	SenderID     string     `json:"senderId,omitempty" msgpack:"senderId,omitempty"`
	Offer        *Blob      `json:"offer,omitempty" msgpack:"offer,omitempty"`
	Answer       *Blob      `json:"answer,omitempty" msgpack:"answer,omitempty"`
	Candidate    *Blob      `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
	Text         string     `json:"text,omitempty" msgpack:"text,omitempty"`
	DisplayName  string     `json:"displayName,omitempty" msgpack:"displayName,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Users        []string   `json:"users,omitzero" msgpack:"users,omitempty"`
	Message      string     `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Encode marshals an event with the given codec.
func Encode(c Codec, ev Event) ([]byte, error) {
	f := frame{Type: ev.Type()}
	switch e := ev.(type) {
	case JoinRoom:
		f.RoomID, f.UserID = e.RoomID, e.UserID
	case LeaveRoom:
	case Offer:
		f.RoomID, f.TargetUserID, f.SenderID = e.RoomID, e.TargetUserID, e.SenderID
		f.Offer = &e.SDP
	case Answer:
		f.RoomID, f.TargetUserID, f.SenderID = e.RoomID, e.TargetUserID, e.SenderID
		f.Answer = &e.SDP
	case ICECandidate:
		f.RoomID, f.TargetUserID, f.SenderID = e.RoomID, e.TargetUserID, e.SenderID
		f.Candidate = &e.Candidate
	case ChatMessage:
		f.RoomID, f.Text, f.DisplayName = e.RoomID, e.Text, e.DisplayName
		if !e.Timestamp.IsZero() {
			ts := e.Timestamp
			f.Timestamp = &ts
		}
	case ExistingUsers:
		f.Users = e.Users
		if f.Users == nil {
			f.Users = []string{}
		}
	case UserConnected:
		f.UserID = e.UserID
	case UserDisconnected:
		f.UserID = e.UserID
	case Error:
		f.Message = e.Message
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
	return c.Marshal(&f)
}

// Decode unmarshals and validates a single frame.
func Decode(c Codec, data []byte) (Event, error) {
	var f frame
	if err := c.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return f.event()
}

func (f *frame) event() (Event, error) {
	switch f.Type {
	case TypeJoinRoom:
		if err := requireFields("roomId", f.RoomID, "userId", f.UserID); err != nil {
			return nil, err
		}
		return JoinRoom{RoomID: f.RoomID, UserID: f.UserID}, nil

	case TypeLeaveRoom:
		return LeaveRoom{}, nil

	case TypeOffer:
		sdp, err := requireBlob("offer", f.Offer)
		if err != nil {
			return nil, err
		}
		return Offer{RoomID: f.RoomID, SDP: sdp, TargetUserID: f.TargetUserID, SenderID: f.SenderID}, nil

	case TypeAnswer:
		sdp, err := requireBlob("answer", f.Answer)
		if err != nil {
			return nil, err
		}
		return Answer{RoomID: f.RoomID, SDP: sdp, TargetUserID: f.TargetUserID, SenderID: f.SenderID}, nil

	case TypeICECandidate:
		cand, err := requireBlob("candidate", f.Candidate)
		if err != nil {
			return nil, err
		}
		return ICECandidate{RoomID: f.RoomID, Candidate: cand, TargetUserID: f.TargetUserID, SenderID: f.SenderID}, nil

	case TypeChatMessage:
		if err := requireFields("text", f.Text, "displayName", f.DisplayName); err != nil {
			return nil, err
		}
		msg := ChatMessage{RoomID: f.RoomID, Text: f.Text, DisplayName: f.DisplayName}
		if f.Timestamp != nil {
			msg.Timestamp = *f.Timestamp
		}
		return msg, nil

	case TypeExistingUsers:
		users := f.Users
		if users == nil {
			users = []string{}
		}
		return ExistingUsers{Users: users}, nil

	case TypeUserConnected:
		if err := requireFields("userId", f.UserID); err != nil {
			return nil, err
		}
		return UserConnected{UserID: f.UserID}, nil

	case TypeUserDisconnected:
		if err := requireFields("userId", f.UserID); err != nil {
			return nil, err
		}
		return UserDisconnected{UserID: f.UserID}, nil

	case TypeError:
		return Error{Message: f.Message}, nil

	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
}

// requireFields takes name/value pairs and fails on the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, pairs[i])
		}
	}
	return nil
}

func requireBlob(name string, b *Blob) (Blob, error) {
	if b == nil || b.IsZero() {
		return Blob{}, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return *b, nil
}

// DecodeRequest decodes a frame sent by a client. On top of Decode it
// rejects server-only events and requires routing fields.
func DecodeRequest(c Codec, data []byte) (Event, error) {
	ev, err := Decode(c, data)
	if err != nil {
		return nil, err
	}
	if err = ValidateRequest(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ValidateRequest checks an event as the relay expects to receive it.
func ValidateRequest(ev Event) error {
	switch e := ev.(type) {
	case JoinRoom, LeaveRoom:
		return nil
	case Offer:
		return requireFields("roomId", e.RoomID, "targetUserId", e.TargetUserID)
	case Answer:
		return requireFields("roomId", e.RoomID, "targetUserId", e.TargetUserID)
	case ICECandidate:
		return requireFields("roomId", e.RoomID, "targetUserId", e.TargetUserID)
	case ChatMessage:
		return requireFields("roomId", e.RoomID)
	}
	return fmt.Errorf("%w: %q is not a client event", ErrUnknownType, ev.Type())
}
