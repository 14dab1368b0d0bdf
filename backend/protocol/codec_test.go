package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOffer = `{"type":"offer","sdp":"v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n"}`

func TestDecodeRequest_Valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Event
	}{
		{
			name: "join",
			in:   `{"type":"join-room","roomId":"r1","userId":"A"}`,
			want: JoinRoom{RoomID: "r1", UserID: "A"},
		},
		{
			name: "leave",
			in:   `{"type":"leave-room"}`,
			want: LeaveRoom{},
		},
		{
			name: "chat",
			in:   `{"type":"chat-message","roomId":"r1","text":"hi","displayName":"Alice"}`,
			want: ChatMessage{RoomID: "r1", Text: "hi", DisplayName: "Alice"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeRequest(JSON, []byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeRequest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		err  error
	}{
		{name: "garbage", in: `{"type":`, err: ErrMalformed},
		{name: "no type", in: `{"roomId":"r1"}`, err: ErrMissingField},
		{name: "unknown type", in: `{"type":"dance"}`, err: ErrUnknownType},
		{name: "join without room", in: `{"type":"join-room","userId":"A"}`, err: ErrMissingField},
		{name: "join without user", in: `{"type":"join-room","roomId":"r1"}`, err: ErrMissingField},
		{name: "offer without payload", in: `{"type":"offer","roomId":"r1","targetUserId":"B"}`, err: ErrMissingField},
		{name: "offer with null payload", in: `{"type":"offer","roomId":"r1","targetUserId":"B","offer":null}`, err: ErrMissingField},
		{name: "offer without target", in: `{"type":"offer","roomId":"r1","offer":{}}`, err: ErrMissingField},
		{name: "candidate without room", in: `{"type":"ice-candidate","targetUserId":"B","candidate":{}}`, err: ErrMissingField},
		{name: "chat without text", in: `{"type":"chat-message","roomId":"r1","displayName":"A"}`, err: ErrMissingField},
		{name: "server event from client", in: `{"type":"user-connected","userId":"A"}`, err: ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(JSON, []byte(tt.in))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOfferPayloadIsRelayedVerbatim(t *testing.T) {
	in := `{"type":"offer","roomId":"r1","targetUserId":"B","offer":` + sampleOffer + `}`
	ev, err := DecodeRequest(JSON, []byte(in))
	require.NoError(t, err)

	offer := ev.(Offer)
	out, err := Encode(JSON, Offer{RoomID: offer.RoomID, SDP: offer.SDP, SenderID: "A"})
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &got))
	assert.JSONEq(t, `"offer"`, string(got["type"]))
	assert.JSONEq(t, `"A"`, string(got["senderId"]))
	assert.Equal(t, sampleOffer, string(got["offer"]))
	assert.NotContains(t, got, "targetUserId")
}

func TestBlobCrossesCodecs(t *testing.T) {
	in := `{"type":"ice-candidate","roomId":"r1","targetUserId":"B","candidate":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	ev, err := DecodeRequest(JSON, []byte(in))
	require.NoError(t, err)

	packed, err := Encode(MsgPack, ev)
	require.NoError(t, err)

	back, err := Decode(MsgPack, packed)
	require.NoError(t, err)
	cand := back.(ICECandidate)

	var c map[string]any
	require.NoError(t, cand.Candidate.Decode(&c))
	assert.Equal(t, "0", c["sdpMid"])
	assert.Contains(t, c["candidate"], "typ host")

	js, err := cand.Candidate.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`, string(js))
}

func TestExistingUsersAlwaysCarriesList(t *testing.T) {
	out, err := Encode(JSON, ExistingUsers{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"existing-users","users":[]}`, string(out))

	ev, err := Decode(JSON, out)
	require.NoError(t, err)
	assert.Equal(t, ExistingUsers{Users: []string{}}, ev)
}

func TestChatTimestampSurvivesMsgPack(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	out, err := Encode(MsgPack, ChatMessage{Text: "hello", DisplayName: "Bob", Timestamp: ts})
	require.NoError(t, err)

	ev, err := Decode(MsgPack, out)
	require.NoError(t, err)
	msg := ev.(ChatMessage)
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, ts.Equal(msg.Timestamp))
}

func TestCodecFor(t *testing.T) {
	c, ok := CodecFor("")
	require.True(t, ok)
	assert.Equal(t, JSON, c)

	c, ok = CodecFor(SubprotocolMsgPack)
	require.True(t, ok)
	assert.True(t, c.Binary())

	_, ok = CodecFor("soap")
	assert.False(t, ok)
}
