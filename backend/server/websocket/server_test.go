package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/adwski/meetroom/backend/registry"
	"github.com/adwski/meetroom/backend/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens map[string]string

func (s staticTokens) Verify(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

type testEnv struct {
	srv *Server
	reg *registry.Registry
	hs  *httptest.Server
}

func newTestEnv(t *testing.T, requireAuth bool) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.NewRegistry(&logger)
	srv := NewServer(Config{
		Logger:      &logger,
		Relay:       relay.NewRelay(relay.Config{Logger: &logger, Membership: reg}),
		Tokens:      staticTokens{"tok-alice": "alice"},
		RequireAuth: requireAuth,
	})
	hs := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		hs.Close()
		srv.CloseConnections()
	})
	return &testEnv{srv: srv, reg: reg, hs: hs}
}

type client struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func (e *testEnv) dial(t *testing.T, subprotocol, query string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.hs.URL, "http") + "/signal" + query
	d := websocket.Dialer{HandshakeTimeout: time.Second}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	conn, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	codec, ok := protocol.CodecFor(conn.Subprotocol())
	require.True(t, ok)
	return &client{t: t, conn: conn, codec: codec}
}

func (c *client) send(ev protocol.Event) {
	c.t.Helper()
	b, err := protocol.Encode(c.codec, ev)
	require.NoError(c.t, err)
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	require.NoError(c.t, c.conn.WriteMessage(msgType, b))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) recv() protocol.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, b, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	ev, err := protocol.Decode(c.codec, b)
	require.NoError(c.t, err)
	return ev
}

func TestSignalingRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, protocol.SubprotocolJSON, "")
	b := env.dial(t, protocol.SubprotocolMsgPack, "")

	a.send(protocol.JoinRoom{RoomID: "r1", UserID: "A"})
	assert.Equal(t, protocol.ExistingUsers{Users: []string{}}, a.recv())

	b.send(protocol.JoinRoom{RoomID: "r1", UserID: "B"})
	assert.Equal(t, protocol.ExistingUsers{Users: []string{"A"}}, b.recv())
	assert.Equal(t, protocol.UserConnected{UserID: "B"}, a.recv())

	sdp := protocol.RawJSON([]byte(`{"type":"offer","sdp":"v=0\r\n"}`))
	a.send(protocol.Offer{RoomID: "r1", SDP: sdp, TargetUserID: "B"})
	offer, ok := b.recv().(protocol.Offer)
	require.True(t, ok)
	assert.Equal(t, "A", offer.SenderID)
	var desc map[string]string
	require.NoError(t, offer.SDP.Decode(&desc))
	assert.Equal(t, map[string]string{"type": "offer", "sdp": "v=0\r\n"}, desc)

	b.send(protocol.ChatMessage{RoomID: "r1", Text: "hi", DisplayName: "Bob"})
	for _, c := range []*client{a, b} {
		msg, ok := c.recv().(protocol.ChatMessage)
		require.True(t, ok)
		assert.Equal(t, "hi", msg.Text)
		assert.False(t, msg.Timestamp.IsZero())
	}

	require.NoError(t, b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, protocol.UserDisconnected{UserID: "B"}, a.recv())
	assert.Eventually(t, func() bool { return env.reg.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameIsAnsweredNotFatal(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "", "")

	a.sendRaw(`{"type":"join-room","roomId":"r1"}`)
	errEv, ok := a.recv().(protocol.Error)
	require.True(t, ok)
	assert.Contains(t, errEv.Message, "userId")

	a.sendRaw(`not json`)
	_, ok = a.recv().(protocol.Error)
	require.True(t, ok)

	a.send(protocol.JoinRoom{RoomID: "r1", UserID: "A"})
	assert.Equal(t, protocol.ExistingUsers{Users: []string{}}, a.recv())
}

func TestRequireAuth(t *testing.T) {
	env := newTestEnv(t, true)
	url := "ws" + strings.TrimPrefix(env.hs.URL, "http") + "/signal"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	a := env.dial(t, "", "?token=tok-alice")
	a.send(protocol.JoinRoom{RoomID: "r1", UserID: "mallory"})
	_, ok := a.recv().(protocol.Error)
	require.True(t, ok)

	a.send(protocol.JoinRoom{RoomID: "r1", UserID: "alice"})
	assert.Equal(t, protocol.ExistingUsers{Users: []string{}}, a.recv())
}

func TestOutboxOverflowCancels(t *testing.T) {
	cancelled := false
	out := &outbox{
		tx:     make(chan protocol.Event, 1),
		cancel: func() { cancelled = true },
	}
	assert.True(t, out.Deliver(protocol.UserConnected{UserID: "A"}))
	assert.False(t, cancelled)
	assert.False(t, out.Deliver(protocol.UserConnected{UserID: "B"}))
	assert.True(t, cancelled)
}
