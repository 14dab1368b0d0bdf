package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/adwski/meetroom/backend/registry"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)

type recorder struct {
	mx     sync.Mutex
	events []protocol.Event
	full   bool
}

func (rc *recorder) Deliver(ev protocol.Event) bool {
	rc.mx.Lock()
	defer rc.mx.Unlock()
	if rc.full {
		return false
	}
	rc.events = append(rc.events, ev)
	return true
}

// take returns and clears recorded events.
func (rc *recorder) take() []protocol.Event {
	rc.mx.Lock()
	defer rc.mx.Unlock()
	out := rc.events
	rc.events = nil
	return out
}

type harness struct {
	t     *testing.T
	relay *Relay
	reg   *registry.Registry
	conns map[string]*recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.NewRegistry(&logger)
	return &harness{
		t:   t,
		reg: reg,
		relay: NewRelay(Config{
			Logger:     &logger,
			Membership: reg,
			Clock:      func() time.Time { return testTime },
		}),
		conns: make(map[string]*recorder),
	}
}

func (h *harness) connect(connID, identity string) *recorder {
	h.t.Helper()
	rc := &recorder{}
	require.NoError(h.t, h.relay.Attach(connID, rc, identity))
	h.conns[connID] = rc
	return rc
}

func (h *harness) join(connID, roomID, userID string) {
	h.t.Helper()
	require.NoError(h.t, h.relay.Handle(connID, protocol.JoinRoom{RoomID: roomID, UserID: userID}))
}

func blob(t *testing.T, s string) protocol.Blob {
	t.Helper()
	return protocol.RawJSON([]byte(s))
}

func TestTwoPeerScenario(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")

	h.join("ca", "r1", "A")
	assert.Equal(t, []protocol.Event{protocol.ExistingUsers{Users: []string{}}}, a.take())

	h.join("cb", "r1", "B")
	assert.Equal(t, []protocol.Event{protocol.UserConnected{UserID: "B"}}, a.take())
	assert.Equal(t, []protocol.Event{protocol.ExistingUsers{Users: []string{"A"}}}, b.take())

	offer := blob(t, `{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, h.relay.Handle("ca", protocol.Offer{RoomID: "r1", SDP: offer, TargetUserID: "B"}))
	assert.Equal(t, []protocol.Event{protocol.Offer{RoomID: "r1", SDP: offer, SenderID: "A"}}, b.take())
	assert.Empty(t, a.take())

	answer := blob(t, `{"type":"answer","sdp":"v=0"}`)
	require.NoError(t, h.relay.Handle("cb", protocol.Answer{RoomID: "r1", SDP: answer, TargetUserID: "A"}))
	assert.Equal(t, []protocol.Event{protocol.Answer{RoomID: "r1", SDP: answer, SenderID: "B"}}, a.take())

	cand := blob(t, `{"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host"}`)
	require.NoError(t, h.relay.Handle("cb", protocol.ICECandidate{RoomID: "r1", Candidate: cand, TargetUserID: "A"}))
	assert.Equal(t, []protocol.Event{protocol.ICECandidate{RoomID: "r1", Candidate: cand, SenderID: "B"}}, a.take())

	h.relay.Detach("cb")
	assert.Equal(t, []protocol.Event{protocol.UserDisconnected{UserID: "B"}}, a.take())
	assert.Empty(t, b.take())
}

func TestThreePeerScenario(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")
	c := h.connect("cc", "")

	h.join("ca", "r1", "A")
	h.join("cb", "r1", "B")
	a.take()
	b.take()

	h.join("cc", "r1", "C")
	assert.Equal(t, []protocol.Event{protocol.UserConnected{UserID: "C"}}, a.take())
	assert.Equal(t, []protocol.Event{protocol.UserConnected{UserID: "C"}}, b.take())
	assert.Equal(t, []protocol.Event{protocol.ExistingUsers{Users: []string{"A", "B"}}}, c.take())
}

func TestConcurrentJoinsSeeConsistentRoom(t *testing.T) {
	h := newHarness(t)
	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, id := range ids {
		h.connect("c"+id, "")
	}

	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, h.relay.Handle("c"+id, protocol.JoinRoom{RoomID: "r1", UserID: id}))
		}(id)
	}
	wg.Wait()

	// Each member knows exactly every other member: either from its
	// existing-users list or from a user-connected announcement.
	for _, id := range ids {
		known := make(map[string]int)
		for _, ev := range h.conns["c"+id].take() {
			switch e := ev.(type) {
			case protocol.ExistingUsers:
				for _, u := range e.Users {
					known[u]++
				}
			case protocol.UserConnected:
				known[e.UserID]++
			}
		}
		assert.Len(t, known, len(ids)-1, "member %s:\n%s", id, spew.Sdump(known))
		for u, n := range known {
			assert.Equal(t, 1, n, "member %s learned about %s %d times", id, u, n)
			assert.NotEqual(t, id, u)
		}
	}
}

func TestForwardToAbsentTargetIsDropped(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")
	h.join("ca", "r1", "A")
	h.join("cb", "r1", "B")
	a.take()
	b.take()

	err := h.relay.Handle("ca", protocol.Offer{RoomID: "r1", SDP: blob(t, `{}`), TargetUserID: "Z"})
	require.ErrorIs(t, err, ErrUnknownTarget)
	assert.Empty(t, a.take(), "sender must not see an error")
	assert.Empty(t, b.take())
}

func TestForwardDoesNotCrossRooms(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")
	h.join("ca", "r1", "A")
	h.join("cb", "r2", "B")
	a.take()
	b.take()

	err := h.relay.Handle("ca", protocol.ICECandidate{RoomID: "r1", Candidate: blob(t, `{}`), TargetUserID: "B"})
	require.ErrorIs(t, err, ErrUnknownTarget)

	err = h.relay.Handle("ca", protocol.ICECandidate{RoomID: "r2", Candidate: blob(t, `{}`), TargetUserID: "B"})
	require.ErrorIs(t, err, ErrWrongRoom)
	assert.Len(t, a.take(), 1)
	assert.Empty(t, b.take())
}

func TestForwardReachesEveryConnectionOfTarget(t *testing.T) {
	h := newHarness(t)
	h.connect("ca", "")
	tab1 := h.connect("cb1", "")
	tab2 := h.connect("cb2", "")
	h.join("cb1", "r1", "B")
	h.join("cb2", "r1", "B")
	h.join("ca", "r1", "A")
	tab1.take()
	tab2.take()

	require.NoError(t, h.relay.Handle("ca", protocol.Offer{RoomID: "r1", SDP: blob(t, `{}`), TargetUserID: "B"}))
	assert.Len(t, tab1.take(), 1)
	assert.Len(t, tab2.take(), 1)
}

func TestChatReachesRoomOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")
	c := h.connect("cc", "")
	lobby := h.connect("cl", "")
	h.join("ca", "r1", "A")
	h.join("cb", "r1", "B")
	h.join("cc", "r2", "C")
	for _, rc := range []*recorder{a, b, c, lobby} {
		rc.take()
	}

	require.NoError(t, h.relay.Handle("ca", protocol.ChatMessage{RoomID: "r1", Text: "hello", DisplayName: "Alice"}))

	want := []protocol.Event{protocol.ChatMessage{Text: "hello", DisplayName: "Alice", Timestamp: testTime}}
	assert.Equal(t, want, a.take())
	assert.Equal(t, want, b.take())
	assert.Empty(t, c.take())
	assert.Empty(t, lobby.take())
}

func TestProtocolErrorsAreAnswered(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")

	err := h.relay.Handle("ca", protocol.Offer{RoomID: "r1", SDP: blob(t, `{}`), TargetUserID: "B"})
	require.ErrorIs(t, err, ErrNotJoined)
	evs := a.take()
	require.Len(t, evs, 1)
	assert.IsType(t, protocol.Error{}, evs[0])

	err = h.relay.Handle("ca", protocol.ChatMessage{RoomID: "r1", Text: "x", DisplayName: "A"})
	require.ErrorIs(t, err, ErrNotJoined)
	a.take()

	h.join("ca", "r1", "A")
	a.take()
	err = h.relay.Handle("ca", protocol.JoinRoom{RoomID: "r2", UserID: "A"})
	require.ErrorIs(t, err, registry.ErrAlreadyJoined)
	evs = a.take()
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].(protocol.Error).Message, "already joined")

	err = h.relay.Handle("ca", protocol.UserConnected{UserID: "A"})
	require.ErrorIs(t, err, protocol.ErrUnknownType)
}

func TestIdentityBinding(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "alice")

	err := h.relay.Handle("ca", protocol.JoinRoom{RoomID: "r1", UserID: "mallory"})
	require.ErrorIs(t, err, ErrIdentityMismatch)
	assert.IsType(t, protocol.Error{}, a.take()[0])
	assert.Empty(t, h.reg.MembersOf("r1"))

	h.join("ca", "r1", "alice")
	assert.Len(t, h.reg.MembersOf("r1"), 1)
}

func TestExplicitLeaveAndRejoin(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")
	h.join("ca", "r1", "A")
	h.join("cb", "r1", "B")
	a.take()
	b.take()

	require.NoError(t, h.relay.Handle("cb", protocol.LeaveRoom{}))
	require.NoError(t, h.relay.Handle("cb", protocol.LeaveRoom{}))
	assert.Equal(t, []protocol.Event{protocol.UserDisconnected{UserID: "B"}}, a.take())

	h.join("cb", "r1", "B")
	assert.Equal(t, []protocol.Event{protocol.UserConnected{UserID: "B"}}, a.take())

	// detach after leave announces nothing twice
	require.NoError(t, h.relay.Handle("cb", protocol.LeaveRoom{}))
	a.take()
	h.relay.Detach("cb")
	assert.Empty(t, a.take())
}

func TestDisconnectAnnouncedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ids := []string{"A", "B", "C", "D"}
	for _, id := range ids {
		h.connect("c"+id, "")
		h.join("c"+id, "r1", id)
	}
	for _, rc := range h.conns {
		rc.take()
	}

	h.relay.Detach("cA")
	h.relay.Detach("cA")

	for _, id := range ids[1:] {
		assert.Equal(t, []protocol.Event{protocol.UserDisconnected{UserID: "A"}}, h.conns["c"+id].take())
	}
	assert.Len(t, h.reg.MembersOf("r1"), 3)
}

func TestDeadEndpointDoesNotBreakOthers(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")
	b := h.connect("cb", "")
	c := h.connect("cc", "")
	h.join("ca", "r1", "A")
	h.join("cb", "r1", "B")
	a.take()
	b.take()

	b.mx.Lock()
	b.full = true
	b.mx.Unlock()

	h.join("cc", "r1", "C")
	assert.Equal(t, []protocol.Event{protocol.UserConnected{UserID: "C"}}, a.take())
	assert.Equal(t, []protocol.Event{protocol.ExistingUsers{Users: []string{"A", "B"}}}, c.take())
}

func TestRejectAnswersWithError(t *testing.T) {
	h := newHarness(t)
	a := h.connect("ca", "")

	h.relay.Reject("ca", protocol.ErrMalformed)
	evs := a.take()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.Error{Message: protocol.ErrMalformed.Error()}, evs[0])
}
