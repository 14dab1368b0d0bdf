package registry

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/adwski/meetroom/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := zerolog.Nop()
	return NewRegistry(&logger)
}

func userIDs(members []model.Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}

func TestJoinRoom_ReturnsMembersBeforeJoin(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Register(id))
	}

	existing, err := r.JoinRoom("c1", "r1", "A", nil)
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = r.JoinRoom("c2", "r1", "B", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, userIDs(existing))

	var notified []model.Member
	existing, err = r.JoinRoom("c3", "r1", "C", func(joiner model.Member, others []model.Member) {
		assert.Equal(t, model.Member{ConnID: "c3", UserID: "C"}, joiner)
		notified = others
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, userIDs(existing))
	assert.Equal(t, existing, notified)
	assert.Equal(t, []string{"A", "B", "C"}, userIDs(r.MembersOf("r1")))
}

func TestJoinRoom_Errors(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1"))
	require.ErrorIs(t, r.Register("c1"), ErrAlreadyRegistered)

	_, err := r.JoinRoom("c1", "", "A", nil)
	require.ErrorIs(t, err, ErrInvalidRoom)
	_, err = r.JoinRoom("c1", "r1", "", nil)
	require.ErrorIs(t, err, ErrInvalidUser)
	_, err = r.JoinRoom("nope", "r1", "A", nil)
	require.ErrorIs(t, err, ErrNotRegistered)

	_, err = r.JoinRoom("c1", "r1", "A", nil)
	require.NoError(t, err)
	_, err = r.JoinRoom("c1", "r2", "A", nil)
	require.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Empty(t, r.MembersOf("r2"))
}

func TestDuplicateUserIsIndependentMember(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("tab1"))
	require.NoError(t, r.Register("tab2"))

	_, err := r.JoinRoom("tab1", "r1", "A", nil)
	require.NoError(t, err)
	existing, err := r.JoinRoom("tab2", "r1", "A", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, userIDs(existing))
	assert.Len(t, r.MembersByUser("r1", "A"), 2)

	_, ok := r.Unregister("tab1", nil)
	require.True(t, ok)
	assert.Equal(t, []model.Member{{ConnID: "tab2", UserID: "A"}}, r.MembersByUser("r1", "A"))
}

func TestLeaveRoom_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1"))
	require.NoError(t, r.Register("c2"))

	_, ok := r.LeaveRoom("c1", nil)
	assert.False(t, ok, "not in a room yet")

	_, err := r.JoinRoom("c1", "r1", "A", nil)
	require.NoError(t, err)
	_, err = r.JoinRoom("c2", "r1", "B", nil)
	require.NoError(t, err)

	calls := 0
	departed, ok := r.LeaveRoom("c1", func(m model.Member, remaining []model.Member) {
		calls++
		assert.Equal(t, []string{"B"}, userIDs(remaining))
	})
	require.True(t, ok)
	assert.Equal(t, model.Member{ConnID: "c1", UserID: "A"}, departed)

	_, ok = r.LeaveRoom("c1", func(model.Member, []model.Member) { calls++ })
	assert.False(t, ok)
	assert.Equal(t, 1, calls)

	// still registered, can join again
	_, err = r.JoinRoom("c1", "r2", "A", nil)
	require.NoError(t, err)
}

func TestUnregister_RemovesOnceAndKeepsEmptyRoom(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("c1"))
	_, err := r.JoinRoom("c1", "r1", "A", nil)
	require.NoError(t, err)

	_, ok := r.Unregister("c1", nil)
	require.True(t, ok)
	_, ok = r.Unregister("c1", nil)
	require.False(t, ok)

	_, _, ok = r.Lookup("c1")
	assert.False(t, ok)
	assert.Zero(t, r.Connections())
	assert.Equal(t, []RoomInfo{{ID: "r1", Members: 0}}, r.Rooms())
	assert.Empty(t, r.MembersOf("r1"))
	assert.Empty(t, r.MembersOf("unknown"))

	_, err = r.JoinRoom("c1", "r1", "A", nil)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestMembershipMatchesModel(t *testing.T) {
	r := newTestRegistry(t)
	rnd := rand.New(rand.NewPCG(1, 2))
	rooms := []string{"r1", "r2", "r3"}

	// reference model: conn -> room
	expected := make(map[string]string)
	registered := make(map[string]bool)

	for i := 0; i < 2000; i++ {
		connID := fmt.Sprintf("c%d", rnd.IntN(40))
		switch rnd.IntN(4) {
		case 0:
			if err := r.Register(connID); err == nil {
				registered[connID] = true
			}
		case 1:
			roomID := rooms[rnd.IntN(len(rooms))]
			if _, err := r.JoinRoom(connID, roomID, "u-"+connID, nil); err == nil {
				require.True(t, registered[connID])
				require.Empty(t, expected[connID])
				expected[connID] = roomID
			}
		case 2:
			_, ok := r.LeaveRoom(connID, nil)
			require.Equal(t, expected[connID] != "", ok)
			delete(expected, connID)
		case 3:
			_, ok := r.Unregister(connID, nil)
			require.Equal(t, expected[connID] != "", ok)
			delete(expected, connID)
			delete(registered, connID)
		}
	}

	for _, roomID := range rooms {
		var want []string
		for c, rm := range expected {
			if rm == roomID {
				want = append(want, c)
			}
		}
		var got []string
		for _, m := range r.MembersOf(roomID) {
			got = append(got, m.ConnID)
		}
		sort.Strings(want)
		sort.Strings(got)
		require.Equal(t, want, got, "room %s:\n%s", roomID, spew.Sdump(r.MembersOf(roomID)))
	}
}

func TestConcurrentJoinsAreSerialized(t *testing.T) {
	r := newTestRegistry(t)
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, r.Register(fmt.Sprintf("c%d", i)))
	}

	var (
		wg   sync.WaitGroup
		mx   sync.Mutex
		seen = make(map[int]bool) // sizes of "existing" lists observed
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			existing, err := r.JoinRoom(fmt.Sprintf("c%d", i), "r1", fmt.Sprintf("u%d", i), nil)
			assert.NoError(t, err)
			mx.Lock()
			seen[len(existing)] = true
			mx.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.MembersOf("r1"), n)
	// every join saw a distinct prefix of the room: 0..n-1
	for i := 0; i < n; i++ {
		assert.True(t, seen[i], "no join observed %d existing members", i)
	}
}
