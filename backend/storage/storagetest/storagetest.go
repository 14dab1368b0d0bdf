// Package storagetest is a behaviour suite every store implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Store interface {
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	JoinRoom(ctx context.Context, roomID, userID string) (*model.Room, error)

	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, userID string) error

	CreateCallLog(ctx context.Context, log *model.CallLog) error
	EndCallLog(ctx context.Context, roomID string, end time.Time) (*model.CallLog, error)
	ListCallLogs(ctx context.Context, userID string, limit int) ([]model.CallLog, error)
	CallStats(ctx context.Context, userID string) (model.CallStats, error)

	CreateSummary(ctx context.Context, s *model.MeetingSummary) error
	GetSummary(ctx context.Context, id string) (*model.MeetingSummary, error)
	ListSummaries(ctx context.Context, userID string, limit int) ([]model.MeetingSummary, error)
	DeleteSummary(ctx context.Context, id string) error
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite; newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("rooms", func(t *testing.T) { testRooms(t, newStore(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("call logs", func(t *testing.T) { testCallLogs(t, newStore(t)) })
	t.Run("summaries", func(t *testing.T) { testSummaries(t, newStore(t)) })
}

func testRooms(t *testing.T, st Store) {
	ctx := context.Background()

	require.NoError(t, st.CreateRoom(ctx, &model.Room{
		ID:           "room-1",
		Participants: []string{"alice"},
		Active:       true,
		CreatedAt:    base,
	}))
	require.ErrorIs(t, st.CreateRoom(ctx, &model.Room{ID: "room-1"}), storage.ErrRoomExists)

	room, err := st.JoinRoom(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, room.Participants)

	room, err = st.JoinRoom(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, room.Participants, "participant is recorded once")

	room, err = st.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, room.Active)
	assert.True(t, base.Equal(room.CreatedAt))

	_, err = st.JoinRoom(ctx, "missing", "bob")
	require.ErrorIs(t, err, storage.ErrRoomNotFound)
	_, err = st.GetRoom(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrRoomNotFound)

	require.NoError(t, st.CreateRoom(ctx, &model.Room{ID: "closed", Participants: []string{"x"}, CreatedAt: base}))
	_, err = st.JoinRoom(ctx, "closed", "bob")
	require.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func testUsers(t *testing.T, st Store) {
	ctx := context.Background()

	u := &model.User{ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: []byte("hash"), CreatedAt: base}
	require.NoError(t, st.CreateUser(ctx, u))
	require.ErrorIs(t, st.CreateUser(ctx, &model.User{ID: "u2", Username: "alice"}), storage.ErrUserExists)
	require.ErrorIs(t, st.CreateUser(ctx,
		&model.User{ID: "u2", Username: "other", Email: "alice@example.com"}), storage.ErrUserExists)
	// Users without an email do not collide with each other.
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "u2", Username: "bob", CreatedAt: base}))
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "u3", Username: "carol", CreatedAt: base}))

	got, err := st.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.Equal(t, []byte("hash"), got.PasswordHash)

	got, err = st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.True(t, base.Equal(got.CreatedAt))

	got, err = st.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = st.GetUserByName(ctx, "dave")
	require.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = st.GetUser(ctx, "u9")
	require.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = st.GetUserByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, storage.ErrUserNotFound)

	// update
	got.Username = "alicia"
	got.Email = "alicia@example.com"
	require.NoError(t, st.UpdateUser(ctx, got))
	_, err = st.GetUserByName(ctx, "alice")
	require.ErrorIs(t, err, storage.ErrUserNotFound, "old name is released")
	_, err = st.GetUserByEmail(ctx, "alice@example.com")
	require.ErrorIs(t, err, storage.ErrUserNotFound, "old email is released")
	got, err = st.GetUserByEmail(ctx, "alicia@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alicia", got.Username)
	assert.Equal(t, []byte("hash"), got.PasswordHash)

	bob, err := st.GetUser(ctx, "u2")
	require.NoError(t, err)
	bob.Username = "alicia"
	require.ErrorIs(t, st.UpdateUser(ctx, bob), storage.ErrUserExists)
	bob.Username = "bob"
	bob.Email = "alicia@example.com"
	require.ErrorIs(t, st.UpdateUser(ctx, bob), storage.ErrUserExists)
	require.ErrorIs(t, st.UpdateUser(ctx, &model.User{ID: "u9", Username: "ghost"}), storage.ErrUserNotFound)

	// delete
	require.NoError(t, st.DeleteUser(ctx, "u1"))
	require.ErrorIs(t, st.DeleteUser(ctx, "u1"), storage.ErrUserNotFound)
	_, err = st.GetUser(ctx, "u1")
	require.ErrorIs(t, err, storage.ErrUserNotFound)
	require.NoError(t, st.CreateUser(ctx,
		&model.User{ID: "u4", Username: "alicia", Email: "alicia@example.com", CreatedAt: base}),
		"name and email are free again")
}

func testCallLogs(t *testing.T, st Store) {
	ctx := context.Background()

	stats, err := st.CallStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CallStats{}, stats)

	for i, l := range []model.CallLog{
		{ID: "c1", CallerID: "alice", ReceiverID: "bob", RoomID: "r1", StartTime: base},
		{ID: "c2", CallerID: "carol", ReceiverID: "alice", RoomID: "r2", StartTime: base.Add(time.Hour)},
		{ID: "c3", CallerID: "bob", ReceiverID: "carol", RoomID: "r3", StartTime: base.Add(2 * time.Hour)},
	} {
		require.NoError(t, st.CreateCallLog(ctx, &l), "log %d", i)
	}

	ended, err := st.EndCallLog(ctx, "r1", base.Add(90*time.Second+500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(90), ended.Duration)
	require.NotNil(t, ended.EndTime)

	_, err = st.EndCallLog(ctx, "r1", base.Add(time.Hour))
	require.ErrorIs(t, err, storage.ErrCallLogNotFound, "already ended")

	ended, err = st.EndCallLog(ctx, "r2", base.Add(time.Hour+31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(31), ended.Duration)

	logs, err := st.ListCallLogs(ctx, "alice", 50)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c2", logs[0].ID, "newest first")
	assert.Equal(t, "c1", logs[1].ID)

	logs, err = st.ListCallLogs(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	stats, err = st.CallStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.CallStats{TotalCalls: 2, TotalDuration: 121, AverageDuration: 60}, stats)
}

func testSummaries(t *testing.T, st Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateSummary(ctx, &model.MeetingSummary{
			ID:         fmt.Sprintf("s%d", i),
			RoomID:     "r1",
			UserID:     "alice",
			Username:   "Alice",
			Transcript: "we talked",
			Summary: model.Summary{
				Summary:     fmt.Sprintf("summary %d", i),
				KeyPoints:   []string{"a", "b"},
				ActionItems: []string{},
			},
			Duration:  60,
			StartTime: base,
			EndTime:   base.Add(time.Minute),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := st.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "summary 1", got.Summary.Summary)
	assert.Equal(t, []string{"a", "b"}, got.KeyPoints)
	assert.Empty(t, got.ActionItems)

	list, err := st.ListSummaries(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, "s1", list[1].ID)

	list, err = st.ListSummaries(ctx, "bob", 50)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, st.DeleteSummary(ctx, "s1"))
	require.ErrorIs(t, st.DeleteSummary(ctx, "s1"), storage.ErrSummaryNotFound)
	_, err = st.GetSummary(ctx, "s1")
	require.ErrorIs(t, err, storage.ErrSummaryNotFound)
}
