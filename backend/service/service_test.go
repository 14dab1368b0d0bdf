package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/meetroom/backend/auth"
	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/storage"
	"github.com/adwski/meetroom/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

type prefixTokens struct{}

func (prefixTokens) Issue(userID string) (string, error) { return "token-" + userID, nil }

type stubSummarizer struct {
	summary model.Summary
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(context.Context, string) (model.Summary, error) {
	s.calls++
	return s.summary, s.err
}

func newTestService(t *testing.T, sum Summarizer) *Service {
	t.Helper()
	logger := zerolog.Nop()
	return NewService(Config{
		Store:      memory.NewMemStore(),
		Tokens:     prefixTokens{},
		Passwords:  auth.Passwords{},
		Summarizer: sum,
		Clock:      func() time.Time { return testNow },
		Logger:     &logger,
	})
}

func TestRegisterLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	sess, err := svc.Register(ctx, Credentials{Username: " alice ", Email: "Alice@Example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "alice@example.com", sess.Email)
	assert.Equal(t, "token-"+sess.UserID, sess.Token)

	_, err = svc.Register(ctx, Credentials{Username: "alice", Password: "another1"})
	require.ErrorIs(t, err, storage.ErrUserExists)
	_, err = svc.Register(ctx, Credentials{Username: "al", Email: "alice@example.com", Password: "another1"})
	require.ErrorIs(t, err, storage.ErrUserExists)
	_, err = svc.Register(ctx, Credentials{Username: "bob", Password: "123"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Register(ctx, Credentials{Username: "bob", Email: "not-an-email", Password: "secret1"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	again, err := svc.Login(ctx, Credentials{Username: "alice", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, again.UserID)
	byEmail, err := svc.Login(ctx, Credentials{Email: "ALICE@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, byEmail.UserID)

	_, err = svc.Login(ctx, Credentials{Username: "alice", Password: "wrong-password"})
	require.ErrorIs(t, err, ErrCredentials)
	_, err = svc.Login(ctx, Credentials{Username: "nobody", Password: "secret1"})
	require.ErrorIs(t, err, ErrCredentials)
	_, err = svc.Login(ctx, Credentials{Email: "nobody@example.com", Password: "secret1"})
	require.ErrorIs(t, err, ErrCredentials)
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	alice, err := svc.Register(ctx, Credentials{Username: "alice", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, Credentials{Username: "bob", Email: "bob@example.com", Password: "secret1"})
	require.NoError(t, err)

	u, err := svc.Profile(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Empty(t, u.Email)
	assert.Equal(t, testNow, u.CreatedAt)

	u, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username, "empty fields are unchanged")
	assert.Equal(t, "alice@example.com", u.Email)

	_, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Username: "bob"})
	require.ErrorIs(t, err, storage.ErrUserExists)
	_, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Email: "bob@example.com"})
	require.ErrorIs(t, err, storage.ErrUserExists)
	_, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Email: "nope"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Password: "123"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Username: "alicia", Password: "newpass1"})
	require.NoError(t, err)
	_, err = svc.Login(ctx, Credentials{Username: "alicia", Password: "secret1"})
	require.ErrorIs(t, err, ErrCredentials)
	_, err = svc.Login(ctx, Credentials{Username: "alicia", Password: "newpass1"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteAccount(ctx, alice.UserID))
	require.ErrorIs(t, svc.DeleteAccount(ctx, alice.UserID), storage.ErrUserNotFound)
	_, err = svc.Profile(ctx, alice.UserID)
	require.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = svc.UpdateProfile(ctx, alice.UserID, ProfileUpdate{Username: "ghost"})
	require.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = svc.Login(ctx, Credentials{Email: "alice@example.com", Password: "newpass1"})
	require.ErrorIs(t, err, ErrCredentials)
}

func TestCreateAndJoinRoom(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	room, err := svc.CreateRoom(ctx, "alice")
	require.NoError(t, err)
	id, err := uuid.Parse(room.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), id.Version())
	assert.True(t, room.Active)
	assert.Equal(t, []string{"alice"}, room.Participants)

	joined, err := svc.JoinRoom(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, joined.Participants)

	joined, err = svc.JoinRoom(ctx, room.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, joined.Participants)

	_, err = svc.JoinRoom(ctx, "not-a-uuid", "bob")
	require.ErrorIs(t, err, ErrInvalidRoomID)
	_, err = svc.JoinRoom(ctx, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "bob")
	require.ErrorIs(t, err, ErrInvalidRoomID, "v1 uuid")
	_, err = svc.JoinRoom(ctx, uuid.NewString(), "bob")
	require.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func TestCallLogs(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.CreateCallLog(ctx, "alice", NewCallLog{RoomID: "r1"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	cl, err := svc.CreateCallLog(ctx, "alice", NewCallLog{
		RoomID:     "r1",
		ReceiverID: "bob",
		StartTime:  testNow.Add(-2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", cl.CallerID)
	assert.Nil(t, cl.EndTime)

	ended, err := svc.EndCallLog(ctx, "r1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(120), ended.Duration)

	_, err = svc.EndCallLog(ctx, "r1", time.Time{})
	require.ErrorIs(t, err, storage.ErrCallLogNotFound)

	logs, err := svc.CallLogs(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, logs, 1)

	stats, err := svc.CallStats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.CallStats{TotalCalls: 1, TotalDuration: 120, AverageDuration: 120}, stats)
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	sum := &stubSummarizer{summary: model.Summary{
		Summary:     "short",
		KeyPoints:   []string{"k"},
		ActionItems: []string{},
	}}
	svc := newTestService(t, sum)

	_, err := svc.CreateSummary(ctx, "alice", NewSummary{RoomID: "r1", Username: "Alice"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, sum.calls)

	ms, err := svc.CreateSummary(ctx, "alice", NewSummary{RoomID: "r1", Username: "Alice", Transcript: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "short", ms.Summary.Summary)
	assert.Equal(t, testNow, ms.StartTime)
	assert.Equal(t, testNow, ms.CreatedAt)

	list, err := svc.Summaries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = svc.Summary(ctx, "mallory", ms.ID)
	require.ErrorIs(t, err, ErrForbidden)
	require.ErrorIs(t, svc.DeleteSummary(ctx, "mallory", ms.ID), ErrForbidden)

	got, err := svc.Summary(ctx, "alice", ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ms.ID, got.ID)

	require.NoError(t, svc.DeleteSummary(ctx, "alice", ms.ID))
	_, err = svc.Summary(ctx, "alice", ms.ID)
	require.ErrorIs(t, err, storage.ErrSummaryNotFound)

	sum.err = errors.New("upstream down")
	_, err = svc.CreateSummary(ctx, "alice", NewSummary{RoomID: "r1", Username: "Alice", Transcript: "hello"})
	require.ErrorIs(t, err, ErrSummary)
}

func TestSummaries_NotConfigured(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.CreateSummary(context.Background(), "alice",
		NewSummary{RoomID: "r1", Username: "Alice", Transcript: "hello"})
	require.ErrorIs(t, err, ErrNoSummarizer)
}
