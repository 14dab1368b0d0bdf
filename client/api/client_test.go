package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/meetroom/backend/auth"
	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/registry"
	httpServer "github.com/adwski/meetroom/backend/server/http"
	"github.com/adwski/meetroom/backend/service"
	"github.com/adwski/meetroom/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoSummarizer struct{}

func (echoSummarizer) Summarize(_ context.Context, transcript string) (model.Summary, error) {
	return model.Summary{Summary: "about: " + transcript, KeyPoints: []string{}, ActionItems: []string{}}, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := zerolog.Nop()
	tokens, err := auth.NewAuthority(auth.Config{Secret: []byte("secret")})
	require.NoError(t, err)

	srv := httpServer.NewServer(httpServer.Config{
		Logger: &logger,
		Service: service.NewService(service.Config{
			Store:      memory.NewMemStore(),
			Tokens:     tokens,
			Passwords:  auth.Passwords{},
			Summarizer: echoSummarizer{},
			Logger:     &logger,
		}),
		Tokens:     tokens,
		Signaling:  registry.NewRegistry(&logger),
		ICEServers: []model.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	})
	hs := httptest.NewServer(srv.Handler)
	t.Cleanup(hs.Close)
	return NewClient(Config{BaseURL: hs.URL + "/", HTTPClient: hs.Client()})
}

func TestClient_Session(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.CreateRoom(ctx)
	require.ErrorIs(t, err, ErrNoToken)

	sess, err := c.Register(ctx, httpServer.Credentials{Username: "alice", Password: "password"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)

	_, err = c.Register(ctx, httpServer.Credentials{Username: "alice", Password: "password"})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	_, err = c.Login(ctx, httpServer.Credentials{Username: "alice", Password: "wrong-one"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, service.ErrCredentials.Error(), apiErr.Message)

	login, err := c.Login(ctx, httpServer.Credentials{Username: "alice", Password: "password"})
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, login.UserID)

	alice := c.WithToken(login.Token)
	roomID, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	room, err := alice.JoinRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.UserID}, room.Participants)

	ice, err := c.ICEServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ICEServer{{URLs: []string{"stun:stun.example.com"}}}, ice.ICEServers)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestClient_CallLogsAndSummaries(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	sess, err := c.Register(ctx, httpServer.Credentials{Username: "alice", Password: "password"})
	require.NoError(t, err)
	alice := c.WithToken(sess.Token)

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err = alice.CreateCallLog(ctx, service.NewCallLog{ReceiverID: "bob", RoomID: "r1", StartTime: start})
	require.NoError(t, err)
	cl, err := alice.EndCallLog(ctx, "r1", start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(90), cl.Duration)

	logs, err := alice.CallLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	stats, err := alice.CallStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCalls)

	ms, err := alice.CreateSummary(ctx, service.NewSummary{RoomID: "r1", Username: "Alice", Transcript: "budget"})
	require.NoError(t, err)
	assert.Equal(t, "about: budget", ms.Summary.Summary)

	list, err := alice.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := alice.Summary(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ms.ID, got.ID)

	require.NoError(t, alice.DeleteSummary(ctx, ms.ID))
	_, err = alice.Summary(ctx, ms.ID)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_Profile(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	sess, err := c.Register(ctx, httpServer.Credentials{Username: "alice", Email: "alice@example.com", Password: "password"})
	require.NoError(t, err)
	alice := c.WithToken(sess.Token)

	_, err = c.Profile(ctx)
	require.ErrorIs(t, err, ErrNoToken)

	user, err := alice.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	user, err = alice.UpdateProfile(ctx, service.ProfileUpdate{Username: "alicia", Password: "changed"})
	require.NoError(t, err)
	assert.Equal(t, "alicia", user.Username)

	login, err := c.Login(ctx, httpServer.Credentials{Email: "alice@example.com", Password: "changed"})
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, login.UserID)

	require.NoError(t, alice.DeleteAccount(ctx))
	_, err = alice.Profile(ctx)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
