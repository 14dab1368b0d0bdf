// Package api is a client for the meetroom REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/meetroom/backend/model"
	httpServer "github.com/adwski/meetroom/backend/server/http"
	"github.com/adwski/meetroom/backend/service"
)

const defaultTimeout = 30 * time.Second

var ErrNoToken = errors.New("not logged in")

// Error is a non-2xx answer of the API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %s: %s", http.StatusText(e.Status), e.Message)
}

type (
	Config struct {
		BaseURL    string
		Token      string
		HTTPClient *http.Client
	}

	Client struct {
		base  string
		token string
		http  *http.Client
	}

	envelope struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
)

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  hc,
	}
}

// WithToken returns a copy that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Register creates an account. Email is optional.
func (c *Client) Register(ctx context.Context, creds httpServer.Credentials) (*service.Session, error) {
	return c.authenticate(ctx, "/api/auth/register", creds)
}

// Login signs in by email when it is set, by username otherwise.
func (c *Client) Login(ctx context.Context, creds httpServer.Credentials) (*service.Session, error) {
	return c.authenticate(ctx, "/api/auth/login", creds)
}

func (c *Client) authenticate(ctx context.Context, path string, creds httpServer.Credentials) (*service.Session, error) {
	var sess service.Session
	if err := c.do(ctx, http.MethodPost, path, false, creds, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) Profile(ctx context.Context) (*model.User, error) {
	var user model.User
	if err := c.do(ctx, http.MethodGet, "/api/user/profile", true, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateProfile changes the non-empty fields of upd.
func (c *Client) UpdateProfile(ctx context.Context, upd service.ProfileUpdate) (*model.User, error) {
	var user model.User
	if err := c.do(ctx, http.MethodPut, "/api/user/profile", true, upd, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/user/account", true, nil, nil)
}

func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var out struct {
		RoomID string `json:"roomId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/room/create", true, nil, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// JoinRoom checks that the room exists and is active and records the user as participant.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (*model.Room, error) {
	var room model.Room
	if err := c.do(ctx, http.MethodPost, "/api/room/join/"+url.PathEscape(roomID), true, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) ICEServers(ctx context.Context) (*httpServer.ICEConfig, error) {
	var ice httpServer.ICEConfig
	if err := c.do(ctx, http.MethodGet, "/api/ice-servers", false, nil, &ice); err != nil {
		return nil, err
	}
	return &ice, nil
}

func (c *Client) CreateCallLog(ctx context.Context, req service.NewCallLog) (*model.CallLog, error) {
	var cl model.CallLog
	if err := c.do(ctx, http.MethodPost, "/api/call-logs", true, req, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

// EndCallLog closes the open call log of the room. A zero end means now.
func (c *Client) EndCallLog(ctx context.Context, roomID string, end time.Time) (*model.CallLog, error) {
	var body any
	if !end.IsZero() {
		body = httpServer.EndCallRequest{EndTime: end}
	}
	var cl model.CallLog
	if err := c.do(ctx, http.MethodPut, "/api/call-logs/"+url.PathEscape(roomID)+"/end", true, body, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

func (c *Client) CallLogs(ctx context.Context) ([]model.CallLog, error) {
	var logs []model.CallLog
	if err := c.do(ctx, http.MethodGet, "/api/call-logs", true, nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *Client) CallStats(ctx context.Context) (*model.CallStats, error) {
	var stats model.CallStats
	if err := c.do(ctx, http.MethodGet, "/api/call-logs/stats", true, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) CreateSummary(ctx context.Context, req service.NewSummary) (*model.MeetingSummary, error) {
	var ms model.MeetingSummary
	if err := c.do(ctx, http.MethodPost, "/api/meeting-summary", true, req, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (c *Client) Summaries(ctx context.Context) ([]model.MeetingSummary, error) {
	var list []model.MeetingSummary
	if err := c.do(ctx, http.MethodGet, "/api/meeting-summary", true, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Summary(ctx context.Context, id string) (*model.MeetingSummary, error) {
	var ms model.MeetingSummary
	if err := c.do(ctx, http.MethodGet, "/api/meeting-summary/"+url.PathEscape(id), true, nil, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (c *Client) DeleteSummary(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/meeting-summary/"+url.PathEscape(id), true, nil, nil)
}

func (c *Client) Health(ctx context.Context) (*httpServer.Health, error) {
	var h httpServer.Health
	if err := c.do(ctx, http.MethodGet, "/health", false, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, auth bool, body, out any) error {
	if auth && c.token == "" {
		return ErrNoToken
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cannot encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cannot read response: %w", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			}
			return fmt.Errorf("cannot decode response: %w", err)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{Status: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err = json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("cannot decode response data: %w", err)
		}
	}
	return nil
}
