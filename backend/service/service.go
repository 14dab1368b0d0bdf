package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	minPasswordLen   = 6
)

var (
	ErrCreate         = errors.New("unable to create room")
	ErrJoin           = errors.New("unable to join room")
	ErrInvalidRoomID  = errors.New("room id must be a version 4 uuid")
	ErrInvalidRequest = errors.New("invalid request")
	ErrCredentials    = errors.New("invalid credentials")
	ErrRegister       = errors.New("unable to register user")
	ErrCallLog        = errors.New("unable to process call log")
	ErrSummary        = errors.New("unable to process meeting summary")
	ErrNoSummarizer   = errors.New("summarization is not configured")
	ErrForbidden      = errors.New("not allowed")
	ErrProfile        = errors.New("unable to update profile")
)

type (
	RoomStore interface {
		CreateRoom(ctx context.Context, room *model.Room) error
		GetRoom(ctx context.Context, roomID string) (*model.Room, error)
		JoinRoom(ctx context.Context, roomID, userID string) (*model.Room, error)
	}

	UserStore interface {
		CreateUser(ctx context.Context, user *model.User) error
		GetUser(ctx context.Context, userID string) (*model.User, error)
		GetUserByName(ctx context.Context, username string) (*model.User, error)
		GetUserByEmail(ctx context.Context, email string) (*model.User, error)
		UpdateUser(ctx context.Context, user *model.User) error
		DeleteUser(ctx context.Context, userID string) error
	}

	CallLogStore interface {
		CreateCallLog(ctx context.Context, log *model.CallLog) error
		EndCallLog(ctx context.Context, roomID string, end time.Time) (*model.CallLog, error)
		ListCallLogs(ctx context.Context, userID string, limit int) ([]model.CallLog, error)
		CallStats(ctx context.Context, userID string) (model.CallStats, error)
	}

	SummaryStore interface {
		CreateSummary(ctx context.Context, s *model.MeetingSummary) error
		GetSummary(ctx context.Context, id string) (*model.MeetingSummary, error)
		ListSummaries(ctx context.Context, userID string, limit int) ([]model.MeetingSummary, error)
		DeleteSummary(ctx context.Context, id string) error
	}

	Store interface {
		RoomStore
		UserStore
		CallLogStore
		SummaryStore
	}

	Tokens interface {
		Issue(userID string) (string, error)
	}

	Passwords interface {
		Hash(password string) ([]byte, error)
		Check(hash []byte, password string) error
	}

	Summarizer interface {
		Summarize(ctx context.Context, transcript string) (model.Summary, error)
	}

	Service struct {
		store      Store
		tokens     Tokens
		passwords  Passwords
		summarizer Summarizer
		now        func() time.Time
		logger     zerolog.Logger
	}

	Config struct {
		Store      Store
		Tokens     Tokens
		Passwords  Passwords
		Summarizer Summarizer // optional
		Clock      func() time.Time
		Logger     *zerolog.Logger
	}

	// Credentials register a user or log one in. Login goes by email when
	// it is set and by username otherwise.
	Credentials struct {
		Username string `json:"username,omitempty"`
		Email    string `json:"email,omitempty"`
		Password string `json:"password"`
	}

	// Session is returned on register and login.
	Session struct {
		Token    string `json:"token"`
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Email    string `json:"email,omitempty"`
	}

	// ProfileUpdate changes the non-empty fields only.
	ProfileUpdate struct {
		Username string `json:"username,omitempty"`
		Email    string `json:"email,omitempty"`
		Password string `json:"password,omitempty"`
	}

	NewCallLog struct {
		ReceiverID string    `json:"receiverId"`
		RoomID     string    `json:"roomId"`
		StartTime  time.Time `json:"startTime"`
	}

	NewSummary struct {
		RoomID     string    `json:"roomId"`
		Username   string    `json:"username"`
		Transcript string    `json:"transcript"`
		Duration   int64     `json:"duration"`
		StartTime  time.Time `json:"startTime"`
		EndTime    time.Time `json:"endTime"`
	}
)

func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		passwords:  cfg.Passwords,
		summarizer: cfg.Summarizer,
		now:        clock,
		logger:     cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) Register(ctx context.Context, c Credentials) (*Session, error) {
	username := strings.TrimSpace(c.Username)
	email, ok := normalizeEmail(c.Email)
	if username == "" || !ok || len(c.Password) < minPasswordLen {
		return nil, errors.Join(ErrRegister, ErrInvalidRequest)
	}
	hash, err := svc.passwords.Hash(c.Password)
	if err != nil {
		return nil, errors.Join(ErrRegister, err)
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    svc.now().UTC(),
	}
	if err = svc.store.CreateUser(ctx, user); err != nil {
		return nil, errors.Join(ErrRegister, err)
	}
	svc.logger.Debug().
		Str("userID", user.ID).
		Str("username", username).
		Msg("user registered")
	return svc.session(user)
}

func (svc *Service) Login(ctx context.Context, c Credentials) (*Session, error) {
	var (
		user *model.User
		err  error
	)
	if email, _ := normalizeEmail(c.Email); email != "" {
		user, err = svc.store.GetUserByEmail(ctx, email)
	} else {
		user, err = svc.store.GetUserByName(ctx, strings.TrimSpace(c.Username))
	}
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, ErrCredentials
	}
	if err != nil {
		return nil, err
	}
	if err = svc.passwords.Check(user.PasswordHash, c.Password); err != nil {
		return nil, ErrCredentials
	}
	return svc.session(user)
}

func (svc *Service) session(user *model.User) (*Session, error) {
	token, err := svc.tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, UserID: user.ID, Username: user.Username, Email: user.Email}, nil
}

func (svc *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	return svc.store.GetUser(ctx, userID)
}

func (svc *Service) UpdateProfile(ctx context.Context, userID string, req ProfileUpdate) (*model.User, error) {
	user, err := svc.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(req.Username); name != "" {
		user.Username = name
	}
	if req.Email != "" {
		email, ok := normalizeEmail(req.Email)
		if !ok {
			return nil, errors.Join(ErrProfile, ErrInvalidRequest)
		}
		user.Email = email
	}
	if req.Password != "" {
		if len(req.Password) < minPasswordLen {
			return nil, errors.Join(ErrProfile, ErrInvalidRequest)
		}
		if user.PasswordHash, err = svc.passwords.Hash(req.Password); err != nil {
			return nil, errors.Join(ErrProfile, err)
		}
	}
	if err = svc.store.UpdateUser(ctx, user); err != nil {
		return nil, errors.Join(ErrProfile, err)
	}
	svc.logger.Debug().Str("userID", userID).Msg("profile updated")
	return user, nil
}

// DeleteAccount removes the user record only, call logs and summaries are kept.
func (svc *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := svc.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	svc.logger.Debug().Str("userID", userID).Msg("account deleted")
	return nil
}

// normalizeEmail lowercases email; empty is valid and means no email.
func normalizeEmail(email string) (string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", true
	}
	at := strings.IndexByte(email, '@')
	return email, at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}

// CreateRoom opens a new active room with the creator as first participant.
func (svc *Service) CreateRoom(ctx context.Context, userID string) (*model.Room, error) {
	room := &model.Room{
		ID:           uuid.NewString(),
		Participants: []string{userID},
		Active:       true,
		CreatedAt:    svc.now().UTC(),
	}
	if err := svc.store.CreateRoom(ctx, room); err != nil {
		return nil, errors.Join(ErrCreate, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", room.ID).
		Msg("room created")
	return room, nil
}

func (svc *Service) JoinRoom(ctx context.Context, roomID, userID string) (*model.Room, error) {
	if !validRoomID(roomID) {
		return nil, errors.Join(ErrJoin, ErrInvalidRoomID)
	}
	room, err := svc.store.JoinRoom(ctx, roomID, userID)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("user joined room")
	return room, nil
}

func (svc *Service) CreateCallLog(ctx context.Context, callerID string, req NewCallLog) (*model.CallLog, error) {
	if req.RoomID == "" || req.ReceiverID == "" {
		return nil, errors.Join(ErrCallLog, ErrInvalidRequest)
	}
	start := req.StartTime
	if start.IsZero() {
		start = svc.now()
	}
	cl := &model.CallLog{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: req.ReceiverID,
		RoomID:     req.RoomID,
		StartTime:  start.UTC(),
	}
	if err := svc.store.CreateCallLog(ctx, cl); err != nil {
		return nil, errors.Join(ErrCallLog, err)
	}
	return cl, nil
}

// EndCallLog closes the open log of the room. A zero end time means now.
func (svc *Service) EndCallLog(ctx context.Context, roomID string, end time.Time) (*model.CallLog, error) {
	if end.IsZero() {
		end = svc.now()
	}
	cl, err := svc.store.EndCallLog(ctx, roomID, end.UTC())
	if err != nil {
		return nil, errors.Join(ErrCallLog, err)
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Int64("duration", cl.Duration).
		Msg("call ended")
	return cl, nil
}

func (svc *Service) CallLogs(ctx context.Context, userID string) ([]model.CallLog, error) {
	logs, err := svc.store.ListCallLogs(ctx, userID, defaultListLimit)
	if err != nil {
		return nil, errors.Join(ErrCallLog, err)
	}
	return logs, nil
}

func (svc *Service) CallStats(ctx context.Context, userID string) (model.CallStats, error) {
	stats, err := svc.store.CallStats(ctx, userID)
	if err != nil {
		return model.CallStats{}, errors.Join(ErrCallLog, err)
	}
	return stats, nil
}

func (svc *Service) CreateSummary(ctx context.Context, userID string, req NewSummary) (*model.MeetingSummary, error) {
	if req.RoomID == "" || req.Username == "" || strings.TrimSpace(req.Transcript) == "" {
		return nil, errors.Join(ErrSummary, ErrInvalidRequest)
	}
	if svc.summarizer == nil {
		return nil, errors.Join(ErrSummary, ErrNoSummarizer)
	}
	summary, err := svc.summarizer.Summarize(ctx, req.Transcript)
	if err != nil {
		return nil, errors.Join(ErrSummary, err)
	}

	now := svc.now().UTC()
	ms := &model.MeetingSummary{
		ID:         uuid.NewString(),
		RoomID:     req.RoomID,
		UserID:     userID,
		Username:   req.Username,
		Transcript: req.Transcript,
		Summary:    summary,
		Duration:   req.Duration,
		StartTime:  orNow(req.StartTime, now),
		EndTime:    orNow(req.EndTime, now),
		CreatedAt:  now,
	}
	if err = svc.store.CreateSummary(ctx, ms); err != nil {
		return nil, errors.Join(ErrSummary, err)
	}
	svc.logger.Info().
		Str("roomID", ms.RoomID).
		Str("userID", userID).
		Str("summaryID", ms.ID).
		Msg("meeting summary created")
	return ms, nil
}

func (svc *Service) Summaries(ctx context.Context, userID string) ([]model.MeetingSummary, error) {
	list, err := svc.store.ListSummaries(ctx, userID, defaultListLimit)
	if err != nil {
		return nil, errors.Join(ErrSummary, err)
	}
	return list, nil
}

// Summary returns a summary owned by userID.
func (svc *Service) Summary(ctx context.Context, userID, id string) (*model.MeetingSummary, error) {
	ms, err := svc.store.GetSummary(ctx, id)
	if err != nil {
		return nil, errors.Join(ErrSummary, err)
	}
	if ms.UserID != userID {
		return nil, errors.Join(ErrSummary, ErrForbidden)
	}
	return ms, nil
}

func (svc *Service) DeleteSummary(ctx context.Context, userID, id string) error {
	if _, err := svc.Summary(ctx, userID, id); err != nil {
		return err
	}
	if err := svc.store.DeleteSummary(ctx, id); err != nil {
		return errors.Join(ErrSummary, err)
	}
	svc.logger.Info().Str("summaryID", id).Msg("meeting summary deleted")
	return nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

// validRoomID accepts only canonical v4 uuids, the form CreateRoom hands out.
func validRoomID(roomID string) bool {
	if len(roomID) != 36 {
		return false
	}
	id, err := uuid.Parse(roomID)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122
}
