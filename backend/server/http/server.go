package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/registry"
	"github.com/adwski/meetroom/backend/service"
	"github.com/adwski/meetroom/backend/storage"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second

	maxBodySize = 1 << 20
)

var (
	ErrUnexpected   = errors.New("unexpected server error")
	ErrUnauthorized = errors.New("authorization required")
	ErrBadBody      = errors.New("malformed request body")
	ErrBodyTooLarge = errors.New("request body is too large")
)

type (
	Service interface {
		Register(ctx context.Context, c service.Credentials) (*service.Session, error)
		Login(ctx context.Context, c service.Credentials) (*service.Session, error)

		Profile(ctx context.Context, userID string) (*model.User, error)
		UpdateProfile(ctx context.Context, userID string, req service.ProfileUpdate) (*model.User, error)
		DeleteAccount(ctx context.Context, userID string) error

		CreateRoom(ctx context.Context, userID string) (*model.Room, error)
		JoinRoom(ctx context.Context, roomID, userID string) (*model.Room, error)

		CreateCallLog(ctx context.Context, callerID string, req service.NewCallLog) (*model.CallLog, error)
		EndCallLog(ctx context.Context, roomID string, end time.Time) (*model.CallLog, error)
		CallLogs(ctx context.Context, userID string) ([]model.CallLog, error)
		CallStats(ctx context.Context, userID string) (model.CallStats, error)

		CreateSummary(ctx context.Context, userID string, req service.NewSummary) (*model.MeetingSummary, error)
		Summaries(ctx context.Context, userID string) ([]model.MeetingSummary, error)
		Summary(ctx context.Context, userID, id string) (*model.MeetingSummary, error)
		DeleteSummary(ctx context.Context, userID, id string) error
	}

	TokenVerifier interface {
		Verify(token string) (string, error)
	}

	// Signaling reports live signaling state for the health endpoint.
	Signaling interface {
		Rooms() []registry.RoomInfo
		Connections() int
	}

	Credentials = service.Credentials

	EndCallRequest struct {
		EndTime time.Time `json:"endTime"`
	}

	ICEConfig struct {
		ICEServers           []model.ICEServer `json:"iceServers"`
		ICECandidatePoolSize int               `json:"iceCandidatePoolSize"`
	}

	Health struct {
		Status      string              `json:"status"`
		Uptime      int64               `json:"uptime"`
		Connections int                 `json:"connections"`
		Rooms       []registry.RoomInfo `json:"rooms"`
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Server struct {
		logger    zerolog.Logger
		svc       Service
		tokens    TokenVerifier
		signaling Signaling
		ice       ICEConfig
		started   time.Time
		*http.Server
	}

	Config struct {
		Logger               *zerolog.Logger
		Service              Service
		Tokens               TokenVerifier
		Signaling            Signaling
		ICEServers           []model.ICEServer
		ICECandidatePoolSize int
		ListenAddr           string
	}

	userHandler func(w http.ResponseWriter, r *http.Request, userID string)
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:       cfg.Service,
		tokens:    cfg.Tokens,
		signaling: cfg.Signaling,
		ice: ICEConfig{
			ICEServers:           cfg.ICEServers,
			ICECandidatePoolSize: cfg.ICECandidatePoolSize,
		},
		started: time.Now(),
	}
	if srv.ice.ICEServers == nil {
		srv.ice.ICEServers = []model.ICEServer{}
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/auth/register", srv.register)
	r.HandleFunc("POST /api/auth/login", srv.login)
	r.HandleFunc("GET /api/user/profile", srv.authenticated(srv.profile))
	r.HandleFunc("PUT /api/user/profile", srv.authenticated(srv.updateProfile))
	r.HandleFunc("DELETE /api/user/account", srv.authenticated(srv.deleteAccount))
	r.HandleFunc("POST /api/room/create", srv.authenticated(srv.createRoom))
	r.HandleFunc("POST /api/room/join/{roomID}", srv.authenticated(srv.joinRoom))
	r.HandleFunc("GET /api/ice-servers", srv.iceServers)
	r.HandleFunc("POST /api/call-logs", srv.authenticated(srv.createCallLog))
	r.HandleFunc("PUT /api/call-logs/{roomID}/end", srv.authenticated(srv.endCallLog))
	r.HandleFunc("GET /api/call-logs", srv.authenticated(srv.callLogs))
	r.HandleFunc("GET /api/call-logs/stats", srv.authenticated(srv.callStats))
	r.HandleFunc("POST /api/meeting-summary", srv.authenticated(srv.createSummary))
	r.HandleFunc("GET /api/meeting-summary", srv.authenticated(srv.summaries))
	r.HandleFunc("GET /api/meeting-summary/{id}", srv.authenticated(srv.summary))
	r.HandleFunc("DELETE /api/meeting-summary/{id}", srv.authenticated(srv.deleteSummary))
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.accessLog(withCORS(r)),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (srv *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		srv.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.code).
			Dur("took", time.Since(start)).
			Msg("request served")
	})
}

func (srv *Server) authenticated(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			srv.writeError(w, ErrUnauthorized)
			return
		}
		userID, err := srv.tokens.Verify(token)
		if err != nil {
			srv.logger.Debug().Err(err).Msg("token rejected")
			srv.writeError(w, ErrUnauthorized)
			return
		}
		h(w, r, userID)
	}
}

func (srv *Server) register(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeBody(w, r, &creds, false); err != nil {
		srv.writeError(w, err)
		return
	}
	sess, err := srv.svc.Register(r.Context(), creds)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusCreated, &GenericResponse{Message: "user registered", Data: sess})
}

func (srv *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeBody(w, r, &creds, false); err != nil {
		srv.writeError(w, err)
		return
	}
	sess, err := srv.svc.Login(r.Context(), creds)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK", Data: sess})
}

func (srv *Server) profile(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := srv.svc.Profile(r.Context(), userID)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: user})
}

func (srv *Server) updateProfile(w http.ResponseWriter, r *http.Request, userID string) {
	var req service.ProfileUpdate
	if err := decodeBody(w, r, &req, false); err != nil {
		srv.writeError(w, err)
		return
	}
	user, err := srv.svc.UpdateProfile(r.Context(), userID, req)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "profile updated", Data: user})
}

func (srv *Server) deleteAccount(w http.ResponseWriter, r *http.Request, userID string) {
	if err := srv.svc.DeleteAccount(r.Context(), userID); err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "account deleted"})
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request, userID string) {
	room, err := srv.svc.CreateRoom(r.Context(), userID)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusCreated, &GenericResponse{
		Message: "room created",
		Data:    map[string]string{"roomId": room.ID},
	})
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request, userID string) {
	room, err := srv.svc.JoinRoom(r.Context(), r.PathValue("roomID"), userID)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.logger.Trace().Str("roomID", room.ID).Str("userID", userID).Msg("join request served")
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK", Data: room})
}

func (srv *Server) iceServers(w http.ResponseWriter, _ *http.Request) {
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: srv.ice})
}

func (srv *Server) createCallLog(w http.ResponseWriter, r *http.Request, userID string) {
	var req service.NewCallLog
	if err := decodeBody(w, r, &req, false); err != nil {
		srv.writeError(w, err)
		return
	}
	cl, err := srv.svc.CreateCallLog(r.Context(), userID, req)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusCreated, &GenericResponse{Data: cl})
}

func (srv *Server) endCallLog(w http.ResponseWriter, r *http.Request, _ string) {
	var req EndCallRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		srv.writeError(w, err)
		return
	}
	cl, err := srv.svc.EndCallLog(r.Context(), r.PathValue("roomID"), req.EndTime)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: cl})
}

func (srv *Server) callLogs(w http.ResponseWriter, r *http.Request, userID string) {
	logs, err := srv.svc.CallLogs(r.Context(), userID)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: logs})
}

func (srv *Server) callStats(w http.ResponseWriter, r *http.Request, userID string) {
	stats, err := srv.svc.CallStats(r.Context(), userID)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: stats})
}

func (srv *Server) createSummary(w http.ResponseWriter, r *http.Request, userID string) {
	var req service.NewSummary
	if err := decodeBody(w, r, &req, false); err != nil {
		srv.writeError(w, err)
		return
	}
	ms, err := srv.svc.CreateSummary(r.Context(), userID, req)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusCreated, &GenericResponse{Message: "meeting summary created", Data: ms})
}

func (srv *Server) summaries(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := srv.svc.Summaries(r.Context(), userID)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: list})
}

func (srv *Server) summary(w http.ResponseWriter, r *http.Request, userID string) {
	ms, err := srv.svc.Summary(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: ms})
}

func (srv *Server) deleteSummary(w http.ResponseWriter, r *http.Request, userID string) {
	if err := srv.svc.DeleteSummary(r.Context(), userID, r.PathValue("id")); err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "meeting summary deleted"})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	h := Health{
		Status: "ok",
		Uptime: int64(time.Since(srv.started) / time.Second),
		Rooms:  []registry.RoomInfo{},
	}
	if srv.signaling != nil {
		h.Connections = srv.signaling.Connections()
		h.Rooms = srv.signaling.Rooms()
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: h})
}

// decodeBody reads a size-limited JSON body. With allowEmpty an empty body
// leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrBodyTooLarge
		}
		return errors.Join(ErrBadBody, err)
	}
	if len(body) == 0 && allowEmpty {
		return nil
	}
	if err = json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrBadBody, err)
	}
	return nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrBadBody),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidRoomID):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, service.ErrCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrRoomNotFound),
		errors.Is(err, storage.ErrCallLogNotFound),
		errors.Is(err, storage.ErrUserNotFound),
		errors.Is(err, storage.ErrSummaryNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrNoSummarizer):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		srv.logger.Error().Err(err).Msg("request failed")
		msg = ErrUnexpected.Error()
	}
	srv.writeResponse(w, code, &GenericResponse{Error: msg})
}

func (srv *Server) writeResponse(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
