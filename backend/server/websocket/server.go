package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/adwski/meetroom/backend/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultOutboxSize = 64

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected   = errors.New("unexpected server error")
	ErrUnauthorized = errors.New("valid token is required")
)

type (
	Relay interface {
		Attach(connID string, out relay.Outbox, identity string) error
		Handle(connID string, ev protocol.Event) error
		Reject(connID string, err error)
		Detach(connID string)
	}

	// TokenVerifier resolves a bearer token to a user id.
	TokenVerifier interface {
		Verify(token string) (string, error)
	}

	Config struct {
		Logger      *zerolog.Logger
		Relay       Relay
		Tokens      TokenVerifier
		ListenAddr  string
		OutboxSize  int
		RequireAuth bool
	}

	Server struct {
		relay  Relay
		tokens TokenVerifier
		ws     *websocket.Upgrader
		*http.Server

		// connections live longer than the handshake request;
		// they are bound to this context instead
		connCtx    context.Context
		connCancel context.CancelFunc
		conns      *sync.WaitGroup

		outboxSize  int
		requireAuth bool

		logger zerolog.Logger
	}

	// outbox is the bounded per-connection queue handed to the relay.
	// Overflow means the client does not keep up, the connection is then torn down.
	outbox struct {
		tx     chan protocol.Event
		cancel context.CancelFunc
	}
)

func NewServer(cfg Config) *Server {
	size := cfg.OutboxSize
	if size <= 0 {
		size = defaultOutboxSize
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "websocket-server").Logger(),
		relay:       cfg.Relay,
		tokens:      cfg.Tokens,
		connCtx:     connCtx,
		connCancel:  connCancel,
		conns:       &sync.WaitGroup{},
		outboxSize:  size,
		requireAuth: cfg.RequireAuth,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			Subprotocols:     protocol.Subprotocols(),
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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
	srv.CloseConnections()
}

// CloseConnections terminates every upgraded connection and waits for their cleanup.
// http.Server.Shutdown does not track hijacked connections.
func (srv *Server) CloseConnections() {
	srv.connCancel()
	srv.conns.Wait()
}

func (srv *Server) identify(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" || srv.tokens == nil {
		if srv.requireAuth {
			return "", ErrUnauthorized
		}
		return "", nil
	}
	userID, err := srv.tokens.Verify(token)
	if err != nil {
		return "", errors.Join(ErrUnauthorized, err)
	}
	return userID, nil
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	identity, err := srv.identify(r)
	if err != nil {
		srv.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	codec, ok := protocol.CodecFor(conn.Subprotocol())
	if !ok {
		srv.logger.Error().Str("subprotocol", conn.Subprotocol()).Msg("no codec for negotiated subprotocol")
		webSocketCloser(conn, &srv.logger)
		return
	}

	connID := uuid.NewString()
	logger := srv.logger.With().
		Str("connID", connID).
		Str("codec", codec.Name()).
		Logger()

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living connection context
	out := &outbox{
		tx:     make(chan protocol.Event, srv.outboxSize),
		cancel: cancel,
	}
	if err = srv.relay.Attach(connID, out, identity); err != nil {
		logger.Error().Err(err).Msg("failed to attach connection")
		cancel()
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().Str("identity", identity).Msg("signaling connection established")

	srv.conns.Add(1)
	go srv.handleWSConn(ctx, cancel, conn, connID, codec, out, &logger)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	codec protocol.Codec,
	out *outbox,
	logger *zerolog.Logger,
) {
	defer srv.conns.Done()
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, codec, logger, func(ev protocol.Event, err error) {
			if err != nil {
				srv.relay.Reject(connID, err)
				return
			}
			_ = srv.relay.Handle(connID, ev)
		})
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, codec, out.tx, logger)
		cancel()
	}()
	go func() {
		// unblock the receiver when the connection is cancelled from elsewhere
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	srv.relay.Detach(connID)
	webSocketCloser(conn, logger)
	logger.Debug().Msg("signaling connection ended")
}

func (o *outbox) Deliver(ev protocol.Event) bool {
	select {
	case o.tx <- ev:
		return true
	default:
		o.cancel()
		return false
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	codec protocol.Codec,
	tx <-chan protocol.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()

	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case ev := <-tx:
			b, wsErr := protocol.Encode(codec, ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("type", string(ev.Type())).Msg("failed to marshall outgoing event")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(msgType)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	codec protocol.Codec,
	logger *zerolog.Logger,
	handle func(protocol.Event, error),
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				switch {
				case ctx.Err() != nil:
					logger.Debug().Msg("connection cancelled")
				case websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway):
					logger.Warn().Err(wsErr).Msg("connection closed")
				default:
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			ev, decErr := protocol.DecodeRequest(codec, msg)
			if decErr != nil {
				logger.Debug().Err(decErr).Msg("failed to decode incoming message")
			}
			handle(ev, decErr)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
