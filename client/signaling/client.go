// Package signaling is the client side of the meetroom signaling socket.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	defaultQueueSize = 32
)

var (
	ErrClosed  = errors.New("signaling connection is closed")
	ErrConnect = errors.New("cannot connect to signaling server")
)

type Config struct {
	Logger *zerolog.Logger

	// URL of the signaling endpoint, e.g. ws://localhost:8888/signal.
	URL   string
	Token string

	// Codec is the preferred codec. The server may still pick JSON.
	Codec protocol.Codec
}

// Client holds one signaling connection with separate read and write pumps.
type Client struct {
	conn     *websocket.Conn
	codec    protocol.Codec
	logger   zerolog.Logger
	incoming chan protocol.Event
	outgoing chan protocol.Event
	done     chan struct{}
	once     sync.Once
}

// Dial connects to the signaling server and starts the pumps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrConnect, fmt.Errorf("invalid url: %w", err))
	}
	codec := cfg.Codec
	if codec == nil {
		codec = protocol.JSON
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{codec.Name()}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, errors.Join(ErrConnect, err)
	}

	negotiated, ok := protocol.CodecFor(conn.Subprotocol())
	if !ok {
		_ = conn.Close()
		return nil, errors.Join(ErrConnect, fmt.Errorf("unsupported subprotocol %q", conn.Subprotocol()))
	}

	c := &Client{
		conn:     conn,
		codec:    negotiated,
		logger:   cfg.Logger.With().Str("component", "signaling-client").Logger(),
		incoming: make(chan protocol.Event, defaultQueueSize),
		outgoing: make(chan protocol.Event, defaultQueueSize),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("pong")
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.logger.Debug().Str("codec", negotiated.Name()).Msg("connected")
	return c, nil
}

// Codec returns the negotiated codec.
func (c *Client) Codec() protocol.Codec {
	return c.codec
}

// Incoming is closed when the connection goes away.
func (c *Client) Incoming() <-chan protocol.Event {
	return c.incoming
}

// Done is closed after Close.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues an event for the write pump.
func (c *Client) Send(ev protocol.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close sends a close frame and tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
		_ = c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error().Err(err).Msg("read failed")
			} else {
				c.logger.Debug().Err(err).Msg("reader stopped")
			}
			return
		}
		ev, err := protocol.Decode(c.codec, data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		select {
		case c.incoming <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case ev := <-c.outgoing:
			data, err := protocol.Encode(c.codec, ev)
			if err != nil {
				c.logger.Error().Err(err).Str("type", string(ev.Type())).Msg("cannot encode event")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(msgType, data); err != nil {
				c.logger.Error().Err(err).Msg("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				_ = c.Close()
				return
			}

		case <-c.done:
			c.flush(msgType)
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final leave-room is not lost.
func (c *Client) flush(msgType int) {
	for {
		select {
		case ev := <-c.outgoing:
			data, err := protocol.Encode(c.codec, ev)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(msgType, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
