// Package cli implements the meetctl command line client.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/meetroom/backend/protocol"
	"github.com/adwski/meetroom/client/api"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	defaultServer = "http://localhost:8080"
	defaultSignal = "ws://localhost:8888/signal"

	envServer = "MEETROOM_SERVER"
	envSignal = "MEETROOM_SIGNAL"
	envToken  = "MEETROOM_TOKEN"
)

var (
	ErrNoIdentity   = errors.New("cannot tell who you are: log in or pass --user")
	ErrNotConfirmed = errors.New("pass --yes to confirm")
)

// options are shared by all commands.
type options struct {
	server   string
	signal   string
	token    string
	logLevel string
	codec    string

	logger zerolog.Logger
}

// Execute runs meetctl and exits non-zero on failure.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err.Error())
		cancel()
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "meetctl",
		Short: "Command line client for meetroom video rooms",
		Long: `meetctl talks to a meetroom server: it manages accounts and rooms,
joins rooms as a WebRTC peer with text chat, and lists call history
and meeting summaries.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init()
		},
	}

	fs := root.PersistentFlags()
	fs.StringVar(&opts.server, "server", envOr(envServer, defaultServer), "REST API base url")
	fs.StringVar(&opts.signal, "signal", envOr(envSignal, defaultSignal), "signaling websocket url")
	fs.StringVar(&opts.token, "token", os.Getenv(envToken), "access token")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	fs.StringVar(&opts.codec, "codec", "json", "signaling codec: json or msgpack")

	root.AddCommand(
		newRegisterCommand(opts),
		newLoginCommand(opts),
		newProfileCommand(opts),
		newRoomCommand(opts),
		newJoinCommand(opts),
		newCallsCommand(opts),
		newSummariesCommand(opts),
		newICECommand(opts),
	)
	return root
}

func (o *options) init() error {
	lvl, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	o.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(lvl)
	return nil
}

func (o *options) api() *api.Client {
	return api.NewClient(api.Config{BaseURL: o.server, Token: o.token})
}

func (o *options) signalingCodec() (protocol.Codec, error) {
	switch o.codec {
	case "json":
		return protocol.JSON, nil
	case "msgpack":
		return protocol.MsgPack, nil
	}
	return nil, errors.New("unknown codec " + o.codec)
}

// userFromToken reads the user id claim without verifying the signature,
// the server does that.
func userFromToken(token string) (string, error) {
	var claims struct {
		UserID string `json:"userId"`
		jwt.RegisteredClaims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", errors.New("token has no user id")
	}
	return claims.UserID, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
