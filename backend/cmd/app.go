package main

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/meetroom/backend/auth"
	"github.com/adwski/meetroom/backend/config"
	"github.com/adwski/meetroom/backend/registry"
	"github.com/adwski/meetroom/backend/relay"
	httpServer "github.com/adwski/meetroom/backend/server/http"
	websocketServer "github.com/adwski/meetroom/backend/server/websocket"
	"github.com/adwski/meetroom/backend/service"
	"github.com/adwski/meetroom/backend/storage/memory"
	"github.com/adwski/meetroom/backend/storage/sqlite"
	"github.com/adwski/meetroom/backend/summarizer"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := newStore(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer closeStore()

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		logger.Warn().Msg("jwt secret is not set, using a random one; tokens will not survive restart")
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	tokens, err := auth.NewAuthority(auth.Config{Secret: secret, TTL: cfg.JWTTTL})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token authority")
	}

	var sum service.Summarizer
	if s, errS := summarizer.NewSummarizer(summarizer.Config{
		Logger:  &logger,
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	}); errS != nil {
		logger.Warn().Err(errS).Msg("meeting summaries are disabled")
	} else {
		sum = s
	}

	svc := service.NewService(service.Config{
		Store:      store,
		Tokens:     tokens,
		Passwords:  auth.Passwords{},
		Summarizer: sum,
		Logger:     &logger,
	})

	reg := registry.NewRegistry(&logger)
	rl := relay.NewRelay(relay.Config{
		Logger:     &logger,
		Membership: reg,
	})

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:               &logger,
		Service:              svc,
		Tokens:               tokens,
		Signaling:            reg,
		ICEServers:           cfg.ICEServers,
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
		ListenAddr:           cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		Relay:       rl,
		Tokens:      tokens,
		ListenAddr:  cfg.WSListenAddr,
		OutboxSize:  cfg.OutboxSize,
		RequireAuth: cfg.RequireAuth,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func newStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (service.Store, func(), error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewMemStore(), func() {}, nil
	case config.StorageSQLite:
		st, err := sqlite.NewStore(ctx, sqlite.Config{Logger: logger, DSN: cfg.SQLiteDSN})
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close storage")
			}
		}, nil
	}
	return nil, nil, errors.New("unknown storage " + cfg.Storage)
}
