// Package config assembles server settings from defaults, environment,
// an optional TOML file and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adwski/meetroom/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"

	defaultICECandidatePoolSize = 10
)

var (
	ErrInvalid = errors.New("invalid configuration")
	ErrFile    = errors.New("unable to load config file")
)

type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      zerolog.Level

	Storage   string
	SQLiteDSN string

	RequireAuth bool
	JWTSecret   string
	JWTTTL      time.Duration

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	OutboxSize int

	ICEServers           []model.ICEServer
	ICECandidatePoolSize int
}

type (
	fileConfig struct {
		Server     fileServer        `toml:"server"`
		Auth       fileAuth          `toml:"auth"`
		Summarizer fileSummarizer    `toml:"summarizer"`
		ICEServers []model.ICEServer `toml:"ice_servers"`
	}

	fileServer struct {
		APIListenAddr string `toml:"api_listen_addr"`
		WSListenAddr  string `toml:"ws_listen_addr"`
		LogLevel      string `toml:"log_level"`
		Storage       string `toml:"storage"`
		SQLiteDSN     string `toml:"sqlite_dsn"`
		OutboxSize    int    `toml:"outbox_size"`
	}

	fileAuth struct {
		Require   bool   `toml:"require"`
		JWTSecret string `toml:"jwt_secret"`
		JWTTTL    string `toml:"jwt_ttl"`
	}

	fileSummarizer struct {
		APIKey  string `toml:"api_key"`
		BaseURL string `toml:"base_url"`
		Model   string `toml:"model"`
	}
)

// DefaultICEServers are public STUN servers plus the OpenRelay TURN service.
func DefaultICEServers() []model.ICEServer {
	return []model.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
		{URLs: []string{"stun:stun3.l.google.com:19302"}},
		{URLs: []string{"stun:stun4.l.google.com:19302"}},
		{URLs: []string{"turn:openrelay.metered.ca:80"}, Username: "openrelayproject", Credential: "openrelayproject"},
		{URLs: []string{"turn:openrelay.metered.ca:443"}, Username: "openrelayproject", Credential: "openrelayproject"},
		{URLs: []string{"turn:openrelay.metered.ca:443?transport=tcp"}, Username: "openrelayproject", Credential: "openrelayproject"},
	}
}

// Load parses args (without the program name). getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := pflag.NewFlagSet("meetroom", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to TOML config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		storageKind   = fs.String("storage", StorageMemory, "storage backend: memory or sqlite")
		sqliteDSN     = fs.String("sqlite-dsn", "meetroom.db", "sqlite database file")
		requireAuth   = fs.Bool("require-auth", false, "require a valid token for signaling connections")
		jwtSecret     = fs.String("jwt-secret", "", "token signing secret (env JWT_SECRET)")
		jwtTTL        = fs.Duration("jwt-ttl", 7*24*time.Hour, "token lifetime")
		openAIBaseURL = fs.String("openai-base-url", "https://openrouter.ai/api/v1", "OpenAI compatible API base url")
		openAIModel   = fs.String("openai-model", "meta-llama/llama-3.1-8b-instruct:free", "summarization model")
		outboxSize    = fs.Int("outbox-size", 64, "per connection outgoing event queue size")
	)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	// defaults come from flag defaults
	cfg := &Config{
		APIListenAddr:        *apiListenAddr,
		WSListenAddr:         *wsListenAddr,
		Storage:              *storageKind,
		SQLiteDSN:            *sqliteDSN,
		RequireAuth:          *requireAuth,
		JWTSecret:            *jwtSecret,
		JWTTTL:               *jwtTTL,
		OpenAIBaseURL:        *openAIBaseURL,
		OpenAIModel:          *openAIModel,
		OutboxSize:           *outboxSize,
		ICEServers:           DefaultICEServers(),
		ICECandidatePoolSize: defaultICECandidatePoolSize,
	}
	level := *logLevel

	applyEnv(cfg, getenv)

	if *configPath != "" {
		fileLevel, err := applyFile(cfg, *configPath)
		if err != nil {
			return nil, err
		}
		if fileLevel != "" {
			level = fileLevel
		}
	}

	if fs.Changed("api-listen-addr") {
		cfg.APIListenAddr = *apiListenAddr
	}
	if fs.Changed("ws-listen-addr") {
		cfg.WSListenAddr = *wsListenAddr
	}
	if fs.Changed("log-level") {
		level = *logLevel
	}
	if fs.Changed("storage") {
		cfg.Storage = *storageKind
	}
	if fs.Changed("sqlite-dsn") {
		cfg.SQLiteDSN = *sqliteDSN
	}
	if fs.Changed("require-auth") {
		cfg.RequireAuth = *requireAuth
	}
	if fs.Changed("jwt-secret") {
		cfg.JWTSecret = *jwtSecret
	}
	if fs.Changed("jwt-ttl") {
		cfg.JWTTTL = *jwtTTL
	}
	if fs.Changed("openai-base-url") {
		cfg.OpenAIBaseURL = *openAIBaseURL
	}
	if fs.Changed("openai-model") {
		cfg.OpenAIModel = *openAIModel
	}
	if fs.Changed("outbox-size") {
		cfg.OutboxSize = *outboxSize
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	cfg.LogLevel = lvl

	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIKey = v
	}
	if v := getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	// custom TURN server is added on top of the public ones
	if url, user := getenv("TURN_SERVER_URL"), getenv("TURN_SERVER_USERNAME"); url != "" && user != "" {
		cfg.ICEServers = append(cfg.ICEServers, model.ICEServer{
			URLs:       []string{url},
			Username:   user,
			Credential: getenv("TURN_SERVER_CREDENTIAL"),
		})
	}
}

// applyFile overlays keys present in the file. It returns the log level
// separately since it is parsed after all sources are merged.
func applyFile(cfg *Config, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Join(ErrFile, err)
	}
	var fc fileConfig
	md, err := toml.Decode(string(content), &fc)
	if err != nil {
		return "", errors.Join(ErrFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return "", fmt.Errorf("%w: unknown key %s", ErrFile, undecoded[0])
	}

	set := func(dst *string, src string, key ...string) {
		if md.IsDefined(key...) {
			*dst = src
		}
	}
	set(&cfg.APIListenAddr, fc.Server.APIListenAddr, "server", "api_listen_addr")
	set(&cfg.WSListenAddr, fc.Server.WSListenAddr, "server", "ws_listen_addr")
	set(&cfg.Storage, fc.Server.Storage, "server", "storage")
	set(&cfg.SQLiteDSN, fc.Server.SQLiteDSN, "server", "sqlite_dsn")
	set(&cfg.JWTSecret, fc.Auth.JWTSecret, "auth", "jwt_secret")
	set(&cfg.OpenAIKey, fc.Summarizer.APIKey, "summarizer", "api_key")
	set(&cfg.OpenAIBaseURL, fc.Summarizer.BaseURL, "summarizer", "base_url")
	set(&cfg.OpenAIModel, fc.Summarizer.Model, "summarizer", "model")

	if md.IsDefined("server", "outbox_size") {
		cfg.OutboxSize = fc.Server.OutboxSize
	}
	if md.IsDefined("auth", "require") {
		cfg.RequireAuth = fc.Auth.Require
	}
	if md.IsDefined("auth", "jwt_ttl") {
		ttl, err := time.ParseDuration(fc.Auth.JWTTTL)
		if err != nil {
			return "", errors.Join(ErrFile, err)
		}
		cfg.JWTTTL = ttl
	}
	if md.IsDefined("ice_servers") {
		cfg.ICEServers = fc.ICEServers
	}
	return fc.Server.LogLevel, nil
}

func (cfg *Config) validate() error {
	switch cfg.Storage {
	case StorageMemory, StorageSQLite:
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalid, cfg.Storage)
	}
	if cfg.Storage == StorageSQLite && cfg.SQLiteDSN == "" {
		return fmt.Errorf("%w: sqlite storage needs a dsn", ErrInvalid)
	}
	if cfg.RequireAuth && cfg.JWTSecret == "" {
		return fmt.Errorf("%w: require-auth needs a jwt secret", ErrInvalid)
	}
	if cfg.OutboxSize <= 0 {
		return fmt.Errorf("%w: outbox size must be positive", ErrInvalid)
	}
	for i, srv := range cfg.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("%w: ice server %d has no urls", ErrInvalid, i)
		}
	}
	return nil
}
