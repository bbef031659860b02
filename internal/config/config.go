package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the gateway.
type Config struct {
	AppName         string
	AppEnv          string
	AppPort         string
	LogLevel        string
	LogFormat       string
	DatabaseURL     string
	RedisURL        string
	NATSURL         string
	JWTSecret       string
	TaskAPIBaseURL  string
	TaskAPITimeout  time.Duration
	AutosaveDelay   time.Duration
	AutosaveTimeout time.Duration
	SessionIdleTTL  time.Duration
	DraftJournalTTL time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	EventChannel    string
	StreamKeepAlive time.Duration
	CORSOrigins     string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DENIK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "Karierni Denik Gateway")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.url", "sqlite://denik.db")
	v.SetDefault("taskapi.timeout", "10s")
	v.SetDefault("autosave.delay", "1.5s")
	v.SetDefault("autosave.timeout", "15s")
	v.SetDefault("session.idle_ttl", "30m")
	v.SetDefault("draft.journal_ttl", "24h")
	v.SetDefault("ratelimit.max", 120)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("events.channel", "denik.task_sessions")
	v.SetDefault("stream.keepalive", "30s")
	v.SetDefault("cors.allow_origins", "*")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"taskapi.timeout",
		"autosave.delay",
		"autosave.timeout",
		"session.idle_ttl",
		"draft.journal_ttl",
		"ratelimit.window",
		"stream.keepalive",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		LogLevel:        strings.ToLower(v.GetString("log.level")),
		LogFormat:       strings.ToLower(v.GetString("log.format")),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		JWTSecret:       v.GetString("jwt.secret"),
		TaskAPIBaseURL:  v.GetString("taskapi.base_url"),
		TaskAPITimeout:  durations["taskapi.timeout"],
		AutosaveDelay:   durations["autosave.delay"],
		AutosaveTimeout: durations["autosave.timeout"],
		SessionIdleTTL:  durations["session.idle_ttl"],
		DraftJournalTTL: durations["draft.journal_ttl"],
		RateLimitMax:    v.GetInt("ratelimit.max"),
		RateLimitWindow: durations["ratelimit.window"],
		EventChannel:    v.GetString("events.channel"),
		StreamKeepAlive: durations["stream.keepalive"],
		CORSOrigins:     v.GetString("cors.allow_origins"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.TaskAPIBaseURL == "" {
		return Config{}, fmt.Errorf("task api base url must be provided")
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 120
	}

	return cfg, nil
}
