package auth

import (
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the environment variable prefix read by LoadConfig.
const EnvPrefix = "VANGUARD"

// Config holds runtime configuration for the auth layer and its adapters.
type Config struct {
	ProviderURL        string `envconfig:"PROVIDER_URL" default:"http://127.0.0.1:54321/auth/v1"`
	ProviderAnonKey    string `envconfig:"PROVIDER_ANON_KEY"`
	ProviderProjectRef string `envconfig:"PROVIDER_PROJECT_REF" default:"local"`
	ProviderKeyPrefix  string `envconfig:"PROVIDER_KEY_PREFIX" default:"sb-"`

	BackendDriver string `envconfig:"BACKEND_DRIVER" default:"rest"`
	BackendURL    string `envconfig:"BACKEND_URL" default:"http://127.0.0.1:54321/rest/v1"`
	BackendDSN    string `envconfig:"BACKEND_DSN"`

	Origin            string `envconfig:"ORIGIN" default:"http://localhost:5173"`
	PublicOrigin      string `envconfig:"PUBLIC_ORIGIN"`
	BasePath          string `envconfig:"BASE_PATH"`
	CallbackPath      string `envconfig:"CALLBACK_PATH" default:"/auth/callback"`
	ResetPasswordPath string `envconfig:"RESET_PASSWORD_PATH" default:"/reset-password"`
	Standalone        bool   `envconfig:"STANDALONE" default:"false"`

	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"10"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"15m"`
	UserCacheTTL    time.Duration `envconfig:"USER_CACHE_TTL" default:"0s"`
	TrialStatusTTL  time.Duration `envconfig:"TRIAL_STATUS_TTL" default:"30s"`

	SettleDelay          time.Duration `envconfig:"SETTLE_DELAY" default:"1500ms"`
	CallbackTimeout      time.Duration `envconfig:"CALLBACK_TIMEOUT" default:"10s"`
	CallbackPollInterval time.Duration `envconfig:"CALLBACK_POLL_INTERVAL" default:"1s"`
	CallbackListenAddr   string        `envconfig:"CALLBACK_LISTEN_ADDR" default:"127.0.0.1:8765"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	StoragePath string `envconfig:"STORAGE_PATH"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	// ActivityLog is a file receiving one JSON record per auth event.
	ActivityLog string `envconfig:"ACTIVITY_LOG"`
}

// DefaultConfig returns the defaults LoadConfig applies to an empty
// environment.
func DefaultConfig() Config {
	return Config{
		ProviderURL:          "http://127.0.0.1:54321/auth/v1",
		ProviderProjectRef:   "local",
		ProviderKeyPrefix:    "sb-",
		BackendDriver:        "rest",
		BackendURL:           "http://127.0.0.1:54321/rest/v1",
		Origin:               "http://localhost:5173",
		CallbackPath:         "/auth/callback",
		ResetPasswordPath:    "/reset-password",
		RateLimitMax:         10,
		RateLimitWindow:      15 * time.Minute,
		TrialStatusTTL:       30 * time.Second,
		SettleDelay:          1500 * time.Millisecond,
		CallbackTimeout:      10 * time.Second,
		CallbackPollInterval: time.Second,
		CallbackListenAddr:   "127.0.0.1:8765",
		LogFormat:            "text",
		LogLevel:             "info",
	}
}

// LoadConfig reads configuration from VANGUARD_* environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProviderURL, validation.Required, is.URL),
		validation.Field(&c.ProviderKeyPrefix, validation.Required),
		validation.Field(&c.BackendDriver, validation.Required, validation.In("rest", "sqlite")),
		validation.Field(&c.BackendURL, backendURLRules(c.BackendDriver)...),
		validation.Field(&c.Origin, validation.Required, is.URL),
		validation.Field(&c.PublicOrigin, is.URL),
		validation.Field(&c.CallbackPath, validation.Required, validation.Match(pathPattern)),
		validation.Field(&c.ResetPasswordPath, validation.Required, validation.Match(pathPattern)),
		validation.Field(&c.RateLimitMax, validation.Required, validation.Min(1)),
		validation.Field(&c.RateLimitWindow, validation.Required),
		validation.Field(&c.CallbackTimeout, validation.Required),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
	)
}

var pathPattern = regexp.MustCompile(`^/[A-Za-z0-9/_\-.]*$`)

func backendURLRules(driver string) []validation.Rule {
	if driver == "rest" {
		return []validation.Rule{validation.Required, is.URL}
	}
	return []validation.Rule{is.URL}
}
