package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server     ServerConfig     `env:",prefix=SERVER_"`
	Postgres   PostgresConfig   `env:",prefix=POSTGRES_"`
	Redis      RedisConfig      `env:",prefix=REDIS_"`
	Session    SessionConfig    `env:",prefix=SESSION_"`
	Platform   PlatformConfig   `env:",prefix=PLATFORM_"`
	Encryption EncryptionConfig `env:",prefix=ENCRYPTION_"`
	Frontend   FrontendConfig   `env:",prefix=FRONTEND_"`
	Security   SecurityConfig   `env:",prefix="`
	CORS       CORSConfig       `env:",prefix=CORS_"`
	Env        string           `env:"ENV,default=development"`
}

type ServerConfig struct {
	Port         string   `env:"PORT,default=8080"`
	Host         string   `env:"HOST,default=0.0.0.0"`
	ReadTimeout  Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout Duration `env:"WRITE_TIMEOUT,default=15s"`
}

type PostgresConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=connections_service"`
	Password string `env:"PASSWORD,default=connections_service_password"`
	DBName   string `env:"DB,default=connections_service_db"`
	SSLMode  string `env:"SSLMODE,default=disable"`
}

type RedisConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=6379"`
	Password string `env:"PASSWORD,default="`
	DB       int    `env:"DB,default=0"`
}

// SessionConfig holds the shared secret used to validate session tokens
// issued by the surrounding application.
type SessionConfig struct {
	Secret string `env:"SECRET,required"`
}

// PlatformConfig describes the external accounting platform's OAuth2
// endpoints and client credentials. Endpoint defaults point at the
// platform's production identity service.
type PlatformConfig struct {
	ClientID       string   `env:"CLIENT_ID,required"`
	ClientSecret   string   `env:"CLIENT_SECRET,required"`
	RedirectURL    string   `env:"REDIRECT_URL,required"`
	AuthURL        string   `env:"AUTH_URL,default=https://login.xero.com/identity/connect/authorize"`
	TokenURL       string   `env:"TOKEN_URL,default=https://identity.xero.com/connect/token"`
	ConnectionsURL string   `env:"CONNECTIONS_URL,default=https://api.xero.com/connections"`
	Scopes         []string `env:"SCOPES,default=offline_access,accounting.transactions,accounting.settings"`
	RefreshMargin  Duration `env:"REFRESH_MARGIN,default=60s"`
	RequestTimeout Duration `env:"REQUEST_TIMEOUT,default=15s"`
	StateTTL       Duration `env:"STATE_TTL,default=10m"`
}

// EncryptionConfig holds the secret the token cipher derives its key from.
// The secret must stay stable across restarts: tokens encrypted under one
// key cannot be decrypted under another, which strands every stored
// connection until users re-authorize.
type EncryptionConfig struct {
	Secret string `env:"SECRET,required"`
}

type FrontendConfig struct {
	BaseURL string `env:"BASE_URL,default=http://localhost:3000"`
}

type SecurityConfig struct {
	RateLimitRequests int      `env:"RATE_LIMIT_REQUESTS,default=10"`
	RateLimitWindow   Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	AllowedMethods []string `env:"ALLOWED_METHODS,default=GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders []string `env:"ALLOWED_HEADERS,default=Content-Type,Authorization"`
}

// DSN returns PostgreSQL connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// Address returns Redis connection address
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	var config Config

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Misconfigured secrets must surface at startup, not per request
	if len(config.Encryption.Secret) < 32 {
		return nil, fmt.Errorf("ENCRYPTION_SECRET must be at least 32 characters long")
	}

	if len(config.Session.Secret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 characters long")
	}

	if len(config.Platform.Scopes) == 0 {
		return nil, fmt.Errorf("PLATFORM_SCOPES must not be empty")
	}

	return &config, nil
}

// LoadWithDefaults loads configuration with default context
func LoadWithDefaults() (*Config, error) {
	return Load(context.Background())
}
