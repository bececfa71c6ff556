package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Signing   SigningConfig
	Keystore  KeystoreConfig
	TSA       TSAConfig

	// Policy is loaded from SigningConfig.PolicyFile when set, otherwise defaults.
	Policy *Policy
}

type ServerConfig struct {
	Port                  int           `env:"SERVER_PORT,default=8080"`
	Env                   string        `env:"ENV,default=development"`
	LogLevel              string        `env:"LOG_LEVEL,default=info"`
	ReadTimeout           time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout          time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s"`
	IdleTimeout           time.Duration `env:"SERVER_IDLE_TIMEOUT,default=60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=30s"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST,default=localhost"`
	Port     int    `env:"DB_PORT,default=5432"`
	User     string `env:"DB_USER,default=platform"`
	Password string `env:"DB_PASSWORD,default=platform"`
	Database string `env:"DB_NAME,default=platform"`
	SSLMode  string `env:"DB_SSLMODE,default=disable"`

	MaxConnections  int32         `env:"DB_MAX_CONNECTIONS,default=25"`
	MinConnections  int32         `env:"DB_MIN_CONNECTIONS,default=2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME,default=60m"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME,default=30m"`
	PingTimeout     time.Duration `env:"DB_PING_TIMEOUT,default=10s"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool   `env:"KURRENTDB_ENABLED,default=false"`
	Host     string `env:"KURRENTDB_HOST,default=localhost"`
	Port     int    `env:"KURRENTDB_PORT,default=2113"`
	Insecure bool   `env:"KURRENTDB_INSECURE,default=true"`
	Username string `env:"KURRENTDB_USERNAME"`
	Password string `env:"KURRENTDB_PASSWORD"`
}

type AuthConfig struct {
	Enabled   bool   `env:"AUTH_ENABLED,default=true"`
	JWTSecret string `env:"JWT_SECRET,default=dev-secret-change-in-prod"`
	Issuer    string `env:"JWT_ISSUER"`
}

// SigningConfig holds the knobs of the signing core.
type SigningConfig struct {
	// UnlockTimeout bounds the private key unlock step
	UnlockTimeout time.Duration `env:"SIGNING_UNLOCK_TIMEOUT,default=10s"`
	// PolicyFile points at an optional YAML signing policy
	PolicyFile string `env:"SIGNING_POLICY_FILE"`
	// RateLimitRPS and RateLimitBurst throttle sign requests per client IP
	RateLimitRPS   int `env:"SIGN_RATE_LIMIT_RPS,default=5"`
	RateLimitBurst int `env:"SIGN_RATE_LIMIT_BURST,default=10"`
}

// KeystoreConfig holds configuration for keystore bundle storage.
type KeystoreConfig struct {
	// Dir is where sealed keystore bundles are written
	Dir string `env:"KEYSTORE_DIR,default=./data/keystores"`
	// MasterKey seeds the per-credential sealing keys (HKDF input keying material)
	MasterKey string `env:"KEYSTORE_MASTER_KEY,default=dev-keystore-master-key-change-in-production"`
	// BcryptCost is the work factor of the passphrase verifier
	BcryptCost int `env:"KEYSTORE_BCRYPT_COST,default=12"`
	// MaxBundleBytes caps uploaded bundle size
	MaxBundleBytes int64 `env:"KEYSTORE_MAX_BUNDLE_BYTES,default=1048576"`
}

// TSAConfig holds configuration for the Time Stamping Authority.
type TSAConfig struct {
	// Enabled controls whether timestamp anchoring is offered
	Enabled bool `env:"TSA_ENABLED,default=true"`
	// Mode: "local" issues tokens in-process, "remote" calls RemoteURL
	Mode string `env:"TSA_MODE,default=local"`
	// RemoteURL of an external RFC 3161 authority
	RemoteURL string `env:"TSA_REMOTE_URL"`
	// RemoteTimeout bounds calls to the external authority
	RemoteTimeout time.Duration `env:"TSA_REMOTE_TIMEOUT,default=10s"`
	// RootsPath is a PEM bundle the remote authority's signer must chain to
	RootsPath string `env:"TSA_ROOTS"`
	// OrgName for self-signed TSA certificate (development)
	OrgName string `env:"TSA_ORG_NAME,default=Clinicore Platform"`
	// CertPath for production TSA certificate
	CertPath string `env:"TSA_CERT_PATH"`
	// KeyPath for production TSA private key
	KeyPath string `env:"TSA_KEY_PATH"`
}

var validEnvs = map[string]bool{
	"development": true,
	"test":        true,
	"staging":     true,
	"production":  true,
}

// Load reads configuration from the environment and the optional policy file.
func Load() (*Config, error) {
	cfg := &Config{}

	targets := []any{
		&cfg.Server,
		&cfg.Database,
		&cfg.KurrentDB,
		&cfg.Auth,
		&cfg.Signing,
		&cfg.Keystore,
		&cfg.TSA,
	}
	for _, target := range targets {
		if _, err := env.UnmarshalFromEnviron(target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal environment variables: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	policy := DefaultPolicy()
	if cfg.Signing.PolicyFile != "" {
		loaded, err := LoadPolicy(cfg.Signing.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}
	cfg.Policy = policy

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535")
	}
	if !validEnvs[cfg.Server.Env] {
		return fmt.Errorf("invalid ENV: %s", cfg.Server.Env)
	}
	if cfg.Signing.UnlockTimeout <= 0 {
		return fmt.Errorf("SIGNING_UNLOCK_TIMEOUT must be positive")
	}
	if cfg.Keystore.BcryptCost < 4 || cfg.Keystore.BcryptCost > 31 {
		return fmt.Errorf("KEYSTORE_BCRYPT_COST must be between 4 and 31")
	}
	if cfg.Server.Env == "production" && cfg.Keystore.MasterKey == "dev-keystore-master-key-change-in-production" {
		return fmt.Errorf("KEYSTORE_MASTER_KEY must be set in production")
	}
	switch cfg.TSA.Mode {
	case "local":
	case "remote":
		if cfg.TSA.RemoteURL == "" {
			return fmt.Errorf("TSA_REMOTE_URL is required when TSA_MODE=remote")
		}
	default:
		return fmt.Errorf("invalid TSA_MODE: %s", cfg.TSA.Mode)
	}
	return nil
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
