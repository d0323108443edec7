package issuer

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	BackendPostgres = "pg"
	BackendSQLite   = "sqlite"
	BackendMemory   = "mem"
)

// Config is a configuration for the issuer application
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR"`
	// RepoBackend selects storage: pg, sqlite or mem. mem is refused unless
	// AllowMemBackend is set, since it loses everything on restart.
	RepoBackend     string `env:"REPO_BACKEND"`
	AllowMemBackend bool   `env:"ALLOW_MEM_BACKEND_FOR_TESTS"`
	DBDSN           string `env:"DB_DSN"`
	SQLitePath      string `env:"SQLITE_PATH"`
	// PANHashKey keys the HMAC postgres indexes card numbers by.
	PANHashKey string `env:"PAN_HASH_KEY"`
	// ExpiryTZ is an IANA timezone name for expiry computations (e.g., "Europe/Paris").
	ExpiryTZ string `env:"EXPIRY_TZ"`
	// MaxIssueAttempts bounds how often an approval is retried after a card
	// number insert lost a uniqueness race.
	MaxIssueAttempts int `env:"MAX_ISSUE_ATTEMPTS"`
	// MaxNumberRetries bounds redraws of a colliding card number within one attempt.
	MaxNumberRetries int      `env:"MAX_NUMBER_RETRIES"`
	AdminUserIDs     []string `env:"ADMIN_USER_IDS" envSeparator:","`
	// UserNames maps user ids to the names shown in admin notifications,
	// e.g. "u1:Alice Doe,u2:Bob". Unlisted users are shown by id.
	UserNames map[string]string `env:"USER_NAMES"`

	// HSMLib is the PKCS#11 module path. When set, verification codes come
	// from the token instead of being derived; requires the softhsm build tag.
	HSMLib      string `env:"HSM_LIB"`
	HSMSlot     uint   `env:"HSM_SLOT"`
	HSMPin      string `env:"HSM_PIN"`
	HSMKeyLabel string `env:"HSM_KEY_LABEL"`

	NATSURL           string `env:"NATS_URL"`
	NATSToken         string `env:"NATS_TOKEN"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:          "localhost:9090",
		RepoBackend:       BackendPostgres,
		SQLitePath:        "issuer.db",
		PANHashKey:        "dev-secret-pepper",
		MaxIssueAttempts:  3,
		MaxNumberRetries:  5,
		NATSSubjectPrefix: "issuer.notifications",
	}
}

// LoadConfig overlays environment variables on DefaultConfig.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RepoBackend {
	case BackendPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for sqlite backend")
		}
	case BackendMemory:
		if !c.AllowMemBackend {
			return fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", c.RepoBackend)
	}
	if c.MaxIssueAttempts < 1 {
		return fmt.Errorf("MAX_ISSUE_ATTEMPTS must be at least 1")
	}
	if c.MaxNumberRetries < 0 {
		return fmt.Errorf("MAX_NUMBER_RETRIES must not be negative")
	}
	return nil
}
