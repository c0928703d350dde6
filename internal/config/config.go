package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest HS256 key accepted at startup (256 bits).
const MinSecretLength = 32

const (
	RevocationNone   = "none"
	RevocationMemory = "memory"
	RevocationRedis  = "redis"
)

type Config struct {
	Port          string
	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	LogLevel      string
	// JwtSecret is the HMAC signing key. It is never defaulted.
	JwtSecret  string
	TokenTTL   time.Duration
	BcryptCost int
	// Cookie settings for the auth token
	CookieSecure   bool
	AllowedOrigins []string
	// Token denylist used on logout
	Revocation         string
	RevocationRedisURL string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New reads the environment (after loading an optional .env file) and
// validates it. A missing or weak signing secret is an error.
func New() (*Config, error) {
	c, err := LoadDatabase()
	if err != nil {
		return nil, err
	}
	c.Port = getenv("PORT", "8080")
	c.LogLevel = getenv("LOG_LEVEL", "info")
	c.Revocation = strings.ToLower(getenv("REVOCATION", RevocationNone))

	secret, err := loadSecret()
	if err != nil {
		return nil, err
	}
	c.JwtSecret = secret

	ttl, err := time.ParseDuration(getenv("TOKEN_TTL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_TTL: %w", err)
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("TOKEN_TTL must be at least 1s, got %s", ttl)
	}
	c.TokenTTL = ttl

	cost, err := strconv.Atoi(getenv("BCRYPT_COST", strconv.Itoa(bcrypt.DefaultCost)))
	if err != nil {
		return nil, fmt.Errorf("invalid BCRYPT_COST: %w", err)
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	c.BcryptCost = cost

	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COOKIE_SECURE: %w", err)
		}
		c.CookieSecure = secure
	}

	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}

	// A redis URL alone is enough to pick the redis denylist.
	c.RevocationRedisURL = os.Getenv("REVOCATION_REDIS_URL")
	if c.RevocationRedisURL != "" && c.Revocation == RevocationNone {
		c.Revocation = RevocationRedis
	}
	switch c.Revocation {
	case RevocationNone, RevocationMemory:
	case RevocationRedis:
		if c.RevocationRedisURL == "" {
			return nil, errors.New("REVOCATION_REDIS_URL must be set when REVOCATION=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported REVOCATION: %s (supported: none, memory, redis)", c.Revocation)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}

// LoadDatabase reads only the storage settings. The migration CLI uses it so
// it can run without a signing secret.
func LoadDatabase() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		DBAdapter:     getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:    getenv("SQLITE_FILE", "./data/taskauth.db"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "taskauth")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "taskauth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" {
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	}

	return c, nil
}

// loadSecret reads the signing key from JWT_SECRET_KEY (or JWT_SECRET), falling
// back to the file named by JWT_SECRET_FILE.
func loadSecret() (string, error) {
	secret := getenv("JWT_SECRET_KEY", os.Getenv("JWT_SECRET"))
	if secret == "" {
		if path := os.Getenv("JWT_SECRET_FILE"); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading JWT_SECRET_FILE: %w", err)
			}
			secret = strings.TrimSpace(string(b))
		}
	}
	if secret == "" {
		return "", errors.New("JWT_SECRET_KEY or JWT_SECRET_FILE must be set")
	}
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("JWT secret must be at least %d bytes", MinSecretLength)
	}
	return secret, nil
}
