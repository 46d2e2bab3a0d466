// Package config loads gymdesk service configuration.
//
// Values are resolved in three layers: compiled defaults, an optional YAML
// file, and environment variables. Secrets (JWT keys, database and Redis
// credentials) are expected to come from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables holding the token signing secrets.
const (
	EnvAccessSecret  = "JWT_SECRET_KEY"
	EnvRefreshSecret = "JWT_REFRESH_SECRET_KEY"
)

// Config is the root configuration document.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Mail     MailConfig     `yaml:"mail"`
	Gate     GateConfig     `yaml:"gate"`
}

type HTTPConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	RateBurst    int    `yaml:"rate_burst"`
	RatePerSec   int    `yaml:"rate_per_second"`
	// SecureCookies sets the Secure attribute on session cookies.
	SecureCookies bool `yaml:"secure_cookies"`
	// TrustedProxies are addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type GRPCConfig struct {
	// Addr of the gRPC health listener. Empty disables it.
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Addr of the Redis server. Empty keeps two-factor codes in Postgres.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AuthConfig controls token lifetimes and role semantics.
type AuthConfig struct {
	AccessSecret  string `yaml:"-"`
	RefreshSecret string `yaml:"-"`

	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`

	SuperRole            string `yaml:"super_role"`
	SupportAllAccessRole string `yaml:"support_all_access_role"`
	DefaultRole          string `yaml:"default_role"`

	RefreshReuseDetection bool `yaml:"refresh_reuse_detection"`
}

type MailConfig struct {
	// Driver is "smtp" or "log".
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	BaseURL  string `yaml:"base_url"`
}

// GateConfig lists the route classes consulted by the request gate.
type GateConfig struct {
	PublicRoutes     []string   `yaml:"public_routes"`
	AuthRoutes       []string   `yaml:"auth_routes"`
	APIAuthPrefix    string     `yaml:"api_auth_prefix"`
	LoginPath        string     `yaml:"login_path"`
	UnauthorizedPath string     `yaml:"unauthorized_path"`
	DefaultLanding   string     `yaml:"default_landing"`
	Rules            []GateRule `yaml:"rules"`
}

// GateRule binds a path prefix to a role/permission requirement.
type GateRule struct {
	Prefix       string   `yaml:"prefix"`
	AllowedRoles []string `yaml:"allowed_roles"`
	Resource     string   `yaml:"resource"`
	Permissions  []string `yaml:"permissions"`
	RequireAll   bool     `yaml:"require_all"`
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15,
			WriteTimeout: 15,
			IdleTimeout:  60,
			MaxBodyBytes: 1 << 20,
			RateBurst:    20,
			RatePerSec:   10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 1800,
		},
		Redis: RedisConfig{
			Prefix: "gymdesk",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth: AuthConfig{
			AccessTTL:            time.Hour,
			RefreshTTL:           7 * 24 * time.Hour,
			SuperRole:            "SUPER_ADMIN",
			SupportAllAccessRole: "SUPPORT_ALL_ACCESS",
			DefaultRole:          "MEMBER",
		},
		Mail: MailConfig{
			Driver:  "log",
			Port:    587,
			From:    "no-reply@gymdesk.org",
			BaseURL: "http://localhost:8080",
		},
		Gate: GateConfig{
			PublicRoutes: []string{
				"/", "/about", "/plans", "/events", "/gallery", "/contact",
				"/new-verification", "/unauthorized",
				"/api/login", "/api/register",
				"/healthz", "/readyz", "/metrics",
			},
			AuthRoutes:       []string{"/login", "/register", "/error", "/reset", "/new-password"},
			APIAuthPrefix:    "/api/auth",
			LoginPath:        "/login",
			UnauthorizedPath: "/unauthorized",
			DefaultLanding:   "/dashboard",
			Rules: []GateRule{
				{Prefix: "/dashboard/athletes", Resource: "athletes", Permissions: []string{"READ"}},
				{Prefix: "/dashboard/plans", Resource: "plans", Permissions: []string{"READ"}},
				{Prefix: "/dashboard/events", Resource: "events", Permissions: []string{"READ"}},
				{Prefix: "/dashboard/gallery", Resource: "gallery", Permissions: []string{"READ"}},
				{Prefix: "/dashboard/users", AllowedRoles: []string{"ADMIN"}},
				{Prefix: "/dashboard/roles", AllowedRoles: []string{"ADMIN"}, Resource: "roles", Permissions: []string{"MANAGE"}},
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Auth.AccessSecret = strings.TrimSpace(os.Getenv(EnvAccessSecret))
	cfg.Auth.RefreshSecret = strings.TrimSpace(os.Getenv(EnvRefreshSecret))

	if v := os.Getenv("GYMDESK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("GYMDESK_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("GYMDESK_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GYMDESK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GYMDESK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GYMDESK_SMTP_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := os.Getenv("GYMDESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GYMDESK_TRUSTED_PROXIES"); v != "" {
		cfg.HTTP.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("GYMDESK_SECURE_COOKIES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HTTP.SecureCookies = b
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.AccessSecret == "" {
		errs = append(errs, EnvAccessSecret+" is required")
	}
	if c.Auth.RefreshSecret == "" {
		errs = append(errs, EnvRefreshSecret+" is required")
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, EnvAccessSecret+" and "+EnvRefreshSecret+" must differ")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, "auth token ttls must be positive")
	}
	if strings.TrimSpace(c.Auth.SuperRole) == "" {
		errs = append(errs, "auth.super_role is required")
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	for _, p := range c.HTTP.TrustedProxies {
		if !validProxy(strings.TrimSpace(p)) {
			errs = append(errs, fmt.Sprintf("http.trusted_proxies entry %q is not an address or CIDR", p))
		}
	}
	switch c.Mail.Driver {
	case "log":
	case "smtp":
		if c.Mail.Host == "" {
			errs = append(errs, "mail.host is required for the smtp driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("mail.driver %q is not supported", c.Mail.Driver))
	}
	if c.Gate.LoginPath == "" || c.Gate.UnauthorizedPath == "" || c.Gate.DefaultLanding == "" {
		errs = append(errs, "gate login_path, unauthorized_path and default_landing are required")
	}
	if c.Auth.RefreshReuseDetection && c.Redis.Addr == "" {
		errs = append(errs, "auth.refresh_reuse_detection requires redis.addr")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.HTTP.ReadTimeout) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.HTTP.WriteTimeout) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.HTTP.IdleTimeout) * time.Second
}

func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
