package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jobref/pipeline/internal/fetch"
	"github.com/jobref/pipeline/internal/location"
	"github.com/jobref/pipeline/internal/pipeline"
	"github.com/jobref/pipeline/internal/reconcile"
	"github.com/jobref/pipeline/internal/textnorm"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Database     DatabaseConfig            `yaml:"database"`
	Redis        RedisConfig               `yaml:"redis"`
	Fetch        fetch.Config              `yaml:"fetch"`
	Browser      fetch.BrowserConfig       `yaml:"browser"`
	Geocoder     GeocoderConfig            `yaml:"geocoder"`
	Location     location.Config           `yaml:"location"`
	Compensation textnorm.Bounds           `yaml:"compensation"`
	Reconcile    reconcile.Config          `yaml:"reconcile"`
	Pipeline     pipeline.Config           `yaml:"pipeline"`
	Monitor      MonitorConfig             `yaml:"monitor"`
	RateLimit    RateLimitConfig           `yaml:"rate_limit"`
	CORS         CORSConfig                `yaml:"cors"`
	Employers    []pipeline.EmployerConfig `yaml:"employers"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Debug        bool          `yaml:"debug"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// URL overrides the discrete postgres settings when set.
	URL      string         `yaml:"url"`
	Postgres PostgresConfig `yaml:"postgres"`
	Migrate  bool           `yaml:"migrate"`
}

type PostgresConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	Database              string        `yaml:"database"`
	PoolSize              int           `yaml:"pool_size"`
	MinConns              int           `yaml:"min_conns"`
	MaxConnLifetime       time.Duration `yaml:"max_conn_lifetime"`
	SSLMode               string        `yaml:"ssl_mode"`
	DisableStatementCache bool          `yaml:"disable_statement_cache"`
}

func (p PostgresConfig) DSN() string {
	return "postgres://" + p.User + ":" + p.Password + "@" + p.Host + ":" +
		strconv.Itoa(p.Port) + "/" + p.Database + "?sslmode=" + p.SSLMode
}

// DSN returns the connection string, preferring URL.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return d.Postgres.DSN()
}

// RedisConfig enables the shared response cache when URL or Addr is set.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

type GeocoderConfig struct {
	URL         string        `yaml:"url"`
	UserAgent   string        `yaml:"user_agent"`
	MinInterval time.Duration `yaml:"min_interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	GRPCPort     int           `yaml:"grpc_port"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ReconcileConfig returns the reconciler settings with the compensation
// bounds applied.
func (c *Config) ReconcileConfig() reconcile.Config {
	rc := c.Reconcile
	rc.Compensation = c.Compensation
	return rc
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	// Override with environment variables
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Debug:        false,
		},
		Database: DatabaseConfig{
			Driver: DriverPostgres,
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "jobref",
				Password: "password",
				Database: "jobref",
				PoolSize: 10,
				SSLMode:  "disable",
			},
			Migrate: true,
		},
		Redis: RedisConfig{
			KeyPrefix: "jobref:page",
			TTL:       12 * time.Hour,
		},
		Fetch:   fetch.DefaultConfig(),
		Browser: *fetch.DefaultBrowserConfig(),
		Geocoder: GeocoderConfig{
			URL:         location.DefaultNominatimURL,
			MinInterval: time.Second,
			Timeout:     10 * time.Second,
		},
		Location: location.Config{
			CacheEnabled: true,
			Preload:      true,
		},
		Compensation: textnorm.DefaultBounds(),
		Reconcile:    reconcile.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
		Monitor: MonitorConfig{
			Enabled:      true,
			GRPCPort:     50051,
			PingInterval: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		},
	}
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DEBUG"); v == "true" {
		c.Server.Debug = true
	}

	// Database
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Database.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Postgres.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Database.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Database.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Database.Postgres.Database = v
	}

	// Redis
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}

	// Fetch
	if v := os.Getenv("FETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fetch.Concurrency = n
		}
	}

	// Geocoder
	if v := os.Getenv("GEOCODER_URL"); v != "" {
		c.Geocoder.URL = v
	}
	if v := os.Getenv("GEOCODER_USER_AGENT"); v != "" {
		c.Geocoder.UserAgent = v
	}

	// Monitor
	if v := os.Getenv("MONITOR_GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Monitor.GRPCPort = port
		}
	}
}

// Validate checks settings that would otherwise fail at run time.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.Fetch.Concurrency < 0 {
		errs = append(errs, errors.New("fetch.concurrency must not be negative"))
	}
	if c.Compensation.Ceiling > 0 && c.Compensation.Ceiling < c.Compensation.YearFloor {
		errs = append(errs, errors.New("compensation.ceiling must not be below compensation.year_floor"))
	}

	seen := make(map[string]bool)
	for i, e := range c.Employers {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("employers[%d]: name is required", i))
			continue
		}
		if seen[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("employers[%d]: duplicate employer %q", i, name))
		}
		seen[strings.ToLower(name)] = true
		if len(e.Sources) == 0 {
			errs = append(errs, fmt.Errorf("employer %q: at least one source is required", name))
		}
		for j, src := range e.Sources {
			if err := src.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("employer %q sources[%d]: %w", name, j, err))
			}
		}
	}
	return errors.Join(errs...)
}
