// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	BackendAzure  = "azure"
	BackendMemory = "memory"

	envConfigFile = "PROJECTHUB_CONFIG"
)

// Tables names the table behind each collection.
type Tables struct {
	Users    string `yaml:"users"`
	Projects string `yaml:"projects"`
	Tasks    string `yaml:"tasks"`
}

// Config holds every runtime setting.
type Config struct {
	Backend                 string        `yaml:"backend"`
	StorageConnectionString string        `yaml:"storageConnectionString"`
	Tables                  Tables        `yaml:"tables"`
	CascadeQueue            string        `yaml:"cascadeQueue"`
	PhotosContainer         string        `yaml:"photosContainer"`
	RedisConnectionString   string        `yaml:"redisConnectionString"`
	ChangesChannelPrefix    string        `yaml:"changesChannelPrefix"`
	ProfileCacheTTL         time.Duration `yaml:"profileCacheTTL"`
	RemoteTimeout           time.Duration `yaml:"remoteTimeout"`
	Auth0Domain             string        `yaml:"auth0Domain"`
	Auth0Audience           string        `yaml:"auth0Audience"`
	AuthTestMode            bool          `yaml:"authTestMode"`
	TestJWTSecret           string        `yaml:"testJwtSecret"`
	ListenAddr              string        `yaml:"listenAddr"`
	Debug                   bool          `yaml:"debug"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		Backend:              BackendAzure,
		Tables:               Tables{Users: "users", Projects: "projects", Tasks: "tasks"},
		CascadeQueue:         "cascade-failures",
		PhotosContainer:      "profile-pictures",
		ChangesChannelPrefix: "projecthub:changes",
		ProfileCacheTTL:      5 * time.Minute,
		RemoteTimeout:        15 * time.Second,
		ListenAddr:           ":8080",
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from getenv, applying the YAML file named by
// PROJECTHUB_CONFIG first.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	if path := getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("BACKEND", &cfg.Backend)
	str("STORAGE_CONNECTION_STRING", &cfg.StorageConnectionString)
	str("USERS_TABLE", &cfg.Tables.Users)
	str("PROJECTS_TABLE", &cfg.Tables.Projects)
	str("TASKS_TABLE", &cfg.Tables.Tasks)
	str("CASCADE_QUEUE", &cfg.CascadeQueue)
	str("PHOTOS_CONTAINER", &cfg.PhotosContainer)
	str("REDIS_CONNECTION_STRING", &cfg.RedisConnectionString)
	str("CHANGES_CHANNEL_PREFIX", &cfg.ChangesChannelPrefix)
	str("AUTH0_DOMAIN", &cfg.Auth0Domain)
	str("AUTH0_AUDIENCE", &cfg.Auth0Audience)
	str("TEST_JWT_SECRET", &cfg.TestJWTSecret)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	if v := getenv("PORT"); v != "" && getenv("LISTEN_ADDR") == "" {
		cfg.ListenAddr = ":" + v
	}
	if getenv("AUTH0_TEST_MODE") == "1" {
		cfg.AuthTestMode = true
	}
	if v := getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG: %w", err)
		}
		cfg.Debug = dbg
	}
	for key, dst := range map[string]*time.Duration{
		"PROFILE_CACHE_TTL": &cfg.ProfileCacheTTL,
		"REMOTE_TIMEOUT":    &cfg.RemoteTimeout,
	} {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid %s: %q", key, v)
		}
		*dst = d
	}
	return nil
}

// Validate reports missing settings for the selected backend.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendAzure:
		if c.StorageConnectionString == "" {
			errs = append(errs, errors.New("missing STORAGE_CONNECTION_STRING"))
		}
		if c.Tables.Users == "" || c.Tables.Projects == "" || c.Tables.Tasks == "" {
			errs = append(errs, errors.New("missing table names"))
		}
		if c.RedisConnectionString == "" {
			errs = append(errs, errors.New("missing REDIS_CONNECTION_STRING"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BACKEND %q", c.Backend))
	}
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			errs = append(errs, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1"))
		}
	} else if c.Auth0Domain == "" || c.Auth0Audience == "" {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("REMOTE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// RedisOptions parses either a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	if opts.Addr == "" {
		return nil, errors.New("redis connection string has no address")
	}
	return opts, nil
}
