package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SiteConfig describes where the app is served from and where its feed lives.
type SiteConfig struct {
	// Origin is the scheme://host[:port] the offline worker treats as
	// same-origin. Defaults to http://<listen>.
	Origin string `yaml:"origin" json:"origin"`
	// FeedPath is the feed location, relative to Origin or absolute.
	FeedPath string `yaml:"feed_path" json:"feed_path"`
	// PublicURL is the base of share deep links.
	PublicURL string `yaml:"public_url" json:"public_url"`
	// EventsFile, if set, is served at /events.json.
	EventsFile string `yaml:"events_file" json:"events_file"`
}

type NotificationsConfig struct {
	// Permission is "granted", "denied" or "default".
	Permission string `yaml:"permission" json:"permission"`
	Icon       string `yaml:"icon" json:"icon"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type StorageConfig struct {
	// Driver is "file", "redis" or "memory".
	Driver string      `yaml:"driver" json:"driver"`
	Path   string      `yaml:"path" json:"path"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
}

type OfflineConfig struct {
	// Version names the cache generation. Bump it to invalidate assets.
	Version string   `yaml:"version" json:"version"`
	DBPath  string   `yaml:"db_path" json:"db_path"`
	Assets  []string `yaml:"assets" json:"assets"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone reads event date-times that carry no offset.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a five-field cron schedule for feed refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds how far ahead recurring events are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	Site          SiteConfig          `yaml:"site" json:"site"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Offline       OfflineConfig       `yaml:"offline" json:"offline"`

	// PushRatePerMinute limits POST /api/push.
	PushRatePerMinute int `yaml:"push_rate_per_minute" json:"push_rate_per_minute"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Africa/Johannesburg"
	defaultRefreshCron  = "*/15 * * * *"
	defaultHorizonDays  = 30
	defaultFeedPath     = "/events.json"
	defaultIcon         = "https://ik.imagekit.io/vurvay/iPlug%20GQ%20logo1.png"
	defaultCacheVersion = "iplug-gq-v1.2"
	defaultPushRate     = 30
)

func defaultAssets() []string {
	return []string{
		"/",
		"/index.html",
		"/style.css",
		"/manifest.json",
		"/events.json",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Listen:      defaultListen,
		Timezone:    defaultTimezone,
		RefreshCron: defaultRefreshCron,
		HorizonDays: defaultHorizonDays,
		Site: SiteConfig{
			FeedPath: defaultFeedPath,
		},
		Notifications: NotificationsConfig{
			Permission: "default",
			Icon:       defaultIcon,
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   "./var/iplug-store.json",
		},
		Offline: OfflineConfig{
			Version: defaultCacheVersion,
			DBPath:  "./var/iplug-cache.db",
			Assets:  defaultAssets(),
		},
		PushRatePerMinute: defaultPushRate,
		LogLevel:          "info",
		LogFormat:         "text",
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}

	c.Site.Origin = strings.TrimRight(c.Site.Origin, "/")
	if c.Site.FeedPath == "" {
		c.Site.FeedPath = defaultFeedPath
	}

	switch strings.ToLower(c.Notifications.Permission) {
	case "granted", "denied", "default":
		c.Notifications.Permission = strings.ToLower(c.Notifications.Permission)
	default:
		c.Notifications.Permission = "default"
	}
	if c.Notifications.Icon == "" {
		c.Notifications.Icon = defaultIcon
	}

	switch c.Storage.Driver {
	case "file", "redis", "memory":
	default:
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./var/iplug-store.json"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "iplug:"
	}

	if c.Offline.Version == "" {
		c.Offline.Version = defaultCacheVersion
	}
	if c.Offline.DBPath == "" {
		c.Offline.DBPath = "./var/iplug-cache.db"
	}
	if c.Offline.Assets == nil {
		c.Offline.Assets = defaultAssets()
	}

	if c.PushRatePerMinute <= 0 {
		c.PushRatePerMinute = defaultPushRate
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat != "json" {
		c.LogFormat = "text"
	}
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Origin is Site.Origin, or http://<listen> when unset.
func (c *Config) Origin() string {
	if c.Site.Origin != "" {
		return c.Site.Origin
	}
	host := c.Listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host
}

// PublicURL is Site.PublicURL, or the origin root when unset.
func (c *Config) PublicURL() string {
	if c.Site.PublicURL != "" {
		return c.Site.PublicURL
	}
	return c.Origin() + "/"
}

// FeedURL resolves Site.FeedPath against the origin.
func (c *Config) FeedURL() string {
	p := c.Site.FeedPath
	if strings.Contains(p, "://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return c.Origin() + p
}

// Horizon is HorizonDays as a duration.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// ApplyEnv overrides file values with IPLUG_* variables from lookup
// (os.LookupEnv in production). Unparseable numbers are reported and the
// file value is kept.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}

	str("IPLUG_LISTEN", &c.Listen)
	str("IPLUG_TIMEZONE", &c.Timezone)
	str("IPLUG_REFRESH", &c.RefreshCron)
	num("IPLUG_HORIZON_DAYS", &c.HorizonDays)
	str("IPLUG_ORIGIN", &c.Site.Origin)
	str("IPLUG_FEED_PATH", &c.Site.FeedPath)
	str("IPLUG_PUBLIC_URL", &c.Site.PublicURL)
	str("IPLUG_EVENTS_FILE", &c.Site.EventsFile)
	str("IPLUG_NOTIFICATION_PERMISSION", &c.Notifications.Permission)
	str("IPLUG_STORAGE_DRIVER", &c.Storage.Driver)
	str("IPLUG_STORAGE_PATH", &c.Storage.Path)
	str("IPLUG_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("IPLUG_REDIS_PASSWORD", &c.Storage.Redis.Password)
	num("IPLUG_REDIS_DB", &c.Storage.Redis.DB)
	str("IPLUG_CACHE_VERSION", &c.Offline.Version)
	str("IPLUG_CACHE_DB", &c.Offline.DBPath)
	num("IPLUG_PUSH_RATE_PER_MINUTE", &c.PushRatePerMinute)
	str("IPLUG_LOG_LEVEL", &c.LogLevel)
	str("IPLUG_LOG_FORMAT", &c.LogFormat)

	user, hasUser := lookup("IPLUG_BASIC_AUTH_USER")
	pass, _ := lookup("IPLUG_BASIC_AUTH_PASSWORD")
	if hasUser && user != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}

	c.Normalize()
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".iplug-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
