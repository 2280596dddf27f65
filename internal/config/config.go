package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `env:"SHELTER_LISTEN_ADDR" envDefault:":8080"`
	OriginURL  string `env:"SHELTER_ORIGIN_URL"`
	APIBaseURL string `env:"SHELTER_API_BASE_URL" envDefault:"https://story-api.dicoding.dev/v1"`
	TileHost   string `env:"SHELTER_TILE_HOST" envDefault:"tile.openstreetmap.org"`

	APITimeout        time.Duration `env:"SHELTER_API_TIMEOUT" envDefault:"2500ms"`
	UpstreamTimeout   time.Duration `env:"SHELTER_UPSTREAM_TIMEOUT" envDefault:"10s"`
	NavigationPreload bool          `env:"SHELTER_NAVIGATION_PRELOAD" envDefault:"true"`

	ShellCache      string   `env:"SHELTER_SHELL_CACHE" envDefault:"story-app-shell-v6"`
	RuntimeCache    string   `env:"SHELTER_RUNTIME_CACHE" envDefault:"story-runtime-v3"`
	TileCache       string   `env:"SHELTER_TILE_CACHE" envDefault:"osm-tiles-v1"`
	ShellAssets     []string `env:"SHELTER_SHELL_ASSETS" envSeparator:"," envDefault:"/,/index.html,/manifest.webmanifest,/icons/checklist.png,/icons/book.png,/app.css"`
	ManifestPath    string   `env:"SHELTER_MANIFEST_PATH"`
	ShellDocument   string   `env:"SHELTER_SHELL_DOCUMENT" envDefault:"/index.html"`
	TilePlaceholder string   `env:"SHELTER_TILE_PLACEHOLDER" envDefault:"/icons/location.png"`

	RedisAddr     string `env:"SHELTER_REDIS_ADDR"`
	RedisDB       int    `env:"SHELTER_REDIS_DB" envDefault:"0"`
	RedisPassword string `env:"SHELTER_REDIS_PASSWORD"`

	S3Endpoint  string `env:"SHELTER_S3_ENDPOINT"`
	S3Region    string `env:"SHELTER_S3_REGION" envDefault:"us-east-1"`
	S3Bucket    string `env:"SHELTER_S3_BUCKET"`
	S3AccessKey string `env:"SHELTER_S3_ACCESS_KEY"`
	S3SecretKey string `env:"SHELTER_S3_SECRET_KEY"`

	QueuePath        string        `env:"SHELTER_QUEUE_PATH" envDefault:"shelter.db"`
	SyncInterval     time.Duration `env:"SHELTER_SYNC_INTERVAL" envDefault:"5m"`
	SyncEntryTimeout time.Duration `env:"SHELTER_SYNC_ENTRY_TIMEOUT" envDefault:"30s"`

	MQTTBroker string   `env:"SHELTER_MQTT_BROKER"`
	MQTTTopic  string   `env:"SHELTER_MQTT_TOPIC" envDefault:"story-app/push"`
	NotifyURLs []string `env:"SHELTER_NOTIFY_URLS" envSeparator:","`

	LockTTL      time.Duration `env:"SHELTER_LOCK_TTL" envDefault:"45s"`
	ReadyTimeout time.Duration `env:"SHELTER_READY_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"SHELTER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SHELTER_LOG_FORMAT" envDefault:"text"`
}

// Version names the cache partitions of one deploy. Bumping Shell forces the
// previous shell partition out on the next activation.
type Version struct {
	Shell   string
	Runtime string
	Tiles   string
}

// AllowList is the set of partitions that survive activation.
func (v Version) AllowList() []string {
	return []string{v.Shell, v.Runtime, v.Tiles}
}

func (v Version) Allows(partition string) bool {
	for _, p := range v.AllowList() {
		if p == partition {
			return true
		}
	}
	return false
}

func (c Config) Version() Version {
	return Version{Shell: c.ShellCache, Runtime: c.RuntimeCache, Tiles: c.TileCache}
}

func (c Config) S3Enabled() bool {
	return c.S3Endpoint != "" || c.S3Bucket != ""
}

func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.ShellAssets = trimAll(cfg.ShellAssets)
	cfg.NotifyURLs = trimAll(cfg.NotifyURLs)

	if cfg.ManifestPath != "" {
		assets, err := LoadManifest(cfg.ManifestPath)
		if err != nil {
			return cfg, err
		}
		cfg.ShellAssets = assets
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.OriginURL == "" {
		return errors.New("SHELTER_ORIGIN_URL is required")
	}
	if u, err := url.Parse(c.OriginURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("SHELTER_ORIGIN_URL must be an absolute URL")
	}
	if c.APIBaseURL == "" {
		return errors.New("SHELTER_API_BASE_URL is required")
	}
	if c.ShellCache == "" || c.RuntimeCache == "" || c.TileCache == "" {
		return errors.New("shell/runtime/tile cache names are required")
	}
	if c.ShellCache == c.RuntimeCache || c.ShellCache == c.TileCache || c.RuntimeCache == c.TileCache {
		return errors.New("shell/runtime/tile cache names must differ")
	}
	if len(c.ShellAssets) == 0 {
		return errors.New("at least one shell asset is required")
	}
	if c.APITimeout <= 0 {
		return errors.New("SHELTER_API_TIMEOUT must be positive")
	}
	if c.S3Enabled() && (c.S3Endpoint == "" || c.S3Bucket == "" || c.S3AccessKey == "" || c.S3SecretKey == "") {
		return errors.New("S3 endpoint/bucket/access/secret are required")
	}
	return nil
}

type manifestFile struct {
	Assets []string `yaml:"assets"`
}

// LoadManifest reads the shell asset list from a YAML file of the form
//
//	assets:
//	  - /
//	  - /index.html
func LoadManifest(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifestFile
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	assets := trimAll(m.Assets)
	if len(assets) == 0 {
		return nil, fmt.Errorf("manifest %s lists no assets", path)
	}
	return assets, nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
