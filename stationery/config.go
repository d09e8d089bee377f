package stationery

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/internal/browser"
	"github.com/hazyhaar/mailkit/pipeline"
	"github.com/hazyhaar/mailkit/render"
	"github.com/hazyhaar/mailkit/resolver"
)

// Config is the top-level mailkit configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error

	// PublicURL is the externally reachable base of this service. Owned
	// images live under PublicURL + "/blobs/".
	PublicURL string `yaml:"public_url"`

	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	SaveLimit    int           `yaml:"save_limit"`  // saves per client per SaveWindow; 0 = unlimited
	SaveWindow   time.Duration `yaml:"save_window"` // default: 1m
	SaveTimeout  time.Duration `yaml:"save_timeout"`

	// SnapshotsDisabled skips render and publish (no Chrome available).
	SnapshotsDisabled bool `yaml:"snapshots_disabled"`

	Fetch    blobstore.FetchConfig `yaml:"fetch"`
	Resolver resolver.Config       `yaml:"resolver"`
	Render   render.Config         `yaml:"render"`
	Browser  browser.Config        `yaml:"browser"`
	Pipeline pipeline.Config       `yaml:"pipeline"`
}

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("stationery: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "mailkit.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PublicURL == "" {
		host := c.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.PublicURL = "http://" + host
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.SaveWindow <= 0 {
		c.SaveWindow = time.Minute
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 2 * time.Minute
	}
}

// BlobBase is the owned image URL prefix.
func (c *Config) BlobBase() string { return c.PublicURL + "/blobs/" }
