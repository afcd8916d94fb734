package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr          = ":3000"
	DefaultBranch        = "main"
	DefaultRemote        = "origin"
	DefaultStateDir      = ".relay"
	defaultFetchTimeout  = 30
	defaultGitTimeout    = 60
	defaultCallbackWait  = 10
	defaultWebhookWait   = 5
	defaultFetchParallel = 4
)

// Config models relay.yml. Values are fixed for the lifetime of the process.
type Config struct {
	Secret     string `yaml:"secret"`
	Addr       string `yaml:"addr"`
	Workdir    string `yaml:"workdir"`
	StateDir   string `yaml:"state_dir"`
	PagesOwner string `yaml:"pages_owner"`
	Git        struct {
		Name           string `yaml:"name"`
		Email          string `yaml:"email"`
		Remote         string `yaml:"remote"`
		Branch         string `yaml:"branch"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"git"`
	Fetch struct {
		UserAgent      string `yaml:"user_agent"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Parallelism    int    `yaml:"parallelism"`
	} `yaml:"fetch"`
	Callback struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"callback"`
	Admin struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"admin"`
	Webhooks []WebhookConfig `yaml:"webhooks"`

	// Source is the path the config was loaded from, even when the file
	// did not exist yet.
	Source string `yaml:"-" json:"-"`
}

// WebhookConfig subscribes an endpoint to run events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "relay.yml")
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadOptional reads path if it exists and returns defaults otherwise.
// The result is not validated; callers apply overrides first.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Source = path
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// FromYAML parses raw YAML bytes and fills defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Workdir == "" {
		c.Workdir = "."
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.Git.Remote == "" {
		c.Git.Remote = DefaultRemote
	}
	if c.Git.Branch == "" {
		c.Git.Branch = DefaultBranch
	}
	if c.Git.TimeoutSeconds <= 0 {
		c.Git.TimeoutSeconds = defaultGitTimeout
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = defaultFetchTimeout
	}
	if c.Fetch.Parallelism <= 0 {
		c.Fetch.Parallelism = defaultFetchParallel
	}
	if c.Callback.TimeoutSeconds <= 0 {
		c.Callback.TimeoutSeconds = defaultCallbackWait
	}
	for i := range c.Webhooks {
		if c.Webhooks[i].TimeoutSeconds <= 0 {
			c.Webhooks[i].TimeoutSeconds = defaultWebhookWait
		}
	}
}

// Validate ensures the config can drive the pipeline.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("config.secret is required")
	}
	if strings.TrimSpace(c.Git.Name) == "" {
		return fmt.Errorf("config.git.name is required")
	}
	if strings.TrimSpace(c.Git.Email) == "" {
		return fmt.Errorf("config.git.email is required")
	}
	if c.Fetch.Parallelism < 1 {
		return fmt.Errorf("config.fetch.parallelism must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// UserAgent returns the identifying client signature for outbound fetches.
func (c *Config) UserAgent() string {
	if c.Fetch.UserAgent != "" {
		return c.Fetch.UserAgent
	}
	return fmt.Sprintf("TDS-Project/1.0 (%s)", c.Git.Email)
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

func (c *Config) GitTimeout() time.Duration {
	return time.Duration(c.Git.TimeoutSeconds) * time.Second
}

func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.Callback.TimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Secret != "" {
		out.Secret = "***"
	}
	if out.Admin.JWTSecret != "" {
		out.Admin.JWTSecret = "***"
	}
	out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if hook.Secret != "" {
			hook.Secret = "***"
		}
		out.Webhooks[i] = hook
	}
	return out
}

const ExampleYAML = `secret: change-me
addr: ":3000"
workdir: "."
state_dir: ".relay"
pages_owner: your-github-user

git:
  name: Relay Bot
  email: relay@example.com
  remote: origin
  branch: main
  timeout_seconds: 60

fetch:
  timeout_seconds: 30
  parallelism: 4

callback:
  timeout_seconds: 10

admin:
  jwt_secret: ""

webhooks: []
`
