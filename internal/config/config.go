package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds the OAuth client registration for one external
// calendar provider. The endpoint URLs default to the provider's public
// endpoints and are overridable mainly for tests.
type ProviderConfig struct {
	// ClientID is the registered OAuth client id.
	ClientID string `yaml:"client_id" json:"client_id"`
	// ClientSecret is required by Microsoft's token endpoint for
	// confidential clients; Google's device flow leaves it empty.
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	// Scopes requested during the device authorization grant.
	Scopes []string `yaml:"scopes" json:"scopes"`

	// DeviceAuthURL is the device-code issuance endpoint.
	DeviceAuthURL string `yaml:"device_auth_url,omitempty" json:"device_auth_url,omitempty"`
	// TokenURL is the token exchange endpoint.
	TokenURL string `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	// EventsURL is the paginated event listing endpoint.
	EventsURL string `yaml:"events_url,omitempty" json:"events_url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// DataDir is the base directory for all durable state: event
	// collections, provider sessions, blob documents and the today
	// projection.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// SyncCron is an optional cron-style schedule (e.g. "*/30 * * * *")
	// for automatic provider sync. Empty disables scheduling; sync is
	// then triggered only through the API.
	SyncCron string `yaml:"sync" json:"sync"`

	Google    ProviderConfig `yaml:"google" json:"google"`
	Microsoft ProviderConfig `yaml:"microsoft" json:"microsoft"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:  "127.0.0.1:8080",
		DataDir: "./data",
		Google: ProviderConfig{
			Scopes:        []string{"https://www.googleapis.com/auth/calendar.readonly"},
			DeviceAuthURL: "https://oauth2.googleapis.com/device/code",
			TokenURL:      "https://oauth2.googleapis.com/token",
			EventsURL:     "https://www.googleapis.com/calendar/v3/calendars/primary/events",
		},
		Microsoft: ProviderConfig{
			Scopes:        []string{"offline_access", "Calendars.Read"},
			DeviceAuthURL: "https://login.microsoftonline.com/common/oauth2/v2.0/devicecode",
			TokenURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			EventsURL:     "https://graph.microsoft.com/v1.0/me/events",
		},
	}
}

// envOverrides are environment variables applied on top of the file
// config. Secrets in particular should come from the environment rather
// than the YAML file.
type envOverrides struct {
	Listen                string `env:"INKSYNC_LISTEN"`
	DataDir               string `env:"INKSYNC_DATA_DIR"`
	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}

	normalizeProvider(&c.Google, def.Google)
	normalizeProvider(&c.Microsoft, def.Microsoft)
}

func normalizeProvider(p *ProviderConfig, def ProviderConfig) {
	if len(p.Scopes) == 0 {
		p.Scopes = def.Scopes
	}
	if p.DeviceAuthURL == "" {
		p.DeviceAuthURL = def.DeviceAuthURL
	}
	if p.TokenURL == "" {
		p.TokenURL = def.TokenURL
	}
	if p.EventsURL == "" {
		p.EventsURL = def.EventsURL
	}
}

// applyEnv overlays environment variables onto the config. Only set
// variables override file values.
func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return err
	}
	if ov.Listen != "" {
		c.Listen = ov.Listen
	}
	if ov.DataDir != "" {
		c.DataDir = ov.DataDir
	}
	if ov.GoogleClientID != "" {
		c.Google.ClientID = ov.GoogleClientID
	}
	if ov.GoogleClientSecret != "" {
		c.Google.ClientSecret = ov.GoogleClientSecret
	}
	if ov.MicrosoftClientID != "" {
		c.Microsoft.ClientID = ov.MicrosoftClientID
	}
	if ov.MicrosoftClientSecret != "" {
		c.Microsoft.ClientSecret = ov.MicrosoftClientSecret
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - Environment overrides are applied last in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			if err := cfg.applyEnv(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600 (client secrets live here).
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

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".inksync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
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

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the
// package-level Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
