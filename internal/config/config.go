package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wecombot.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// GatewayConfig configures the HTTP listener that receives WeCom callbacks.
type GatewayConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               int    `json:"port" yaml:"port"`
	SendTimeoutSeconds int    `json:"sendTimeoutSeconds" yaml:"sendTimeoutSeconds"` // response_url POST timeout
}

// StoreConfig configures the SQLite status and de-duplication store.
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

type ChannelsConfig struct {
	WeCom WeComConfig `json:"wecom" yaml:"wecom"`
}

// WeComConfig holds the top-level channel settings. Entries in Accounts
// override these field by field.
type WeComConfig struct {
	Enabled        *bool                         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Name           string                        `json:"name,omitempty" yaml:"name,omitempty"`
	Token          string                        `json:"token,omitempty" yaml:"token,omitempty"`
	EncodingAESKey string                        `json:"encodingAESKey,omitempty" yaml:"encodingAESKey,omitempty"`
	ReceiveID      string                        `json:"receiveId,omitempty" yaml:"receiveId,omitempty"`
	WebhookPath    string                        `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	AllowFrom      FlexStringList                `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	GroupAllowFrom FlexStringList                `json:"groupAllowFrom,omitempty" yaml:"groupAllowFrom,omitempty"`
	RequireMention *bool                         `json:"requireMention,omitempty" yaml:"requireMention,omitempty"`
	Accounts       map[string]WeComAccountConfig `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	DefaultAccount string                        `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
}

// WeComAccountConfig is the per-account settings set. Zero values inherit
// from WeComConfig.
type WeComAccountConfig struct {
	Enabled        *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Token          string         `json:"token,omitempty" yaml:"token,omitempty"`
	EncodingAESKey string         `json:"encodingAESKey,omitempty" yaml:"encodingAESKey,omitempty"`
	ReceiveID      string         `json:"receiveId,omitempty" yaml:"receiveId,omitempty"`
	WebhookPath    string         `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	AllowFrom      FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	GroupAllowFrom FlexStringList `json:"groupAllowFrom,omitempty" yaml:"groupAllowFrom,omitempty"`
	RequireMention *bool          `json:"requireMention,omitempty" yaml:"requireMention,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
// WeCom user ids are sometimes purely numeric and get written unquoted.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wecombot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wecombot"
	}
	return filepath.Join(home, ".wecombot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML (by extension) config file over Defaults().
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	cfg, err := decode(path, []byte(ExpandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadRaw reads the file as written: ${VAR} references and ~/ paths are
// kept and nothing is validated. Edits saved back to disk start from here.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return decode(path, data)
}

func decode(path string, data []byte) (*Config, error) {
	cfg := Defaults()
	var err error
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// secrets live in this file
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}
	if cfg.Gateway.SendTimeoutSeconds < 0 {
		errs = append(errs, "gateway.sendTimeoutSeconds must be >= 0")
	}
	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when the store is enabled")
	}

	wc := cfg.Channels.WeCom
	errs = append(errs, validateAccount("channels.wecom", wc.WebhookPath, wc.EncodingAESKey)...)
	for id, acct := range wc.Accounts {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "channels.wecom.accounts: account id must not be empty")
			continue
		}
		errs = append(errs, validateAccount("channels.wecom.accounts."+id, acct.WebhookPath, acct.EncodingAESKey)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateAccount(prefix, webhookPath, aesKey string) []string {
	var errs []string
	if p := strings.TrimSpace(webhookPath); p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, prefix+".webhookPath must start with /")
	}
	// WeCom issues 43-character base64 keys (32 bytes once padded)
	if k := strings.TrimSpace(aesKey); k != "" && len(k) != 43 {
		errs = append(errs, prefix+".encodingAESKey must be 43 characters")
	}
	return errs
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
