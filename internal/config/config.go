package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for qnasession.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Realtime   RealtimeConfig   `json:"realtime" yaml:"realtime"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Clustering ClusteringConfig `json:"clustering" yaml:"clustering"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
	API        APIConfig        `json:"api" yaml:"api"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" envconfig:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" yaml:"logFormat" split_words:"true"` // "text" | "json"
}

// RealtimeConfig configures the Supabase Realtime change feed.
type RealtimeConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	ProjectURL          string   `json:"projectUrl" yaml:"projectUrl" envconfig:"SUPABASE_URL"`
	AnonKey             string   `json:"anonKey" yaml:"anonKey" envconfig:"SUPABASE_ANON_KEY"`
	Tables              []string `json:"tables" yaml:"tables"`
	ReconnectDelayMs    int      `json:"reconnectDelayMs" yaml:"reconnectDelayMs" split_words:"true"`
	HandshakeTimeoutMs  int      `json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs" split_words:"true"`
	HeartbeatIntervalMs int      `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs" split_words:"true"` // 0 disables heartbeats
}

// ClassifierConfig selects and configures the topic classifier.
type ClassifierConfig struct {
	Mode             string  `json:"mode" yaml:"mode"`         // "auto" | "llm" | "keywords"
	Provider         string  `json:"provider" yaml:"provider"` // "gemini" | "openai"
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	APIKey           string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty" envconfig:"GEMINI_API_KEY"`
	APIBase          string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty" split_words:"true"` // empty uses the provider default
	Model            string  `json:"model" yaml:"model"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	RequestTimeoutMs int     `json:"requestTimeoutMs" yaml:"requestTimeoutMs" split_words:"true"`
	ConnectTimeoutMs int     `json:"connectTimeoutMs" yaml:"connectTimeoutMs" split_words:"true"`
	MaxRetries       int     `json:"maxRetries" yaml:"maxRetries" split_words:"true"`
}

type ClusteringConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	InitialDelayMs int  `json:"initialDelayMs" yaml:"initialDelayMs" split_words:"true"`
	PollIntervalMs int  `json:"pollIntervalMs" yaml:"pollIntervalMs" split_words:"true"`
}

type StoreConfig struct {
	Driver      string `json:"driver" yaml:"driver"` // "sqlite" | "postgres"
	DBPath      string `json:"dbPath" yaml:"dbPath" split_words:"true"`
	DatabaseURL string `json:"databaseUrl,omitempty" yaml:"databaseUrl,omitempty" envconfig:"DATABASE_URL"`
}

// KafkaConfig configures forwarding of realtime changes to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// APIConfig configures the HTTP surface (health, metrics, clusters).
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// Addr returns host:port for the HTTP listener.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (r RealtimeConfig) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelayMs) * time.Millisecond
}

func (r RealtimeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(r.HandshakeTimeoutMs) * time.Millisecond
}

func (r RealtimeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

func (c ClassifierConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c ClassifierConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// UseLLM reports whether the LLM classifier should be used for the
// configured mode. In "auto" mode it requires an enabled provider with a key.
func (c ClassifierConfig) UseLLM() bool {
	switch c.Mode {
	case ModeLLM:
		return true
	case ModeKeywords:
		return false
	default:
		return c.Enabled && c.APIKey != ""
	}
}

func (c ClusteringConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c ClusteringConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

const (
	ModeAuto     = "auto"
	ModeLLM      = "llm"
	ModeKeywords = "keywords"
)

// Classifier providers. The provider package builds one generator per name.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Providers lists the accepted classifier.provider values.
func Providers() []string {
	return []string{ProviderGemini, ProviderOpenAI}
}

// DefaultConfigDir returns the default config directory (~/.qnasession).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qnasession"
	}
	return filepath.Join(home, ".qnasession")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file at path (JSON, or YAML for .yaml/.yml),
// expands ${VAR} references, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults behaves like Load but falls back to Defaults (plus env
// overrides) when the file does not exist.
func LoadOrDefaults(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}
		return match
	})
}

// Save writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
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
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Realtime.Enabled && cfg.Realtime.ProjectURL != "" {
		u, err := url.Parse(cfg.Realtime.ProjectURL)
		if err != nil || u.Host == "" {
			errs = append(errs, "realtime.projectUrl must be an absolute URL")
		} else if u.Scheme != "https" && u.Scheme != "http" && u.Scheme != "wss" && u.Scheme != "ws" {
			errs = append(errs, "realtime.projectUrl must use http(s) or ws(s)")
		}
	}
	if cfg.Realtime.ReconnectDelayMs < 1 {
		errs = append(errs, "realtime.reconnectDelayMs must be >= 1")
	}
	if cfg.Realtime.HeartbeatIntervalMs < 0 {
		errs = append(errs, "realtime.heartbeatIntervalMs must be >= 0")
	}

	switch cfg.Classifier.Mode {
	case ModeAuto, ModeLLM, ModeKeywords:
	default:
		errs = append(errs, "classifier.mode must be one of: auto, llm, keywords")
	}
	if !slices.Contains(Providers(), cfg.Classifier.Provider) {
		errs = append(errs, "classifier.provider must be one of: "+strings.Join(Providers(), ", "))
	}
	if cfg.Classifier.RequestTimeoutMs < 1 || cfg.Classifier.ConnectTimeoutMs < 1 {
		errs = append(errs, "classifier timeouts must be >= 1ms")
	}
	if cfg.Classifier.MaxRetries < 0 || cfg.Classifier.MaxRetries > 10 {
		errs = append(errs, "classifier.maxRetries must be between 0 and 10")
	}

	if cfg.Clustering.InitialDelayMs < 0 {
		errs = append(errs, "clustering.initialDelayMs must be >= 0")
	}
	if cfg.Clustering.PollIntervalMs < 1 {
		errs = append(errs, "clustering.pollIntervalMs must be >= 1")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			errs = append(errs, "store.databaseUrl is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			errs = append(errs, "kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
