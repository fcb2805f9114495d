package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/services"
	"github.com/MegaGrindStone/chat-session/internal/session"
	"gopkg.in/yaml.v3"
)

type backendConfig interface {
	backend(systemPrompt string, logger *slog.Logger) (session.Backend, error)
}

// BaseBackendConfig contains the common fields for all backend configurations.
type BaseBackendConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string        `yaml:"port"`
	LogLevel     string        `yaml:"logLevel"`
	SystemPrompt string        `yaml:"systemPrompt"`
	Backend      backendConfig `yaml:"backend"`
	Store        storeConfig   `yaml:"store"`
	Session      sessionConfig `yaml:"session"`
}

type remoteConfig struct {
	BaseBackendConfig `yaml:",inline"`
	BaseURL           string `yaml:"baseURL"`
	APIKey            string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseBackendConfig `yaml:",inline"`
	Host              string `yaml:"host"`
}

type openAIConfig struct {
	BaseBackendConfig `yaml:",inline"`
	APIKey            string `yaml:"apiKey"`
	BaseURL           string `yaml:"baseURL"`
}

// anthropicConfig configures the Anthropic backend. ThinkingBudget enables extended thinking when
// set; it must be at least 1024 and below MaxTokens.
type anthropicConfig struct {
	BaseBackendConfig `yaml:",inline"`
	APIKey            string `yaml:"apiKey"`
	BaseURL           string `yaml:"baseURL"`
	MaxTokens         int    `yaml:"maxTokens"`
	ThinkingBudget    int    `yaml:"thinkingBudget"`
}

const (
	defaultOllamaHost       = "http://localhost:11434"
	minAnthropicThinkBudget = 1024
)

type storeConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type sessionConfig struct {
	DefaultMode     string        `yaml:"defaultMode"`
	MaxMessages     int           `yaml:"maxMessages"`
	PersistInterval time.Duration `yaml:"persistInterval"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		LogLevel     string         `yaml:"logLevel"`
		SystemPrompt string         `yaml:"systemPrompt"`
		Backend      map[string]any `yaml:"backend"`
		Store        storeConfig    `yaml:"store"`
		Session      sessionConfig  `yaml:"session"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	provider, ok := rawConfig.Backend["provider"].(string)
	if !ok {
		return fmt.Errorf("backend provider is required")
	}

	backendRawYAML, err := yaml.Marshal(rawConfig.Backend)
	if err != nil {
		return err
	}

	var backend backendConfig
	switch provider {
	case "remote":
		backend = &remoteConfig{}
	case "ollama":
		backend = &ollamaConfig{}
	case "openai":
		backend = &openAIConfig{}
	case "anthropic":
		backend = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown backend provider: %s", provider)
	}

	if err := yaml.Unmarshal(backendRawYAML, backend); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Backend = backend
	c.Store = rawConfig.Store
	c.Session = rawConfig.Session

	return nil
}

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	return cfg, nil
}

func (c config) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func (c config) sessionOptions(store session.Store, logger *slog.Logger) (session.Options, error) {
	opts := session.Options{
		Store:           store,
		MaxMessages:     c.Session.MaxMessages,
		PersistInterval: c.Session.PersistInterval,
		Logger:          logger,
	}
	if c.Session.DefaultMode != "" {
		mode, err := models.ParseMode(c.Session.DefaultMode)
		if err != nil {
			return session.Options{}, err
		}
		opts.Mode = mode
	}
	return opts, nil
}

// store opens the configured store. The returned function releases it.
func (s storeConfig) store(cfgDir string) (session.Store, func() error, error) {
	noop := func() error { return nil }

	switch s.Driver {
	case "", "bolt":
		path := s.Path
		if path == "" {
			path = filepath.Join(cfgDir, "store.db")
		}
		db, err := services.NewBoltDB(path)
		if err != nil {
			return nil, noop, err
		}
		return db, db.Close, nil
	case "sqlite":
		path := s.Path
		if path == "" {
			path = filepath.Join(cfgDir, "store.sqlite")
		}
		db, err := services.NewSQLite(path)
		if err != nil {
			return nil, noop, err
		}
		return db, db.Close, nil
	case "memory":
		return services.NewMemory(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver: %s", s.Driver)
	}
}

func (r remoteConfig) backend(_ string, logger *slog.Logger) (session.Backend, error) {
	if r.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	apiKey := r.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("CHAT_API_KEY")
	}
	return services.NewRemote(r.BaseURL, apiKey, nil, logger), nil
}

func (o ollamaConfig) backend(systemPrompt string, logger *slog.Logger) (session.Backend, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o openAIConfig) backend(systemPrompt string, logger *slog.Logger) (session.Backend, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

func (a anthropicConfig) backend(systemPrompt string, logger *slog.Logger) (session.Backend, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}
	if a.ThinkingBudget != 0 && (a.ThinkingBudget < minAnthropicThinkBudget || a.ThinkingBudget >= a.MaxTokens) {
		return nil, fmt.Errorf("thinkingBudget must be between %d and maxTokens, got %d",
			minAnthropicThinkBudget, a.ThinkingBudget)
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	opts := []services.AnthropicOption{services.WithThinkingBudget(a.ThinkingBudget)}
	if a.BaseURL != "" {
		opts = append(opts, services.WithAnthropicBaseURL(a.BaseURL))
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens, logger, opts...), nil
}
