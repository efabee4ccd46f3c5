package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Images   ImagesConfig   `yaml:"images"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Biomes   []BiomeConfig  `yaml:"biomes"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig selects one of the gorm dialects. DSN wins over the
// discrete host fields when both are set.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // mysql, postgres, sqlite
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogLevel        string        `yaml:"log_level"`
	MaxRetries      uint64        `yaml:"max_retries"`
	StoryCacheTTL   time.Duration `yaml:"story_cache_ttl"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	PageCacheTTL time.Duration `yaml:"page_cache_ttl"`
}

type AIConfig struct {
	TextProvider  string        `yaml:"text_provider"`  // openai, gemini
	ImageProvider string        `yaml:"image_provider"` // openai, gemini, comfyui, none
	OpenAI        OpenAIConfig  `yaml:"openai"`
	Gemini        GeminiConfig  `yaml:"gemini"`
	ComfyUI       ComfyUIConfig `yaml:"comfyui"`
	// PromptDir holds optional *.json template overrides.
	PromptDir string `yaml:"prompt_dir"`
}

type OpenAIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	SafetyModel       string        `yaml:"safety_model"`
	ImageModel        string        `yaml:"image_model"`
	ImageSize         string        `yaml:"image_size"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type GeminiConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	ImageModel  string  `yaml:"image_model"`
	Temperature float64 `yaml:"temperature"`
}

type ComfyUIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Checkpoint     string        `yaml:"checkpoint"`
	NegativePrompt string        `yaml:"negative_prompt"`
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	Steps          int           `yaml:"steps"`
	Timeout        time.Duration `yaml:"timeout"`

	// Workers caps concurrent renders; extra requests wait in a queue of
	// QueueSize.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// ImagesConfig controls where generated illustrations are written and how
// they are addressed by clients.
type ImagesConfig struct {
	Directory     string `yaml:"directory"`
	PublicBaseURL string `yaml:"public_base_url"`

	// MaxEntries and TTL bound the prompt dedupe index only. Zero means
	// unbounded. Image files are never deleted.
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type PipelineConfig struct {
	// AtomicCreate removes the story row again when its first page is rejected.
	AtomicCreate bool `yaml:"atomic_create"`
}

type BiomeConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	ImageURL    string `yaml:"image_url"`
	Gradient    string `yaml:"gradient"`
	Unlocked    bool   `yaml:"unlocked"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.AI.OpenAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		cfg.AI.Gemini.APIKey = apiKey
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 3 * time.Minute
	}
	if c.Server.PipelineTimeout == 0 {
		c.Server.PipelineTimeout = 2 * time.Minute
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "data/biome-tales.db"
	}
	if c.Database.MaxRetries == 0 {
		c.Database.MaxRetries = 3
	}
	if c.Database.StoryCacheTTL == 0 {
		c.Database.StoryCacheTTL = 30 * time.Minute
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 3 * time.Minute
	}
	if c.Redis.PageCacheTTL == 0 {
		c.Redis.PageCacheTTL = 10 * time.Minute
	}

	if c.AI.TextProvider == "" {
		c.AI.TextProvider = "openai"
	}
	if c.AI.ImageProvider == "" {
		c.AI.ImageProvider = c.AI.TextProvider
	}
	if c.AI.OpenAI.Model == "" {
		c.AI.OpenAI.Model = "gpt-4o-mini"
	}
	if c.AI.OpenAI.SafetyModel == "" {
		c.AI.OpenAI.SafetyModel = c.AI.OpenAI.Model
	}
	if c.AI.OpenAI.ImageModel == "" {
		c.AI.OpenAI.ImageModel = "dall-e-3"
	}
	if c.AI.OpenAI.ImageSize == "" {
		c.AI.OpenAI.ImageSize = "1024x1024"
	}
	if c.AI.OpenAI.MaxTokens == 0 {
		c.AI.OpenAI.MaxTokens = 600
	}
	if c.AI.OpenAI.Timeout == 0 {
		c.AI.OpenAI.Timeout = 90 * time.Second
	}
	if c.AI.OpenAI.MaxRetries == 0 {
		c.AI.OpenAI.MaxRetries = 3
	}
	if c.AI.OpenAI.RequestsPerSecond == 0 {
		c.AI.OpenAI.RequestsPerSecond = 2
	}
	if c.AI.OpenAI.Burst == 0 {
		c.AI.OpenAI.Burst = 4
	}
	if c.AI.Gemini.Model == "" {
		c.AI.Gemini.Model = "gemini-2.0-flash"
	}
	if c.AI.Gemini.ImageModel == "" {
		c.AI.Gemini.ImageModel = "imagen-3.0-generate-002"
	}
	if c.AI.ComfyUI.BaseURL == "" {
		c.AI.ComfyUI.BaseURL = "http://localhost:8188"
	}
	if c.AI.ComfyUI.Timeout == 0 {
		c.AI.ComfyUI.Timeout = 5 * time.Minute
	}
	if c.AI.ComfyUI.Workers == 0 {
		c.AI.ComfyUI.Workers = 1
	}
	if c.AI.ComfyUI.QueueSize == 0 {
		c.AI.ComfyUI.QueueSize = 32
	}

	if c.Images.Directory == "" {
		c.Images.Directory = "data/images"
	}
	if c.Images.PublicBaseURL == "" {
		c.Images.PublicBaseURL = "/images"
	}

	if len(c.Biomes) == 0 {
		c.Biomes = DefaultBiomes()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.AI.TextProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unsupported text provider %q", c.AI.TextProvider)
	}

	switch c.AI.ImageProvider {
	case "openai", "gemini", "comfyui", "none":
	default:
		return fmt.Errorf("unsupported image provider %q", c.AI.ImageProvider)
	}

	seen := make(map[string]bool, len(c.Biomes))
	for _, b := range c.Biomes {
		id := strings.TrimSpace(b.ID)
		if id == "" || strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("biome entries need both id and name")
		}
		if seen[id] {
			return fmt.Errorf("duplicate biome id %q", id)
		}
		seen[id] = true
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultBiomes is the catalog shipped with the storybook map.
func DefaultBiomes() []BiomeConfig {
	return []BiomeConfig{
		{ID: "forest", Name: "Enchanted Forest", Description: "Tall glowing trees, talking owls and hidden fairy paths.", ImageURL: "/forest-biome.jpg", Gradient: "bg-gradient-forest", Unlocked: true},
		{ID: "desert", Name: "Golden Desert", Description: "Rolling dunes, secret oases and starry night skies.", ImageURL: "/desert-biome.jpg", Gradient: "bg-gradient-desert", Unlocked: true},
		{ID: "ocean", Name: "Deep Ocean", Description: "Coral castles, friendly whales and sunken treasure.", ImageURL: "/ocean-biome.jpg", Gradient: "bg-gradient-ocean", Unlocked: true},
		{ID: "tundra", Name: "Frozen Tundra", Description: "Snowy plains, dancing northern lights and playful foxes.", ImageURL: "/tundra-biome.jpg", Gradient: "bg-gradient-tundra", Unlocked: false},
		{ID: "mountains", Name: "Misty Mountains", Description: "Cloud-topped peaks, echoing caves and brave mountain goats.", ImageURL: "/mountains-biome.jpg", Gradient: "bg-gradient-mountains", Unlocked: false},
	}
}
