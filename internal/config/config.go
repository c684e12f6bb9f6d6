package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"

	SchemeSHA256 = "sha256"
	SchemeBcrypt = "bcrypt"
)

// Config holds every runtime setting. Field tags name the keys accepted in the
// optional TOML file; environment variables use the upper-case names in LoadConfig.
type Config struct {
	HTTPPort        string   `toml:"http_port"`
	LogLevel        string   `toml:"log_level"`
	JWTSecret       string   `toml:"jwt_secret"`
	DatabaseURL     string   `toml:"database_url"`
	UsersFile       string   `toml:"users_file"`
	UploadsDir      string   `toml:"uploads_dir"`
	OllamaBaseURL   string   `toml:"ollama_base_url"`
	DefaultModel    string   `toml:"default_model"`
	ModelProvider   string   `toml:"model_provider"`
	GeminiAPIKey    string   `toml:"gemini_api_key"`
	GeminiModel     string   `toml:"gemini_model"`
	ModelTimeoutSec int      `toml:"model_timeout_seconds"`
	MaxFileSizeMB   int      `toml:"max_file_size_mb"`
	ExtractWorkers  int      `toml:"extract_workers"`
	MaxContextChars int      `toml:"max_context_chars"`
	PasswordScheme  string   `toml:"password_scheme"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPPort:        "8080",
		LogLevel:        "INFO",
		DatabaseURL:     "data/app.db",
		UsersFile:       "data/users.csv",
		UploadsDir:      "data/uploads",
		OllamaBaseURL:   "http://localhost:11434",
		DefaultModel:    "gemma3:1b",
		ModelProvider:   ProviderOllama,
		GeminiModel:     "gemini-1.5-flash-latest",
		ModelTimeoutSec: 120,
		MaxFileSizeMB:   5,
		ExtractWorkers:  4,
		PasswordScheme:  SchemeSHA256,
		CORSOrigins:     []string{"http://localhost:5173"},
	}
}

// LoadConfig loads the configuration and validates it for serving.
func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load layers defaults, the optional TOML file, .env and the process
// environment, in that order, without validating the result. Offline
// commands that never issue tokens or call a model use it directly.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnv("SEVERUS_CONFIG", "severus.toml")
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, relying on environment variables")
	}

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.UsersFile = getEnv("USERS_FILE", cfg.UsersFile)
	cfg.UploadsDir = getEnv("UPLOADS_DIR", cfg.UploadsDir)
	cfg.OllamaBaseURL = strings.TrimRight(getEnv("OLLAMA_BASE_URL", cfg.OllamaBaseURL), "/")
	cfg.DefaultModel = getEnv("DEFAULT_MODEL", cfg.DefaultModel)
	cfg.ModelProvider = strings.ToLower(getEnv("MODEL_PROVIDER", cfg.ModelProvider))
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = getEnv("GEMINI_MODEL", cfg.GeminiModel)
	cfg.ModelTimeoutSec = getEnvAsInt("MODEL_TIMEOUT_SECONDS", cfg.ModelTimeoutSec)
	cfg.MaxFileSizeMB = getEnvAsInt("MAX_FILE_SIZE_MB", cfg.MaxFileSizeMB)
	cfg.ExtractWorkers = getEnvAsInt("EXTRACT_WORKERS", cfg.ExtractWorkers)
	cfg.MaxContextChars = getEnvAsInt("MAX_CONTEXT_CHARS", cfg.MaxContextChars)
	cfg.PasswordScheme = strings.ToLower(getEnv("PASSWORD_SCHEME", cfg.PasswordScheme))
	if v, ok := os.LookupEnv("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	switch c.ModelProvider {
	case ProviderOllama:
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required when MODEL_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown MODEL_PROVIDER %q", c.ModelProvider)
	}
	switch c.PasswordScheme {
	case SchemeSHA256, SchemeBcrypt:
	default:
		return fmt.Errorf("unknown PASSWORD_SCHEME %q", c.PasswordScheme)
	}
	return c.ValidateUploads()
}

// ValidateUploads reports settings the upload area and extractor cannot run with.
func (c *Config) ValidateUploads() error {
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be positive, got %d", c.MaxFileSizeMB)
	}
	return nil
}

// ModelTimeout is the Model Gateway request timeout.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSec) * time.Second
}

// MaxFileSize is the extraction skip threshold in bytes.
func (c *Config) MaxFileSize() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warn("not an int, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			out = append(out, p)
		}
	}
	return out
}
