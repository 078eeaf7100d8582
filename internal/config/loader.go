package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables read by FromEnv.
const (
	EnvModelPath     = "MODEL_PATH"
	EnvModelsDir     = "CHATD_MODELS_DIR"
	EnvServerURL     = "CHATD_SERVER_URL"
	EnvAPIKey        = "CHATD_API_KEY"
	EnvBackend       = "CHATD_BACKEND"
	EnvAddr          = "CHATD_ADDR"
	EnvLogLevel      = "CHATD_LOG_LEVEL"
	EnvHistoryDB     = "CHATD_HISTORY_DB"
	EnvSystemPrompt  = "CHATD_SYSTEM_PROMPT"
	EnvTokenizerRepo = "CHATD_TOKENIZER_REPO"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv returns the fields set through environment variables.
func FromEnv() Config {
	return Config{
		ModelPath:     os.Getenv(EnvModelPath),
		ModelsDir:     os.Getenv(EnvModelsDir),
		ServerURL:     os.Getenv(EnvServerURL),
		APIKey:        os.Getenv(EnvAPIKey),
		Backend:       os.Getenv(EnvBackend),
		Addr:          os.Getenv(EnvAddr),
		LogLevel:      os.Getenv(EnvLogLevel),
		HistoryDB:     os.Getenv(EnvHistoryDB),
		SystemPrompt:  os.Getenv(EnvSystemPrompt),
		TokenizerRepo: os.Getenv(EnvTokenizerRepo),
	}
}

// Resolve layers defaults, the optional file at path and the environment.
func Resolve(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(file)
	}
	cfg = cfg.Merge(FromEnv())
	return cfg, cfg.Validate()
}
