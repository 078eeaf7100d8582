// Package config loads chatd settings from defaults, an optional file and the
// environment. Command-line flags are merged last by the caller.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"chatd/internal/backend"
	"chatd/internal/common/fsutil"
	"chatd/internal/engine"
	"chatd/internal/session"
)

// Defaults.
const (
	DefaultAddr      = ":8080"
	DefaultModelPath = "~/models/llm/model.gguf"
	DefaultBackend   = backend.KindRemote
	DefaultLogLevel  = "info"
)

// Config holds runtime parameters for chatd.
// Zero values mean "unspecified" and are filled from lower-precedence sources.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	// ModelsDir is listed by /models; defaults to the directory of ModelPath.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Backend   string `json:"backend" yaml:"backend" toml:"backend"`

	ServerURL        string `json:"server_url" yaml:"server_url" toml:"server_url"`
	APIKey           string `json:"api_key" yaml:"api_key" toml:"api_key"`
	RemoteModel      string `json:"remote_model" yaml:"remote_model" toml:"remote_model"`
	Stream           bool   `json:"stream" yaml:"stream" toml:"stream"`
	ProbeTimeoutMS   int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
	RequestTimeoutMS int    `json:"request_timeout_ms" yaml:"request_timeout_ms" toml:"request_timeout_ms"`

	ContextSize  int   `json:"context_size" yaml:"context_size" toml:"context_size"`
	Threads      int   `json:"threads" yaml:"threads" toml:"threads"`
	ReuseContext *bool `json:"reuse_context,omitempty" yaml:"reuse_context,omitempty" toml:"reuse_context,omitempty"`

	// TokenizerRepo loads the embedded backend's tokenizer from a Hugging Face repo.
	TokenizerRepo string `json:"tokenizer_repo" yaml:"tokenizer_repo" toml:"tokenizer_repo"`
	HubCacheDir   string `json:"hub_cache_dir" yaml:"hub_cache_dir" toml:"hub_cache_dir"`

	SystemPrompt string           `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Sampling     backend.Sampling `json:"sampling" yaml:"sampling" toml:"sampling"`
	// Stop replaces the punctuation stop policy as a whole when set.
	Stop *engine.Stop `json:"stop,omitempty" yaml:"stop,omitempty" toml:"stop,omitempty"`

	HistoryDB string `json:"history_db" yaml:"history_db" toml:"history_db"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogJSON   bool   `json:"log_json" yaml:"log_json" toml:"log_json"`

	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	// RateLimit is requests per second on the session routes; 0 disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	stop := engine.DefaultStop()
	return Config{
		Addr:             DefaultAddr,
		ModelPath:        DefaultModelPath,
		Backend:          DefaultBackend,
		ServerURL:        backend.DefaultBaseURL,
		ProbeTimeoutMS:   int(backend.DefaultProbeTimeout / time.Millisecond),
		RequestTimeoutMS: int(backend.DefaultRequestTimeout / time.Millisecond),
		SystemPrompt:     session.DefaultSystemPrompt,
		Sampling:         backend.Sampling{Temperature: backend.DefaultTemperature, TopK: 40, TopP: 0.95},
		Stop:             &stop,
		LogLevel:         DefaultLogLevel,
		RateBurst:        10,
	}
}

// Merge returns c with every non-zero field of o applied on top.
func (c Config) Merge(o Config) Config {
	str := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	str(&c.Addr, o.Addr)
	str(&c.ModelPath, o.ModelPath)
	str(&c.ModelsDir, o.ModelsDir)
	str(&c.Backend, o.Backend)
	str(&c.ServerURL, o.ServerURL)
	str(&c.APIKey, o.APIKey)
	str(&c.RemoteModel, o.RemoteModel)
	str(&c.SystemPrompt, o.SystemPrompt)
	str(&c.HistoryDB, o.HistoryDB)
	str(&c.TokenizerRepo, o.TokenizerRepo)
	str(&c.HubCacheDir, o.HubCacheDir)
	str(&c.LogLevel, o.LogLevel)
	num(&c.ProbeTimeoutMS, o.ProbeTimeoutMS)
	num(&c.RequestTimeoutMS, o.RequestTimeoutMS)
	num(&c.ContextSize, o.ContextSize)
	num(&c.Threads, o.Threads)
	num(&c.RateBurst, o.RateBurst)
	c.Stream = c.Stream || o.Stream
	c.LogJSON = c.LogJSON || o.LogJSON
	if o.ReuseContext != nil {
		v := *o.ReuseContext
		c.ReuseContext = &v
	}
	if o.Stop != nil {
		v := *o.Stop
		c.Stop = &v
	}
	if len(o.CORSOrigins) > 0 {
		c.CORSOrigins = append([]string(nil), o.CORSOrigins...)
	}
	if o.RateLimit != 0 {
		c.RateLimit = o.RateLimit
	}
	c.Sampling = mergeSampling(c.Sampling, o.Sampling)
	return c
}

func mergeSampling(s, o backend.Sampling) backend.Sampling {
	if o.Temperature != 0 {
		s.Temperature = o.Temperature
	}
	if o.TopK != 0 {
		s.TopK = o.TopK
	}
	if o.TopP != 0 {
		s.TopP = o.TopP
	}
	if o.MaxNewTokens != 0 {
		s.MaxNewTokens = o.MaxNewTokens
	}
	if o.Seed != 0 {
		s.Seed = o.Seed
	}
	s.Greedy = s.Greedy || o.Greedy
	return s
}

// Validate checks the fields that have a closed set of values.
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case backend.KindRemote, backend.KindEmbedded, backend.KindNative:
	default:
		return fmt.Errorf("unknown backend %q (want remote, embedded or native)", c.Backend)
	}
	if c.Sampling.TopP < 0 || c.Sampling.TopP > 1 {
		return fmt.Errorf("sampling.top_p must be within [0,1], got %v", c.Sampling.TopP)
	}
	if c.Sampling.Temperature < 0 {
		return fmt.Errorf("sampling.temperature must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

// ResolvedModelPath expands "~" in ModelPath.
func (c Config) ResolvedModelPath() string {
	p, err := fsutil.ExpandHome(c.ModelPath)
	if err != nil {
		return c.ModelPath
	}
	return p
}

// ResolvedModelsDir returns ModelsDir, or the directory holding ModelPath.
func (c Config) ResolvedModelsDir() string {
	if strings.TrimSpace(c.ModelsDir) != "" {
		if p, err := fsutil.ExpandHome(c.ModelsDir); err == nil {
			return p
		}
		return c.ModelsDir
	}
	return filepath.Dir(c.ResolvedModelPath())
}

// BackendOptions maps the config onto backend.Options.
func (c Config) BackendOptions() backend.Options {
	return backend.Options{
		BaseURL:        c.ServerURL,
		APIKey:         c.APIKey,
		Model:          c.RemoteModel,
		ProbeTimeout:   time.Duration(c.ProbeTimeoutMS) * time.Millisecond,
		RequestTimeout: time.Duration(c.RequestTimeoutMS) * time.Millisecond,
		Stream:         c.Stream,
		ContextSize:    c.ContextSize,
		Threads:        c.Threads,
		ReuseContext:   c.ReuseContext,
		TokenizerRepo:  c.TokenizerRepo,
		HubCacheDir:    c.HubCacheDir,
	}
}

// SessionConfig maps the config onto session.Config.
func (c Config) SessionConfig() session.Config {
	sc := session.Config{
		SystemPrompt: c.SystemPrompt,
		ArtifactPath: c.ResolvedModelPath(),
		Sampling:     c.Sampling,
		ProbeTimeout: time.Duration(c.ProbeTimeoutMS) * time.Millisecond,
	}
	if c.Stop != nil {
		sc.Stop = *c.Stop
	}
	return sc
}
