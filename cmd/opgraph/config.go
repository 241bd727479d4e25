package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

// Config holds all opgraph configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	LogLevel          string  `json:"log_level"`
	LogFormat         string  `json:"log_format"`
	PoolSize          int     `json:"pool_size"`
	ErrorPolicy       string  `json:"error_policy"`
	MaxSupersteps     int     `json:"max_supersteps"`
	CheckpointBackend string  `json:"checkpoint_backend"`
	CheckpointDSN     string  `json:"checkpoint_dsn"`
	GraphsDir         string  `json:"graphs_dir"`
	MetricsNamespace  string  `json:"metrics_namespace"`
	MetricsAddr       string  `json:"metrics_addr"`
	HTTPAddr          string  `json:"http_addr"`
	OTLPEndpoint      string  `json:"otlp_endpoint"`
	TraceSampleRate   float64 `json:"trace_sample_rate"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          8,
		ErrorPolicy:       string(engine.ErrorPolicyHalt),
		CheckpointBackend: checkpoint.BackendLibSQL,
		CheckpointDSN:     "file:" + filepath.Join(opgraphDir(), "checkpoints.db"),
		GraphsDir:         filepath.Join(opgraphDir(), "graphs"),
		MetricsNamespace:  "opgraph",
		TraceSampleRate:   1,
	}
}

func opgraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opgraph"
	}
	return filepath.Join(home, ".opgraph")
}

func settingsPath() string {
	return filepath.Join(opgraphDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("OPGRAPH_LOG_LEVEL", &cfg.LogLevel)
	envString("OPGRAPH_LOG_FORMAT", &cfg.LogFormat)
	envInt("OPGRAPH_POOL_SIZE", &cfg.PoolSize)
	envString("OPGRAPH_ERROR_POLICY", &cfg.ErrorPolicy)
	envInt("OPGRAPH_MAX_SUPERSTEPS", &cfg.MaxSupersteps)
	envString("OPGRAPH_CHECKPOINT_BACKEND", &cfg.CheckpointBackend)
	envString("OPGRAPH_CHECKPOINT_DSN", &cfg.CheckpointDSN)
	envString("OPGRAPH_GRAPHS_DIR", &cfg.GraphsDir)
	envString("OPGRAPH_METRICS_NAMESPACE", &cfg.MetricsNamespace)
	envString("OPGRAPH_METRICS_ADDR", &cfg.MetricsAddr)
	envString("OPGRAPH_HTTP_ADDR", &cfg.HTTPAddr)
	envString("OPGRAPH_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	if v := os.Getenv("OPGRAPH_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TraceSampleRate = f
		}
	}

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate rejects settings the engine would misinterpret.
func (c Config) validate() error {
	switch engine.ErrorPolicy(c.ErrorPolicy) {
	case engine.ErrorPolicyHalt, engine.ErrorPolicyRedeliver:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "error_policy must be halt or redeliver, got %q", c.ErrorPolicy)
	}
	if c.PoolSize < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pool_size must not be negative, got %d", c.PoolSize)
	}
	if c.MaxSupersteps < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "max_supersteps must not be negative, got %d", c.MaxSupersteps)
	}
	switch c.CheckpointBackend {
	case "", checkpoint.BackendMemory, checkpoint.BackendLibSQL, checkpoint.BackendRedis, checkpoint.BackendBlob:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown checkpoint_backend %q", c.CheckpointBackend)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "trace_sample_rate must be within [0, 1], got %g", c.TraceSampleRate)
	}
	return nil
}
