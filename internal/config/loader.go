package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file.
// A .env file is loaded first if present; TN_ environment variables override the YAML.
func Load(configPath string) (*types.Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// max_retries and gap_silence_ms accept 0, so an absent key is marked unset
	cfg := types.Config{Pipeline: types.PipelineConfig{MaxRetries: -1, GapSilenceMs: -1}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads path into the environment without overriding variables already set
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration and fills pipeline defaults
func Validate(cfg *types.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Storage.Adapter {
	case "local":
		if cfg.Storage.Local.BasePath == "" {
			return fmt.Errorf("local storage base_path is required")
		}
		if !filepath.IsAbs(cfg.Storage.Local.BasePath) {
			return fmt.Errorf("local storage base_path must be absolute: %s", cfg.Storage.Local.BasePath)
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("s3 region is required")
		}
	default:
		return fmt.Errorf("invalid storage adapter: %s (must be 'local' or 's3')", cfg.Storage.Adapter)
	}

	p := &cfg.Pipeline
	if p.Concurrency == 0 {
		p.Concurrency = 3
	}
	if p.Concurrency < 1 || p.Concurrency > 32 {
		return fmt.Errorf("pipeline concurrency must be between 1 and 32, got %d", p.Concurrency)
	}
	for name, v := range map[string]int{
		"retry_backoff_ms":      p.RetryBackoffMs,
		"tts_timeout_sec":       p.TTSTimeoutSec,
		"env_timeout_sec":       p.EnvTimeoutSec,
		"classifier_timeout_ms": p.ClassifierTimeoutMs,
		"segment_pause_ms":      p.SegmentPauseMs,
		"sample_rate":           p.SampleRate,
	} {
		if v < 0 {
			return fmt.Errorf("pipeline %s must not be negative, got %d", name, v)
		}
	}
	// 0 means a single attempt; negative means unset
	if p.MaxRetries < 0 {
		p.MaxRetries = 2
	}
	if p.RetryBackoffMs == 0 {
		p.RetryBackoffMs = 500
	}
	if p.TTSTimeoutSec == 0 {
		p.TTSTimeoutSec = 120
	}
	if p.EnvTimeoutSec == 0 {
		p.EnvTimeoutSec = 180
	}
	if p.ClassifierTimeoutMs == 0 {
		p.ClassifierTimeoutMs = 15000
	}
	// 0 joins around a missing segment with no gap
	if p.GapSilenceMs < 0 {
		p.GapSilenceMs = 3000
	}
	if p.SampleRate == 0 {
		p.SampleRate = 24000
	}
	if p.TempDir == "" {
		p.TempDir = os.TempDir()
	}
	p.DefaultParams = p.DefaultParams.Merge(types.DefaultSynthesisParams())

	if p.TTSProvider == "" && len(cfg.Providers.TTS) > 0 {
		p.TTSProvider = cfg.Providers.TTS[0].Name
	}

	if cfg.Progress.Redis.Enabled && cfg.Progress.Redis.Addr == "" {
		return fmt.Errorf("progress redis addr is required when enabled")
	}
	if cfg.Progress.Redis.Channel == "" {
		cfg.Progress.Redis.Channel = "narration:progress"
	}
	if cfg.Progress.Redis.TTLSec == 0 {
		cfg.Progress.Redis.TTLSec = 86400
	}
	if cfg.Progress.NATS.Enabled && cfg.Progress.NATS.URL == "" {
		return fmt.Errorf("progress nats url is required when enabled")
	}
	if cfg.Progress.NATS.SubjectPrefix == "" {
		cfg.Progress.NATS.SubjectPrefix = "narration.progress"
	}

	seen := make(map[string]bool, len(cfg.Voices.Profiles))
	for _, vp := range cfg.Voices.Profiles {
		if vp.ID == "" {
			return fmt.Errorf("voice profile without id")
		}
		if seen[vp.ID] {
			return fmt.Errorf("duplicate voice profile id: %s", vp.ID)
		}
		seen[vp.ID] = true
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "twelvenarrator"
	}
	switch cfg.Telemetry.Traces {
	case "", "stdout":
	default:
		return fmt.Errorf("invalid telemetry traces exporter: %s (must be 'stdout' or empty)", cfg.Telemetry.Traces)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides
// Environment variables are prefixed with TN_ (TwelveNarrator)
func applyEnvOverrides(cfg *types.Config) {
	setString(&cfg.Server.Host, "TN_SERVER_HOST")
	setInt(&cfg.Server.Port, "TN_SERVER_PORT")

	setString(&cfg.Storage.Adapter, "TN_STORAGE_ADAPTER")
	setString(&cfg.Storage.Local.BasePath, "TN_STORAGE_LOCAL_BASE_PATH")
	setString(&cfg.Storage.S3.Bucket, "TN_S3_BUCKET")
	setString(&cfg.Storage.S3.Region, "TN_S3_REGION")
	setString(&cfg.Storage.S3.Endpoint, "TN_S3_ENDPOINT")
	setString(&cfg.Storage.S3.AccessKeyID, "TN_S3_ACCESS_KEY_ID")
	setString(&cfg.Storage.S3.SecretAccessKey, "TN_S3_SECRET_ACCESS_KEY")

	setInt(&cfg.Pipeline.Concurrency, "TN_PIPELINE_CONCURRENCY")
	setInt(&cfg.Pipeline.MaxRetries, "TN_PIPELINE_MAX_RETRIES")
	setString(&cfg.Pipeline.TempDir, "TN_PIPELINE_TEMP_DIR")

	if val := os.Getenv("TN_REDIS_ADDR"); val != "" {
		cfg.Progress.Redis.Addr = val
		cfg.Progress.Redis.Enabled = true
	}
	setString(&cfg.Progress.Redis.Password, "TN_REDIS_PASSWORD")
	if val := os.Getenv("TN_NATS_URL"); val != "" {
		cfg.Progress.NATS.URL = val
		cfg.Progress.NATS.Enabled = true
	}

	if val := os.Getenv("TN_TELEMETRY_METRICS"); val != "" {
		cfg.Telemetry.Metrics = val == "true" || val == "1"
	}
	setString(&cfg.Telemetry.Traces, "TN_TELEMETRY_TRACES")

	applyProviderEnvOverrides(cfg)
}

// applyProviderEnvOverrides applies provider-specific env vars
func applyProviderEnvOverrides(cfg *types.Config) {
	for i := range cfg.Providers.LLM {
		prefix := envPrefix("LLM", cfg.Providers.LLM[i].Name)
		setString(&cfg.Providers.LLM[i].APIKey, prefix+"API_KEY")
		setString(&cfg.Providers.LLM[i].Endpoint, prefix+"ENDPOINT")
	}

	for i := range cfg.Providers.TTS {
		prefix := envPrefix("TTS", cfg.Providers.TTS[i].Name)
		setString(&cfg.Providers.TTS[i].APIKey, prefix+"API_KEY")
		setString(&cfg.Providers.TTS[i].Endpoint, prefix+"ENDPOINT")
	}

	for i := range cfg.Providers.Environment {
		prefix := envPrefix("ENV", cfg.Providers.Environment[i].Name)
		setString(&cfg.Providers.Environment[i].Endpoint, prefix+"ENDPOINT")
	}
}

func envPrefix(kind, name string) string {
	name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return fmt.Sprintf("TN_%s_%s_", kind, name)
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// Default returns a configuration that runs locally with stub engines
func Default() *types.Config {
	cfg := &types.Config{
		Server: types.ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15,
			WriteTimeout: 15,
		},
		Storage: types.StorageConfig{
			Adapter: "local",
			Local: types.LocalStorageOpts{
				BasePath: "/var/lib/twelvenarrator/storage",
			},
		},
		Providers: types.ProvidersConfig{
			TTS:         []types.TTSProviderConfig{{Name: "stub", Type: "stub", Enabled: true}},
			Environment: []types.EnvironmentProviderConfig{{Name: "stub", Type: "stub", Enabled: true}},
		},
		Pipeline: types.PipelineConfig{
			TTSProvider:         "stub",
			EnvironmentProvider: "stub",
			MaxRetries:          -1,
			GapSilenceMs:        -1,
			TempDir:             "/tmp/twelvenarrator",
		},
		Progress: types.ProgressConfig{WebSocket: true},
	}
	// Defaults only fill zero values here, so validation cannot fail.
	_ = Validate(cfg)
	return cfg
}
