package types

// Config represents the overall application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Progress  ProgressConfig  `yaml:"progress" json:"progress"`
	Voices    VoicesConfig    `yaml:"voices" json:"voices"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"read_timeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"write_timeout"` // seconds
}

// StorageConfig defines where clips, voice references and final tracks live
type StorageConfig struct {
	Adapter string           `yaml:"adapter" json:"adapter"` // "local" or "s3"
	Local   LocalStorageOpts `yaml:"local" json:"local"`
	S3      S3StorageOpts    `yaml:"s3" json:"s3"`
}

// LocalStorageOpts configures the local filesystem store
type LocalStorageOpts struct {
	BasePath string `yaml:"base_path" json:"base_path"`
}

// S3StorageOpts configures the S3-compatible store
type S3StorageOpts struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Region          string `yaml:"region" json:"region"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl" json:"use_ssl"`
}

// ProvidersConfig holds all engine configurations
type ProvidersConfig struct {
	LLM         []LLMProviderConfig         `yaml:"llm" json:"llm"`
	TTS         []TTSProviderConfig         `yaml:"tts" json:"tts"`
	Environment []EnvironmentProviderConfig `yaml:"environment" json:"environment"`
}

// LLMProviderConfig configures the optional speaker classifier model
type LLMProviderConfig struct {
	Name     string            `yaml:"name" json:"name"`
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	APIKey   string            `yaml:"api_key" json:"api_key"`
	Model    string            `yaml:"model" json:"model"`
	Options  map[string]string `yaml:"options" json:"options"`
}

// TTSProviderConfig configures a voice-cloning TTS engine
type TTSProviderConfig struct {
	Name     string            `yaml:"name" json:"name"`
	Type     string            `yaml:"type" json:"type"` // "megatts" or "stub"
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	APIKey   string            `yaml:"api_key" json:"api_key"`
	Options  map[string]string `yaml:"options" json:"options"`
}

// EnvironmentProviderConfig configures an environment-sound engine
type EnvironmentProviderConfig struct {
	Name     string            `yaml:"name" json:"name"`
	Type     string            `yaml:"type" json:"type"` // "tangoflux" or "stub"
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Options  map[string]string `yaml:"options" json:"options"`
}

// PipelineConfig holds pipeline-level settings
type PipelineConfig struct {
	TTSProvider         string          `yaml:"tts_provider" json:"tts_provider"`
	EnvironmentProvider string          `yaml:"environment_provider" json:"environment_provider"`
	ClassifierProvider  string          `yaml:"classifier_provider" json:"classifier_provider"`
	Concurrency         int             `yaml:"concurrency" json:"concurrency"`
	MaxRetries          int             `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMs      int             `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	TTSTimeoutSec       int             `yaml:"tts_timeout_sec" json:"tts_timeout_sec"`
	EnvTimeoutSec       int             `yaml:"env_timeout_sec" json:"env_timeout_sec"`
	ClassifierTimeoutMs int             `yaml:"classifier_timeout_ms" json:"classifier_timeout_ms"`
	GapSilenceMs        int             `yaml:"gap_silence_ms" json:"gap_silence_ms"`
	SegmentPauseMs      int             `yaml:"segment_pause_ms" json:"segment_pause_ms"`
	SampleRate          int             `yaml:"sample_rate" json:"sample_rate"`
	TempDir             string          `yaml:"temp_dir" json:"temp_dir"`
	DefaultParams       SynthesisParams `yaml:"default_params" json:"default_params"`
}

// ProgressConfig selects the push channels progress snapshots go out on
type ProgressConfig struct {
	WebSocket bool        `yaml:"websocket" json:"websocket"`
	Redis     RedisConfig `yaml:"redis" json:"redis"`
	NATS      NATSConfig  `yaml:"nats" json:"nats"`
}

// RedisConfig configures the Redis snapshot mirror
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
	TTLSec   int    `yaml:"ttl_sec" json:"ttl_sec"`
}

// NATSConfig configures the NATS progress publisher
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
	Token         string `yaml:"token" json:"token"`
	TimeoutMs     int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// VoicesConfig lists the voice profiles known at startup
type VoicesConfig struct {
	Profiles []VoiceProfile `yaml:"profiles" json:"profiles"`
}

// TelemetryConfig controls the metrics endpoint and trace export
type TelemetryConfig struct {
	Metrics     bool   `yaml:"metrics" json:"metrics"`
	Traces      string `yaml:"traces" json:"traces"` // "" (off) or "stdout"
	ServiceName string `yaml:"service_name" json:"service_name"`
}
