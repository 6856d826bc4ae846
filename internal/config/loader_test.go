package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), `
server:
  host: "localhost"
  port: 9090
  read_timeout: 10
  write_timeout: 10

storage:
  adapter: "local"
  local:
    base_path: "/tmp/test"

providers:
  tts:
    - name: megatts
      type: megatts
      enabled: true
      endpoint: "http://localhost:7929"

pipeline:
  concurrency: 2
  max_retries: 1
  retry_backoff_ms: 250
  gap_silence_ms: 1500
  temp_dir: "/tmp"

voices:
  profiles:
    - id: voice_1
      display_name: "Narrator"
      reference_audio_ref: voices/voice_1/reference.wav
      reference_feature_ref: voices/voice_1/latent.npy
      status: active
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Host != "localhost" {
		t.Errorf("Expected host 'localhost', got '%s'", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.Concurrency != 2 {
		t.Errorf("Expected concurrency 2, got %d", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.GapSilenceMs != 1500 {
		t.Errorf("Expected gap_silence_ms 1500, got %d", cfg.Pipeline.GapSilenceMs)
	}
	if cfg.Pipeline.TTSProvider != "megatts" {
		t.Errorf("Expected tts provider to default to first configured engine, got '%s'", cfg.Pipeline.TTSProvider)
	}
	if len(cfg.Voices.Profiles) != 1 || cfg.Voices.Profiles[0].Status != types.ProfileActive {
		t.Errorf("Expected one active voice profile, got %+v", cfg.Voices.Profiles)
	}
	if cfg.Pipeline.DefaultParams.TimeStep != 32 {
		t.Errorf("Expected default time_step 32, got %d", cfg.Pipeline.DefaultParams.TimeStep)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*types.Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *types.Config) {},
			wantErr: false,
		},
		{
			name: "invalid port",
			modify: func(c *types.Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid storage adapter",
			modify: func(c *types.Config) {
				c.Storage.Adapter = "invalid"
			},
			wantErr: true,
		},
		{
			name: "relative local base path",
			modify: func(c *types.Config) {
				c.Storage.Local.BasePath = "data"
			},
			wantErr: true,
		},
		{
			name: "missing s3 bucket",
			modify: func(c *types.Config) {
				c.Storage.Adapter = "s3"
				c.Storage.S3.Bucket = ""
			},
			wantErr: true,
		},
		{
			name: "concurrency too high",
			modify: func(c *types.Config) {
				c.Pipeline.Concurrency = 64
			},
			wantErr: true,
		},
		{
			name: "negative retry backoff",
			modify: func(c *types.Config) {
				c.Pipeline.RetryBackoffMs = -1
			},
			wantErr: true,
		},
		{
			name: "redis enabled without addr",
			modify: func(c *types.Config) {
				c.Progress.Redis.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "duplicate voice profile",
			modify: func(c *types.Config) {
				c.Voices.Profiles = []types.VoiceProfile{{ID: "v"}, {ID: "v"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), `
server:
  host: "localhost"
  port: 8080
storage:
  adapter: "local"
  local:
    base_path: "/tmp/test"
providers:
  tts:
    - name: mega-tts
      type: megatts
      endpoint: "http://localhost:7929"
`)

	t.Setenv("TN_SERVER_PORT", "9999")
	t.Setenv("TN_STORAGE_LOCAL_BASE_PATH", "/tmp/override")
	t.Setenv("TN_TTS_MEGA_TTS_ENDPOINT", "http://tts:7929")
	t.Setenv("TN_PIPELINE_CONCURRENCY", "4")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999 from env override, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Local.BasePath != "/tmp/override" {
		t.Errorf("Expected base_path '/tmp/override' from env override, got '%s'", cfg.Storage.Local.BasePath)
	}
	if cfg.Providers.TTS[0].Endpoint != "http://tts:7929" {
		t.Errorf("Expected tts endpoint override, got '%s'", cfg.Providers.TTS[0].Endpoint)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("Expected concurrency 4 from env override, got %d", cfg.Pipeline.Concurrency)
	}
}

func TestLoad_ZeroablePipelineKeys(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		retries int
		gapMs   int
	}{
		{name: "absent uses defaults", yaml: "", retries: 2, gapMs: 3000},
		{name: "zero disables retries", yaml: "pipeline:\n  max_retries: 0\n", retries: 0, gapMs: 3000},
		{name: "zero gap", yaml: "pipeline:\n  gap_silence_ms: 0\n", retries: 2, gapMs: 0},
		{name: "explicit", yaml: "pipeline:\n  max_retries: 4\n  gap_silence_ms: 750\n", retries: 4, gapMs: 750},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, t.TempDir(), `
server:
  port: 8080
storage:
  adapter: "local"
  local:
    base_path: "/tmp/test"
`+tt.yaml)
			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if cfg.Pipeline.MaxRetries != tt.retries {
				t.Errorf("Expected max_retries %d, got %d", tt.retries, cfg.Pipeline.MaxRetries)
			}
			if cfg.Pipeline.GapSilenceMs != tt.gapMs {
				t.Errorf("Expected gap_silence_ms %d, got %d", tt.gapMs, cfg.Pipeline.GapSilenceMs)
			}
		})
	}
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, `
server:
  port: 8080
storage:
  adapter: "local"
  local:
    base_path: "/tmp/test"
`)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TN_PIPELINE_MAX_RETRIES=5\n"), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TN_PIPELINE_MAX_RETRIES") })

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Pipeline.MaxRetries != 5 {
		t.Errorf("Expected max_retries 5 from .env, got %d", cfg.Pipeline.MaxRetries)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.Server.Port <= 0 {
		t.Error("Default config has invalid port")
	}
	if cfg.Pipeline.Concurrency != 3 || cfg.Pipeline.MaxRetries != 2 {
		t.Errorf("Unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.GapSilenceMs != 3000 {
		t.Errorf("Expected gap silence default 3000, got %d", cfg.Pipeline.GapSilenceMs)
	}
}
