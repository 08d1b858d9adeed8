package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validJob(cfg Config) Config {
	cfg.Job.Input = "book.epub"
	cfg.Job.Output = "book.mp3"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Job.Voice != "af_heart" || cfg.Job.LangCode != "a" || cfg.Job.Speed != 1.0 {
		t.Fatalf("unexpected voice defaults %+v", cfg.Job)
	}
	if cfg.Job.PrefetchChunks != 2 || cfg.Job.PCMQueueSize != 4 {
		t.Fatalf("unexpected queue defaults %+v", cfg.Job)
	}
	if cfg.Job.Bitrate != "192k" || cfg.Job.Format != "mp3" {
		t.Fatalf("unexpected output defaults %+v", cfg.Job)
	}
	if err := Validate(validJob(cfg)); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	body := `
job:
  voice: bf_emma
  format: m4b
  bitrate: 320k
tts:
  command: "python synth.py --device cpu"
  piper:
    speakers:
      amy: "3"
events:
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Job.Voice != "bf_emma" || cfg.Job.Format != "m4b" || cfg.Job.Bitrate != "320k" {
		t.Fatalf("yaml values not applied: %+v", cfg.Job)
	}
	if cfg.Job.LangCode != "a" {
		t.Fatalf("unset yaml keys should keep defaults")
	}
	if cfg.TTS.Piper.Speakers["amy"] != "3" {
		t.Fatalf("expected speaker map, got %v", cfg.TTS.Piper.Speakers)
	}
	if cfg.Events.Format != "json" {
		t.Fatalf("expected json events")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_VOICE", "am_adam")
	t.Setenv("NARRATOR_SPEED", "1.25")
	t.Setenv("NARRATOR_PREFETCH_CHUNKS", "6")
	t.Setenv("NARRATOR_NORMALIZE", "true")
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_JOBS", "12")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Job.Voice != "am_adam" || cfg.Job.Speed != 1.25 || cfg.Job.PrefetchChunks != 6 {
		t.Fatalf("env overrides not applied: %+v", cfg.Job)
	}
	if !cfg.Job.Normalize {
		t.Fatalf("expected normalize override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxJobs != 12 {
		t.Fatalf("event store overrides not applied: %+v", cfg.EventStore)
	}
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("NARRATOR_BITRATE=320k\nNARRATOR_FORMAT=m4b\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("NARRATOR_FORMAT", "mp3")
	t.Setenv("NARRATOR_BITRATE", "")
	os.Unsetenv("NARRATOR_BITRATE")

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Job.Bitrate != "320k" {
		t.Fatalf("expected bitrate from env file, got %s", cfg.Job.Bitrate)
	}
	if cfg.Job.Format != "mp3" {
		t.Fatalf("env file must not override the environment, got %s", cfg.Job.Format)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"prefetch", func(c *Config) { c.Job.PrefetchChunks = 0 }, "prefetch_chunks"},
		{"queue", func(c *Config) { c.Job.PCMQueueSize = 0 }, "pcm_queue_size"},
		{"format", func(c *Config) { c.Job.Format = "wav" }, "format"},
		{"bitrate", func(c *Config) { c.Job.Bitrate = "64k" }, "bitrate"},
		{"backend", func(c *Config) { c.Job.Backend = "kokoro" }, "backend"},
		{"mode", func(c *Config) { c.Job.PipelineMode = "overlap3" }, "pipeline_mode"},
		{"events", func(c *Config) { c.Events.Format = "xml" }, "events.format"},
		{"exec command", func(c *Config) { c.Job.Backend = "exec" }, "tts.command"},
		{"input", func(c *Config) { c.Job.Input = "" }, "job.input"},
		{"retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "retention_mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validJob(Default())
			tc.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestUseCheckpoint(t *testing.T) {
	if (JobConfig{}).UseCheckpoint() {
		t.Fatalf("checkpointing is opt-in")
	}
	if !(JobConfig{Resume: true}).UseCheckpoint() {
		t.Fatalf("resume implies checkpointing")
	}
}
