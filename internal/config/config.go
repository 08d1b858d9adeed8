package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "NARRATOR_"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStderr  bool   `yaml:"trace_stderr"`
}

// HTTPConfig controls the optional status server. An empty bind disables it.
type HTTPConfig struct {
	Bind string `yaml:"bind"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	Job         JobConfig        `yaml:"job"`
	TTS         TTSConfig        `yaml:"tts"`
	Encoder     EncoderConfig    `yaml:"encoder"`
	Events      EventsConfig     `yaml:"events"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// JobConfig mirrors the command line options of a single conversion.
type JobConfig struct {
	Input           string  `yaml:"input"`
	Output          string  `yaml:"output"`
	Voice           string  `yaml:"voice"`
	LangCode        string  `yaml:"lang_code"`
	Speed           float64 `yaml:"speed"`
	ChunkChars      int     `yaml:"chunk_chars"`
	SplitPattern    string  `yaml:"split_pattern"`
	Workers         int     `yaml:"workers"`
	PipelineMode    string  `yaml:"pipeline_mode"`
	PrefetchChunks  int     `yaml:"prefetch_chunks"`
	PCMQueueSize    int     `yaml:"pcm_queue_size"`
	Backend         string  `yaml:"backend"`
	Format          string  `yaml:"format"`
	Bitrate         string  `yaml:"bitrate"`
	Normalize       bool    `yaml:"normalize"`
	Checkpoint      bool    `yaml:"checkpoint"`
	Resume          bool    `yaml:"resume"`
	NoCheckpoint    bool    `yaml:"no_checkpoint"`
	CheckCheckpoint bool    `yaml:"check_checkpoint"`
	ExtractMetadata bool    `yaml:"extract_metadata"`
	Title           string  `yaml:"title"`
	Author          string  `yaml:"author"`
	Cover           string  `yaml:"cover"`
}

// UseCheckpoint reports whether progress is persisted for this run.
func (j JobConfig) UseCheckpoint() bool {
	return j.Checkpoint || j.Resume
}

type PiperConfig struct {
	Binary     string            `yaml:"binary"`
	Model      string            `yaml:"model"`
	SampleRate int               `yaml:"sample_rate"`
	Speakers   map[string]string `yaml:"speakers"`
}

type TTSConfig struct {
	Command    string      `yaml:"command"`
	SampleRate int         `yaml:"sample_rate"`
	Piper      PiperConfig `yaml:"piper"`
}

type EncoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	ExtraArgs  string `yaml:"extra_args"`
	TempDir    string `yaml:"temp_dir"`
}

type EventsConfig struct {
	Format        string `yaml:"format"`
	LogFile       string `yaml:"log_file"`
	Publish       bool   `yaml:"publish"`
	SubjectPrefix string `yaml:"subject_prefix"`
	HeartbeatMS   int    `yaml:"heartbeat_interval_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-narrator",
		Environment: "development",
		Job: JobConfig{
			Voice:          "af_heart",
			LangCode:       "a",
			Speed:          1.0,
			SplitPattern:   `\n+`,
			Workers:        1,
			PipelineMode:   "auto",
			PrefetchChunks: 2,
			PCMQueueSize:   4,
			Backend:        "auto",
			Format:         "mp3",
			Bitrate:        "192k",
		},
		TTS: TTSConfig{
			SampleRate: 24000,
			Piper: PiperConfig{
				Binary:     "piper",
				SampleRate: 22050,
			},
		},
		Encoder: EncoderConfig{
			FFmpegPath: "ffmpeg",
		},
		Events: EventsConfig{
			Format:        "text",
			SubjectPrefix: "narrator.job",
			HeartbeatMS:   5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxJobs:       500,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and NARRATOR_* environment variables. Flags are
// applied by the caller, which then calls Validate.
func Load(path, dotenv string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "SERVICE_NAME")
	overrideString(&cfg.Environment, "ENVIRONMENT")
	overrideString(&cfg.Job.Voice, "VOICE")
	overrideString(&cfg.Job.LangCode, "LANG_CODE")
	overrideFloat(&cfg.Job.Speed, "SPEED")
	overrideInt(&cfg.Job.ChunkChars, "CHUNK_CHARS")
	overrideString(&cfg.Job.SplitPattern, "SPLIT_PATTERN")
	overrideString(&cfg.Job.PipelineMode, "PIPELINE_MODE")
	overrideInt(&cfg.Job.PrefetchChunks, "PREFETCH_CHUNKS")
	overrideInt(&cfg.Job.PCMQueueSize, "PCM_QUEUE_SIZE")
	overrideString(&cfg.Job.Backend, "BACKEND")
	overrideString(&cfg.Job.Format, "FORMAT")
	overrideString(&cfg.Job.Bitrate, "BITRATE")
	overrideBool(&cfg.Job.Normalize, "NORMALIZE")
	overrideString(&cfg.TTS.Command, "TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "TTS_SAMPLE_RATE")
	overrideString(&cfg.TTS.Piper.Binary, "TTS_PIPER_BINARY")
	overrideString(&cfg.TTS.Piper.Model, "TTS_PIPER_MODEL")
	overrideInt(&cfg.TTS.Piper.SampleRate, "TTS_PIPER_SAMPLE_RATE")
	overrideString(&cfg.Encoder.FFmpegPath, "FFMPEG_PATH")
	overrideString(&cfg.Encoder.ExtraArgs, "ENCODER_EXTRA_ARGS")
	overrideString(&cfg.Encoder.TempDir, "ENCODER_TEMP_DIR")
	overrideString(&cfg.Events.Format, "EVENT_FORMAT")
	overrideString(&cfg.Events.LogFile, "LOG_FILE")
	overrideBool(&cfg.Events.Publish, "EVENTS_PUBLISH")
	overrideString(&cfg.Events.SubjectPrefix, "EVENTS_SUBJECT_PREFIX")
	overrideInt(&cfg.Events.HeartbeatMS, "EVENTS_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.HTTP.Bind, "HTTP_BIND")
	overrideString(&cfg.Telemetry.LogLevel, "TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStderr, "TELEMETRY_TRACE_STDERR")
	overrideBool(&cfg.Bus.Embedded, "BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "BUS_HOST")
	overrideInt(&cfg.Bus.Port, "BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate rejects configurations that must fail before any work starts.
func Validate(cfg Config) error {
	job := cfg.Job
	if job.Input == "" {
		return errors.New("job.input must not be empty")
	}
	if job.Output == "" && !job.ExtractMetadata {
		return errors.New("job.output must not be empty")
	}
	if job.PrefetchChunks < 1 {
		return errors.New("prefetch_chunks must be >= 1")
	}
	if job.PCMQueueSize < 1 {
		return errors.New("pcm_queue_size must be >= 1")
	}
	if job.ChunkChars < 0 {
		return errors.New("chunk_chars must be >= 0")
	}
	if job.Speed <= 0 {
		return errors.New("speed must be positive")
	}
	switch job.PipelineMode {
	case "auto", "sequential", "overlap":
	default:
		return errors.New("pipeline_mode must be one of auto|sequential|overlap")
	}
	switch job.Backend {
	case "auto", "exec", "piper", "mock":
	default:
		return errors.New("backend must be one of auto|exec|piper|mock")
	}
	switch job.Format {
	case "mp3", "m4b":
	default:
		return errors.New("format must be one of mp3|m4b")
	}
	switch job.Bitrate {
	case "128k", "192k", "320k":
	default:
		return errors.New("bitrate must be one of 128k|192k|320k")
	}
	switch cfg.Events.Format {
	case "text", "json":
	default:
		return errors.New("events.format must be one of text|json")
	}
	if cfg.Events.HeartbeatMS <= 0 {
		return errors.New("events.heartbeat_interval_ms must be positive")
	}
	if job.Backend == "exec" && strings.TrimSpace(cfg.TTS.Command) == "" {
		return errors.New("tts.command must be set when backend=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.Encoder.FFmpegPath == "" {
		return errors.New("encoder.ffmpeg_path must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if cfg.Events.Publish && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when publishing events")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
