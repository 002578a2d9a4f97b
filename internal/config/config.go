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

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Streaming   StreamingConfig  `yaml:"streaming"`
	Models      ModelsConfig     `yaml:"models"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Status      StatusConfig     `yaml:"status"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CaptureConfig selects the audio source feeding the pipeline.
type CaptureConfig struct {
	Mode           string `yaml:"mode"` // device, file
	DeviceID       string `yaml:"device_id"`
	SampleRate     int    `yaml:"sample_rate"` // 0 keeps the device native rate
	Channels       int    `yaml:"channels"`
	BufferFrames   int    `yaml:"buffer_frames"`
	FilePath       string `yaml:"file_path"`
	Realtime       bool   `yaml:"realtime"`
	StartRetries   int    `yaml:"start_retries"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
	PermissionFile string `yaml:"permission_file"`
}

type STTConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, openai, whisper
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Threads  int    `yaml:"threads"`
}

// StreamingConfig tunes the partial transcription cadence.
type StreamingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	CycleMS      int     `yaml:"cycle_ms"`
	MinSamples   int     `yaml:"min_samples"`
	OverrunRatio float64 `yaml:"overrun_ratio"`
}

type ModelsConfig struct {
	Directory string `yaml:"directory"`
	File      string `yaml:"file"`
	SHA256    string `yaml:"sha256"`
	MinBytes  int64  `yaml:"min_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StatusConfig struct {
	Enabled           bool   `yaml:"enabled"`
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8089,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:           "device",
			Channels:       1,
			BufferFrames:   1024,
			Realtime:       true,
			StartRetries:   3,
			RetryBackoffMS: 200,
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "en",
			Model:    "whisper-1",
			Threads:  4,
		},
		Streaming: StreamingConfig{
			Enabled:      true,
			CycleMS:      1500,
			MinSamples:   16000,
			OverrunRatio: 0.8,
		},
		Models: ModelsConfig{
			Directory: "./models",
			File:      "ggml-base.en.bin",
			MinBytes:  1,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Status: StatusConfig{
			Enabled:           true,
			NodeID:            "loqa-dictation-1",
			HeartbeatInterval: 2000,
		},
	}
}

func Load(path string) (Config, error) {
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

	if err := loadDotenv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotenv imports LOQA_ENV_FILE (or ./.env when present) without clobbering
// variables already set in the process environment.
func loadDotenv() error {
	path := strings.TrimSpace(os.Getenv("LOQA_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file not found: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.DeviceID, "LOQA_CAPTURE_DEVICE_ID")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BufferFrames, "LOQA_CAPTURE_BUFFER_FRAMES")
	overrideString(&cfg.Capture.FilePath, "LOQA_CAPTURE_FILE_PATH")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideInt(&cfg.Capture.StartRetries, "LOQA_CAPTURE_START_RETRIES")
	overrideInt(&cfg.Capture.RetryBackoffMS, "LOQA_CAPTURE_RETRY_BACKOFF_MS")
	overrideString(&cfg.Capture.PermissionFile, "LOQA_CAPTURE_PERMISSION_FILE")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideBool(&cfg.Streaming.Enabled, "LOQA_STREAMING_ENABLED")
	overrideInt(&cfg.Streaming.CycleMS, "LOQA_STREAMING_CYCLE_MS")
	overrideInt(&cfg.Streaming.MinSamples, "LOQA_STREAMING_MIN_SAMPLES")
	overrideFloat(&cfg.Streaming.OverrunRatio, "LOQA_STREAMING_OVERRUN_RATIO")
	overrideString(&cfg.Models.Directory, "LOQA_MODELS_DIRECTORY")
	overrideString(&cfg.Models.File, "LOQA_MODELS_FILE")
	overrideString(&cfg.Models.SHA256, "LOQA_MODELS_SHA256")
	overrideInt64(&cfg.Models.MinBytes, "LOQA_MODELS_MIN_BYTES")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Status.Enabled, "LOQA_STATUS_ENABLED")
	overrideString(&cfg.Status.NodeID, "LOQA_STATUS_NODE_ID")
	overrideInt(&cfg.Status.HeartbeatInterval, "LOQA_STATUS_HEARTBEAT_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Mode {
	case "device":
	case "file":
		if cfg.Capture.FilePath == "" {
			return errors.New("capture.file_path must be set when mode=file")
		}
	default:
		return errors.New("capture.mode must be one of device|file")
	}
	if cfg.Capture.SampleRate < 0 {
		return errors.New("capture.sample_rate must be >= 0")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.BufferFrames <= 0 {
		return errors.New("capture.buffer_frames must be positive")
	}
	if cfg.Capture.StartRetries <= 0 {
		return errors.New("capture.start_retries must be >= 1")
	}
	switch cfg.STT.Mode {
	case "mock", "whisper":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.APIKey == "" && cfg.STT.Endpoint == "" {
			return errors.New("stt.api_key or stt.endpoint must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai|whisper")
	}
	if cfg.Streaming.CycleMS <= 0 {
		return errors.New("streaming.cycle_ms must be positive")
	}
	if cfg.Streaming.MinSamples < 0 {
		return errors.New("streaming.min_samples must be >= 0")
	}
	if cfg.Streaming.OverrunRatio <= 0 || cfg.Streaming.OverrunRatio > 1 {
		return errors.New("streaming.overrun_ratio must be in (0, 1]")
	}
	if cfg.STT.Mode == "whisper" && cfg.Models.File == "" {
		return errors.New("models.file must be set when stt.mode=whisper")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Status.Enabled {
		if cfg.Status.NodeID == "" {
			return errors.New("status.node_id must not be empty")
		}
		if cfg.Status.HeartbeatInterval <= 0 {
			return errors.New("status.heartbeat_interval_ms must be positive")
		}
	}
	return nil
}
