package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	MaxUploadMB   int    `yaml:"max_upload_mb"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Capture     CaptureConfig    `yaml:"capture"`
	Files       FilesConfig      `yaml:"files"`
	Hooks       HooksConfig      `yaml:"hooks"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	Privacy       string `yaml:"privacy_scope"`
}

// EngineConfig selects and tunes the inference backend.
type EngineConfig struct {
	Mode          string `yaml:"mode"` // whisper, exec, mock
	ModelPath     string `yaml:"model_path"`
	Command       string `yaml:"command"`
	Language      string `yaml:"language"`
	Threads       int    `yaml:"threads"` // 0 picks a default from the CPU count
	UseGPU        bool   `yaml:"use_gpu"`
	Translate     bool   `yaml:"translate"`
	InitialPrompt string `yaml:"initial_prompt"`
	PrintTimings  bool   `yaml:"print_timings"`
}

type CaptureConfig struct {
	Enabled             bool `yaml:"enabled"`
	SampleRate          int  `yaml:"sample_rate"`
	Channels            int  `yaml:"channels"`
	MaxAudioSec         int  `yaml:"max_audio_sec"`
	Realtime            bool `yaml:"realtime"`
	AutoStart           bool `yaml:"auto_start"`
	TranscribeTimeoutMS int  `yaml:"transcribe_timeout_ms"`
}

type FilesConfig struct {
	Enabled          bool   `yaml:"enabled"`
	WorkDir          string `yaml:"work_dir"`
	ConverterCommand string `yaml:"converter_command"`
	SegmentSeconds   int    `yaml:"segment_seconds"`
	Concurrency      int    `yaml:"concurrency"`
	QueueSize        int    `yaml:"queue_size"`
}

type HooksConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Directory    string `yaml:"directory"`
	Concurrency  int    `yaml:"max_concurrency"`
	AuditPrivacy string `yaml:"audit_privacy_scope"`
}

// DefaultConverterCommand transcodes anything ffmpeg understands into 16 kHz mono PCM16 WAV.
const DefaultConverterCommand = "ffmpeg -nostdin -hide_banner -loglevel error -y -i {input} -ar 16000 -ac 1 -c:a pcm_s16le {output}"

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:          "0.0.0.0",
			Port:          8080,
			MaxUploadMB:   512,
			ReadTimeoutMS: 60000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			Privacy:       "internal",
		},
		Engine: EngineConfig{
			Mode:         "whisper",
			ModelPath:    "./models/ggml-base.en.bin",
			Language:     "en",
			UseGPU:       true,
			PrintTimings: true,
		},
		Capture: CaptureConfig{
			Enabled:             true,
			SampleRate:          16000,
			Channels:            1,
			MaxAudioSec:         30,
			AutoStart:           true,
			TranscribeTimeoutMS: 45000,
		},
		Files: FilesConfig{
			Enabled:          true,
			WorkDir:          "./data/uploads",
			ConverterCommand: DefaultConverterCommand,
			SegmentSeconds:   300,
			Concurrency:      1,
			QueueSize:        16,
		},
		Hooks: HooksConfig{
			Enabled:      false,
			Directory:    "./hooks",
			Concurrency:  4,
			AuditPrivacy: "internal",
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "SCRIBE_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.ModelPath, "SCRIBE_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Language, "SCRIBE_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "SCRIBE_ENGINE_THREADS")
	overrideBool(&cfg.Engine.UseGPU, "SCRIBE_ENGINE_USE_GPU")
	overrideBool(&cfg.Engine.Translate, "SCRIBE_ENGINE_TRANSLATE")
	overrideString(&cfg.Engine.InitialPrompt, "SCRIBE_ENGINE_INITIAL_PROMPT")
	overrideBool(&cfg.Engine.PrintTimings, "SCRIBE_ENGINE_PRINT_TIMINGS")
	overrideBool(&cfg.Capture.Enabled, "SCRIBE_CAPTURE_ENABLED")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.MaxAudioSec, "SCRIBE_CAPTURE_MAX_AUDIO_SEC")
	overrideBool(&cfg.Capture.Realtime, "SCRIBE_CAPTURE_REALTIME")
	overrideBool(&cfg.Capture.AutoStart, "SCRIBE_CAPTURE_AUTO_START")
	overrideInt(&cfg.Capture.TranscribeTimeoutMS, "SCRIBE_CAPTURE_TRANSCRIBE_TIMEOUT_MS")
	overrideBool(&cfg.Files.Enabled, "SCRIBE_FILES_ENABLED")
	overrideString(&cfg.Files.WorkDir, "SCRIBE_FILES_WORK_DIR")
	overrideString(&cfg.Files.ConverterCommand, "SCRIBE_FILES_CONVERTER_COMMAND")
	overrideInt(&cfg.Files.SegmentSeconds, "SCRIBE_FILES_SEGMENT_SECONDS")
	overrideInt(&cfg.Files.Concurrency, "SCRIBE_FILES_CONCURRENCY")
	overrideInt(&cfg.Files.QueueSize, "SCRIBE_FILES_QUEUE_SIZE")
	overrideBool(&cfg.Hooks.Enabled, "SCRIBE_HOOKS_ENABLED")
	overrideString(&cfg.Hooks.Directory, "SCRIBE_HOOKS_DIRECTORY")
	overrideInt(&cfg.Hooks.Concurrency, "SCRIBE_HOOKS_MAX_CONCURRENCY")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := ValidateEngine(cfg.Engine); err != nil {
		return err
	}
	if cfg.Capture.Enabled {
		if cfg.Capture.SampleRate != audio.SampleRate {
			return fmt.Errorf("capture.sample_rate must be %d (the engine takes 16 kHz audio only)", audio.SampleRate)
		}
		if cfg.Capture.Channels != 1 {
			return errors.New("capture.channels must be 1 (mono)")
		}
		if cfg.Capture.MaxAudioSec <= 0 {
			return errors.New("capture.max_audio_sec must be positive")
		}
	}
	if cfg.Files.Enabled {
		if cfg.Files.WorkDir == "" {
			return errors.New("files.work_dir must not be empty when file transcription is enabled")
		}
		if cfg.Files.ConverterCommand == "" {
			return errors.New("files.converter_command must not be empty")
		}
		if err := ValidateSegmentSeconds(cfg.Files.SegmentSeconds); err != nil {
			return err
		}
		if cfg.Files.Concurrency <= 0 {
			return errors.New("files.concurrency must be >= 1")
		}
		if cfg.Files.QueueSize <= 0 {
			return errors.New("files.queue_size must be >= 1")
		}
	}
	if cfg.Hooks.Enabled {
		if cfg.Hooks.Directory == "" {
			return errors.New("hooks.directory must not be empty when hooks are enabled")
		}
		if cfg.Hooks.Concurrency <= 0 {
			return errors.New("hooks.max_concurrency must be >= 1")
		}
	}
	return nil
}

// ValidateEngine checks the engine section on its own so the CLI can reuse it.
func ValidateEngine(cfg EngineConfig) error {
	switch cfg.Mode {
	case "whisper":
		if cfg.ModelPath == "" {
			return errors.New("engine.model_path must be set when mode=whisper")
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("engine.mode must be one of whisper|exec|mock")
	}
	if cfg.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	return nil
}

// ValidateSegmentSeconds only admits the 5 and 10 minute segment lengths.
func ValidateSegmentSeconds(seconds int) error {
	switch seconds {
	case 300, 600:
		return nil
	default:
		return fmt.Errorf("segment length must be 300 or 600 seconds, got %d", seconds)
	}
}
