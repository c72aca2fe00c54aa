package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHMMDefs  = "/usr/share/voxforge/julius/acoustic_model_files/hmmdefs"
	DefaultTiedList = "/usr/share/voxforge/julius/acoustic_model_files/tiedlist"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces pretty-prints spans when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`
}

// Level maps LogLevel onto a slog level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Julius      JuliusConfig     `yaml:"julius"`
	STT         STTConfig        `yaml:"stt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
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
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// JuliusConfig locates the decoder binary and the model files it is started with.
type JuliusConfig struct {
	Command             string `yaml:"command"`
	HMMDefs             string `yaml:"hmmdefs"`
	TiedList            string `yaml:"tiedlist"`
	VocabularyDir       string `yaml:"vocabulary_dir"`
	Vocabulary          string `yaml:"vocabulary"`
	SpoolThresholdBytes int    `yaml:"spool_threshold_bytes"`
	SelfCheck           bool   `yaml:"self_check"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // julius, mock
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	MaxSessionBytes int    `yaml:"max_session_bytes"`

	// SessionIdleTimeout evicts sessions that stop sending frames before the final one.
	SessionIdleTimeout int `yaml:"session_idle_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-julius",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 64 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-julius-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-julius.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRecords:    10000,
		},
		Julius: JuliusConfig{
			Command:             "julius",
			HMMDefs:             DefaultHMMDefs,
			TiedList:            DefaultTiedList,
			VocabularyDir:       "./data/vocabulary",
			Vocabulary:          "default",
			SpoolThresholdBytes: 1 << 20,
			SelfCheck:           true,
		},
		STT: STTConfig{
			Enabled:            true,
			Mode:               "julius",
			SampleRate:         16000,
			Channels:           1,
			MaxSessionBytes:    32 << 20,
			SessionIdleTimeout: 30000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "LOQA_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Julius.Command, "LOQA_JULIUS_COMMAND")
	overrideString(&cfg.Julius.HMMDefs, "LOQA_JULIUS_HMMDEFS")
	overrideString(&cfg.Julius.TiedList, "LOQA_JULIUS_TIEDLIST")
	overrideString(&cfg.Julius.VocabularyDir, "LOQA_JULIUS_VOCABULARY_DIR")
	overrideString(&cfg.Julius.Vocabulary, "LOQA_JULIUS_VOCABULARY")
	overrideInt(&cfg.Julius.SpoolThresholdBytes, "LOQA_JULIUS_SPOOL_THRESHOLD_BYTES")
	overrideBool(&cfg.Julius.SelfCheck, "LOQA_JULIUS_SELF_CHECK")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.MaxSessionBytes, "LOQA_STT_MAX_SESSION_BYTES")
	overrideInt(&cfg.STT.SessionIdleTimeout, "LOQA_STT_SESSION_IDLE_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("telemetry.log_level %q is not a known level", cfg.Telemetry.LogLevel)
	}
	// Model paths are not checked for existence: the engine reports bad paths
	// during the self-check and transcription is still attempted.
	if strings.TrimSpace(cfg.Julius.Command) == "" {
		return errors.New("julius.command must not be empty")
	}
	if cfg.Julius.HMMDefs == "" || cfg.Julius.TiedList == "" {
		return errors.New("julius.hmmdefs and julius.tiedlist must not be empty")
	}
	if cfg.Julius.Vocabulary == "" {
		return errors.New("julius.vocabulary must not be empty")
	}
	if cfg.Julius.SpoolThresholdBytes < 0 {
		return errors.New("julius.spool_threshold_bytes must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "julius", "mock":
		default:
			return errors.New("stt.mode must be one of julius|mock")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.MaxSessionBytes <= 0 {
			return errors.New("stt.max_session_bytes must be positive")
		}
		if cfg.STT.SessionIdleTimeout <= 0 {
			return errors.New("stt.session_idle_timeout_ms must be positive")
		}
	}
	return nil
}
