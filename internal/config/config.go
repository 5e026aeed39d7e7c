package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// Traces selects the span exporter: auto|stdout|otlp|none.
	Traces         string `yaml:"traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	// Version is stamped by the binary, never read from YAML.
	Version     string           `yaml:"-"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Waveform    WaveformConfig   `yaml:"waveform"`
	Backend     BackendConfig    `yaml:"backend"`
	Records     RecordsConfig    `yaml:"records"`
	Session     SessionConfig    `yaml:"session"`
	Presence    PresenceConfig   `yaml:"presence"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the microphone stand-in used by the daemon.
type CaptureConfig struct {
	Source          string  `yaml:"source"` // synthetic, wav
	WAVPath         string  `yaml:"wav_path"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	ToneHz          float64 `yaml:"tone_hz"`
	ElapsedTickMS   int     `yaml:"elapsed_tick_ms"`
}

type RecognizerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec, websocket
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Language       string `yaml:"language"`
	Continuous     bool   `yaml:"continuous"`
	InterimResults bool   `yaml:"interim_results"`
	RestartDelayMS int    `yaml:"restart_delay_ms"`
	QueueSize      int    `yaml:"queue_size"`
}

type WaveformConfig struct {
	Enabled         bool `yaml:"enabled"`
	FFTSize         int  `yaml:"fft_size"`
	Width           int  `yaml:"width"`
	Height          int  `yaml:"height"`
	FrameIntervalMS int  `yaml:"frame_interval_ms"`
	PublishFrames   bool `yaml:"publish_frames"`
}

type BackendConfig struct {
	Mode      string `yaml:"mode"` // mock, service, dify
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	AppID     string `yaml:"app_id"`
	User      string `yaml:"user"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type RecordsConfig struct {
	Path      string `yaml:"path"`
	SheetName string `yaml:"sheet_name"`
}

type PatientDefaults struct {
	Name   string `yaml:"name"`
	ID     string `yaml:"id"`
	Age    string `yaml:"age"`
	Gender string `yaml:"gender"`
}

type SessionConfig struct {
	AutoProcess bool            `yaml:"auto_process"`
	Patient     PatientDefaults `yaml:"patient"`
}

// PresenceConfig controls the runtime announce/heartbeat cycle.
type PresenceConfig struct {
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "karte-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			Traces:         "auto",
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/karte-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Source:          "synthetic",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 100,
			ToneHz:          440,
			ElapsedTickMS:   1000,
		},
		Recognizer: RecognizerConfig{
			Enabled:        true,
			Mode:           "mock",
			Language:       "ja-JP",
			Continuous:     true,
			InterimResults: true,
			RestartDelayMS: 100,
			QueueSize:      64,
		},
		Waveform: WaveformConfig{
			Enabled:         true,
			FFTSize:         256,
			Width:           400,
			Height:          100,
			FrameIntervalMS: 16,
			PublishFrames:   false,
		},
		Backend: BackendConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:8000",
			User:      "medical-system",
			TimeoutMS: 60000,
		},
		Records: RecordsConfig{
			Path:      "./data/karte-records.db",
			SheetName: "records",
		},
		Session: SessionConfig{
			AutoProcess: false,
		},
		Presence: PresenceConfig{
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
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
	overrideString(&cfg.RuntimeName, "KARTE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KARTE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KARTE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KARTE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KARTE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KARTE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KARTE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Traces, "KARTE_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "KARTE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "KARTE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KARTE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KARTE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KARTE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KARTE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KARTE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KARTE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KARTE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KARTE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "KARTE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "KARTE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "KARTE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "KARTE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "KARTE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Source, "KARTE_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.WAVPath, "KARTE_CAPTURE_WAV_PATH")
	overrideInt(&cfg.Capture.SampleRate, "KARTE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "KARTE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "KARTE_CAPTURE_FRAME_DURATION_MS")
	overrideFloat(&cfg.Capture.ToneHz, "KARTE_CAPTURE_TONE_HZ")
	overrideInt(&cfg.Capture.ElapsedTickMS, "KARTE_CAPTURE_ELAPSED_TICK_MS")
	overrideBool(&cfg.Recognizer.Enabled, "KARTE_RECOGNIZER_ENABLED")
	overrideString(&cfg.Recognizer.Mode, "KARTE_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "KARTE_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.Endpoint, "KARTE_RECOGNIZER_ENDPOINT")
	overrideString(&cfg.Recognizer.APIKey, "KARTE_RECOGNIZER_API_KEY")
	overrideString(&cfg.Recognizer.Language, "KARTE_RECOGNIZER_LANGUAGE")
	overrideBool(&cfg.Recognizer.Continuous, "KARTE_RECOGNIZER_CONTINUOUS")
	overrideBool(&cfg.Recognizer.InterimResults, "KARTE_RECOGNIZER_INTERIM_RESULTS")
	overrideInt(&cfg.Recognizer.RestartDelayMS, "KARTE_RECOGNIZER_RESTART_DELAY_MS")
	overrideInt(&cfg.Recognizer.QueueSize, "KARTE_RECOGNIZER_QUEUE_SIZE")
	overrideBool(&cfg.Waveform.Enabled, "KARTE_WAVEFORM_ENABLED")
	overrideInt(&cfg.Waveform.FFTSize, "KARTE_WAVEFORM_FFT_SIZE")
	overrideInt(&cfg.Waveform.Width, "KARTE_WAVEFORM_WIDTH")
	overrideInt(&cfg.Waveform.Height, "KARTE_WAVEFORM_HEIGHT")
	overrideInt(&cfg.Waveform.FrameIntervalMS, "KARTE_WAVEFORM_FRAME_INTERVAL_MS")
	overrideBool(&cfg.Waveform.PublishFrames, "KARTE_WAVEFORM_PUBLISH_FRAMES")
	overrideString(&cfg.Backend.Mode, "KARTE_BACKEND_MODE")
	overrideString(&cfg.Backend.Endpoint, "KARTE_BACKEND_ENDPOINT")
	overrideString(&cfg.Backend.APIKey, "KARTE_BACKEND_API_KEY")
	overrideString(&cfg.Backend.AppID, "KARTE_BACKEND_APP_ID")
	overrideString(&cfg.Backend.User, "KARTE_BACKEND_USER")
	overrideInt(&cfg.Backend.TimeoutMS, "KARTE_BACKEND_TIMEOUT_MS")
	overrideString(&cfg.Records.Path, "KARTE_RECORDS_PATH")
	overrideString(&cfg.Records.SheetName, "KARTE_RECORDS_SHEET_NAME")
	overrideBool(&cfg.Session.AutoProcess, "KARTE_SESSION_AUTO_PROCESS")
	overrideString(&cfg.Session.Patient.Name, "KARTE_SESSION_PATIENT_NAME")
	overrideString(&cfg.Session.Patient.ID, "KARTE_SESSION_PATIENT_ID")
	overrideString(&cfg.Session.Patient.Age, "KARTE_SESSION_PATIENT_AGE")
	overrideString(&cfg.Session.Patient.Gender, "KARTE_SESSION_PATIENT_GENDER")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "KARTE_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeoutMS, "KARTE_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	switch cfg.Telemetry.Traces {
	case "auto", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of auto|stdout|otlp|none")
	}
	switch cfg.Capture.Source {
	case "synthetic":
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when source=wav")
		}
	default:
		return errors.New("capture.source must be one of synthetic|wav")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if cfg.Capture.ElapsedTickMS <= 0 {
		return errors.New("capture.elapsed_tick_ms must be positive")
	}
	if cfg.Recognizer.Enabled {
		switch cfg.Recognizer.Mode {
		case "mock":
		case "exec":
			if cfg.Recognizer.Command == "" {
				return errors.New("recognizer.command must be set when mode=exec")
			}
		case "websocket":
			if cfg.Recognizer.Endpoint == "" {
				return errors.New("recognizer.endpoint must be set when mode=websocket")
			}
		default:
			return errors.New("recognizer.mode must be one of mock|exec|websocket")
		}
		if cfg.Recognizer.Language == "" {
			return errors.New("recognizer.language must not be empty")
		}
		if cfg.Recognizer.RestartDelayMS < 0 {
			return errors.New("recognizer.restart_delay_ms must be >= 0")
		}
		if cfg.Recognizer.QueueSize <= 0 {
			return errors.New("recognizer.queue_size must be >= 1")
		}
	}
	if cfg.Waveform.Enabled {
		if cfg.Waveform.FFTSize < 32 || cfg.Waveform.FFTSize&(cfg.Waveform.FFTSize-1) != 0 {
			return errors.New("waveform.fft_size must be a power of two >= 32")
		}
		if cfg.Waveform.Width <= 0 || cfg.Waveform.Height <= 0 {
			return errors.New("waveform.width and waveform.height must be positive")
		}
		if cfg.Waveform.FrameIntervalMS <= 0 {
			return errors.New("waveform.frame_interval_ms must be positive")
		}
	}
	switch cfg.Backend.Mode {
	case "mock":
	case "service":
		if cfg.Backend.Endpoint == "" {
			return errors.New("backend.endpoint must be set when mode=service")
		}
	case "dify":
		if cfg.Backend.Endpoint == "" || cfg.Backend.APIKey == "" || cfg.Backend.AppID == "" {
			return errors.New("backend.endpoint, backend.api_key and backend.app_id must be set when mode=dify")
		}
	default:
		return errors.New("backend.mode must be one of mock|service|dify")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if cfg.Records.Path == "" {
		return errors.New("records.path must not be empty")
	}
	if cfg.Records.SheetName == "" {
		return errors.New("records.sheet_name must not be empty")
	}
	if cfg.Presence.HeartbeatIntervalMS <= 0 || cfg.Presence.HeartbeatTimeoutMS < cfg.Presence.HeartbeatIntervalMS {
		return errors.New("presence.heartbeat_timeout_ms must be >= heartbeat_interval_ms > 0")
	}
	return nil
}
