package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ongoingai/profilerxray/internal/xray"
)

type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Export        ExportConfig        `yaml:"export"`
	Profiler      ProfilerConfig      `yaml:"profiler"`
	Journal       JournalConfig       `yaml:"journal"`
	Server        ServerConfig        `yaml:"server"`
	SampleApp     SampleAppConfig     `yaml:"sample_app"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	// Name is the X-Ray segment name for every exported trace.
	Name string `yaml:"name"`
}

type DaemonConfig struct {
	// Address is "host:port" or "tcp:host:port udp:host:port".
	Address       string `yaml:"address"`
	SendTimeoutMS int    `yaml:"send_timeout_ms"`
}

type ExportConfig struct {
	Async            bool `yaml:"async"`
	QueueSize        int  `yaml:"queue_size"`
	DedupCapacity    int  `yaml:"dedup_capacity"`
	ScrubCredentials bool `yaml:"scrub_credentials"`
}

type ProfilerConfig struct {
	TrackConnectionOpenClose bool     `yaml:"track_connection_open_close"`
	IgnoredPaths             []string `yaml:"ignored_paths"`
	// MaxProfilesPerSecond caps profiled requests; 0 profiles every request.
	MaxProfilesPerSecond float64 `yaml:"max_profiles_per_second"`
}

type JournalConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type SampleAppConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	JournalDriverNone     = "none"
	JournalDriverSQLite   = "sqlite"
	JournalDriverPostgres = "postgres"
)

const (
	defaultServiceName                = "profilerxray"
	defaultSendTimeoutMS              = 500
	defaultQueueSize                  = 1024
	defaultDedupCapacity              = 10
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "profilerxray"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name: defaultServiceName,
		},
		Daemon: DaemonConfig{
			Address:       xray.DefaultDaemonAddress,
			SendTimeoutMS: defaultSendTimeoutMS,
		},
		Export: ExportConfig{
			Async:            true,
			QueueSize:        defaultQueueSize,
			DedupCapacity:    defaultDedupCapacity,
			ScrubCredentials: true,
		},
		Profiler: ProfilerConfig{
			TrackConnectionOpenClose: true,
			IgnoredPaths:             []string{"/healthz", "/favicon.ico"},
		},
		Journal: JournalConfig{
			Driver: JournalDriverNone,
			Path:   "./data/segments.db",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		SampleApp: SampleAppConfig{
			Driver: "sqlite",
			DSN:    "file::memory:?cache=shared",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		return errors.New("service.name must not be empty")
	}
	if _, err := xray.ParseDaemonAddress(cfg.Daemon.Address); err != nil {
		return fmt.Errorf("daemon.address: %w", err)
	}
	if cfg.Daemon.SendTimeoutMS < 0 {
		return fmt.Errorf("daemon.send_timeout_ms must be >= 0 (got %d)", cfg.Daemon.SendTimeoutMS)
	}
	if cfg.Export.QueueSize <= 0 {
		return fmt.Errorf("export.queue_size must be > 0 (got %d)", cfg.Export.QueueSize)
	}
	if cfg.Export.DedupCapacity < 0 {
		return fmt.Errorf("export.dedup_capacity must be >= 0 (got %d)", cfg.Export.DedupCapacity)
	}
	if cfg.Profiler.MaxProfilesPerSecond < 0 {
		return fmt.Errorf("profiler.max_profiles_per_second must be >= 0 (got %f)", cfg.Profiler.MaxProfilesPerSecond)
	}
	for idx, prefix := range cfg.Profiler.IgnoredPaths {
		if !strings.HasPrefix(strings.TrimSpace(prefix), "/") {
			return fmt.Errorf("profiler.ignored_paths[%d] must start with '/' (got %q)", idx, prefix)
		}
	}

	switch strings.TrimSpace(cfg.Journal.Driver) {
	case "", JournalDriverNone:
	case JournalDriverSQLite:
		if strings.TrimSpace(cfg.Journal.Path) == "" {
			return errors.New("journal.path is required when journal.driver=sqlite")
		}
	case JournalDriverPostgres:
		if strings.TrimSpace(cfg.Journal.DSN) == "" {
			return errors.New("journal.dsn is required when journal.driver=postgres")
		}
	default:
		return fmt.Errorf("journal.driver must be one of none, sqlite, postgres (got %q)", cfg.Journal.Driver)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	switch strings.TrimSpace(cfg.SampleApp.Driver) {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.SampleApp.DSN) == "" {
			return errors.New("sample_app.dsn is required when sample_app.driver=postgres")
		}
	default:
		return fmt.Errorf("sample_app.driver must be one of sqlite, postgres (got %q)", cfg.SampleApp.Driver)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if address := strings.TrimSpace(os.Getenv("AWS_XRAY_DAEMON_ADDRESS")); address != "" {
		cfg.Daemon.Address = address
	}
	if name := strings.TrimSpace(os.Getenv("AWS_XRAY_TRACING_NAME")); name != "" {
		cfg.Service.Name = name
	}
	if name := strings.TrimSpace(os.Getenv("PROFILERXRAY_SERVICE_NAME")); name != "" {
		cfg.Service.Name = name
	}
	if timeout := os.Getenv("PROFILERXRAY_SEND_TIMEOUT_MS"); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid PROFILERXRAY_SEND_TIMEOUT_MS: %w", err)
		}
		cfg.Daemon.SendTimeoutMS = v
	}

	if async := os.Getenv("PROFILERXRAY_EXPORT_ASYNC"); async != "" {
		v, err := strconv.ParseBool(async)
		if err != nil {
			return fmt.Errorf("invalid PROFILERXRAY_EXPORT_ASYNC: %w", err)
		}
		cfg.Export.Async = v
	}
	if queueSize := os.Getenv("PROFILERXRAY_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid PROFILERXRAY_QUEUE_SIZE: %w", err)
		}
		cfg.Export.QueueSize = v
	}
	if scrub := os.Getenv("PROFILERXRAY_SCRUB_CREDENTIALS"); scrub != "" {
		v, err := strconv.ParseBool(scrub)
		if err != nil {
			return fmt.Errorf("invalid PROFILERXRAY_SCRUB_CREDENTIALS: %w", err)
		}
		cfg.Export.ScrubCredentials = v
	}
	if track := os.Getenv("PROFILERXRAY_TRACK_CONNECTIONS"); track != "" {
		v, err := strconv.ParseBool(track)
		if err != nil {
			return fmt.Errorf("invalid PROFILERXRAY_TRACK_CONNECTIONS: %w", err)
		}
		cfg.Profiler.TrackConnectionOpenClose = v
	}

	if driver := os.Getenv("PROFILERXRAY_JOURNAL_DRIVER"); driver != "" {
		cfg.Journal.Driver = driver
	}
	if path := os.Getenv("PROFILERXRAY_JOURNAL_PATH"); path != "" {
		cfg.Journal.Path = path
	}
	if dsn := os.Getenv("PROFILERXRAY_JOURNAL_DSN"); dsn != "" {
		cfg.Journal.DSN = dsn
	}

	if host := os.Getenv("PROFILERXRAY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PROFILERXRAY_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PROFILERXRAY_PORT: %w", err)
		}
		cfg.Server.Port = v
	}
	if driver := os.Getenv("PROFILERXRAY_SAMPLE_DRIVER"); driver != "" {
		cfg.SampleApp.Driver = driver
	}
	if dsn := os.Getenv("PROFILERXRAY_SAMPLE_DSN"); dsn != "" {
		cfg.SampleApp.DSN = dsn
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
