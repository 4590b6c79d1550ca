package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceKindCSV    = "csv"
	SourceKindSerial = "serial"

	RelayKindBigQuery = "bigquery"
	RelayKindMQTT     = "mqtt"
	RelayKindNone     = "none"
)

// SourceConfig accepts either:
//  1. scalar form, a CSV path:
//     source: /data/labeled_vitals.csv
//  2. mapping form:
//     source:
//     kind: serial
//     serial: {port: /dev/ttyUSB0, baud_rate: 115200}
type SourceConfig struct {
	Kind     string       `yaml:"kind"`
	CSVPath  string       `yaml:"csv_path"`
	ErrorDir string       `yaml:"error_dir"`
	Serial   SerialConfig `yaml:"serial"`
}

func (s *SourceConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		p := strings.TrimSpace(value.Value)
		if p == "" {
			return nil
		}
		*s = SourceConfig{Kind: SourceKindCSV, CSVPath: p}
		return nil
	case yaml.MappingNode:
		type plain SourceConfig
		var tmp plain
		if err := value.Decode(&tmp); err != nil {
			return err
		}
		*s = SourceConfig(tmp)
		return nil
	default:
		return fmt.Errorf("source: expected path or mapping at line %d", value.Line)
	}
}

type BigQueryConfig struct {
	Project         string `yaml:"project"`
	Dataset         string `yaml:"dataset"`
	Table           string `yaml:"table"`
	CredentialsFile string `yaml:"credentials_file"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

type RelayConfig struct {
	Kind      string         `yaml:"kind"`
	BatchSize int            `yaml:"batch_size"`
	BigQuery  BigQueryConfig `yaml:"bigquery"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
}

type DatabaseConfig struct {
	Folder string `yaml:"folder"`
	Prefix string `yaml:"prefix"`
}

// MirrorConfig enables local copies of every relayed batch. Both are optional.
type MirrorConfig struct {
	Database DatabaseConfig `yaml:"database"`
	CSVPath  string         `yaml:"csv_path"`
}

// ReportConfig configures the heartbeat. SyslogAddr empty means log-only.
type ReportConfig struct {
	Every       int               `yaml:"every"`
	SyslogAddr  string            `yaml:"syslog_addr"`
	Job         string            `yaml:"job"`
	Service     string            `yaml:"service"`
	FixedLabels map[string]string `yaml:"fixed_labels"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ProvenanceConfig overrides the per-source tag defaults.
type ProvenanceConfig struct {
	Source string `yaml:"source"`
	Stage  string `yaml:"stage"`
}

type FileConfig struct {
	AppEnv   string `yaml:"app_env"`
	LogLevel string `yaml:"log_level"`

	Source       SourceConfig     `yaml:"source"`
	LedgerPath   string           `yaml:"ledger_path"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Provenance   ProvenanceConfig `yaml:"provenance"`

	Relay   RelayConfig   `yaml:"relay"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Report  ReportConfig  `yaml:"report"`
	Metrics MetricsConfig `yaml:"metrics"`

	// ReplayFrom re-submits mirrored rows since this time, then exits.
	// RFC3339 or "2006-01-02 15:04:05" (UTC).
	ReplayFrom string `yaml:"replay_from"`
}

// LoadConfig reads a YAML file. A missing file yields an empty config so a
// deployment can run purely on defaults and environment.
func LoadConfig(path string) (*FileConfig, error) {
	var cfg FileConfig
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides selected fields from the environment.
func (c *FileConfig) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.AppEnv, "APP_ENV")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Relay.BigQuery.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	set(&c.Relay.BigQuery.Project, "BQ_PROJECT")
	set(&c.Source.Serial.Port, "SERIAL_PORT")
	set(&c.ReplayFrom, "REPLAY_FROM")
}

// WithDefaults fills unset fields.
func (c FileConfig) WithDefaults() FileConfig {
	if c.AppEnv == "" {
		c.AppEnv = "dev"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Source.Kind == "" {
		if c.Source.Serial.Port != "" && c.Source.CSVPath == "" {
			c.Source.Kind = SourceKindSerial
		} else {
			c.Source.Kind = SourceKindCSV
		}
	}
	if c.Source.Kind == SourceKindCSV && c.Source.CSVPath == "" {
		c.Source.CSVPath = "labeled_vitals.csv"
	}
	if c.LedgerPath == "" {
		c.LedgerPath = "uploaded_ids.log"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Provenance.Source == "" || c.Provenance.Stage == "" {
		src, stage := SourceMLPipeline, StageLabeled
		if c.Source.Kind == SourceKindSerial {
			src, stage = SourceLoRaSerial, StageRaw
		}
		if c.Provenance.Source == "" {
			c.Provenance.Source = src
		}
		if c.Provenance.Stage == "" {
			c.Provenance.Stage = stage
		}
	}
	if c.Relay.Kind == "" {
		c.Relay.Kind = RelayKindBigQuery
	}
	if c.Relay.BatchSize <= 0 {
		c.Relay.BatchSize = 500
	}
	if c.Relay.MQTT.Port == 0 {
		c.Relay.MQTT.Port = 1883
	}
	if c.Relay.MQTT.ClientID == "" {
		c.Relay.MQTT.ClientID = "vitals-relay"
	}
	if c.Relay.MQTT.Topic == "" {
		c.Relay.MQTT.Topic = "vitals/readings"
	}
	if c.Mirror.Database.Folder != "" && c.Mirror.Database.Prefix == "" {
		c.Mirror.Database.Prefix = "vitals_"
	}
	if c.Report.Every <= 0 {
		c.Report.Every = 12
	}
	if c.Report.Job == "" {
		c.Report.Job = "vitals-relay"
	}
	if c.Report.Service == "" {
		c.Report.Service = "telemetry"
	}
	return c
}

// Validate reports configuration that cannot start a poll loop. Relay
// settings are not checked here: a bad relay makes the sink inert instead.
func (c FileConfig) Validate() error {
	switch c.Source.Kind {
	case SourceKindCSV:
		if strings.TrimSpace(c.Source.CSVPath) == "" {
			return fmt.Errorf("source.csv_path is required for csv source")
		}
	case SourceKindSerial:
		if strings.TrimSpace(c.Source.Serial.Port) == "" {
			return fmt.Errorf("source.serial.port is required for serial source")
		}
	default:
		return fmt.Errorf("invalid source.kind %q (allowed: csv, serial)", c.Source.Kind)
	}
	switch c.Relay.Kind {
	case RelayKindBigQuery, RelayKindMQTT, RelayKindNone:
	default:
		return fmt.Errorf("invalid relay.kind %q (allowed: bigquery, mqtt, none)", c.Relay.Kind)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.ReplayTime(); err != nil {
		return err
	}
	return nil
}

// ReplayTime returns the zero time when replay is not requested.
func (c FileConfig) ReplayTime() (time.Time, error) {
	s := strings.TrimSpace(c.ReplayFrom)
	if s == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid replay_from %q", s)
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q (allowed: debug, info, warn, error)", s)
	}
}
