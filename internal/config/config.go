package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"ezwatch/internal/model"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultTimezone = "America/Sao_Paulo"

	defaultSuppressionSec = 60
	defaultDedupeSec      = 30
)

type Config struct {
	LogLevel        string          `json:"log_level" yaml:"log_level"`
	LogFormat       string          `json:"log_format" yaml:"log_format"`
	DefaultTimezone string          `json:"default_timezone" yaml:"default_timezone"`
	ZonesFile       string          `json:"zones_file" yaml:"zones_file"`
	Zones           []ZoneConfig    `json:"zones" yaml:"zones"`
	Ingest          IngestConfig    `json:"ingest" yaml:"ingest"`
	Gate            GateConfig      `json:"gate" yaml:"gate"`
	Delivery        DeliveryConfig  `json:"delivery" yaml:"delivery"`
	API             APIConfig       `json:"api" yaml:"api"`
	Storage         StorageConfig   `json:"storage" yaml:"storage"`
	Heartbeat       HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Metrics         MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts          AlertsConfig    `json:"alerts" yaml:"alerts"`
}

// ZoneConfig is a zone as written in configuration. Absent windows take the
// defaults at load time; an explicit 0 disables the gate.
type ZoneConfig struct {
	ZoneID               string               `json:"zone_id" yaml:"zone_id"`
	SiteID               string               `json:"site_id" yaml:"site_id"`
	CameraIDs            []string             `json:"camera_ids" yaml:"camera_ids"`
	Severity             model.Severity       `json:"severity" yaml:"severity"`
	ActiveSchedule       model.ActiveSchedule `json:"active_schedule" yaml:"active_schedule"`
	AlertDestinations    []string             `json:"alert_destinations" yaml:"alert_destinations"`
	SuppressionWindowSec *int                 `json:"suppression_window_sec" yaml:"suppression_window_sec"`
	DedupeWindowSec      *int                 `json:"dedupe_window_sec" yaml:"dedupe_window_sec"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int             `json:"workers" yaml:"workers"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
}

// TCPStreamConfig accepts newline-delimited JSON events over TCP.
type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// FileTailConfig follows spool files of newline-delimited JSON events.
type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Files      []string `json:"files" yaml:"files"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type GateConfig struct {
	// Driver is memory, redis or storage.
	Driver  string      `json:"driver" yaml:"driver"`
	MaxKeys int         `json:"max_keys" yaml:"max_keys"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	Password  string        `json:"password" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	LockTTL   time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	KeyTTL    time.Duration `json:"key_ttl" yaml:"key_ttl"`
}

type DeliveryConfig struct {
	Timeout  time.Duration  `json:"timeout" yaml:"timeout"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Email    EmailConfig    `json:"email" yaml:"email"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Kafka    KafkaOutConfig `json:"kafka" yaml:"kafka"`
	PubSub   PubSubConfig   `json:"pubsub" yaml:"pubsub"`
	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker"`
}

type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	WebhookURL  string `json:"webhook_url" yaml:"webhook_url"`
	BearerToken string `json:"bearer_token" yaml:"bearer_token"`
}

type EmailConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to"`
	StartTLS bool     `json:"starttls" yaml:"starttls"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type KafkaOutConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type PubSubConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	ProjectID string `json:"project_id" yaml:"project_id"`
	TopicID   string `json:"topic_id" yaml:"topic_id"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `json:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

type APIConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Addr         string `json:"addr" yaml:"addr"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type StorageConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	Driver                string `json:"driver" yaml:"driver"`
	DSN                   string `json:"dsn" yaml:"dsn"`
	RetentionDays         int    `json:"retention_days" yaml:"retention_days"`
	CleanupIntervalEvents int    `json:"cleanup_interval_events" yaml:"cleanup_interval_events"`
}

type HeartbeatConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	OfflineThreshold time.Duration `json:"offline_threshold" yaml:"offline_threshold"`
	CheckInterval    time.Duration `json:"check_interval" yaml:"check_interval"`
	AlertCooldown    time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		LogFormat:       "json",
		DefaultTimezone: DefaultTimezone,
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       4,
			Kafka:         KafkaConfig{Enabled: false},
			TCPStream:     TCPStreamConfig{Addr: ":9100"},
			FileTail:      FileTailConfig{StartAtEnd: true},
		},
		Gate: GateConfig{
			Driver:  "memory",
			MaxKeys: 100000,
			Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "ezwatch:", LockTTL: 30 * time.Second},
		},
		Delivery: DeliveryConfig{
			Timeout:  5 * time.Second,
			WhatsApp: WhatsAppConfig{Enabled: true},
			Email:    EmailConfig{Port: 587, From: "ez-watch@localhost", StartTLS: true},
			NATS:     NATSConfig{Subject: "ezwatch.alerts"},
			Breaker:  BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second},
		},
		API: APIConfig{Enabled: true, Addr: ":8000", MaxBodyBytes: 1 << 20},
		Storage: StorageConfig{
			Enabled:               false,
			Driver:                "sqlite",
			DSN:                   "file:ezwatch.db?_pragma=busy_timeout(5000)",
			RetentionDays:         30,
			CleanupIntervalEvents: 200,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:          true,
			OfflineThreshold: 180 * time.Second,
			CheckInterval:    60 * time.Second,
			AlertCooldown:    900 * time.Second,
		},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: config file is empty", ErrInvalid)
	}
	if err := decode(trimmed, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalid, path, err)
	}
	if cfg.ZonesFile != "" {
		zf := cfg.ZonesFile
		if !filepath.IsAbs(zf) {
			zf = filepath.Join(filepath.Dir(path), zf)
		}
		zones, err := LoadZones(zf)
		if err != nil {
			return nil, err
		}
		cfg.ZonesFile = zf
		cfg.Zones = append(cfg.Zones, zones...)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadZones reads a document whose top-level "zones" key lists zones. An
// empty document yields no zones.
func LoadZones(path string) ([]ZoneConfig, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, nil
	}
	var doc struct {
		Zones []ZoneConfig `json:"zones" yaml:"zones"`
	}
	if err := decode(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode zones %s: %v", ErrInvalid, path, err)
	}
	return doc.Zones, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func decode(s string, v any) error {
	if looksLikeJSON(s) {
		return json.Unmarshal([]byte(s), v)
	}
	return yaml.Unmarshal([]byte(s), v)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// envOverrides are secrets and deployment knobs that are usually injected
// by the orchestrator rather than written to the config file.
type envOverrides struct {
	LogLevel        string   `envconfig:"LOG_LEVEL"`
	DefaultTimezone string   `envconfig:"DEFAULT_TIMEZONE"`
	APIAddr         string   `envconfig:"API_ADDR"`
	StorageDSN      string   `envconfig:"STORAGE_DSN"`
	RedisAddr       string   `envconfig:"REDIS_ADDR"`
	RedisPassword   string   `envconfig:"REDIS_PASSWORD"`
	WhatsAppURL     string   `envconfig:"WHATSAPP_WEBHOOK_URL"`
	WhatsAppToken   string   `envconfig:"WHATSAPP_BEARER_TOKEN"`
	SMTPUsername    string   `envconfig:"SMTP_USERNAME"`
	SMTPPassword    string   `envconfig:"SMTP_PASSWORD"`
	EmailTo         []string `envconfig:"EMAIL_TO"`
	NATSURL         string   `envconfig:"NATS_URL"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process("EZWATCH", &o); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrInvalid, err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.LogLevel, o.LogLevel)
	set(&cfg.DefaultTimezone, o.DefaultTimezone)
	set(&cfg.API.Addr, o.APIAddr)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Gate.Redis.Addr, o.RedisAddr)
	set(&cfg.Gate.Redis.Password, o.RedisPassword)
	set(&cfg.Delivery.WhatsApp.WebhookURL, o.WhatsAppURL)
	set(&cfg.Delivery.WhatsApp.BearerToken, o.WhatsAppToken)
	set(&cfg.Delivery.Email.Username, o.SMTPUsername)
	set(&cfg.Delivery.Email.Password, o.SMTPPassword)
	set(&cfg.Delivery.NATS.URL, o.NATSURL)
	if len(o.EmailTo) > 0 {
		cfg.Delivery.Email.To = o.EmailTo
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = DefaultTimezone
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Gate.Driver == "" {
		cfg.Gate.Driver = "memory"
	}
	if cfg.Delivery.Timeout <= 0 {
		cfg.Delivery.Timeout = 5 * time.Second
	}
	if cfg.Storage.RetentionDays <= 0 {
		cfg.Storage.RetentionDays = 30
	}
	if cfg.Storage.CleanupIntervalEvents <= 0 {
		cfg.Storage.CleanupIntervalEvents = 200
	}
	// WhatsApp is on by default; without a webhook it stays unconfigured.
	if cfg.Delivery.WhatsApp.WebhookURL == "" {
		cfg.Delivery.WhatsApp.Enabled = false
	}
	cleaned := cfg.Delivery.Email.To[:0]
	for _, to := range cfg.Delivery.Email.To {
		if to = strings.TrimSpace(to); to != "" {
			cleaned = append(cleaned, to)
		}
	}
	cfg.Delivery.Email.To = cleaned
	for i := range cfg.Zones {
		z := &cfg.Zones[i]
		if z.Severity == "" {
			z.Severity = model.SeverityMedium
		}
		if z.AlertDestinations == nil {
			z.AlertDestinations = []string{"whatsapp"}
		}
		if z.SuppressionWindowSec == nil {
			v := defaultSuppressionSec
			z.SuppressionWindowSec = &v
		}
		if z.DedupeWindowSec == nil {
			v := defaultDedupeSec
			z.DedupeWindowSec = &v
		}
	}
}

var knownDestinations = map[string]bool{
	"whatsapp": true,
	"email":    true,
	"nats":     true,
	"kafka":    true,
	"pubsub":   true,
}

func Validate(cfg *Config) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return invalid("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return invalid("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return invalid("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return invalid("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return invalid("default_timezone %q: %v", cfg.DefaultTimezone, err)
	}
	switch cfg.Gate.Driver {
	case "memory", "redis":
	case "storage":
		if !cfg.Storage.Enabled {
			return invalid("gate.driver storage requires storage.enabled")
		}
	default:
		return invalid("gate.driver must be memory, redis or storage, got %q", cfg.Gate.Driver)
	}
	if cfg.Storage.Enabled && cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "postgres" {
		return invalid("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver)
	}
	d := cfg.Delivery
	if d.Email.Enabled && d.Email.Host == "" {
		return invalid("delivery.email.host required when delivery.email.enabled is true")
	}
	if d.NATS.Enabled && d.NATS.URL == "" {
		return invalid("delivery.nats.url required when delivery.nats.enabled is true")
	}
	if d.Kafka.Enabled && (len(d.Kafka.Brokers) == 0 || d.Kafka.Topic == "") {
		return invalid("delivery.kafka requires brokers and topic")
	}
	if d.PubSub.Enabled && (d.PubSub.ProjectID == "" || d.PubSub.TopicID == "") {
		return invalid("delivery.pubsub requires project_id and topic_id")
	}
	if cfg.Heartbeat.Enabled && (cfg.Heartbeat.OfflineThreshold <= 0 || cfg.Heartbeat.CheckInterval <= 0) {
		return invalid("heartbeat offline_threshold and check_interval must be > 0")
	}

	seen := make(map[string]bool, len(cfg.Zones))
	for i, z := range cfg.Zones {
		if z.ZoneID == "" {
			return invalid("zones[%d].zone_id is required", i)
		}
		if seen[z.ZoneID] {
			return invalid("duplicate zone_id %q", z.ZoneID)
		}
		seen[z.ZoneID] = true
		if z.SiteID == "" {
			return invalid("zone %q: site_id is required", z.ZoneID)
		}
		if !z.Severity.Valid() {
			return invalid("zone %q: unknown severity %q", z.ZoneID, z.Severity)
		}
		if z.SuppressionWindowSec != nil && *z.SuppressionWindowSec < 0 {
			return invalid("zone %q: suppression_window_sec must be >= 0", z.ZoneID)
		}
		if z.DedupeWindowSec != nil && *z.DedupeWindowSec < 0 {
			return invalid("zone %q: dedupe_window_sec must be >= 0", z.ZoneID)
		}
		for _, dst := range z.AlertDestinations {
			if !knownDestinations[dst] {
				return invalid("zone %q: unknown alert destination %q", z.ZoneID, dst)
			}
		}
		for j, w := range z.ActiveSchedule.Windows {
			if len(w.Days) == 0 {
				return invalid("zone %q: window %d needs at least one day", z.ZoneID, j)
			}
			for _, day := range w.Days {
				if !day.Valid() {
					return invalid("zone %q: window %d: unknown day %q", z.ZoneID, j, day)
				}
			}
		}
	}
	return nil
}

// Policies returns the immutable zone policies the engine consumes.
func (c *Config) Policies() []model.ZonePolicy {
	out := make([]model.ZonePolicy, 0, len(c.Zones))
	for _, z := range c.Zones {
		out = append(out, z.Policy())
	}
	return out
}

func (z ZoneConfig) Policy() model.ZonePolicy {
	p := model.ZonePolicy{
		ZoneID:               z.ZoneID,
		SiteID:               z.SiteID,
		CameraIDs:            append([]string(nil), z.CameraIDs...),
		Severity:             z.Severity,
		ActiveSchedule:       z.ActiveSchedule,
		AlertDestinations:    append([]string(nil), z.AlertDestinations...),
		SuppressionWindowSec: defaultSuppressionSec,
		DedupeWindowSec:      defaultDedupeSec,
	}
	if p.Severity == "" {
		p.Severity = model.SeverityMedium
	}
	if z.SuppressionWindowSec != nil {
		p.SuppressionWindowSec = *z.SuppressionWindowSec
	}
	if z.DedupeWindowSec != nil {
		p.DedupeWindowSec = *z.DedupeWindowSec
	}
	return p
}

// Location resolves the process-wide default timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Manager struct {
	path     string
	cfg      atomic.Pointer[Config]
	modTimes atomic.Pointer[map[string]time.Time]
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.store(cfg)
	return m, nil
}

func (m *Manager) store(cfg *Config) {
	m.cfg.Store(cfg)
	times := make(map[string]time.Time, 2)
	for _, p := range m.watched(cfg) {
		if info, err := os.Stat(p); err == nil {
			times[p] = info.ModTime()
		}
	}
	m.modTimes.Store(&times)
}

func (m *Manager) watched(cfg *Config) []string {
	files := []string{m.path}
	if cfg != nil && cfg.ZonesFile != "" {
		files = append(files, cfg.ZonesFile)
	}
	return files
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

// Reload re-reads the files. On error the previous snapshot stays active.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.store(cfg)
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	known := m.modTimes.Load()
	for _, p := range m.watched(m.cfg.Load()) {
		info, err := os.Stat(p)
		if err != nil {
			return false, err
		}
		if known == nil || info.ModTime().After((*known)[p]) {
			return true, nil
		}
	}
	return false, nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
