// Package config loads engine configuration from the environment, with an
// optional YAML overlay file for deployments that prefer a checked-in config.
// Environment always wins over the overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mextic/recargas-sub000/internal/core"
)

// VOZ scheduling modes.
const (
	ScheduleModeFixed    = "fixed"
	ScheduleModeInterval = "interval"
)

// Minimum interval steps per service; shorter intervals would hammer the
// selectors and the providers for no gain.
const (
	MinGPSIntervalMinutes   = 6
	MinEliotIntervalMinutes = 10
	MinVozIntervalMinutes   = 10
)

type Config struct {
	// DataDir hosts the auxiliary queue and crash marker files.
	DataDir  string `yaml:"data_dir"`
	Timezone string `yaml:"timezone"`
	HTTPPort string `yaml:"http_port"`

	BillingDSN string `yaml:"billing_dsn"` // recargas / detalle_recargas / GPS+VOZ device tables
	AgentsDSN  string `yaml:"agents_dsn"`  // ELIoT agent balance DB
	MongoURI   string `yaml:"mongo_uri"`   // ELIoT metricas
	MongoDB    string `yaml:"mongo_db"`

	Redis RedisConfig `yaml:"redis"`

	Taecel ProviderConfig `yaml:"taecel"`
	MST    ProviderConfig `yaml:"mst"`

	GPS   ServiceConfig `yaml:"gps"`
	VOZ   ServiceConfig `yaml:"voz"`
	Eliot ServiceConfig `yaml:"eliot"`

	Alerts AlertsConfig `yaml:"alerts"`

	// LockTTL bounds one cycle; sized to worst-case cycle time x2.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ProviderConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	NIP string `yaml:"nip"`
}

// ServiceConfig carries the per-service knobs of the pipeline. For GPS and
// ELIoT, MinutesNoReport drives both the interval schedule step and the
// reporting-freshness filter threshold.
type ServiceConfig struct {
	Enabled         bool `yaml:"enabled"`
	MinutesNoReport int  `yaml:"minutes_no_report"`
	DaysLimit       int  `yaml:"days_limit"` // devices silent longer than this are abandoned

	// Fixed plan (GPS only; VOZ and ELIoT resolve amount/days per candidate).
	Amount float64 `yaml:"amount"`
	Days   int     `yaml:"days"`
	Code   string  `yaml:"code"`

	// VOZ scheduling.
	ScheduleMode string   `yaml:"schedule_mode"` // fixed | interval
	FixedTimes   []string `yaml:"fixed_times"`   // "15:04" local

	DelayBetweenCalls time.Duration `yaml:"delay_between_calls"`
	TestMode          bool          `yaml:"test_mode"` // verbose per-item logging + 300ms pacing
}

type AlertsConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Load builds the configuration from the environment, applying the YAML file
// named by RECARGAS_CONFIG first when present.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("RECARGAS_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config overlay %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DataDir:  "./data",
		Timezone: "America/Mazatlan",
		HTTPPort: "8080",
		MongoDB:  "eliot",
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		LockTTL:  10 * time.Minute,
		GPS: ServiceConfig{
			Enabled:         true,
			MinutesNoReport: 10,
			DaysLimit:       30,
			Amount:          10,
			Days:            8,
			Code:            "TEL010",
		},
		VOZ: ServiceConfig{
			Enabled:      true,
			ScheduleMode: ScheduleModeFixed,
			FixedTimes:   []string{"01:00", "04:00"},
			DaysLimit:    30,
		},
		Eliot: ServiceConfig{
			Enabled:         true,
			MinutesNoReport: 10,
			DaysLimit:       30,
		},
	}
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(c)
}

func (c *Config) applyEnv() {
	setStr(&c.DataDir, "RECARGAS_DATA_DIR")
	setStr(&c.Timezone, "RECARGAS_TZ")
	setStr(&c.HTTPPort, "PORT")

	setStr(&c.BillingDSN, "BILLING_DSN")
	setStr(&c.AgentsDSN, "AGENTS_DSN")
	setStr(&c.MongoURI, "MONGO_URI")
	setStr(&c.MongoDB, "MONGO_DB")

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setStr(&c.Taecel.URL, "TAECEL_URL")
	setStr(&c.Taecel.Key, "TAECEL_KEY")
	setStr(&c.Taecel.NIP, "TAECEL_NIP")
	setStr(&c.MST.URL, "MST_URL")
	setStr(&c.MST.Key, "MST_KEY")
	setStr(&c.MST.NIP, "MST_NIP")

	setDuration(&c.LockTTL, "LOCK_TTL")

	setStr(&c.Alerts.WebhookURL, "ALERT_WEBHOOK_URL")
	setStr(&c.Alerts.PubSubProject, "ALERT_PUBSUB_PROJECT")
	setStr(&c.Alerts.PubSubTopic, "ALERT_PUBSUB_TOPIC")

	c.GPS.applyEnv("GPS")
	c.VOZ.applyEnv("VOZ")
	c.Eliot.applyEnv("ELIOT")
}

func (s *ServiceConfig) applyEnv(prefix string) {
	setBool(&s.Enabled, prefix+"_ENABLED")
	setInt(&s.MinutesNoReport, prefix+"_MINUTES_NO_REPORT")
	setInt(&s.DaysLimit, prefix+"_DAYS_LIMIT")
	setFloat(&s.Amount, prefix+"_AMOUNT")
	setInt(&s.Days, prefix+"_DAYS")
	setStr(&s.Code, prefix+"_CODE")
	setStr(&s.ScheduleMode, prefix+"_SCHEDULE_MODE")
	setDuration(&s.DelayBetweenCalls, "DELAY_BETWEEN_CALLS")
	setBool(&s.TestMode, "TEST_"+prefix)
	if prefix == "VOZ" {
		setInt(&s.MinutesNoReport, "VOZ_MINUTES")
	}
	if v := os.Getenv(prefix + "_FIXED_TIMES"); v != "" {
		s.FixedTimes = strings.Split(v, ",")
	}
}

// Validate enforces the startup contract: missing DSNs or credentials are
// fatal, and interval steps are clamped to their minimums.
func (c *Config) Validate() error {
	var missing []string
	if c.BillingDSN == "" {
		missing = append(missing, "BILLING_DSN")
	}
	if c.Eliot.Enabled {
		if c.AgentsDSN == "" {
			missing = append(missing, "AGENTS_DSN")
		}
		if c.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	}
	if c.Taecel.URL == "" || c.Taecel.Key == "" {
		missing = append(missing, "TAECEL_URL/TAECEL_KEY")
	}
	if c.MST.URL == "" || c.MST.Key == "" {
		missing = append(missing, "MST_URL/MST_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.GPS.MinutesNoReport < MinGPSIntervalMinutes {
		c.GPS.MinutesNoReport = MinGPSIntervalMinutes
	}
	if c.Eliot.MinutesNoReport < MinEliotIntervalMinutes {
		c.Eliot.MinutesNoReport = MinEliotIntervalMinutes
	}
	switch c.VOZ.ScheduleMode {
	case ScheduleModeFixed:
		for _, t := range c.VOZ.FixedTimes {
			if _, err := time.Parse("15:04", strings.TrimSpace(t)); err != nil {
				return fmt.Errorf("VOZ fixed time %q: %w", t, err)
			}
		}
	case ScheduleModeInterval:
		if c.VOZ.MinutesNoReport < MinVozIntervalMinutes {
			c.VOZ.MinutesNoReport = MinVozIntervalMinutes
		}
	default:
		return fmt.Errorf("VOZ_SCHEDULE_MODE must be %q or %q, got %q",
			ScheduleModeFixed, ScheduleModeInterval, c.VOZ.ScheduleMode)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ServiceFor returns the block for a core.Service.
func (c *Config) ServiceFor(svc core.Service) *ServiceConfig {
	switch svc {
	case core.ServiceGPS:
		return &c.GPS
	case core.ServiceVOZ:
		return &c.VOZ
	default:
		return &c.Eliot
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
