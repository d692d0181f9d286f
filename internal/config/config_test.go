package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := defaults()
	cfg.BillingDSN = "postgres://billing"
	cfg.AgentsDSN = "postgres://agents"
	cfg.MongoURI = "mongodb://localhost"
	cfg.Taecel = ProviderConfig{URL: "https://taecel", Key: "k", NIP: "n"}
	cfg.MST = ProviderConfig{URL: "https://mst", Key: "k", NIP: "n"}
	return cfg
}

func TestValidateMissingDSNs(t *testing.T) {
	cfg := validConfig()
	cfg.BillingDSN = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLING_DSN")
}

func TestValidateEliotDisabledSkipsItsStores(t *testing.T) {
	cfg := validConfig()
	cfg.Eliot.Enabled = false
	cfg.AgentsDSN = ""
	cfg.MongoURI = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateClampsIntervalMinimums(t *testing.T) {
	cfg := validConfig()
	cfg.GPS.MinutesNoReport = 1
	cfg.Eliot.MinutesNoReport = 2
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinGPSIntervalMinutes, cfg.GPS.MinutesNoReport)
	assert.Equal(t, MinEliotIntervalMinutes, cfg.Eliot.MinutesNoReport)
}

func TestValidateVozFixedTimes(t *testing.T) {
	cfg := validConfig()
	cfg.VOZ.FixedTimes = []string{"01:00", "25:99"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "25:99")
}

func TestValidateVozIntervalMode(t *testing.T) {
	cfg := validConfig()
	cfg.VOZ.ScheduleMode = ScheduleModeInterval
	cfg.VOZ.MinutesNoReport = 3
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinVozIntervalMinutes, cfg.VOZ.MinutesNoReport)
}

func TestValidateUnknownScheduleMode(t *testing.T) {
	cfg := validConfig()
	cfg.VOZ.ScheduleMode = "sometimes"
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GPS_MINUTES_NO_REPORT", "12")
	t.Setenv("VOZ_MINUTES", "30")
	t.Setenv("TEST_GPS", "true")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOCK_TTL", "15m")

	cfg := defaults()
	cfg.applyEnv()

	assert.Equal(t, 12, cfg.GPS.MinutesNoReport)
	assert.Equal(t, 30, cfg.VOZ.MinutesNoReport)
	assert.True(t, cfg.GPS.TestMode)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Minute, cfg.LockTTL)
}

func TestDefaultsVozSchedule(t *testing.T) {
	cfg := defaults()
	assert.Equal(t, ScheduleModeFixed, cfg.VOZ.ScheduleMode)
	assert.Equal(t, []string{"01:00", "04:00"}, cfg.VOZ.FixedTimes)
	assert.Equal(t, "America/Mazatlan", cfg.Timezone)
}

func TestServiceFor(t *testing.T) {
	cfg := defaults()
	assert.Same(t, &cfg.GPS, cfg.ServiceFor("GPS"))
	assert.Same(t, &cfg.VOZ, cfg.ServiceFor("VOZ"))
	assert.Same(t, &cfg.Eliot, cfg.ServiceFor("ELIOT"))
}
