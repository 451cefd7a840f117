package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crash-sentry/internal/detector"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	th, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("default thresholds invalid: %v", err)
	}
	if th != detector.DefaultThresholdConfig() {
		t.Fatalf("默认阈值与检测器默认值不一致: %+v", th)
	}
	if cfg.Escalation.OracleTimeout != 5*time.Second || cfg.Escalation.LookbackCap != 180*time.Second {
		t.Fatalf("unexpected escalation defaults %+v", cfg.Escalation)
	}
	if cfg.Service.SessionIdleTimeout != 10*time.Minute {
		t.Fatalf("unexpected idle timeout %s", cfg.Service.SessionIdleTimeout)
	}
	if cfg.Oracle.Kind != OracleHTTP {
		t.Fatalf("unexpected oracle kind %q", cfg.Oracle.Kind)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"detector:",
		"  g_force_threshold: 6.5",
		"  consecutive_triggers: 3",
		"escalation:",
		"  min_alert_interval: 30s",
		"ingest:",
		"  accel_unit: g",
	}, "\n"))
	t.Setenv("CRASHSENTRY_DETECTOR_TILT_THRESHOLD", "75")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	th, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	if th.GForceThreshold != 6.5 || th.ConsecutiveTriggers != 3 || th.MinAlertInterval != 30*time.Second {
		t.Fatalf("file values not applied: %+v", th)
	}
	if th.TiltThreshold != 75 {
		t.Fatalf("环境变量未覆盖 tilt_threshold: %v", th.TiltThreshold)
	}
	if cfg.Ingest.AccelUnit != "g" {
		t.Fatalf("unexpected accel unit %q", cfg.Ingest.AccelUnit)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"interval too short":   "escalation:\n  min_alert_interval: 5s\n",
		"zero triggers":        "detector:\n  consecutive_triggers: 0\n",
		"unknown oracle":       "oracle:\n  kind: carrier-pigeon\n",
		"generative needs key": "oracle:\n  kind: generative\n",
		"telegram without bot": "alerting:\n  telegram:\n    enabled: true\n",
		"bad accel unit":       "ingest:\n  accel_unit: ft\n",
		"cap below base":       "escalation:\n  lookback_base: 60s\n  lookback_cap: 30s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("expected config default, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(10); got != 10 {
		t.Fatalf("expected override, got %d", got)
	}
}

func TestBareNumbersAreSeconds(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"escalation:",
		"  min_alert_interval: 20",
		"  oracle_timeout: 2.5",
	}, "\n"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Escalation.MinAlertInterval != 20*time.Second {
		t.Fatalf("整数应按秒解析, got %s", cfg.Escalation.MinAlertInterval)
	}
	if cfg.Escalation.OracleTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected oracle timeout %s", cfg.Escalation.OracleTimeout)
	}

	t.Setenv("CRASHSENTRY_ESCALATION_MIN_ALERT_INTERVAL", "45")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load with env returned error: %v", err)
	}
	if cfg.Escalation.MinAlertInterval != 45*time.Second {
		t.Fatalf("env value should be seconds, got %s", cfg.Escalation.MinAlertInterval)
	}

	t.Setenv("CRASHSENTRY_ESCALATION_MIN_ALERT_INTERVAL", "1m")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load with unit returned error: %v", err)
	}
	if cfg.Escalation.MinAlertInterval != time.Minute {
		t.Fatalf("unit suffix should still apply, got %s", cfg.Escalation.MinAlertInterval)
	}
}
