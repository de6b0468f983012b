package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// isolate runs the test in an empty directory so no configs/ or .env leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("BIDENGINE_LEDGER_HASH_SECRET", "s3cret")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Kafka.Topic != "bids.lifecycle" || len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Ledger.MaxRetries != 5 || cfg.Ledger.BaseBackoff != 5*time.Millisecond {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	formula, err := cfg.Reward.Formula()
	if err != nil {
		t.Fatal(err)
	}
	if formula.FormulaVersion != "v1" || formula.DecayScale != 1000 || formula.MaxBonus.String() != "1" {
		t.Errorf("reward formula = %+v", formula)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	isolate(t)
	if _, err := Load(nil); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("BIDENGINE_LEDGER_HASH_SECRET", "s3cret")
	t.Setenv("BIDENGINE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BIDENGINE_LEDGER_MAX_BACKOFF", "1s")
	t.Setenv("DATABASE_URL", "postgres://db/bids")
	t.Setenv("BIDENGINE_REWARD_MAX_BONUS", "0.5")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Ledger.MaxBackoff != time.Second {
		t.Errorf("max backoff = %v", cfg.Ledger.MaxBackoff)
	}
	if cfg.Database.URL != "postgres://db/bids" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Reward.MaxBonus != "0.5" {
		t.Errorf("max bonus = %q", cfg.Reward.MaxBonus)
	}
}

func TestLoad_FileEnvFileAndFlags(t *testing.T) {
	dir := isolate(t)
	yaml := "server:\n  port: \"9000\"\nlog:\n  level: debug\njobs:\n  backfill_concurrency: 8\n"
	if err := os.WriteFile(filepath.Join(dir, "bid.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "test.env"), []byte("BIDENGINE_LEDGER_HASH_SECRET=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("BIDENGINE_LEDGER_HASH_SECRET") })

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", filepath.Join(dir, "bid.yaml"), "--env-file", "test.env", "--log-level", "warn"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("port = %q, want value from file", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want flag to override file", cfg.Log.Level)
	}
	if cfg.Jobs.BackfillConcurrency != 8 {
		t.Errorf("backfill concurrency = %d", cfg.Jobs.BackfillConcurrency)
	}
	if cfg.Ledger.HashSecret != "from-dotenv" {
		t.Errorf("hash secret = %q, want value from .env", cfg.Ledger.HashSecret)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	t.Setenv("BIDENGINE_LEDGER_HASH_SECRET", "s3cret")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	_ = fs.Parse([]string{"--config", "nope.yaml"})

	if _, err := Load(fs); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestLoad_InvalidRewardBonus(t *testing.T) {
	isolate(t)
	t.Setenv("BIDENGINE_LEDGER_HASH_SECRET", "s3cret")
	t.Setenv("BIDENGINE_REWARD_MAX_BONUS", "lots")
	if _, err := Load(nil); err == nil {
		t.Error("expected an error for a non-numeric max bonus")
	}
}

func TestLogConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn"}.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "err", "boom")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"err":"boom"`) {
		t.Errorf("log output = %q", out)
	}

	buf.Reset()
	LogConfig{Level: "loud"}.Logger(&buf).Info("fallback")
	if !strings.Contains(buf.String(), "fallback") {
		t.Error("an unknown level should fall back to info")
	}
}
