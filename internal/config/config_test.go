package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr: got %s", cfg.Server.Addr)
	}
	if cfg.Engine.EpochDuration != 15*time.Minute {
		t.Errorf("epoch duration: got %s", cfg.Engine.EpochDuration)
	}
	if cfg.Engine.FeeBps != 25 {
		t.Errorf("fee bps: got %d", cfg.Engine.FeeBps)
	}
	if cfg.DB.Enabled || cfg.Redis.Enabled || cfg.Kafka.Enabled {
		t.Error("external backends must be off by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GRIDEX_EPOCH_DURATION", "5m")
	t.Setenv("GRIDEX_FEE_BPS", "100")
	t.Setenv("GRIDEX_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.EpochDuration != 5*time.Minute {
		t.Errorf("epoch duration: got %s", cfg.Engine.EpochDuration)
	}
	if cfg.Engine.FeeBps != 100 {
		t.Errorf("fee bps: got %d", cfg.Engine.FeeBps)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers: got %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg.Engine.FeeBps = 20000
	if err := cfg.Validate(); err == nil {
		t.Error("fee above 100% must fail validation")
	}

	cfg.Engine.FeeBps = 25
	cfg.Engine.EpochDuration = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero epoch duration must fail validation")
	}
}
