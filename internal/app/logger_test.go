package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetLevel(log.InfoLevel)
	})

	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	cfg.LogFile = filepath.Join(t.TempDir(), "storefront.log")

	closer, err := SetupLogger(cfg)
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Errorf("expected JSON formatter, got %T", log.StandardLogger().Formatter)
	}

	log.WithField("order_id", "o-1").Info("written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"order_id":"o-1"`) {
		t.Errorf("log file does not contain the entry: %s", data)
	}
}

func TestSetupLogger_InvalidSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	if _, err := SetupLogger(cfg); err == nil {
		t.Error("expected error for unknown level")
	}

	cfg = DefaultConfig()
	cfg.LogFormat = "xml"
	if _, err := SetupLogger(cfg); err == nil {
		t.Error("expected error for unknown format")
	}
}
