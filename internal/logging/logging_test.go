package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/latencypoison/latencypoison/internal/config"
	log "github.com/sirupsen/logrus"
)

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lp.log")
	closer, errSetup := Setup(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	if errSetup != nil {
		t.Fatalf("setup: %v", errSetup)
	}
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
	})

	log.WithField("collection_id", "c1").Debug("hello")
	if errClose := closer.Close(); errClose != nil {
		t.Fatalf("close: %v", errClose)
	}

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		t.Fatalf("read log: %v", errRead)
	}
	if !strings.Contains(string(data), `"collection_id":"c1"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %s", log.GetLevel())
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if _, errSetup := Setup(config.LoggingConfig{Level: "chatty"}); errSetup == nil {
		t.Fatalf("expected error for unknown level")
	}
}
