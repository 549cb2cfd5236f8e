package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg != Default() {
		t.Errorf("FromEnv() = %+v, want defaults", cfg)
	}
	if cfg.Backend != BackendBLE || cfg.ListenAddr != ":8080" {
		t.Errorf("Backend = %q, ListenAddr = %q", cfg.Backend, cfg.ListenAddr)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"MESHCHAT_BACKEND":        "serial",
		"MESHCHAT_SERIAL_PORT":    "/dev/ttyUSB0",
		"MESHCHAT_SERIAL_BAUD":    "9600",
		"MESHCHAT_FRAMING":        "none",
		"MESHCHAT_SKIP_HANDSHAKE": "true",
		"MESHCHAT_SCAN_TIMEOUT":   "5s",
		"MESHCHAT_DB":             "",
		"MESHCHAT_LOG_FORMAT":     " json ",
	}))
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Backend != BackendSerial || cfg.SerialPort != "/dev/ttyUSB0" || cfg.SerialBaud != 9600 {
		t.Errorf("serial settings = %q %q %d", cfg.Backend, cfg.SerialPort, cfg.SerialBaud)
	}
	if cfg.Framing != "none" || !cfg.SkipHandshake {
		t.Errorf("Framing = %q, SkipHandshake = %v", cfg.Framing, cfg.SkipHandshake)
	}
	if cfg.ScanTimeout != 5*time.Second {
		t.Errorf("ScanTimeout = %v, want 5s", cfg.ScanTimeout)
	}
	if cfg.DBPath != "" {
		t.Errorf("DBPath = %q, want empty (set explicitly)", cfg.DBPath)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"backend", map[string]string{"MESHCHAT_BACKEND": "usb"}},
		{"framing", map[string]string{"MESHCHAT_FRAMING": "cobs"}},
		{"log format", map[string]string{"MESHCHAT_LOG_FORMAT": "xml"}},
		{"baud", map[string]string{"MESHCHAT_SERIAL_BAUD": "fast"}},
		{"bool", map[string]string{"MESHCHAT_SKIP_HANDSHAKE": "maybe"}},
		{"duration", map[string]string{"MESHCHAT_ACK_TIMEOUT": "30"}},
		{"mtu", map[string]string{"MESHCHAT_MTU": "-1"}},
		{"identity without peer", map[string]string{"MESHCHAT_MQTT_IDENTITY": "00"}},
		{"serial double framing", map[string]string{"MESHCHAT_BACKEND": "serial", "MESHCHAT_FRAMING": "length-prefixed"}},
		{"serial framed alias", map[string]string{"MESHCHAT_BACKEND": "serial", "MESHCHAT_FRAMING": "framed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromEnv(env(tt.vars)); !errors.Is(err, ErrInvalid) {
				t.Errorf("FromEnv() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidateFramingPerBackend(t *testing.T) {
	for _, backend := range []string{BackendBLE, BackendBlueZ, BackendLoopback} {
		cfg := Default()
		cfg.Backend = backend
		cfg.Framing = "length-prefixed"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() for %s with framing error = %v", backend, err)
		}
	}
	cfg := Default()
	cfg.Backend = BackendSerial
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() for serial without framing error = %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	data := "MESHCHAT_BACKEND=loopback\nMESHCHAT_SELF_ID=alice\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	// Set first so cleanup restores the absence after godotenv sets it.
	t.Setenv("MESHCHAT_BACKEND", "")
	os.Unsetenv("MESHCHAT_BACKEND")
	t.Setenv("MESHCHAT_SELF_ID", "bob")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendLoopback {
		t.Errorf("Backend = %q, want loopback", cfg.Backend)
	}
	if cfg.SelfID != "bob" {
		t.Errorf("SelfID = %q, want bob (environment wins over file)", cfg.SelfID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Load() with a missing named file succeeded")
	}
}
