package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitConfig_DefaultLocation(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "flashkv" {
		t.Errorf("config written to %s, want a flashkv directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	for _, section := range []string{"# flashkv configuration file", "flash:", "geometry:", "firmware:", "credentials:", "api:"} {
		if !strings.Contains(string(data), section) {
			t.Errorf("generated config lacks %q", section)
		}
	}

	if _, err := InitConfig(false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second InitConfig = %v, want an already exists error", err)
	}
	if _, err := InitConfig(true); err != nil {
		t.Errorf("InitConfig with force: %v", err)
	}
}

func TestInitConfigToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board", "flashkv.yaml")

	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath: %v", err)
	}
	first, err := Load(path)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}

	if err := InitConfigToPath(path, false); err == nil {
		t.Fatal("expected refusal to overwrite without force")
	}
	if err := InitConfigToPath(path, true); err != nil {
		t.Fatalf("InitConfigToPath with force: %v", err)
	}
	second, err := Load(path)
	if err != nil {
		t.Fatalf("load regenerated config: %v", err)
	}

	if !first.API.Enabled {
		t.Error("generated config should enable the agent API")
	}
	if len(first.API.JWT.Secret) != 64 {
		t.Errorf("JWT secret has %d hex chars, want 64", len(first.API.JWT.Secret))
	}
	if first.API.JWT.Secret == second.API.JWT.Secret {
		t.Error("regenerating should produce a fresh JWT secret")
	}
	if first.Firmware.BankSize != DefaultBankSize {
		t.Errorf("bank size = %s, want %s", first.Firmware.BankSize, DefaultBankSize)
	}
	if first.Geometry.Base != second.Geometry.Base || first.Geometry.BlockCount == 0 {
		t.Errorf("geometry not round-tripped: %+v", first.Geometry)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 600", perm)
	}
}
