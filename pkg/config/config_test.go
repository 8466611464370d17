package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigMissingFile verifies that a missing file yields the defaults
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Registration.Direction != "auto" {
		t.Errorf("Expected default direction auto, got %q", cfg.Registration.Direction)
	}
	if cfg.Registration.SubpixelFactor != 1 {
		t.Errorf("Expected default subpixel factor 1, got %d", cfg.Registration.SubpixelFactor)
	}
	if cfg.Registration.NumCores <= 0 {
		t.Errorf("Expected positive core count, got %d", cfg.Registration.NumCores)
	}
}

// TestSaveAndLoadConfig verifies that saved values are read back
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Registration.Direction = "reverse"
	cfg.Registration.SubpixelFactor = 4
	cfg.Registration.SurfaceWarnings = true
	cfg.Logging.File = "/var/log/maskregistration.log"
	cfg.Preview.Alpha = 0.6

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Registration.Direction != "reverse" {
		t.Errorf("Expected direction reverse, got %q", loaded.Registration.Direction)
	}
	if loaded.Registration.SubpixelFactor != 4 {
		t.Errorf("Expected subpixel factor 4, got %d", loaded.Registration.SubpixelFactor)
	}
	if !loaded.Registration.SurfaceWarnings {
		t.Error("Expected surfaceWarnings to be true")
	}
	if loaded.Logging.File != "/var/log/maskregistration.log" {
		t.Errorf("Expected log file to round trip, got %q", loaded.Logging.File)
	}
	if loaded.Preview.Alpha != 0.6 {
		t.Errorf("Expected alpha 0.6, got %g", loaded.Preview.Alpha)
	}
}

// TestLoadConfigRejectsInvalidValues checks the validation of user input
func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad direction", "registration:\n  direction: sideways\n"},
		{"bad interpolation", "preview:\n  interpolation: cubic\n"},
		{"zero subpixel", "registration:\n  subpixelFactor: 0\n"},
		{"alpha too large", "preview:\n  alpha: 2\n"},
		{"malformed yaml", "registration: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("Expected an error, got nil")
			}
		})
	}
}

// TestValidateNormalizesNames accepts any case and surrounding spaces, like
// the command line does
func TestValidateNormalizesNames(t *testing.T) {
	tests := []struct {
		direction, interpolation  string
		wantDirection, wantInterp string
	}{
		{"Reverse", "Nearest", "reverse", "nearest"},
		{" NORMAL ", "linear", "normal", "linear"},
		{"", "LINEAR", "auto", "linear"},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Registration.Direction = tt.direction
		cfg.Preview.Interpolation = tt.interpolation
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate(%q, %q) failed: %v", tt.direction, tt.interpolation, err)
			continue
		}
		if cfg.Registration.Direction != tt.wantDirection {
			t.Errorf("Direction %q normalized to %q, want %q", tt.direction, cfg.Registration.Direction, tt.wantDirection)
		}
		if cfg.Preview.Interpolation != tt.wantInterp {
			t.Errorf("Interpolation %q normalized to %q, want %q", tt.interpolation, cfg.Preview.Interpolation, tt.wantInterp)
		}
	}
}

// TestCreateDefaultConfigFile verifies the file is created and loadable
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("Default config did not load: %v", err)
	}
}
