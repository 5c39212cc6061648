package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	opts := Default()
	if opts.MaximumPDUsInQueue != 16 {
		t.Errorf("MaximumPDUsInQueue = %d, want 16", opts.MaximumPDUsInQueue)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
maximum_pdus_in_queue = 4
use_remote_ae_for_log_name = true
log_data_pdus = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.MaximumPDUsInQueue != 4 {
		t.Errorf("MaximumPDUsInQueue = %d, want 4", opts.MaximumPDUsInQueue)
	}
	if !opts.UseRemoteAEForLogName {
		t.Errorf("UseRemoteAEForLogName = false, want true")
	}
	if !opts.LogDataPDUs {
		t.Errorf("LogDataPDUs = false, want true")
	}
	// Untouched fields keep their Default() value.
	if opts.MaxCommandBuffer != Default().MaxCommandBuffer {
		t.Errorf("MaxCommandBuffer = %d, want default %d", opts.MaxCommandBuffer, Default().MaxCommandBuffer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
