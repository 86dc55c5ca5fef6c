package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	if cfg.Codes.WIRPrefix != "WIR" || cfg.Checklists.StrictResolution || !cfg.Dispatch.MaterializeIfNeeded {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LockTTL() != 30*time.Second {
		t.Fatalf("lock ttl %s", cfg.LockTTL())
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("checklists:\n  strict_resolution: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Checklists.StrictResolution || cfg.Codes.WIRPrefix != "WIR" {
		t.Fatalf("merge failed %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"lower prefix":   "codes:\n  wir_prefix: wir\n",
		"unknown action": "policy:\n  roles:\n    hod: [approve, fly]\n",
		"bad level":      "logging:\n  level: loud\n",
		"bad ttl":        "redis:\n  lock_ttl: soon\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := FromYAML([]byte("policy:\n  roles:\n    hod: [\"*\"]\n    inspector: [inspector_recommend, inspector_save]\n")); err != nil {
		t.Fatalf("valid roles rejected: %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Codes.WIRPrefix != "WIR" {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should require the file")
	}
	if err := os.WriteFile(filepath.Join(dir, "wir.yml"), []byte("codes:\n  wir_prefix: INS\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Codes.WIRPrefix != "INS" {
		t.Fatalf("load: %v %+v", err, cfg)
	}
}
