package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBackupRoundTrip(t *testing.T) {
	src := t.TempDir()
	db := filepath.Join(src, "sessions.db")
	cfg := filepath.Join(src, "config.json")
	if err := os.WriteFile(db, []byte("sqlite bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg, []byte(`{"llm":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(src, "backup.tar.gz")
	if err := createTarGz(archive, []string{db, cfg}); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	restoredDB := filepath.Join(dst, "data", "restored.db")
	restoredCfg := filepath.Join(dst, "config.json")
	files, err := extractTarGz(archive, restoredDB, restoredCfg)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 restored files, got %v", files)
	}
	if got, _ := os.ReadFile(restoredDB); string(got) != "sqlite bytes" {
		t.Fatalf("db content = %q", got)
	}
	if got, _ := os.ReadFile(restoredCfg); string(got) != `{"llm":{}}` {
		t.Fatalf("config content = %q", got)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
