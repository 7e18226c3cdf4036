package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNetSwitches(t *testing.T) {
	cfg, err := Load(strings.Fields("-net 2 10.0.0.1 10.0.0.3:6000 -dup 3 -extratic -port 6001"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeNet || cfg.Console != 1 || len(cfg.Hosts) != 2 || cfg.Hosts[1] != "10.0.0.3:6000" {
		t.Fatalf("net config %+v", cfg)
	}
	if cfg.TicDup != 3 || !cfg.ExtraTics || cfg.Port != 6001 {
		t.Fatalf("dup %d extratic %v port %d", cfg.TicDup, cfg.ExtraTics, cfg.Port)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	cases := []struct {
		args string
		dup  int
		port int
	}{
		{"-dup fast", 1, 5029},
		{"-dup 40", 9, 5029},
		{"-dup 0", 1, 5029},
		{"-dup", 1, 5029},
		{"-port banana", 1, 5029},
		{"-port 70000 -dup 4", 4, 5029},
	}
	for _, tc := range cases {
		cfg, err := Load(strings.Fields(tc.args))
		if err != nil {
			t.Fatalf("%q: %v", tc.args, err)
		}
		if cfg.TicDup != tc.dup || cfg.Port != tc.port {
			t.Fatalf("%q: dup %d port %d, want %d %d", tc.args, cfg.TicDup, cfg.Port, tc.dup, tc.port)
		}
	}
}

func TestFatalNodeLists(t *testing.T) {
	for _, args := range []string{
		"-net",
		"-net -dup 2",
		"-net x host",
		"-net 0 host",
		"-net 3 host",
		"-net 1 a b c d e f g h",
		"-host 2 -join h",
		"-host many",
	} {
		if _, err := Load(strings.Fields(args)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: err = %v, want ErrInvalid", args, err)
		}
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yml := "ticdup: 2\nport: 7000\nseed: 42\nresend: 250ms\netcd:\n  session: yaml\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TICSYNC_PORT", "7100")
	t.Setenv("TICSYNC_ETCD_ENDPOINTS", "http://a:2379,http://b:2379")

	cfg, err := Load([]string{"-config", path, "-dup", "5", "-etcd", "-players", "2"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TicDup != 5 {
		t.Fatalf("switch did not override file: ticdup %d", cfg.TicDup)
	}
	if cfg.Port != 7100 {
		t.Fatalf("env did not override file: port %d", cfg.Port)
	}
	if cfg.Seed != 42 || cfg.Resend != 250*time.Millisecond || cfg.Etcd.Session != "yaml" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if len(cfg.Etcd.Endpoints) != 2 || cfg.Etcd.Endpoints[1] != "http://b:2379" {
		t.Fatalf("endpoints %v", cfg.Etcd.Endpoints)
	}
}

func TestUnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("tickdup: 3\n"), 0o644)
	if _, err := Load([]string{"-config", path}); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeSingle || cfg.TicDup != 1 || cfg.Port != 5029 || cfg.Seed != 1993 {
		t.Fatalf("defaults %+v", cfg)
	}
}
