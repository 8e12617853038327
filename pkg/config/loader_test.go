package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_LayersMergeInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "server:\n  addr: ':8080'\nlog_level: info\n")
	writeFile(t, dir, "staging.yaml", "log_level: debug\n")
	writeFile(t, dir, "ingestapi.yaml", "server:\n  addr: ':9090'\n")

	loader, err := NewLoader(dir, Options{Service: "ingestapi", Env: "staging"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var cfg struct {
		LogLevel string `yaml:"log_level"`
		Server   struct {
			Addr string `yaml:"addr"`
		} `yaml:"server"`
	}
	if err := bundle.Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env layer must override base: %q", cfg.LogLevel)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("service layer must override both: %q", cfg.Server.Addr)
	}
	if len(bundle.Layers) != 3 {
		t.Fatalf("expected 3 contributing layers, got %v", bundle.Layers)
	}
}

func TestLoader_MissingLayerFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "x: 1\n")

	loader, err := NewLoader(dir, Options{Service: "ingestapi", Env: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Layers) != 1 {
		t.Fatalf("expected only base layer, got %v", bundle.Layers)
	}
}

func TestLoader_MalformedLayerFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", ":\n  - not yaml: [\n")

	loader, err := NewLoader(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected malformed document error")
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "server:\n  addr: ':8080'\nworkers:\n  route: 2\n")

	t.Setenv("LFTEST__SERVER__ADDR", ":7070")
	t.Setenv("LFTEST__WORKERS__ROUTE", "8")

	loader, err := NewLoader(dir, Options{EnvPrefix: "LFTEST"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	server := bundle.Merged["server"].(map[string]any)
	if server["addr"] != ":7070" {
		t.Fatalf("env override lost: %v", server["addr"])
	}
	workers := bundle.Merged["workers"].(map[string]any)
	if workers["route"] != 8 {
		t.Fatalf("expected int-parsed override, got %T %v", workers["route"], workers["route"])
	}
}

func TestMerge_TypeConflictLaterLayerWins(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1}}
	src := map[string]any{"a": "scalar"}
	out, rep := Merge(dst, src, MergeOptions{})
	if out["a"] != "scalar" {
		t.Fatalf("expected src to win on type conflict, got %v", out["a"])
	}
	if !rep.HasWarnings() {
		t.Fatal("expected a warning for the type conflict")
	}
}

func TestMerge_ArraysReplaceByDefault(t *testing.T) {
	dst := map[string]any{"list": []any{1, 2}}
	src := map[string]any{"list": []any{3}}
	out, _ := Merge(dst, src, MergeOptions{})
	got := out["list"].([]any)
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected replacement, got %v", got)
	}

	out, _ = Merge(dst, src, MergeOptions{Arrays: ArrayAppend})
	got = out["list"].([]any)
	if len(got) != 3 {
		t.Fatalf("expected append, got %v", got)
	}
}
