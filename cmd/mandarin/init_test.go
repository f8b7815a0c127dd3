package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/mandarin/internal/config"
	"github.com/nugget/mandarin/internal/prompts"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, sub := range []string{"prompts", "commands", "rules", "contexts"} {
		info, err := os.Stat(filepath.Join(dir, "data", sub))
		if err != nil {
			t.Errorf("expected directory %s: %v", sub, err)
		} else if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The shipped example must load as-is.
	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("example config does not load: %v", err)
	}

	for _, name := range prompts.Names() {
		data, err := os.ReadFile(filepath.Join(dir, "data", "prompts", name+".md"))
		if err != nil {
			t.Errorf("prompt %s not written: %v", name, err)
			continue
		}
		if strings.TrimSpace(string(data)) != strings.TrimSpace(prompts.Default(name)) {
			t.Errorf("prompt %s differs from the built-in default", name)
		}
	}

	out := buf.String()
	if !strings.Contains(out, "✓") || !strings.Contains(out, "models.yaml") {
		t.Errorf("output = %q", out)
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("first runInit failed: %v", err)
	}

	sentinel := []byte("# sentinel, do not overwrite\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit failed: %v", err)
	}
	if strings.Contains(buf.String(), "✓") {
		t.Errorf("second run created files: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Error("output missing 'exists, skipping' for pre-existing files")
	}

	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml after second run: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Error("config.yaml was overwritten")
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	created, err := writeIfMissing(path, []byte("one"), 0o640)
	if err != nil || !created {
		t.Fatalf("first write: created=%v err=%v", created, err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %o", info.Mode().Perm())
	}

	created, err = writeIfMissing(path, []byte("two"), 0o640)
	if err != nil || created {
		t.Fatalf("second write: created=%v err=%v", created, err)
	}
	if data, _ := os.ReadFile(path); string(data) != "one" {
		t.Errorf("content = %q", data)
	}

	if _, err := writeIfMissing(filepath.Join(dir, "missing", "b.txt"), nil, 0o644); err == nil {
		t.Error("expected error for a missing parent directory")
	}
}
