package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/mandarin/internal/defaults"
	"github.com/nugget/mandarin/internal/prompts"
)

type seedFile struct {
	path    string
	content []byte
	perm    os.FileMode
}

// runInit initializes a Mandarin working directory: a config file, a
// data directory with the model catalog, and editable copies of the
// prompt templates. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Mandarin workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	for _, sub := range []string{"prompts", "commands", "rules", "contexts"} {
		path := filepath.Join(dataDir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []seedFile{
		// The config may hold API keys.
		{filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600},
		{filepath.Join(dataDir, "models.yaml"), defaults.ModelsYAML, 0o644},
	}
	for _, name := range prompts.Names() {
		files = append(files, seedFile{filepath.Join(dataDir, "prompts", name+".md"), []byte(prompts.Default(name) + "\n"), 0o644})
	}

	for _, f := range files {
		created, err := writeIfMissing(f.path, f.content, f.perm)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(w, "  ✓ %s\n", f.path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", f.path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to add API keys, then run: mandarin serve")
	return nil
}

// writeIfMissing writes content to path only if nothing exists there
// yet, and reports whether it did.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
