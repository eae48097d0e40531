package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/invoxia-ha/internal/defaults"
	"github.com/nugget/invoxia-ha/internal/mqtt"
	"github.com/nugget/invoxia-ha/internal/opstate"
)

// runInit prepares dir for a first run: a config.yaml copied from the
// bundled example and a state database holding the bridge instance ID.
// Existing files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing invoxia-ha in %s\n", dir)

	dataDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// 0600: the file carries the API token and broker password.
	configPath := filepath.Join(dir, "config.yaml")
	created, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	report(w, configPath, created)

	statePath := filepath.Join(dataDir, "state.db")
	_, statErr := os.Stat(statePath)
	store, err := opstate.NewStore(statePath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", statePath, err)
	}
	defer store.Close()
	instanceID, err := mqtt.LoadOrCreateInstanceID(store)
	if err != nil {
		return err
	}
	report(w, statePath, errors.Is(statErr, fs.ErrNotExist))
	fmt.Fprintf(w, "    instance ID %s\n", instanceID)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set invoxia.token and mqtt.broker in config.yaml, then run:")
	fmt.Fprintf(w, "  invoxia-ha -config %s serve\n", configPath)
	return nil
}

func report(w io.Writer, path string, created bool) {
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", path)
		return
	}
	fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
}

// writeIfMissing creates path with content and mode. It reports false
// without touching the file if path already exists.
func writeIfMissing(path string, content []byte, mode os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	_, err = f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
