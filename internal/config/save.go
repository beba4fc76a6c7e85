package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteStarter writes a starter configuration containing every default plus
// working values for the required keys. Creates parent directories if they
// don't exist and refuses to overwrite an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	v := New(path)
	setStarterValues(v)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
