package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BaseConfig carries the settings shared by every analyzer backend.
// Backend config files stay JSON since they usually arrive as exported
// service credentials.
type BaseConfig struct {
	ConfigPath string
}

// loadBackendConfig fills config from the first readable JSON file among the
// explicit path and the conventional config/<name>.json location. A missing
// or unparsable file is not fatal; backends fall back to environment
// variables from their own Load methods.
func loadBackendConfig(path, name string, config any) error {
	candidates := []string{path, filepath.Join("config", fmt.Sprintf("%s.json", name))}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, config); err == nil {
			return nil
		}
	}
	return nil
}
