package dlp

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRulesFile is the rule file name inside a config directory
const DefaultRulesFile = "gitleaks.toml"

//go:embed default_rules.toml
var defaultRules []byte

// CreateDefaultRules writes the bundled rule set to configDir unless a rule
// file already exists there, and returns its path.
func CreateDefaultRules(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	path := filepath.Join(configDir, DefaultRulesFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, defaultRules, 0o644); err != nil {
		return "", fmt.Errorf("failed to write default rules: %w", err)
	}
	return path, nil
}
