// Package assistant – loader.go loads configuration from YAML files with
// credential injection via environment variables and .env files.
package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Loads .env files first and expands ${VAR} references before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	if cfg.DataDir == "" || cfg.DataDir == "." {
		cfg.DataDir = filepath.Dir(path)
	}

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config. Starts with defaults and
// overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig rejects values the engagement math cannot work with.
func validateConfig(cfg *Config) error {
	if a := cfg.Group.ActivityAlpha; a <= 0 || a >= 1 {
		return fmt.Errorf("group.activity_alpha must be in (0,1), got %v", a)
	}
	if p := cfg.Group.EngageProbability; p < 0 || p > 1 {
		return fmt.Errorf("group.engage_probability must be in [0,1], got %v", p)
	}
	if cfg.Model.ContextWindow <= 0 {
		return fmt.Errorf("model.context_window must be positive, got %d", cfg.Model.ContextWindow)
	}
	if cfg.Dialogue.MaxContinuations < 0 {
		return fmt.Errorf("dialogue.max_continuations must be >= 0, got %d", cfg.Dialogue.MaxContinuations)
	}
	return nil
}

// loadEnvFiles loads .env files from the config directory and the working
// directory. Silently ignores missing files; existing env vars win.
func loadEnvFiles(configDir string) {
	for _, p := range []string{filepath.Join(configDir, ".env"), ".env"} {
		_ = godotenv.Load(p)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with values
// from the environment.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}
