package stoke

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config is the engine build configuration, read from Stoke.yaml at the
// engine root. All fields are optional; zero values select the defaults
// applied by DefaultConfig.
type Config struct {
	// MaxParallelActions bounds the local executor. 0 means NumCPU.
	MaxParallelActions int `yaml:"max_parallel_actions"`

	// ExecutorPreference lists executor names in selection order. The local
	// executor is always appended as the fallback.
	ExecutorPreference []string `yaml:"executor_preference"`

	// IgnoreOutdatedImportLibraries suppresses rebuilds whose only stale
	// input is a rebuilt static import library.
	IgnoreOutdatedImportLibraries bool `yaml:"ignore_outdated_import_libraries"`

	// NestedPathLengthWarning is the produced-item path length (relative to
	// the engine root) above which a warning is printed.
	NestedPathLengthWarning int `yaml:"nested_path_length_warning"`

	// DuplicableBuildProducts lists base names which may legitimately appear
	// in more than one temp storage block.
	DuplicableBuildProducts []string `yaml:"duplicable_build_products"`
}

func DefaultConfig() *Config {
	return &Config{
		IgnoreOutdatedImportLibraries: true,
		NestedPathLengthWarning:       180,
	}
}

// LoadConfig reads Stoke.yaml from root, falling back to defaults if the
// file does not exist.
func LoadConfig(root string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(filepath.Join(root, "Stoke.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, xerrors.Errorf("Stoke.yaml: %v", err)
	}
	return cfg, nil
}
