// config.go holds .seshat config types and resolution (load, effective
// values after merging flags over config).
package seshatcli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// localConfig holds optional values from .seshat/config.yaml (flags
// override).
type localConfig struct {
	DB                string `yaml:"db"`
	Language          string `yaml:"language"`
	PassphraseFromEnv string `yaml:"passphrase_from_env"`
	CommitInterval    string `yaml:"commit_interval"`
	Tracing           *bool  `yaml:"tracing"`
}

// loadLocalConfig tries ./.seshat/config.yaml then ~/.seshat/config.yaml.
// Returns (config, pathToConfigFile, nil). If neither file exists, returns
// (empty, "", nil).
func loadLocalConfig() (localConfig, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return localConfig{}, "", err
	}
	try := []string{
		filepath.Join(cwd, ".seshat", "config.yaml"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		try = append(try, filepath.Join(home, ".seshat", "config.yaml"))
	}
	for _, p := range try {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return localConfig{}, "", err
		}
		var cfg localConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return localConfig{}, "", fmt.Errorf("%s: %w", p, err)
		}
		return cfg, p, nil
	}
	return localConfig{}, "", nil
}

// effectiveSettings is the merged view of flags and config.
type effectiveSettings struct {
	DBPath         string
	Language       string
	Passphrase     string
	CommitInterval time.Duration
	Tracing        bool
}

// resolveSettings merges CLI flags over .seshat/config.yaml. Flags that
// were explicitly set always win; config fills the gaps; built-in defaults
// cover the rest.
func resolveSettings(cfg localConfig, configPath string, flags flagReader) (effectiveSettings, error) {
	var seshatDir string
	if configPath != "" {
		seshatDir = filepath.Dir(configPath)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return effectiveSettings{}, err
		}
		seshatDir = filepath.Join(cwd, ".seshat")
	}

	out := effectiveSettings{}

	out.DBPath, _ = flags.GetString("db")
	if out.DBPath == "" && cfg.DB != "" {
		out.DBPath = cfg.DB
		if !filepath.IsAbs(out.DBPath) {
			out.DBPath = filepath.Join(seshatDir, out.DBPath)
		}
	}
	if out.DBPath == "" {
		out.DBPath = filepath.Join(seshatDir, "db")
	}

	out.Language, _ = flags.GetString("language")
	if out.Language == defaultLanguage && !flags.Changed("language") && cfg.Language != "" {
		out.Language = cfg.Language
	}

	out.Passphrase, _ = flags.GetString("passphrase")
	if out.Passphrase == "" && cfg.PassphraseFromEnv != "" {
		out.Passphrase = os.Getenv(cfg.PassphraseFromEnv)
	}

	if cfg.CommitInterval != "" {
		interval, err := time.ParseDuration(cfg.CommitInterval)
		if err != nil {
			return effectiveSettings{}, fmt.Errorf("invalid commit_interval %q: %w", cfg.CommitInterval, err)
		}
		out.CommitInterval = interval
	}

	out.Tracing, _ = flags.GetBool("trace")
	if !out.Tracing && !flags.Changed("trace") && cfg.Tracing != nil {
		out.Tracing = *cfg.Tracing
	}
	return out, nil
}

// flagReader is the slice of pflag.FlagSet the resolver needs; narrowed
// for tests.
type flagReader interface {
	GetString(name string) (string, error)
	GetBool(name string) (bool, error)
	Changed(name string) bool
}
