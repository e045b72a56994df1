package seshatcli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFlags is a flagReader backed by maps, for resolver tests.
type fakeFlags struct {
	strings map[string]string
	bools   map[string]bool
	changed map[string]bool
}

func (f fakeFlags) GetString(name string) (string, error) { return f.strings[name], nil }
func (f fakeFlags) GetBool(name string) (bool, error)     { return f.bools[name], nil }
func (f fakeFlags) Changed(name string) bool              { return f.changed[name] }

func defaultFakeFlags() fakeFlags {
	return fakeFlags{
		strings: map[string]string{"language": defaultLanguage},
		bools:   map[string]bool{},
		changed: map[string]bool{},
	}
}

func Test_resolveSettings_defaults(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	got, err := resolveSettings(localConfig{}, "", defaultFakeFlags())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, ".seshat", "db"), got.DBPath)
	assert.Equal(t, defaultLanguage, got.Language)
	assert.Empty(t, got.Passphrase)
	assert.False(t, got.Tracing)
}

func Test_resolveSettings_flagsWinOverConfig(t *testing.T) {
	flags := defaultFakeFlags()
	flags.strings["db"] = "/explicit/db"
	flags.strings["language"] = "swedish"
	flags.changed["language"] = true

	cfg := localConfig{DB: "ignored", Language: "french"}
	got, err := resolveSettings(cfg, "/home/user/.seshat/config.yaml", flags)
	require.NoError(t, err)
	assert.Equal(t, "/explicit/db", got.DBPath)
	assert.Equal(t, "swedish", got.Language)
}

func Test_resolveSettings_configFillsGaps(t *testing.T) {
	tracing := true
	cfg := localConfig{
		DB:             "store",
		Language:       "russian",
		CommitInterval: "2s",
		Tracing:        &tracing,
	}
	got, err := resolveSettings(cfg, "/home/user/.seshat/config.yaml", defaultFakeFlags())
	require.NoError(t, err)
	// Relative db paths resolve against the config's directory.
	assert.Equal(t, "/home/user/.seshat/store", got.DBPath)
	assert.Equal(t, "russian", got.Language)
	assert.Equal(t, 2*time.Second, got.CommitInterval)
	assert.True(t, got.Tracing)

	_, err = resolveSettings(localConfig{CommitInterval: "soon"}, "", defaultFakeFlags())
	require.Error(t, err)
}

func Test_resolveSettings_passphraseFromEnv(t *testing.T) {
	const envKey = "SESHAT_TEST_PASSPHRASE"
	t.Setenv(envKey, "from-env")

	cfg := localConfig{PassphraseFromEnv: envKey}
	got, err := resolveSettings(cfg, "", defaultFakeFlags())
	require.NoError(t, err)
	assert.Equal(t, "from-env", got.Passphrase)

	// An explicit flag wins over the environment.
	flags := defaultFakeFlags()
	flags.strings["passphrase"] = "from-flag"
	got, err = resolveSettings(cfg, "", flags)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", got.Passphrase)
}

func Test_loadLocalConfig_validYAMLInCwd(t *testing.T) {
	dir := t.TempDir()
	seshatDir := filepath.Join(dir, ".seshat")
	require.NoError(t, os.MkdirAll(seshatDir, 0750))
	configPath := filepath.Join(seshatDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
db: events
language: spanish
passphrase_from_env: SESHAT_PASSPHRASE
commit_interval: 250ms
tracing: true
`), 0644))

	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })

	cfg, path, err := loadLocalConfig()
	require.NoError(t, err)
	assert.Equal(t, configPath, path)
	assert.Equal(t, "events", cfg.DB)
	assert.Equal(t, "spanish", cfg.Language)
	assert.Equal(t, "SESHAT_PASSPHRASE", cfg.PassphraseFromEnv)
	assert.Equal(t, "250ms", cfg.CommitInterval)
	require.NotNil(t, cfg.Tracing)
	assert.True(t, *cfg.Tracing)
}

func Test_loadLocalConfig_invalidYAML(t *testing.T) {
	dir := t.TempDir()
	seshatDir := filepath.Join(dir, ".seshat")
	require.NoError(t, os.MkdirAll(seshatDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(seshatDir, "config.yaml"), []byte("not: valid: yaml: here"), 0644))

	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })

	_, _, err = loadLocalConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml")
}
