package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelle-silva/PicaComic/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func unsetEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadGeneratesAndPersistsAPIKey(t *testing.T) {
	unsetEnv(t, "PICA_API_KEY", "PICA_BIND", "PICA_PORT", "PICA_STORAGE", "PICA_TASK_DEBUG")
	st := openTestStore(t)

	cfg, err := Load(st)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.APIKey)
	assert.Equal(t, "127.0.0.1", cfg.Bind)
	assert.Equal(t, "8080", cfg.Port)

	cfg2, err := Load(st)
	require.NoError(t, err)
	assert.Equal(t, cfg.APIKey, cfg2.APIKey, "a second Load against the same store must reuse the persisted key")
}

func TestLoadPrefersEnvAPIKeyOverPersisted(t *testing.T) {
	unsetEnv(t, "PICA_API_KEY")
	st := openTestStore(t)
	require.NoError(t, st.SetAppSetting("api_key", "persisted-key"))

	os.Setenv("PICA_API_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("PICA_API_KEY") })

	cfg, err := Load(st)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.APIKey)
}
