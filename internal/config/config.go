// Package config implements boot-time environment parsing into an
// immutable Config struct (C10) — no package-level mutable globals, per
// spec.md §9's REDESIGN note. Grounded on the teacher's
// internal/config/settings.go ConfigManager, generalized from a mutable
// getter-per-field wrapper over a KV store into a single struct read once
// at process start.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/noelle-silva/PicaComic/internal/store"
)

// Config is the immutable set of boot-time settings. PUT endpoints never
// mutate a Config in place; policy.Store handles the one REST-mutable
// concern (concurrency knobs) separately.
type Config struct {
	Bind       string
	Port       string
	StorageDir string
	APIKey     string
	Debug      bool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

const appSettingAPIKey = "api_key"

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Load reads PICA_* environment variables into a Config. If PICA_API_KEY
// isn't set, an API key is generated once and persisted to AppSetting so it
// survives restarts, mirroring ConfigManager.GetAIToken's
// generate-on-first-read pattern.
func Load(st *store.Store) (Config, error) {
	cfg := Config{
		Bind:       envOr("PICA_BIND", "127.0.0.1"),
		Port:       envOr("PICA_PORT", "8080"),
		StorageDir: envOr("PICA_STORAGE", "./pica-storage"),
		Debug:      os.Getenv("PICA_TASK_DEBUG") == "1",
	}

	if key := os.Getenv("PICA_API_KEY"); key != "" {
		cfg.APIKey = key
		return cfg, nil
	}

	if existing, ok := st.GetAppSetting(appSettingAPIKey); ok && existing != "" {
		cfg.APIKey = existing
		return cfg, nil
	}

	generated, err := generateAPIKey()
	if err != nil {
		return cfg, err
	}
	if err := st.SetAppSetting(appSettingAPIKey, generated); err != nil {
		return cfg, err
	}
	cfg.APIKey = generated
	return cfg, nil
}
