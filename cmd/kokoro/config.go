package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/kokoro/common/crypto"
	"github.com/bdobrica/kokoro/internal/kokoro/app"
	"github.com/bdobrica/kokoro/internal/kokoro/generation"
	"github.com/bdobrica/kokoro/internal/kokoro/matrix"
	"github.com/bdobrica/kokoro/internal/kokoro/persona"
	"github.com/bdobrica/kokoro/internal/kokoro/summary"
)

const defaultServerURL = "http://localhost:8080"

// loadServerConfig loads the server configuration from the environment.
func loadServerConfig() (*app.Config, error) {
	cfg := &app.Config{
		DatabaseDriver: env.String("DATABASE_DRIVER", app.DriverSQLite),
		DatabasePath:   env.String("DATABASE_PATH", "./kokoro.db"),
		PostgresDSN:    env.String("POSTGRES_DSN", ""),
		HTTPAddr:       env.String("HTTP_ADDR", ":8080"),
		LLM:            loadLLMConfig(),
		GenerationURL:  env.String("GENERATION_URL", ""),
		GenerationKey:  env.String("GENERATION_API_KEY", ""),
		RateLimit:      env.Int("LLM_RATE_LIMIT", generation.DefaultRateLimit),
		Initiative: app.InitiativeConfig{
			Disabled: env.Bool("INITIATIVE_DISABLED", false),
			Schedule: env.String("INITIATIVE_SCHEDULE", ""),
			Idle:     env.Duration("INITIATIVE_IDLE", 0),
		},
	}

	if cfg.DatabaseDriver == app.DriverPostgres && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("%s is required with the postgres driver", env.Name("POSTGRES_DSN"))
	}

	if raw := env.String("MASTER_KEY", ""); raw != "" {
		key, err := crypto.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w\nGenerate a key with: openssl rand -hex 32", env.Name("MASTER_KEY"), err)
		}
		cfg.MasterKey = key
	}

	if dir := env.String("PERSONAS_DIR", ""); dir != "" {
		cfg.PersonasFS = os.DirFS(dir)
	}

	if hs := env.String("MATRIX_HOMESERVER", ""); hs != "" {
		userID, err := env.Required("MATRIX_USER_ID")
		if err != nil {
			return nil, err
		}
		token, err := env.Required("MATRIX_ACCESS_TOKEN")
		if err != nil {
			return nil, err
		}
		cfg.Matrix = &matrix.Config{
			Homeserver:  hs,
			UserID:      userID,
			AccessToken: token,
			Rooms:       env.Pairs("MATRIX_ROOMS"),
		}
	}
	return cfg, nil
}

func loadLLMConfig() generation.Config {
	return generation.Config{
		APIKey:  env.String("LLM_API_KEY", ""),
		BaseURL: env.String("LLM_BASE_URL", ""),
		Model:   env.String("LLM_MODEL", ""),
		Timeout: env.Duration("LLM_TIMEOUT", 0),
	}
}

func loadSummaryConfig() summary.LLMConfig {
	llm := loadLLMConfig()
	return summary.LLMConfig{
		APIKey:  llm.APIKey,
		BaseURL: llm.BaseURL,
		Model:   env.String("SUMMARY_MODEL", llm.Model),
	}
}

// loadBackend returns the generation backend for the terminal client.
func loadBackend() generation.Backend {
	var backend generation.Backend
	if url := env.String("GENERATION_URL", ""); url != "" {
		backend = generation.NewRemote(url, env.String("GENERATION_API_KEY", ""), env.Duration("LLM_TIMEOUT", 0))
	} else {
		backend = generation.New(loadLLMConfig())
	}
	limiter := generation.NewRateLimiter(env.Int("LLM_RATE_LIMIT", generation.DefaultRateLimit), time.Minute)
	return generation.WithRateLimit(backend, limiter)
}

// loadPersonas returns the catalogue from KOKORO_PERSONAS_DIR or the
// built-in one.
func loadPersonas() (*persona.Registry, error) {
	dir := env.String("PERSONAS_DIR", "")
	if dir == "" {
		return persona.Builtin(), nil
	}
	return persona.Load(os.DirFS(dir))
}

// cacheDir is where the terminal client keeps its context cache.
func cacheDir() string {
	if dir := env.String("CACHE_DIR", ""); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "kokoro")
}
