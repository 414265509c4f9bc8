package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. QNA_REALTIME_TABLES.
const EnvPrefix = "QNA"

// ApplyEnv loads a .env file from the working directory when present and
// overlays environment variables onto cfg, one section at a time.
// Tagged fields also accept their unprefixed names (SUPABASE_URL,
// SUPABASE_ANON_KEY, GEMINI_API_KEY, DATABASE_URL).
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load()

	sections := []struct {
		name   string
		target any
	}{
		{"GENERAL", &cfg.General},
		{"REALTIME", &cfg.Realtime},
		{"CLASSIFIER", &cfg.Classifier},
		{"CLUSTERING", &cfg.Clustering},
		{"STORE", &cfg.Store},
		{"KAFKA", &cfg.Kafka},
		{"API", &cfg.API},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.target); err != nil {
			return fmt.Errorf("env overrides for %s: %w", s.name, err)
		}
	}
	return nil
}
