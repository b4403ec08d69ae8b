// Package config provides configuration for the coherence engine. Values
// are layered: built-in defaults, then an optional YAML file, then .env
// and process environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Detection   DetectionConfig   `yaml:"detection" json:"detection"`
	Selection   SelectionConfig   `yaml:"selection" json:"selection"`
	Convergence ConvergenceConfig `yaml:"convergence" json:"convergence"`
	Scorer      ScorerConfig      `yaml:"scorer" json:"scorer"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Audit       AuditConfig       `yaml:"audit" json:"audit"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
}

// DetectionConfig represents contradiction detection thresholds
type DetectionConfig struct {
	// MinConfidence filters out contradictions below this confidence
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	// ImplicitThemeOverlap is the theme overlap below which an implicit
	// contradiction is emitted
	ImplicitThemeOverlap float64 `yaml:"implicit_theme_overlap" json:"implicit_theme_overlap"`
	// DirectSimilarityFloor is the minimum lexical overlap between an
	// assertion and a lore fact for the pair to be compared at all
	DirectSimilarityFloor float64 `yaml:"direct_similarity_floor" json:"direct_similarity_floor"`
}

// SelectionConfig represents the composite-score weights used to pick a
// creative solution
type SelectionConfig struct {
	WeightEffectiveness float64 `yaml:"weight_effectiveness" json:"weight_effectiveness"`
	WeightNarrativeCost float64 `yaml:"weight_narrative_cost" json:"weight_narrative_cost"`
	WeightPlayerImpact  float64 `yaml:"weight_player_impact" json:"weight_player_impact"`
}

// ConvergenceConfig represents the storyline convergence formula parameters
type ConvergenceConfig struct {
	Base      float64 `yaml:"base" json:"base"`
	Weight    float64 `yaml:"weight" json:"weight"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// ScorerConfig represents the pluggable solution-scoring strategy
type ScorerConfig struct {
	// Strategy names the registered scorer implementation
	Strategy string `yaml:"strategy" json:"strategy"`
	// TimeoutSeconds bounds a single scoring call before falling back to
	// the rule-based scorer
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// Options carries strategy-specific settings, decoded by the scorer
	Options map[string]interface{} `yaml:"options" json:"options,omitempty"`
}

// StorageConfig represents canon store backing
type StorageConfig struct {
	Provider   string `yaml:"provider" json:"provider"` // "memory" or "sqlite"
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path,omitempty"`
}

// AuditConfig represents the retcon audit log configuration
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Dir           string `yaml:"dir" json:"dir"`
	FlushInterval int    `yaml:"flush_interval_seconds" json:"flush_interval_seconds"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Detection: DetectionConfig{
			MinConfidence:         0.3,
			ImplicitThemeOverlap:  0.2,
			DirectSimilarityFloor: 0.1,
		},
		Selection: SelectionConfig{
			WeightEffectiveness: 0.6,
			WeightNarrativeCost: 0.25,
			WeightPlayerImpact:  0.15,
		},
		Convergence: ConvergenceConfig{
			Base:      0.4,
			Weight:    0.2,
			Threshold: 0.7,
		},
		Scorer: ScorerConfig{
			Strategy:       "rule_based",
			TimeoutSeconds: 5,
		},
		Storage: StorageConfig{
			Provider: "memory",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Dir:           "./audit",
			FlushInterval: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by COHERENCE_CONFIG, a .env file if present, and environment overrides
func Load() (*Config, error) {
	// .env is optional; missing file is not an error
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path := os.Getenv("COHERENCE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults plus the given YAML file
// and environment overrides
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvString("COHERENCE_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("COHERENCE_PORT", c.Server.Port)

	c.Detection.MinConfidence = getEnvFloat("COHERENCE_DETECTION_MIN_CONFIDENCE", c.Detection.MinConfidence)
	c.Detection.ImplicitThemeOverlap = getEnvFloat("COHERENCE_IMPLICIT_THEME_OVERLAP", c.Detection.ImplicitThemeOverlap)
	c.Detection.DirectSimilarityFloor = getEnvFloat("COHERENCE_DIRECT_SIMILARITY_FLOOR", c.Detection.DirectSimilarityFloor)

	c.Selection.WeightEffectiveness = getEnvFloat("COHERENCE_WEIGHT_EFFECTIVENESS", c.Selection.WeightEffectiveness)
	c.Selection.WeightNarrativeCost = getEnvFloat("COHERENCE_WEIGHT_NARRATIVE_COST", c.Selection.WeightNarrativeCost)
	c.Selection.WeightPlayerImpact = getEnvFloat("COHERENCE_WEIGHT_PLAYER_IMPACT", c.Selection.WeightPlayerImpact)

	c.Convergence.Base = getEnvFloat("COHERENCE_CONVERGENCE_BASE", c.Convergence.Base)
	c.Convergence.Weight = getEnvFloat("COHERENCE_CONVERGENCE_WEIGHT", c.Convergence.Weight)
	c.Convergence.Threshold = getEnvFloat("COHERENCE_CONVERGENCE_THRESHOLD", c.Convergence.Threshold)

	c.Scorer.Strategy = getEnvString("COHERENCE_SCORER_STRATEGY", c.Scorer.Strategy)
	c.Scorer.TimeoutSeconds = getEnvInt("COHERENCE_SCORER_TIMEOUT_SECONDS", c.Scorer.TimeoutSeconds)

	c.Storage.Provider = getEnvString("COHERENCE_STORAGE_PROVIDER", c.Storage.Provider)
	c.Storage.SQLitePath = getEnvString("COHERENCE_SQLITE_PATH", c.Storage.SQLitePath)

	c.Audit.Enabled = getEnvBool("COHERENCE_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Dir = getEnvString("COHERENCE_AUDIT_DIR", c.Audit.Dir)

	c.Logging.Level = getEnvString("COHERENCE_LOG_LEVEL", c.Logging.Level)
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for name, v := range map[string]float64{
		"detection.min_confidence":          c.Detection.MinConfidence,
		"detection.implicit_theme_overlap":  c.Detection.ImplicitThemeOverlap,
		"detection.direct_similarity_floor": c.Detection.DirectSimilarityFloor,
		"convergence.threshold":             c.Convergence.Threshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %f", name, v)
		}
	}
	for name, v := range map[string]float64{
		"selection.weight_effectiveness":  c.Selection.WeightEffectiveness,
		"selection.weight_narrative_cost": c.Selection.WeightNarrativeCost,
		"selection.weight_player_impact":  c.Selection.WeightPlayerImpact,
		"convergence.base":                c.Convergence.Base,
		"convergence.weight":              c.Convergence.Weight,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, v)
		}
	}
	if c.Scorer.TimeoutSeconds < 1 {
		return fmt.Errorf("scorer timeout must be at least 1 second, got %d", c.Scorer.TimeoutSeconds)
	}
	switch c.Storage.Provider {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite provider")
		}
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}
