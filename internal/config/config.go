package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for upgradeops.
// Values come from flags bound in cmd/upgradeops and UPGRADEOPS_* env vars.
type Config struct {
	Input           string
	Output          string
	RulesFile       string
	StateDir        string
	MemoryBackend   string // sqlite or postgres
	DatabaseURL     string
	TargetFramework string

	MaxRetries    int
	DecayWeight   float64
	MemoryLimit   int
	RetentionDays int

	OracleProvider string // anthropic, openai, gemini or none
	OracleModel    string
	OracleBaseURL  string
	OracleAPIKey   string
	OracleTimeout  time.Duration
	OracleRate     float64

	BuildTimeout time.Duration

	SafeMode         bool
	IncrementalCheck bool
	SmokeTest        bool
	Summary          bool
	MetricsFile      string
	Follow           bool
	LogBuffer        int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/upgradeops).
func Load() Config {
	return Config{
		Input:           viper.GetString("input"),
		Output:          viper.GetString("output"),
		RulesFile:       viper.GetString("rules_file"),
		StateDir:        viper.GetString("state_dir"),
		MemoryBackend:   viper.GetString("memory_backend"),
		DatabaseURL:     viper.GetString("database_url"),
		TargetFramework: viper.GetString("target_framework"),

		MaxRetries:    viper.GetInt("max_retries"),
		DecayWeight:   viper.GetFloat64("decay_weight"),
		MemoryLimit:   viper.GetInt("memory_limit"),
		RetentionDays: viper.GetInt("retention_days"),

		OracleProvider: viper.GetString("oracle_provider"),
		OracleModel:    viper.GetString("oracle_model"),
		OracleBaseURL:  viper.GetString("oracle_base_url"),
		OracleAPIKey:   viper.GetString("oracle_api_key"),
		OracleTimeout:  time.Duration(viper.GetInt("oracle_timeout")) * time.Second,
		OracleRate:     viper.GetFloat64("oracle_rate"),

		BuildTimeout: time.Duration(viper.GetInt("build_timeout")) * time.Second,

		SafeMode:         viper.GetBool("safe_mode"),
		IncrementalCheck: viper.GetBool("incremental_check"),
		SmokeTest:        viper.GetBool("smoke_test"),
		Summary:          viper.GetBool("summary"),
		MetricsFile:      viper.GetString("metrics_file"),
		Follow:           viper.GetBool("follow"),
		LogBuffer:        viper.GetInt("log_buffer"),

		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
	}
}
