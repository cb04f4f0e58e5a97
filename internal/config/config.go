package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	Repos      RepoConfig       `yaml:"repos" mapstructure:"repos"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	GitHub     GitHubConfig     `yaml:"github" mapstructure:"github"`
	Process    ProcessConfig    `yaml:"process" mapstructure:"process"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" mapstructure:"anomaly"`
	Similarity SimilarityConfig `yaml:"similarity" mapstructure:"similarity"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

type RepoConfig struct {
	BasePath string `yaml:"base_path" mapstructure:"base_path"`
	// Command run once in an empty <base>/<assignment>/<branch> directory.
	// "{assignment}" is replaced with the assignment's external id.
	ClassroomCommand []string `yaml:"classroom_command" mapstructure:"classroom_command"`
}

type StorageConfig struct {
	Type        string `yaml:"type" mapstructure:"type"`     // "postgres", "sqlite"
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres only: "pgx" or "postgres" (lib/pq)
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	LocalPath   string `yaml:"local_path" mapstructure:"local_path"`
}

type GitHubConfig struct {
	Token           string `yaml:"token" mapstructure:"token"`
	RateLimit       int    `yaml:"rate_limit" mapstructure:"rate_limit"` // Requests per second
	ResolveProfiles bool   `yaml:"resolve_profiles" mapstructure:"resolve_profiles"`
}

type ProcessConfig struct {
	Attempts   int           `yaml:"attempts" mapstructure:"attempts"`
	Delay      time.Duration `yaml:"delay" mapstructure:"delay"`
	MaxElapsed time.Duration `yaml:"max_elapsed" mapstructure:"max_elapsed"`
}

type SyncConfig struct {
	Parallelism         int     `yaml:"parallelism" mapstructure:"parallelism"`
	RemoteRatePerSecond float64 `yaml:"remote_rate_per_second" mapstructure:"remote_rate_per_second"`
}

type AnomalyConfig struct {
	MinCommits int     `yaml:"min_commits" mapstructure:"min_commits"`
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

type SimilarityConfig struct {
	Parallelism        int      `yaml:"parallelism" mapstructure:"parallelism"`
	RetentionThreshold float64  `yaml:"retention_threshold" mapstructure:"retention_threshold"`
	Extensions         []string `yaml:"extensions" mapstructure:"extensions"`
	ExcludedFiles      []string `yaml:"excluded_files" mapstructure:"excluded_files"`
}

type SchedulerConfig struct {
	SyncSpec         string        `yaml:"sync_spec" mapstructure:"sync_spec"`
	AnomalySpec      string        `yaml:"anomaly_spec" mapstructure:"anomaly_spec"`
	SimilaritySpec   string        `yaml:"similarity_spec" mapstructure:"similarity_spec"`
	ParticipantsSpec string        `yaml:"participants_spec" mapstructure:"participants_spec"`
	RedisAddr        string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	LockTTL          time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
}

type CacheConfig struct {
	HeadCachePath string `yaml:"head_cache_path" mapstructure:"head_cache_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Repos: RepoConfig{
			BasePath:         "/tmp/repos",
			ClassroomCommand: []string{"gh", "classroom", "clone", "student-repos", "--assignment-id", "{assignment}"},
		},
		Storage: StorageConfig{
			Type:      "sqlite",
			Driver:    "pgx",
			LocalPath: filepath.Join(homeDir, ".lms-sync", "lms.db"),
		},
		GitHub: GitHubConfig{
			RateLimit: 10,
		},
		Process: ProcessConfig{
			Attempts:   3,
			Delay:      time.Second,
			MaxElapsed: 2 * time.Minute,
		},
		Sync: SyncConfig{
			Parallelism:         1,
			RemoteRatePerSecond: 1,
		},
		Anomaly: AnomalyConfig{
			MinCommits: 3,
			Multiplier: 3,
		},
		Similarity: SimilarityConfig{
			Parallelism:        2,
			RetentionThreshold: 80,
			Extensions:         []string{".html", ".css", ".js", ".ts"},
			ExcludedFiles:      []string{"normalize.css", "reset.css", "README.md"},
		},
		Scheduler: SchedulerConfig{
			SyncSpec:         "*/30 * * * *",
			AnomalySpec:      "1 */6 * * *",
			SimilaritySpec:   "40 */6 * * *",
			ParticipantsSpec: "40 */3 * * *",
			LockTTL:          6 * time.Hour,
		},
		Cache: CacheConfig{
			HeadCachePath: filepath.Join(homeDir, ".lms-sync", "heads.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	setDefaults(v, cfg)

	// LMS_SIMILARITY_PARALLELISM -> similarity.parallelism
	v.SetEnvPrefix("LMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".lms-sync")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".lms-sync"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can resolve it
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("repos.base_path", cfg.Repos.BasePath)
	v.SetDefault("repos.classroom_command", cfg.Repos.ClassroomCommand)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.postgres_dsn", cfg.Storage.PostgresDSN)
	v.SetDefault("storage.local_path", cfg.Storage.LocalPath)

	v.SetDefault("github.token", cfg.GitHub.Token)
	v.SetDefault("github.rate_limit", cfg.GitHub.RateLimit)
	v.SetDefault("github.resolve_profiles", cfg.GitHub.ResolveProfiles)

	v.SetDefault("process.attempts", cfg.Process.Attempts)
	v.SetDefault("process.delay", cfg.Process.Delay)
	v.SetDefault("process.max_elapsed", cfg.Process.MaxElapsed)

	v.SetDefault("sync.parallelism", cfg.Sync.Parallelism)
	v.SetDefault("sync.remote_rate_per_second", cfg.Sync.RemoteRatePerSecond)

	v.SetDefault("anomaly.min_commits", cfg.Anomaly.MinCommits)
	v.SetDefault("anomaly.multiplier", cfg.Anomaly.Multiplier)

	v.SetDefault("similarity.parallelism", cfg.Similarity.Parallelism)
	v.SetDefault("similarity.retention_threshold", cfg.Similarity.RetentionThreshold)
	v.SetDefault("similarity.extensions", cfg.Similarity.Extensions)
	v.SetDefault("similarity.excluded_files", cfg.Similarity.ExcludedFiles)

	v.SetDefault("scheduler.sync_spec", cfg.Scheduler.SyncSpec)
	v.SetDefault("scheduler.anomaly_spec", cfg.Scheduler.AnomalySpec)
	v.SetDefault("scheduler.similarity_spec", cfg.Scheduler.SimilaritySpec)
	v.SetDefault("scheduler.participants_spec", cfg.Scheduler.ParticipantsSpec)
	v.SetDefault("scheduler.redis_addr", cfg.Scheduler.RedisAddr)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)

	v.SetDefault("cache.head_cache_path", cfg.Cache.HeadCachePath)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.json", cfg.Logging.JSON)
}

// loadEnvFiles reads .env.local, .env and ~/.lms-sync/.env. Variables
// already set win, so earlier files take precedence over later ones.
func loadEnvFiles() {
	home, _ := os.UserHomeDir()
	for _, file := range []string{".env.local", ".env", filepath.Join(home, ".lms-sync", ".env")} {
		_ = godotenv.Load(file) // missing files are fine
	}
}

// applyEnvOverrides applies the short, unprefixed environment variables
// deployments already use
func applyEnvOverrides(cfg *Config) {
	if basePath := os.Getenv("LMS_BASE_PATH"); basePath != "" {
		cfg.Repos.BasePath = expandPath(basePath)
	}

	// the environment beats the config file; keychain and credentials file only fill a gap
	if token := firstEnv("GITHUB_TOKEN", "GH_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	} else if cfg.GitHub.Token == "" {
		cfg.GitHub.Token, _ = NewCredentialManager().Lookup()
	}
	if rateLimit := os.Getenv("GITHUB_RATE_LIMIT"); rateLimit != "" {
		if rate, err := strconv.Atoi(rateLimit); err == nil {
			cfg.GitHub.RateLimit = rate
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.Type = "postgres"
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		cfg.Storage.LocalPath = expandPath(path)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Scheduler.RedisAddr = addr
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("repos", c.Repos)
	v.Set("storage", c.Storage)
	v.Set("github", GitHubConfig{RateLimit: c.GitHub.RateLimit, ResolveProfiles: c.GitHub.ResolveProfiles})
	v.Set("process", c.Process)
	v.Set("sync", c.Sync)
	v.Set("anomaly", c.Anomaly)
	v.Set("similarity", c.Similarity)
	v.Set("scheduler", c.Scheduler)
	v.Set("cache", c.Cache)
	v.Set("logging", c.Logging)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
