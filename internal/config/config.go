// Package config loads carrotd's process-wide configuration.
// Every setting is env-var-first; an optional YAML file can override
// defaults for settings that are awkward to express as a single env var.
// Configuration is resolved once at process start and threaded explicitly
// to each subsystem — there is no hot reload (spec.md §9 design note on
// ambient global configuration).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, validated configuration for one carrotd process.
type Config struct {
	API      APIConfig
	DB       DBConfig
	Engine   EngineConfig
	WDL      WDLStorageConfig
	Email    EmailConfig
	GCloud   GCloudConfig
	GitHub   GitHubConfig
	Build    ImageBuildConfig
	Womtool  WomtoolConfig
	Report   ReportConfig
	Log      LogConfig
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host   string
	Port   string
	Domain string
}

// DBConfig controls the Postgres connection. Pool sizing itself lives in
// internal/postgres.NewPool's own env vars (DB_MAX_CONNS etc.) — DatabaseURL
// is the one value the rest of the process needs to thread through.
type DBConfig struct {
	DatabaseURL string
}

// EngineConfig points at the Cromwell workflow engine and the status sweep.
type EngineConfig struct {
	Address             string
	SweepInterval        time.Duration // status_check_wait_time_in_secs, default 300s
	MaxTransientRetries  int           // default 5
	CallTimeout          time.Duration // default 30s
}

// WDLStorageConfig selects between a local directory and an object-storage prefix.
type WDLStorageConfig struct {
	LocalDir    string
	GSPrefix    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

// EmailConfig controls notification dispatch.
type EmailConfig struct {
	Mode         string // "none" | "smtp" | "sendmail"
	From         string
	SMTPDomain   string
	SMTPUsername string
	SMTPPassword string
	SendmailPath string
}

// GCloudConfig carries an optional service-account key for GCS-backed storage.
type GCloudConfig struct {
	ServiceAccountKeyPath string
}

// GitHubConfig controls PR-comparison ingestion and commenting.
type GitHubConfig struct {
	Enabled            bool
	Token              string
	PubsubSubscription string
	MaxMessagesPerPull int           // default 20
	PullInterval       time.Duration // default 60s
}

// ImageBuildConfig controls the software build coordinator.
type ImageBuildConfig struct {
	Enabled          bool
	RegistryHost     string
	RegistryUsername string
	RegistryPassword string
	KMSKeyring       string
	KMSKey           string
	GitMirrorRoot    string
}

// WomtoolConfig locates the external WDL validator.
type WomtoolConfig struct {
	Location string
}

// ReportConfig controls report generation.
type ReportConfig struct {
	Enabled       bool
	StoragePrefix string
	DockerImage   string
}

// LogConfig controls slog verbosity. DefaultLevel sets the process-wide
// level; ModuleLevels is loaded from the YAML file but no handler consults
// it, so per-module levels do not change what is logged.
type LogConfig struct {
	DefaultLevel string
	ModuleLevels map[string]string
}

// fileOverride is the shape of the optional YAML config file. Only fields an
// operator is likely to want out of env vars live here (per-module log
// levels and plugin-style maps are awkward as single env vars).
type fileOverride struct {
	Log struct {
		DefaultLevel string            `yaml:"default_level"`
		ModuleLevels map[string]string `yaml:"module_levels"`
	} `yaml:"log"`
}

// Load resolves configuration from the environment, then applies an
// optional YAML override file if one is found by ResolvePath.
func Load(path string) (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			Host:   envStr("API_HOST", "0.0.0.0"),
			Port:   envStr("API_PORT", "8080"),
			Domain: envStr("API_DOMAIN", "localhost"),
		},
		DB: DBConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Engine: EngineConfig{
			Address:             os.Getenv("ENGINE_ADDRESS"),
			MaxTransientRetries: envInt("STATUS_MANAGER_MAX_RETRIES", 5),
			CallTimeout:         envDuration("ENGINE_CALL_TIMEOUT", 30*time.Second),
		},
		WDL: WDLStorageConfig{
			LocalDir:    os.Getenv("WDL_STORAGE_LOCAL_DIR"),
			GSPrefix:    os.Getenv("WDL_STORAGE_GS_PREFIX"),
			S3Endpoint:  os.Getenv("S3_ENDPOINT"),
			S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey: os.Getenv("S3_SECRET_KEY"),
			S3Bucket:    os.Getenv("S3_BUCKET"),
			S3UseSSL:    envBool("S3_USE_SSL", false),
		},
		Email: EmailConfig{
			Mode:         envStr("EMAIL_MODE", "none"),
			From:         os.Getenv("EMAIL_FROM"),
			SMTPDomain:   os.Getenv("SMTP_DOMAIN"),
			SMTPUsername: os.Getenv("SMTP_USERNAME"),
			SMTPPassword: os.Getenv("SMTP_PASSWORD"),
			SendmailPath: envStr("SENDMAIL_PATH", "/usr/sbin/sendmail"),
		},
		GCloud: GCloudConfig{
			ServiceAccountKeyPath: os.Getenv("GCLOUD_SERVICE_ACCOUNT_KEY"),
		},
		GitHub: GitHubConfig{
			Enabled:            envBool("GITHUB_ENABLED", false),
			Token:              os.Getenv("GITHUB_TOKEN"),
			PubsubSubscription: os.Getenv("GITHUB_PUBSUB_SUBSCRIPTION"),
			MaxMessagesPerPull: envInt("PUBSUB_MAX_MESSAGES_PER", 20),
		},
		Build: ImageBuildConfig{
			Enabled:          envBool("IMAGE_BUILD_ENABLED", false),
			RegistryHost:     os.Getenv("IMAGE_REGISTRY_HOST"),
			RegistryUsername: os.Getenv("IMAGE_REGISTRY_USERNAME"),
			RegistryPassword: os.Getenv("IMAGE_REGISTRY_PASSWORD"),
			KMSKeyring:       os.Getenv("KMS_KEYRING"),
			KMSKey:           os.Getenv("KMS_KEY"),
			GitMirrorRoot:    envStr("GIT_MIRROR_ROOT", "/var/carrot/git-mirrors"),
		},
		Womtool: WomtoolConfig{
			Location: os.Getenv("WOMTOOL_LOCATION"),
		},
		Report: ReportConfig{
			Enabled:       envBool("REPORTING_ENABLED", false),
			StoragePrefix: os.Getenv("REPORT_STORAGE_PREFIX"),
			DockerImage:   os.Getenv("REPORT_DOCKER_IMAGE"),
		},
		Log: LogConfig{
			DefaultLevel: envStr("LOG_LEVEL", "info"),
			ModuleLevels: map[string]string{},
		},
	}

	// Two settings are specified in the spec as plain seconds, not Go
	// durations — parse them explicitly rather than requiring operators to
	// write "300s".
	cfg.Engine.SweepInterval = time.Duration(envInt("STATUS_CHECK_WAIT_TIME_IN_SECS", 300)) * time.Second
	cfg.GitHub.PullInterval = time.Duration(envInt("PUBSUB_WAIT_TIME_IN_SECS", 60)) * time.Second

	if path == "" {
		path = ResolvePath()
	}
	if path != "" {
		if err := applyFileOverride(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyFileOverride(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f fileOverride
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if f.Log.DefaultLevel != "" {
		cfg.Log.DefaultLevel = f.Log.DefaultLevel
	}
	for k, v := range f.Log.ModuleLevels {
		cfg.Log.ModuleLevels[k] = v
	}
	return nil
}

// ResolvePath finds the optional YAML override file.
// Priority: CARROT_CONFIG env var > ./carrot.yaml > "" (env vars only).
func ResolvePath() string {
	if p := os.Getenv("CARROT_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("carrot.yaml"); err == nil {
		return "carrot.yaml"
	}
	return ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
