// Package config provides configuration management for Sandpit.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Sandpit.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Internal   InternalConfig   `mapstructure:"internal"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	WarmPool   WarmPoolConfig   `mapstructure:"warmPool"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// InternalConfig holds settings for the container-facing internal API.
type InternalConfig struct {
	// Token is the shared bearer token containers present on /internal callbacks
	// and the control plane presents on executor submits.
	Token string `mapstructure:"token"`

	// ControlPlaneURL is the address advertised to containers for callbacks.
	ControlPlaneURL string `mapstructure:"controlPlaneUrl"`
}

// DatabaseConfig holds database connection configuration.
// Driver selects sqlite (default) or postgres; Path applies to sqlite only.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// StorageConfig holds S3-compatible object storage configuration.
type StorageConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	AccessKey      string `mapstructure:"accessKey"`
	SecretKey      string `mapstructure:"secretKey"`
	ForcePathStyle bool   `mapstructure:"forcePathStyle"`
	PresignTTL     int    `mapstructure:"presignTtl"` // in seconds
}

// BackendConfig selects and tunes the container backend.
type BackendConfig struct {
	// Kind is docker, kubernetes, or auto. Auto picks kubernetes when
	// KUBERNETES_SERVICE_HOST is set, docker otherwise.
	Kind            string `mapstructure:"kind"`
	ExecutorPort    int    `mapstructure:"executorPort"`
	ImagePullPolicy string `mapstructure:"imagePullPolicy"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Network    string `mapstructure:"network"`
}

// KubernetesConfig holds Kubernetes backend configuration.
type KubernetesConfig struct {
	Namespace    string `mapstructure:"namespace"`
	Kubeconfig   string `mapstructure:"kubeconfig"` // empty means in-cluster
	StorageClass string `mapstructure:"storageClass"`
	CSIEnabled   bool   `mapstructure:"csiEnabled"`
	S3MountImage string `mapstructure:"s3MountImage"`
}

// WarmPoolTemplateConfig overrides pool sizing for a single template.
type WarmPoolTemplateConfig struct {
	PoolSize    int `mapstructure:"poolSize"`
	MinSize     int `mapstructure:"minSize"`
	MaxIdleTime int `mapstructure:"maxIdleTime"` // in seconds
}

// WarmPoolConfig holds warm container pool configuration.
type WarmPoolConfig struct {
	Enabled        bool                              `mapstructure:"enabled"`
	PoolSize       int                               `mapstructure:"poolSize"`
	MinSize        int                               `mapstructure:"minSize"`
	MaxIdleTime    int                               `mapstructure:"maxIdleTime"` // in seconds
	MaxPerTemplate int                               `mapstructure:"maxPerTemplate"`
	Templates      map[string]WarmPoolTemplateConfig `mapstructure:"templates"`
}

// ReconcilerConfig holds background reconciliation loop configuration.
// Negative IdleTimeout or MaxLifetime disables that sweep.
type ReconcilerConfig struct {
	StateSyncInterval int `mapstructure:"stateSyncInterval"` // in seconds
	CleanupInterval   int `mapstructure:"cleanupInterval"`   // in seconds
	IdleTimeout       int `mapstructure:"idleTimeout"`       // in seconds
	MaxLifetime       int `mapstructure:"maxLifetime"`       // in seconds
	CreationDeadline  int `mapstructure:"creationDeadline"`  // in seconds
	FanOut            int `mapstructure:"fanOut"`
}

// ExecutorConfig holds settings for calls to in-container executor agents.
type ExecutorConfig struct {
	RequestTimeout int `mapstructure:"requestTimeout"` // in seconds
	ConnectTimeout int `mapstructure:"connectTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// CatalogConfig points at the template catalog seeded on startup.
type CatalogConfig struct {
	// Path to a templates.yaml file; empty uses the embedded defaults.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PresignTTLDuration returns the presigned URL lifetime as a time.Duration.
func (s *StorageConfig) PresignTTLDuration() time.Duration {
	return time.Duration(s.PresignTTL) * time.Second
}

// MaxIdleTimeDuration returns the warm container idle limit as a time.Duration.
func (w *WarmPoolConfig) MaxIdleTimeDuration() time.Duration {
	return time.Duration(w.MaxIdleTime) * time.Second
}

// StateSyncIntervalDuration returns the state sync period as a time.Duration.
func (r *ReconcilerConfig) StateSyncIntervalDuration() time.Duration {
	return time.Duration(r.StateSyncInterval) * time.Second
}

// CleanupIntervalDuration returns the cleanup period as a time.Duration.
func (r *ReconcilerConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(r.CleanupInterval) * time.Second
}

// IdleTimeoutDuration returns the session idle limit as a time.Duration.
func (r *ReconcilerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// MaxLifetimeDuration returns the session lifetime limit as a time.Duration.
func (r *ReconcilerConfig) MaxLifetimeDuration() time.Duration {
	return time.Duration(r.MaxLifetime) * time.Second
}

// CreationDeadlineDuration returns the stuck-creation limit as a time.Duration.
func (r *ReconcilerConfig) CreationDeadlineDuration() time.Duration {
	return time.Duration(r.CreationDeadline) * time.Second
}

// RequestTimeoutDuration returns the executor request timeout as a time.Duration.
func (e *ExecutorConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(e.RequestTimeout) * time.Second
}

// ConnectTimeoutDuration returns the executor dial timeout as a time.Duration.
func (e *ExecutorConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(e.ConnectTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SANDPIT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// detectDefaultBackend selects the container backend based on environment.
func detectDefaultBackend() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "kubernetes"
	}
	return "docker"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Internal API defaults - empty token means generate a dev token at load
	v.SetDefault("internal.token", "")
	v.SetDefault("internal.controlPlaneUrl", "http://sandpitd:8080")

	// Database defaults - sqlite file unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "sandpit.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sandpit")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sandpit")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Object storage defaults - endpoint empty means AWS resolution
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "sandpit-workspaces")
	v.SetDefault("storage.accessKey", "")
	v.SetDefault("storage.secretKey", "")
	v.SetDefault("storage.forcePathStyle", true)
	v.SetDefault("storage.presignTtl", 900)

	// Backend defaults
	v.SetDefault("backend.kind", "auto")
	v.SetDefault("backend.executorPort", 8080)
	v.SetDefault("backend.imagePullPolicy", "IfNotPresent")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.43")
	v.SetDefault("docker.network", "sandpit-network")

	// Kubernetes defaults
	v.SetDefault("kubernetes.namespace", "sandpit")
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.storageClass", "")
	v.SetDefault("kubernetes.csiEnabled", false)
	v.SetDefault("kubernetes.s3MountImage", "sandpit/s3-mount:latest")

	// Warm pool defaults
	v.SetDefault("warmPool.enabled", true)
	v.SetDefault("warmPool.poolSize", 2)
	v.SetDefault("warmPool.minSize", 1)
	v.SetDefault("warmPool.maxIdleTime", 180)
	v.SetDefault("warmPool.maxPerTemplate", 5)

	// Reconciler defaults
	v.SetDefault("reconciler.stateSyncInterval", 30)
	v.SetDefault("reconciler.cleanupInterval", 60)
	v.SetDefault("reconciler.idleTimeout", 1800)
	v.SetDefault("reconciler.maxLifetime", 21600)
	v.SetDefault("reconciler.creationDeadline", 300)
	v.SetDefault("reconciler.fanOut", 8)

	// Executor defaults
	v.SetDefault("executor.requestTimeout", 30)
	v.SetDefault("executor.connectTimeout", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandpit-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Catalog defaults - empty path means the embedded template catalog
	v.SetDefault("catalog.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDPIT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/sandpit/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SANDPIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the SANDPIT_ prefix.
	// Containers and deploy manifests set these directly, so both spellings work.
	_ = v.BindEnv("internal.controlPlaneUrl", "CONTROL_PLANE_URL", "SANDPIT_INTERNAL_CONTROL_PLANE_URL")
	_ = v.BindEnv("internal.token", "INTERNAL_API_TOKEN", "SANDPIT_INTERNAL_TOKEN")
	_ = v.BindEnv("storage.endpoint", "SANDPIT_STORAGE_ENDPOINT", "S3_ENDPOINT_URL")
	_ = v.BindEnv("storage.accessKey", "SANDPIT_STORAGE_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secretKey", "SANDPIT_STORAGE_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandpit/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Internal token - generate a dev token if not set
	if cfg.Internal.Token == "" {
		cfg.Internal.Token = generateDevToken()
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Backend validation
	switch cfg.Backend.Kind {
	case "docker", "kubernetes":
	case "auto":
		cfg.Backend.Kind = detectDefaultBackend()
	default:
		errs = append(errs, "backend.kind must be one of: docker, kubernetes, auto")
	}
	if cfg.Backend.ExecutorPort <= 0 || cfg.Backend.ExecutorPort > 65535 {
		errs = append(errs, "backend.executorPort must be between 1 and 65535")
	}

	// Storage validation - bucket is always required, the prefix layout depends on it
	if cfg.Storage.Bucket == "" {
		errs = append(errs, "storage.bucket is required")
	}
	if cfg.Storage.PresignTTL <= 0 {
		errs = append(errs, "storage.presignTtl must be positive")
	}

	// Warm pool validation
	if cfg.WarmPool.PoolSize < 0 {
		errs = append(errs, "warmPool.poolSize must not be negative")
	}
	if cfg.WarmPool.MinSize < 0 {
		errs = append(errs, "warmPool.minSize must not be negative")
	}
	if cfg.WarmPool.MinSize > cfg.WarmPool.PoolSize {
		errs = append(errs, "warmPool.minSize must not exceed warmPool.poolSize")
	}
	if cfg.WarmPool.MaxPerTemplate <= 0 {
		errs = append(errs, "warmPool.maxPerTemplate must be positive")
	}

	// Reconciler validation - negative idleTimeout/maxLifetime disables the sweep
	if cfg.Reconciler.StateSyncInterval <= 0 {
		errs = append(errs, "reconciler.stateSyncInterval must be positive")
	}
	if cfg.Reconciler.CleanupInterval <= 0 {
		errs = append(errs, "reconciler.cleanupInterval must be positive")
	}
	if cfg.Reconciler.FanOut <= 0 {
		errs = append(errs, "reconciler.fanOut must be positive")
	}

	// Executor validation
	if cfg.Executor.RequestTimeout <= 0 {
		errs = append(errs, "executor.requestTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// TemplatePool returns the effective pool sizing for a template,
// falling back to the global defaults when no override exists.
func (w *WarmPoolConfig) TemplatePool(templateID string) (poolSize, minSize int, maxIdle time.Duration) {
	poolSize, minSize, maxIdle = w.PoolSize, w.MinSize, w.MaxIdleTimeDuration()
	if t, ok := w.Templates[templateID]; ok {
		if t.PoolSize > 0 {
			poolSize = t.PoolSize
		}
		if t.MinSize > 0 {
			minSize = t.MinSize
		}
		if t.MaxIdleTime > 0 {
			maxIdle = time.Duration(t.MaxIdleTime) * time.Second
		}
	}
	return poolSize, minSize, maxIdle
}

// generateDevToken generates a random token for development mode.
func generateDevToken() string {
	// Fixed prefix so a leaked dev token is recognizable in logs.
	// In production, operators should set INTERNAL_API_TOKEN.
	return "dev-token-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
