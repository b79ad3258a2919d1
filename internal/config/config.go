package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Import   ImportConfig   `mapstructure:"import"`
	Target   TargetConfig   `mapstructure:"target"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
	// MaxUploadMB bounds interchange file uploads.
	MaxUploadMB int64 `mapstructure:"max_upload_mb"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite | postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	}
	if c.Path == "" || c.Path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return c.Path + "?_busy_timeout=5000"
}

// StorageConfig selects the object store that receives downloaded media.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3 | r2 | s3compatible | minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
	// Dir is the media directory of the local backend.
	Dir string `mapstructure:"dir"`
}

type ImportConfig struct {
	// Site is the target site key. At most one job per site may be importing.
	Site           string        `mapstructure:"site"`
	Workers        int           `mapstructure:"workers"`
	PageSize       int           `mapstructure:"page_size"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryWait      time.Duration `mapstructure:"retry_wait"`
	RetryMaxWait   time.Duration `mapstructure:"retry_max_wait"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RollbackWindow time.Duration `mapstructure:"rollback_window"`
	MediaTimeout   time.Duration `mapstructure:"media_timeout"`
	MaxImageSize   int           `mapstructure:"max_image_size"`
	UploadDir      string        `mapstructure:"upload_dir"`
	Username       string        `mapstructure:"username"`
	AppPassword    string        `mapstructure:"app_password"`
}

// TargetConfig describes the receiving site.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// URLPatterns maps an entity type to a path pattern with a {slug} placeholder.
	URLPatterns map[string]string `mapstructure:"url_patterns"`
	// ContentTypes lists custom content types accepted besides post and page.
	ContentTypes []string `mapstructure:"content_types"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	File        string `mapstructure:"file"`
	FileOnly    bool   `mapstructure:"file_only"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
	ServiceName string `mapstructure:"service_name"`
}

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment only.
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("import.app_password", "IMPORT_APP_PASSWORD")
	v.BindEnv("import.username", "IMPORT_USERNAME")
	v.BindEnv("target.base_url", "TARGET_BASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.max_upload_mb", 512)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/contentport.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.bucket", "imported-media")
	v.SetDefault("storage.prefix", "imports")
	v.SetDefault("storage.dir", "./data/media")

	v.SetDefault("import.site", "default")
	v.SetDefault("import.workers", 4)
	v.SetDefault("import.page_size", 100)
	v.SetDefault("import.retry_count", 4)
	v.SetDefault("import.retry_wait", 500*time.Millisecond)
	v.SetDefault("import.retry_max_wait", 8*time.Second)
	v.SetDefault("import.request_timeout", 30*time.Second)
	v.SetDefault("import.rollback_window", 30*24*time.Hour)
	v.SetDefault("import.media_timeout", 60*time.Second)
	v.SetDefault("import.max_image_size", 2048)
	v.SetDefault("import.upload_dir", "./data/uploads")

	v.SetDefault("target.base_url", "")
	v.SetDefault("target.url_patterns", DefaultURLPatterns())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.service_name", "contentport")
}

// DefaultURLPatterns returns the target permalink shapes per entity type.
func DefaultURLPatterns() map[string]string {
	return map[string]string{
		"post":     "/blog/{slug}",
		"page":     "/{slug}",
		"category": "/category/{slug}",
		"tag":      "/tag/{slug}",
		"user":     "/author/{slug}",
	}
}

// Validate rejects settings the import engine cannot run with.
func (c *Config) Validate() error {
	if c.Import.Workers < 1 {
		return fmt.Errorf("import.workers must be at least 1, got %d", c.Import.Workers)
	}
	if c.Import.PageSize < 1 || c.Import.PageSize > 100 {
		return fmt.Errorf("import.page_size must be within 1..100, got %d", c.Import.PageSize)
	}
	if c.Import.RollbackWindow <= 0 {
		return fmt.Errorf("import.rollback_window must be positive")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	return nil
}
