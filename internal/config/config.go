package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"alamor/internal/pkg/utils"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Bot       BotConfig
	API       APIConfig
	Security  SecurityConfig
	Panel     PanelConfig
	Provision ProvisionConfig
	Cron      CronConfig
	FreeTest  FreeTestConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Driver  string // "mysql", "postgres", "sqlite"
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string
	SSLMode string
	Path    string
}

type RedisConfig struct {
	Addr     string
	Pass     string
	DB       int
	DedupTTL time.Duration
}

type BotConfig struct {
	Token    string
	AdminIDs []string
}

type APIConfig struct {
	Key string
}

type SecurityConfig struct {
	EncryptionKey string
}

type PanelConfig struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	InsecureTLS  bool
}

type ProvisionConfig struct {
	Parallelism    int
	SubTokenLength int
	SubIDLength    int
}

type CronConfig struct {
	Health   string
	Expire   string
	Depleted string
}

type FreeTestConfig struct {
	VolumeGB float64
	Days     int
}

// Development reports whether APP_ENV is development.
func (c *Config) Development() bool {
	return c.Server.Env == "development"
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("DB_CHARSET", "utf8mb4")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_PATH", "alamor.db")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEDUP_TTL", "24h")
	v.SetDefault("PANEL_TIMEOUT", "15s")
	v.SetDefault("PANEL_RETRY_COUNT", 3)
	v.SetDefault("PANEL_RETRY_WAIT", "1s")
	v.SetDefault("PANEL_RETRY_MAX_WAIT", "5s")
	v.SetDefault("PANEL_INSECURE_TLS", true)
	v.SetDefault("PROVISION_PARALLELISM", 1)
	v.SetDefault("SUB_TOKEN_LENGTH", 16)
	v.SetDefault("SUB_ID_LENGTH", 12)
	v.SetDefault("CRON_HEALTH", "0 */5 * * * *")
	v.SetDefault("CRON_EXPIRE", "0 0 * * * *")
	v.SetDefault("CRON_DEPLETED", "")
	v.SetDefault("FREE_TEST_VOLUME_GB", 1)
	v.SetDefault("FREE_TEST_DAYS", 1)

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("APP_PORT"),
			Env:  v.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			Driver:  v.GetString("DB_DRIVER"),
			Host:    v.GetString("DB_HOST"),
			Port:    v.GetString("DB_PORT"),
			Name:    v.GetString("DB_NAME"),
			User:    v.GetString("DB_USER"),
			Pass:    v.GetString("DB_PASS"),
			Charset: v.GetString("DB_CHARSET"),
			SSLMode: v.GetString("DB_SSLMODE"),
			Path:    v.GetString("DB_PATH"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Pass:     v.GetString("REDIS_PASS"),
			DB:       v.GetInt("REDIS_DB"),
			DedupTTL: duration(v, "DEDUP_TTL", 24*time.Hour),
		},
		Bot: BotConfig{
			Token:    v.GetString("BOT_TOKEN"),
			AdminIDs: utils.SplitList(v.GetString("BOT_ADMIN_IDS")),
		},
		API: APIConfig{
			Key: v.GetString("API_KEY"),
		},
		Security: SecurityConfig{
			EncryptionKey: v.GetString("ENCRYPTION_KEY"),
		},
		Panel: PanelConfig{
			Timeout:      duration(v, "PANEL_TIMEOUT", 15*time.Second),
			RetryCount:   v.GetInt("PANEL_RETRY_COUNT"),
			RetryWait:    duration(v, "PANEL_RETRY_WAIT", time.Second),
			RetryMaxWait: duration(v, "PANEL_RETRY_MAX_WAIT", 5*time.Second),
			InsecureTLS:  v.GetBool("PANEL_INSECURE_TLS"),
		},
		Provision: ProvisionConfig{
			Parallelism:    v.GetInt("PROVISION_PARALLELISM"),
			SubTokenLength: v.GetInt("SUB_TOKEN_LENGTH"),
			SubIDLength:    v.GetInt("SUB_ID_LENGTH"),
		},
		Cron: CronConfig{
			Health:   v.GetString("CRON_HEALTH"),
			Expire:   v.GetString("CRON_EXPIRE"),
			Depleted: v.GetString("CRON_DEPLETED"),
		},
		FreeTest: FreeTestConfig{
			VolumeGB: v.GetFloat64("FREE_TEST_VOLUME_GB"),
			Days:     v.GetInt("FREE_TEST_DAYS"),
		},
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Name == "" {
		log.Println("WARNING: DB_NAME is not set")
	}
	if cfg.API.Key == "" {
		log.Println("WARNING: API_KEY is not set, /api routes will reject every request")
	}
	if cfg.Security.EncryptionKey == "" {
		if !cfg.Development() {
			return nil, errMissingEncryptionKey
		}
		log.Println("WARNING: ENCRYPTION_KEY is not set, using a development key")
		cfg.Security.EncryptionKey = "alamor-development-key"
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d < 0 {
		return def
	}
	return d
}
