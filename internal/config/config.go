package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Environment string
	Port        string
	BaseURL     string

	LogLevel  string
	LogFormat string

	DBType            string
	DatabaseURL       string
	DBMaxIdleConns    int
	DBMaxOpenConns    int
	DBConnMaxLifetime time.Duration

	RedisURL string

	Mpesa  MpesaConfig
	Router RouterConfig
	Worker WorkerConfig
	Alert  AlertConfig

	FirebaseCredentialsPath string
}

// MpesaConfig configures the Daraja STK push client.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CountryCode    string
	Timezone       string
	Timeout        time.Duration
}

// RouterConfig configures the MikroTik API connection.
type RouterConfig struct {
	Host     string
	Username string
	Password string
	Port     int
	Timeout  time.Duration
}

// Address is the host:port the RouterOS API listens on.
func (r RouterConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	TaskTimeout time.Duration
	Embedded    bool
}

type AlertConfig struct {
	Channel string // "whatsapp", "email" or empty to disable
	Target  string

	WahaBaseURL string
	WahaAPIKey  string

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
}

// Load reads configuration from the environment, after loading a .env file if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	mpesaTimeout, err := getenvDuration("MPESA_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	routerTimeout, err := getenvDuration("MIKROTIK_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	interval, err := getenvDuration("WORKER_INTERVAL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	taskTimeout, err := getenvDuration("WORKER_TASK_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := getenvDuration("DB_CONN_MAX_LIFETIME", time.Hour)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: getenv("APP_ENV", "development"),
		Port:        getenv("PORT", "8080"),
		BaseURL:     strings.TrimRight(getenv("BASE_URL", "http://localhost:8080"), "/"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxIdleConns:    getenvInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:    getenvInt("DB_MAX_OPEN_CONNS", 100),
		DBConnMaxLifetime: connMaxLifetime,

		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),

		Mpesa: MpesaConfig{
			BaseURL:        strings.TrimRight(getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CountryCode:    getenv("MPESA_COUNTRY_CODE", "254"),
			Timezone:       getenv("MPESA_TIMEZONE", "Africa/Nairobi"),
			Timeout:        mpesaTimeout,
		},
		Router: RouterConfig{
			Host:     getenv("MIKROTIK_HOST", "192.168.88.1"),
			Username: getenv("MIKROTIK_USERNAME", "admin"),
			Password: os.Getenv("MIKROTIK_PASSWORD"),
			Port:     getenvInt("MIKROTIK_API_PORT", 8728),
			Timeout:  routerTimeout,
		},
		Worker: WorkerConfig{
			Interval:    interval,
			BatchSize:   getenvInt("WORKER_BATCH_SIZE", 100),
			TaskTimeout: taskTimeout,
			Embedded:    getenvBool("WORKER_EMBEDDED", true),
		},
		Alert: AlertConfig{
			Channel:      strings.ToLower(strings.TrimSpace(os.Getenv("ALERT_CHANNEL"))),
			Target:       strings.TrimSpace(os.Getenv("ALERT_TARGET")),
			WahaBaseURL:  getenv("WAHA_BASE_URL", "http://waha:3000"),
			WahaAPIKey:   os.Getenv("WAHA_API_KEY"),
			SMTPHost:     os.Getenv("SMTP_HOST"),
			SMTPPort:     getenv("SMTP_PORT", "587"),
			SMTPUser:     os.Getenv("SMTP_USER"),
			SMTPPassword: os.Getenv("SMTP_PASS"),
			EmailFrom:    os.Getenv("EMAIL_FROM"),
		},

		FirebaseCredentialsPath: getenv("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json"),
	}

	if cfg.DBType != "postgres" && cfg.DBType != "sqlite" {
		return Config{}, fmt.Errorf("unsupported DATABASE_TYPE %q", cfg.DBType)
	}
	if cfg.Worker.Interval <= 0 {
		return Config{}, fmt.Errorf("WORKER_INTERVAL must be positive")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
