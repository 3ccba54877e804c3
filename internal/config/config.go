package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// AppConfig is the explicit configuration object handed to every component at
// construction time. Nothing reads the environment past Load.
type AppConfig struct {
	OpenWeatherAPIKey string `validate:"required"`
	WeatherAPIKey     string

	// Object storage.
	BucketName string `validate:"required"`
	Region     string
	KMSKeyID   string
	KMSManaged bool // create a KMS key at startup when none is configured
	Immutable  bool // conflict instead of overwrite on differing duplicate keys

	// Locations to collect, e.g. "Austin,Calgary".
	Locations []string `validate:"required,min=1,dive,required"`

	// Outbound HTTP.
	HTTPTimeout  time.Duration
	RateLimitRPS float64

	// Retry policy knobs (transient errors only).
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Daemon mode.
	FetchInterval time.Duration
	Port          string
}

// Load reads configuration from environment with sensible defaults and
// validates it. The caller loads .env beforehand if one exists.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}

	cfg.OpenWeatherAPIKey = os.Getenv("OPENWEATHER_API_KEY")
	cfg.WeatherAPIKey = os.Getenv("WEATHERAPI_API_KEY")

	cfg.BucketName = os.Getenv("AWS_BUCKET_NAME")
	cfg.Region = os.Getenv("AWS_REGION")
	cfg.KMSKeyID = os.Getenv("AWS_KMS_KEY_ID")
	cfg.KMSManaged = getenvBool("STORAGE_CREATE_KMS_KEY", false)
	cfg.Immutable = getenvBool("STORAGE_IMMUTABLE", false)

	for _, loc := range strings.Split(os.Getenv("WEATHER_LOCATIONS"), ",") {
		loc = strings.TrimSpace(loc)
		if loc != "" {
			cfg.Locations = append(cfg.Locations, loc)
		}
	}

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	cfg.RateLimitRPS = getenvFloat("RATE_LIMIT_RPS", 1.0)

	cfg.MaxRetries = getenvInt("RETRY_MAX_ATTEMPTS", 3)
	if cfg.RetryInitial, err = getenvDuration("RETRY_INITIAL_INTERVAL", "500ms"); err != nil {
		return nil, err
	}
	if cfg.RetryMax, err = getenvDuration("RETRY_MAX_INTERVAL", "5s"); err != nil {
		return nil, err
	}

	if cfg.FetchInterval, err = getenvDuration("FETCH_INTERVAL", "15m"); err != nil {
		return nil, err
	}
	cfg.Port = getenvDefault("PORT", "8080")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
