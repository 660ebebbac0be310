package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Billing struct {
		StripeSecretKey     string        `yaml:"stripe_secret_key"`
		StripeWebhookSecret string        `yaml:"stripe_webhook_secret"`
		RetryAttempts       int           `yaml:"retry_attempts"`
		RetryInterval       time.Duration `yaml:"retry_interval"`
	} `yaml:"billing"`
	Security struct {
		APIKey          string `yaml:"api_key"`
		TokenSigningKey string `yaml:"token_signing_key"`
	} `yaml:"security"`
	Auth struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"auth"`
	Trial struct {
		LengthDays       int `yaml:"length_days"`
		MaxUsers         int `yaml:"max_users"`
		MaxPackagesMonth int `yaml:"max_packages_month"`
	} `yaml:"trial"`
	Enforcement struct {
		// FailOpen keeps gated routes available when the trial evaluation
		// itself fails (store outage etc). Denials are unaffected.
		FailOpen bool `yaml:"fail_open"`
	} `yaml:"enforcement"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.Billing.RetryAttempts = 3
	cfg.Billing.RetryInterval = 30 * time.Second
	cfg.Trial.LengthDays = 7
	cfg.Trial.MaxUsers = 5
	cfg.Trial.MaxPackagesMonth = 500
	cfg.Enforcement.FailOpen = true
	cfg.Log.Level = "info"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MR_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("MR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MR_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MR_STRIPE_SECRET_KEY"); v != "" {
		cfg.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("MR_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("MR_BILLING_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Billing.RetryAttempts = n
		}
	}
	if v := os.Getenv("MR_BILLING_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Billing.RetryInterval = d
		}
	}
	if v := os.Getenv("MR_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("MR_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Security.TokenSigningKey = v
	}
	if v := os.Getenv("MR_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("MR_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("MR_TRIAL_LENGTH_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Trial.LengthDays = n
		}
	}
	if v := os.Getenv("MR_TRIAL_MAX_USERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trial.MaxUsers = n
		}
	}
	if v := os.Getenv("MR_TRIAL_MAX_PACKAGES_MONTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trial.MaxPackagesMonth = n
		}
	}
	if v := os.Getenv("MR_ENFORCEMENT_FAIL_OPEN"); v != "" {
		cfg.Enforcement.FailOpen = parseBool(v, cfg.Enforcement.FailOpen)
	}
	if v := os.Getenv("MR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
