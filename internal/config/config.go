package config

import (
	"errors"
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
	Security struct {
		APIKey          string `yaml:"api_key"`
		TokenSigningKey string `yaml:"token_signing_key"`
	} `yaml:"security"`
	Auth struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"auth"`
	Billing struct {
		StripeSecretKey     string `yaml:"stripe_secret_key"`
		StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	} `yaml:"billing"`
	UPI struct {
		MerchantVPA    string        `yaml:"merchant_vpa"`
		MerchantName   string        `yaml:"merchant_name"`
		GatewayURL     string        `yaml:"gateway_url"`
		PaymentTimeout time.Duration `yaml:"payment_timeout"`
	} `yaml:"upi"`
	Trial struct {
		Days    int `yaml:"days"`
		Credits int `yaml:"credits"`
	} `yaml:"trial"`
	Renewal struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		WarnOffsets   []int         `yaml:"warn_offsets_days"`
	} `yaml:"renewal"`
	Payments struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		PollTimeout  time.Duration `yaml:"poll_timeout"`
	} `yaml:"payments"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.UPI.MerchantName = "AUTOOS"
	cfg.UPI.PaymentTimeout = 15 * time.Minute
	cfg.Trial.Days = 30
	cfg.Trial.Credits = 10
	cfg.Renewal.SweepInterval = time.Minute
	cfg.Renewal.WarnOffsets = []int{7, 3, 1}
	cfg.Payments.PollInterval = 30 * time.Second
	cfg.Payments.PollTimeout = 10 * time.Second
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

	if cfg.Database.DSN == "" {
		return cfg, errors.New("missing database.dsn (or AO_DB_DSN)")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AO_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("AO_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AO_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AO_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("AO_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Security.TokenSigningKey = v
	}
	if v := os.Getenv("AO_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("AO_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("AO_STRIPE_SECRET_KEY"); v != "" {
		cfg.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("AO_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("AO_UPI_MERCHANT_VPA"); v != "" {
		cfg.UPI.MerchantVPA = v
	}
	if v := os.Getenv("AO_UPI_MERCHANT_NAME"); v != "" {
		cfg.UPI.MerchantName = v
	}
	if v := os.Getenv("AO_UPI_GATEWAY_URL"); v != "" {
		cfg.UPI.GatewayURL = v
	}
	if v := os.Getenv("AO_UPI_PAYMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.UPI.PaymentTimeout = d
		}
	}
	if v := os.Getenv("AO_TRIAL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trial.Days = n
		}
	}
	if v := os.Getenv("AO_TRIAL_CREDITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trial.Credits = n
		}
	}
	if v := os.Getenv("AO_RENEWAL_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Renewal.SweepInterval = d
		}
	}
	if v := os.Getenv("AO_RENEWAL_WARN_OFFSETS"); v != "" {
		if offsets := parseIntCSV(v); len(offsets) > 0 {
			cfg.Renewal.WarnOffsets = offsets
		}
	}
	if v := os.Getenv("AO_PAYMENTS_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Payments.PollInterval = d
		}
	}
	if v := os.Getenv("AO_PAYMENTS_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Payments.PollTimeout = d
		}
	}
	if v := os.Getenv("AO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseIntCSV(input string) []int {
	var out []int
	for _, part := range strings.Split(input, ",") {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
