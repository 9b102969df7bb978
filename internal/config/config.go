package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	// Storage selects the backing store: postgres (default) or memory for local runs.
	Storage string `yaml:"storage"`
	Server  struct {
		Addr                string `yaml:"addr"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
		RequestLogging      bool   `yaml:"request_logging"`
	} `yaml:"server"`
	DB struct {
		DSN          string `yaml:"dsn"`
		MaxConns     int32  `yaml:"max_conns"`
		TraceQueries bool   `yaml:"trace_queries"`
	} `yaml:"db"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Admin struct {
		Token string `yaml:"token"`
	} `yaml:"admin"`
	Keys struct {
		MasterSecret string `yaml:"master_secret"`
		Prefix       string `yaml:"prefix"`
	} `yaml:"keys"`
	Delivery struct {
		RevealTTLSeconds int `yaml:"reveal_ttl_seconds"`
	} `yaml:"delivery"`
	Orders struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"orders"`
	Pricing struct {
		TaxPercent  decimal.Decimal `yaml:"tax_percent"`
		Currency    string          `yaml:"currency"`
		InvoiceNode int64           `yaml:"invoice_node"`
	} `yaml:"pricing"`
	Gateway struct {
		BaseURLs                  []string `yaml:"base_urls"`
		APIKey                    string   `yaml:"api_key"`
		WebhookSecret             string   `yaml:"webhook_secret"`
		SignatureToleranceSeconds int      `yaml:"signature_tolerance_seconds"`
		EventsURLs                []string `yaml:"events_urls"`
		FailoverThreshold         int      `yaml:"failover_threshold"`
	} `yaml:"gateway"`
	Mail struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		From    string `yaml:"from"`
	} `yaml:"mail"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"worker"`
	Catalog struct {
		CacheSize       int `yaml:"cache_size"`
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
		// SeedPath names a YAML file of products and campaigns mirrored at startup.
		SeedPath string `yaml:"seed_path"`
	} `yaml:"catalog"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads YAML from r. ${VAR} and ${VAR:-default} references are expanded from
// the environment before decoding; a referenced variable without a default must be set.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	var cfg Config
	cfg.Storage = StoragePostgres
	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeoutSeconds = 15
	cfg.Server.WriteTimeoutSeconds = 30
	cfg.DB.MaxConns = 10
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Keys.Prefix = "kl"
	cfg.Delivery.RevealTTLSeconds = 300
	cfg.Orders.TTLMinutes = 60
	cfg.Pricing.TaxPercent = decimal.Zero
	cfg.Pricing.Currency = "IDR"
	cfg.Pricing.InvoiceNode = 1
	cfg.Gateway.SignatureToleranceSeconds = 300
	cfg.Gateway.FailoverThreshold = 3
	cfg.Worker.IntervalSeconds = 30
	cfg.Catalog.CacheSize = 1024
	cfg.Catalog.CacheTTLSeconds = 30
	return &cfg
}

func expandEnv(src string) (string, error) {
	var missing []string
	out := os.Expand(src, func(key string) string {
		if i := strings.Index(key, ":-"); i != -1 {
			if v, ok := os.LookupEnv(key[:i]); ok {
				return v
			}
			return key[i+2:]
		}
		v, ok := os.LookupEnv(key)
		if !ok {
			missing = append(missing, key)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config expects environment variables %v", missing)
	}
	return out, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Storage {
	case StoragePostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.Admin.Token == "" {
		return errors.New("admin.token is required")
	}
	if len(c.Keys.MasterSecret) < 16 {
		return errors.New("keys.master_secret must be at least 16 characters")
	}
	if c.Pricing.TaxPercent.IsNegative() || c.Pricing.TaxPercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("pricing.tax_percent must be between 0 and 100")
	}
	if c.Pricing.InvoiceNode < 0 || c.Pricing.InvoiceNode > 1023 {
		return errors.New("pricing.invoice_node must be between 0 and 1023")
	}
	if c.Delivery.RevealTTLSeconds <= 0 {
		return errors.New("delivery.reveal_ttl_seconds must be positive")
	}
	return nil
}

func (c *Config) RevealTTL() time.Duration {
	return time.Duration(c.Delivery.RevealTTLSeconds) * time.Second
}

func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.Orders.TTLMinutes) * time.Minute
}

func (c *Config) SignatureTolerance() time.Duration {
	return time.Duration(c.Gateway.SignatureToleranceSeconds) * time.Second
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) CatalogTTL() time.Duration {
	return time.Duration(c.Catalog.CacheTTLSeconds) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("KEYS_MASTER_SECRET"); v != "" {
		cfg.Keys.MasterSecret = v
	}
	if v := os.Getenv("KEYS_PREFIX"); v != "" {
		cfg.Keys.Prefix = v
	}
	if v := os.Getenv("REVEAL_TTL_SECONDS"); v != "" {
		cfg.Delivery.RevealTTLSeconds = atoiOr(cfg.Delivery.RevealTTLSeconds, v)
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("TAX_PERCENT"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("TAX_PERCENT: %w", err)
		}
		cfg.Pricing.TaxPercent = d
	}
	if v := os.Getenv("GATEWAY_BASE_URLS"); v != "" {
		cfg.Gateway.BaseURLs = splitCommaList(v)
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GATEWAY_WEBHOOK_SECRET"); v != "" {
		cfg.Gateway.WebhookSecret = v
	}
	if v := os.Getenv("GATEWAY_EVENTS_URLS"); v != "" {
		cfg.Gateway.EventsURLs = splitCommaList(v)
	}
	if v := os.Getenv("MAIL_API_KEY"); v != "" {
		cfg.Mail.APIKey = v
	}
	if v := os.Getenv("CATALOG_SEED_PATH"); v != "" {
		cfg.Catalog.SeedPath = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	return nil
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
