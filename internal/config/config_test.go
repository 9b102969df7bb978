package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const minimal = `
storage: memory
admin:
  token: secret-token
keys:
  master_secret: 0123456789abcdef
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(minimal))
	require.NoError(t, err)

	require.Equal(t, StorageMemory, cfg.Storage)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 5*time.Minute, cfg.RevealTTL())
	require.Equal(t, time.Hour, cfg.OrderTTL())
	require.Equal(t, 30*time.Second, cfg.WorkerInterval())
	require.Equal(t, "kl", cfg.Keys.Prefix)
	require.True(t, cfg.Pricing.TaxPercent.IsZero())
	require.Equal(t, 3, cfg.Gateway.FailoverThreshold)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("KL_TEST_TOKEN", "from-env")

	cfg, err := Parse(strings.NewReader(`
storage: memory
admin:
  token: ${KL_TEST_TOKEN}
keys:
  master_secret: ${KL_TEST_SECRET:-fallback-secret-value}
pricing:
  tax_percent: "11"
`))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Admin.Token)
	require.Equal(t, "fallback-secret-value", cfg.Keys.MasterSecret)
	require.True(t, cfg.Pricing.TaxPercent.Equal(decimal.NewFromInt(11)))
}

func TestParseMissingVariable(t *testing.T) {
	_, err := Parse(strings.NewReader(`
storage: memory
admin:
  token: ${KL_TEST_UNSET_TOKEN}
`))
	require.ErrorContains(t, err, "KL_TEST_UNSET_TOKEN")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REVEAL_TTL_SECONDS", "60")
	t.Setenv("GATEWAY_BASE_URLS", "https://a.example, ,https://b.example")
	t.Setenv("TAX_PERCENT", "12.5")
	t.Setenv("WORKER_INTERVAL_SECONDS", "not-a-number")

	cfg, err := Parse(strings.NewReader(minimal))
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.RevealTTL())
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Gateway.BaseURLs)
	require.Equal(t, "12.5", cfg.Pricing.TaxPercent.String())
	require.Equal(t, 30*time.Second, cfg.WorkerInterval())
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"postgres without dsn": "storage: postgres\nadmin: {token: t}\nkeys: {master_secret: 0123456789abcdef}\n",
		"unknown storage":      "storage: sqlite\nadmin: {token: t}\nkeys: {master_secret: 0123456789abcdef}\n",
		"missing admin token":  "storage: memory\nkeys: {master_secret: 0123456789abcdef}\n",
		"short secret":         "storage: memory\nadmin: {token: t}\nkeys: {master_secret: short}\n",
		"tax above 100":        "storage: memory\nadmin: {token: t}\nkeys: {master_secret: 0123456789abcdef}\npricing: {tax_percent: \"101\"}\n",
		"node out of range":    "storage: memory\nadmin: {token: t}\nkeys: {master_secret: 0123456789abcdef}\npricing: {invoice_node: 2048}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFromConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "secret-token", cfg.Admin.Token)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
