package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/inventory-ledger/inventory"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "./data/inventory.db", cfg.Database.DSN)
	assert.Equal(t, time.Hour, cfg.Database.ConnMaxLifetime)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "inventory", cfg.Metrics.Namespace)
	assert.Zero(t, cfg.Audit.Interval)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, inventory.PurchasesAdminOnly, cfg.AccessPolicy().ProjectPurchases)
	assert.False(t, cfg.Rules().AllowCentralIssueToPerson)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INVENTORY_APP_PORT", "9090")
	t.Setenv("INVENTORY_APP_TIMEZONE", "Africa/Nairobi")
	t.Setenv("INVENTORY_POLICY_PROJECT_PURCHASES", "managers")
	t.Setenv("INVENTORY_POLICY_ALLOW_CENTRAL_ISSUE_TO_PERSON", "true")
	t.Setenv("INVENTORY_AUDIT_INTERVAL", "15m")
	t.Setenv("INVENTORY_METRICS_ENABLED", "false")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, "Africa/Nairobi", cfg.Location().String())
	assert.Equal(t, inventory.PurchasesManagers, cfg.AccessPolicy().ProjectPurchases)
	assert.True(t, cfg.Rules().AllowCentralIssueToPerson)
	assert.Equal(t, 15*time.Minute, cfg.Audit.Interval)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "inventory.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
driver = "postgres"
dsn = "postgres://inventory@localhost/inventory?sslmode=disable"

[log]
level = "debug"
format = "json"
`), 0o644))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("missing.toml")

	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"INVENTORY_DATABASE_DRIVER": "mysql"}},
		{"postgres without dsn", map[string]string{"INVENTORY_DATABASE_DRIVER": "postgres"}},
		{"bad timezone", map[string]string{"INVENTORY_APP_TIMEZONE": "Mars/Olympus"}},
		{"bad purchase policy", map[string]string{"INVENTORY_POLICY_PROJECT_PURCHASES": "everyone"}},
		{"negative audit interval", map[string]string{"INVENTORY_AUDIT_INTERVAL": "-1m"}},
		{"production without secret", map[string]string{"INVENTORY_APP_ENV": "production"}},
		{"production with short secret", map[string]string{
			"INVENTORY_APP_ENV":         "production",
			"INVENTORY_AUTH_JWT_SECRET": "short",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")

			assert.Error(t, err)
		})
	}
}

func TestLoad_ProductionWithSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INVENTORY_APP_ENV", "production")
	t.Setenv("INVENTORY_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
