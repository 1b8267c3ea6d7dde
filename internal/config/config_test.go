package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
server:
  auth_disabled: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.App.Env)
	require.Equal(t, "info", cfg.App.LogLevel)
	require.Equal(t, "sim", cfg.Broker.Adapter)
	require.Equal(t, "tolerant", cfg.Engine.InterpretMode)
	require.Equal(t, 3*time.Second, cfg.Engine.AckTimeout())
	require.Equal(t, 10*time.Second, cfg.Engine.FillTimeout())
	require.Equal(t, 5*time.Second, cfg.Engine.CancelTimeout())
	require.Equal(t, 3, cfg.Engine.MaxRetries)
	require.Equal(t, "to_best_plus_tick", cfg.Engine.RepricePolicy)
	require.Equal(t, 2*time.Second, cfg.Market.SoftStale())
	require.Equal(t, 10*time.Second, cfg.Market.HardStale())
	require.Equal(t, 30*time.Second, cfg.Ledger.Interval())
	require.True(t, cfg.Guardian.AutoRecover)
	require.Equal(t, 5, cfg.Guardian.HealthyCycles)
	require.Equal(t, ":9991", cfg.Server.Addr)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
app:
  env: prod
  log_level: warn
engine:
  interpret_mode: strict
  ack_timeout_ms: 1500
  reprice_policy: cross
  max_order_qty: "250"
  liquidity_factor: "0.5"
market:
  instruments:
    - symbol: IF2409
      tick_size: "0.2"
      lot_size: "1"
guardian:
  auto_recover: false
  leg_pairs:
    - long: IF2409
      short: IC2409
      max_gap: "2"
      cooldown_seconds: 60
server:
  jwt_secret: sekret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "strict", cfg.Engine.InterpretMode)
	require.Equal(t, 1500*time.Millisecond, cfg.Engine.AckTimeout())
	require.Equal(t, "cross", cfg.Engine.RepricePolicy)
	require.Equal(t, "250", cfg.Engine.MaxOrderQtyDecimal().String())
	require.Equal(t, "0.5", cfg.Engine.LiquidityFactorDecimal().String())
	require.Len(t, cfg.Market.Instruments, 1)
	require.False(t, cfg.Guardian.AutoRecover)
	require.Len(t, cfg.Guardian.LegPairs, 1)
	require.Equal(t, time.Minute, cfg.Guardian.LegPairs[0].Cooldown())
	require.False(t, cfg.Server.AuthDisabled)
}

func TestLoadExplicitZeroSurvives(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
engine:
  max_retries: 0
server:
  auth_disabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Engine.MaxRetries)
}

func TestLoadIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
app:
  env: prod
  log_level: debug
server:
  auth_disabled: true
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
app:
  log_level: error
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "prod", cfg.App.Env)
	// The including file wins over its includes.
	require.Equal(t, "error", cfg.App.LogLevel)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "include cycle")
}

func TestLoadValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad adapter", "broker:\n  adapter: ib\nserver:\n  auth_disabled: true\n", "broker.adapter"},
		{"binance without keys", "broker:\n  adapter: binance\nserver:\n  auth_disabled: true\n", "api_key"},
		{"missing jwt secret", "app:\n  env: prod\n", "jwt_secret"},
		{"bad reprice", "engine:\n  reprice_policy: chase\nserver:\n  auth_disabled: true\n", "reprice_policy"},
		{"hard below soft", "market:\n  stale_soft_ms: 5000\n  stale_hard_ms: 1000\nserver:\n  auth_disabled: true\n", "stale_hard_ms"},
		{"bad tick size", "market:\n  instruments:\n    - symbol: IF2409\n      tick_size: zero\n      lot_size: \"1\"\nserver:\n  auth_disabled: true\n", "tick_size"},
		{"leg pair same symbol", "guardian:\n  leg_pairs:\n    - long: IF2409\n      short: IF2409\n      max_gap: \"1\"\nserver:\n  auth_disabled: true\n", "must differ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tc.yaml)
			_, err := Load(path)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalYAML)

	got := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	writeFile(t, dir, "config.yaml", minimalYAML+"app:\n  log_level: debug\n")
	// Nudge mtime forward in case the rewrite landed in the same second.
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(2*time.Second)))

	select {
	case cfg := <-got:
		require.Equal(t, "debug", cfg.App.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the reloaded config")
	}
}

func TestWatcherKeepsRunningConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalYAML)

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	writeFile(t, dir, "config.yaml", "broker:\n  adapter: ib\n")
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(2*time.Second)))

	select {
	case <-got:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(2 * time.Second):
	}
}
