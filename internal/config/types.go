package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration, decoded from yaml with toml
// struct tags (viper lowercases keys either way).
type Config struct {
	App      AppConfig      `toml:"app"`
	Broker   BrokerConfig   `toml:"broker"`
	Market   MarketConfig   `toml:"market"`
	Engine   EngineConfig   `toml:"engine"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Guardian GuardianConfig `toml:"guardian"`
	Audit    AuditConfig    `toml:"audit"`
	Server   ServerConfig   `toml:"server"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// BrokerConfig selects and parameterizes the order-routing adapter.
type BrokerConfig struct {
	// Adapter is "sim" or "binance".
	Adapter     string `toml:"adapter"`
	APIKey      string `toml:"api_key"`
	APISecret   string `toml:"api_secret"`
	RESTBaseURL string `toml:"rest_base_url"`
	Testnet     bool   `toml:"testnet"`
}

type MarketConfig struct {
	Instruments []InstrumentConfig `toml:"instruments"`
	StaleSoftMS int                `toml:"stale_soft_ms"`
	StaleHardMS int                `toml:"stale_hard_ms"`
}

func (m *MarketConfig) SoftStale() time.Duration { return msDuration(m.StaleSoftMS) }
func (m *MarketConfig) HardStale() time.Duration { return msDuration(m.StaleHardMS) }

// InstrumentConfig carries contract metadata as strings so tick and lot
// sizes survive decoding without float rounding.
type InstrumentConfig struct {
	Symbol   string `toml:"symbol"`
	TickSize string `toml:"tick_size"`
	LotSize  string `toml:"lot_size"`
}

type EngineConfig struct {
	InterpretMode   string  `toml:"interpret_mode"`
	AckTimeoutMS    int     `toml:"ack_timeout_ms"`
	FillTimeoutMS   int     `toml:"fill_timeout_ms"`
	CancelTimeoutMS int     `toml:"cancel_timeout_ms"`
	MaxRetries      int     `toml:"max_retries"`
	BackoffBaseMS   int     `toml:"backoff_base_ms"`
	BackoffMaxMS    int     `toml:"backoff_max_ms"`
	RepricePolicy   string  `toml:"reprice_policy"`
	CrossTicks      int     `toml:"cross_ticks"`
	ThrottleRate    float64 `toml:"throttle_rate"`
	ThrottleBurst   int     `toml:"throttle_burst"`
	MaxOrderQty     string  `toml:"max_order_qty"`
	MaxPositionQty  string  `toml:"max_position_qty"`
	LiquidityFactor string  `toml:"liquidity_factor"`
	TickIntervalMS  int     `toml:"tick_interval_ms"`
	QueueSize       int     `toml:"queue_size"`
}

func (e *EngineConfig) AckTimeout() time.Duration    { return msDuration(e.AckTimeoutMS) }
func (e *EngineConfig) FillTimeout() time.Duration   { return msDuration(e.FillTimeoutMS) }
func (e *EngineConfig) CancelTimeout() time.Duration { return msDuration(e.CancelTimeoutMS) }
func (e *EngineConfig) BackoffBase() time.Duration   { return msDuration(e.BackoffBaseMS) }
func (e *EngineConfig) BackoffMax() time.Duration    { return msDuration(e.BackoffMaxMS) }
func (e *EngineConfig) TickInterval() time.Duration  { return msDuration(e.TickIntervalMS) }

func (e *EngineConfig) MaxOrderQtyDecimal() decimal.Decimal    { return looseDecimal(e.MaxOrderQty) }
func (e *EngineConfig) MaxPositionQtyDecimal() decimal.Decimal { return looseDecimal(e.MaxPositionQty) }

func (e *EngineConfig) LiquidityFactorDecimal() decimal.Decimal {
	return looseDecimal(e.LiquidityFactor)
}

type LedgerConfig struct {
	Tolerance       string `toml:"tolerance"`
	IntervalSeconds int    `toml:"interval_seconds"`
	AutoFlatten     bool   `toml:"auto_flatten"`
}

func (l *LedgerConfig) Interval() time.Duration {
	return time.Duration(l.IntervalSeconds) * time.Second
}

func (l *LedgerConfig) ToleranceDecimal() decimal.Decimal { return looseDecimal(l.Tolerance) }

type GuardianConfig struct {
	EvaluateIntervalMS      int             `toml:"evaluate_interval_ms"`
	Symbols                 []string        `toml:"symbols"`
	RecoveryCooldownSeconds int             `toml:"recovery_cooldown_seconds"`
	HealthyCycles           int             `toml:"healthy_cycles"`
	AutoRecover             bool            `toml:"auto_recover"`
	FlattenOnHalt           bool            `toml:"flatten_on_halt"`
	LegPairs                []LegPairConfig `toml:"leg_pairs"`
	QueueSize               int             `toml:"queue_size"`
}

func (g *GuardianConfig) EvaluateInterval() time.Duration { return msDuration(g.EvaluateIntervalMS) }

func (g *GuardianConfig) RecoveryCooldown() time.Duration {
	return time.Duration(g.RecoveryCooldownSeconds) * time.Second
}

// LegPairConfig names two instruments whose net quantities are expected to
// offset each other within max_gap.
type LegPairConfig struct {
	Long            string `toml:"long"`
	Short           string `toml:"short"`
	MaxGap          string `toml:"max_gap"`
	CooldownSeconds int    `toml:"cooldown_seconds"`
}

func (p *LegPairConfig) MaxGapDecimal() decimal.Decimal { return looseDecimal(p.MaxGap) }

func (p *LegPairConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

type AuditConfig struct {
	DBPath    string `toml:"db_path"`
	QueueSize int    `toml:"queue_size"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	JWTSecret    string `toml:"jwt_secret"`
	AuthDisabled bool   `toml:"auth_disabled"`
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// looseDecimal parses a validated decimal string. Empty or garbage input
// (possible only before validate has run) yields zero.
func looseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// keySet records which config paths were set explicitly in the file, so
// defaults never clobber a deliberate zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one default-application rule: skip when the key was set
// explicitly or when need reports the field already holds a value.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
