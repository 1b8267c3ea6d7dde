package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if err := c.Guardian.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Adapter)) {
	case "sim":
		return nil
	case "binance":
		if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "" {
			return fmt.Errorf("broker.adapter=binance requires api_key and api_secret")
		}
		return nil
	default:
		return fmt.Errorf("broker.adapter must be sim or binance, got %q", b.Adapter)
	}
}

func (m *MarketConfig) validate() error {
	if m.StaleSoftMS <= 0 || m.StaleHardMS <= 0 {
		return fmt.Errorf("market staleness thresholds must be > 0")
	}
	if m.StaleHardMS < m.StaleSoftMS {
		return fmt.Errorf("market.stale_hard_ms must be >= stale_soft_ms")
	}
	seen := make(map[string]bool, len(m.Instruments))
	for i, inst := range m.Instruments {
		sym := strings.TrimSpace(inst.Symbol)
		if sym == "" {
			return fmt.Errorf("market.instruments[%d] missing symbol", i)
		}
		if seen[sym] {
			return fmt.Errorf("market.instruments duplicates symbol %s", sym)
		}
		seen[sym] = true
		if err := requirePositiveDecimal(fmt.Sprintf("market.instruments.%s.tick_size", sym), inst.TickSize); err != nil {
			return err
		}
		if err := requirePositiveDecimal(fmt.Sprintf("market.instruments.%s.lot_size", sym), inst.LotSize); err != nil {
			return err
		}
	}
	return nil
}

func (e *EngineConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(e.InterpretMode)) {
	case "strict", "tolerant":
	default:
		return fmt.Errorf("engine.interpret_mode must be strict or tolerant, got %q", e.InterpretMode)
	}
	switch strings.ToLower(strings.TrimSpace(e.RepricePolicy)) {
	case "to_best", "to_best_plus_tick", "cross":
	default:
		return fmt.Errorf("engine.reprice_policy must be to_best, to_best_plus_tick or cross, got %q", e.RepricePolicy)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0")
	}
	if e.BackoffMaxMS < e.BackoffBaseMS {
		return fmt.Errorf("engine.backoff_max_ms must be >= backoff_base_ms")
	}
	if e.CrossTicks <= 0 {
		return fmt.Errorf("engine.cross_ticks must be > 0")
	}
	for _, f := range []struct{ key, raw string }{
		{"engine.max_order_qty", e.MaxOrderQty},
		{"engine.max_position_qty", e.MaxPositionQty},
		{"engine.liquidity_factor", e.LiquidityFactor},
	} {
		if err := optionalDecimal(f.key, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if strings.TrimSpace(l.Tolerance) != "" {
		d, err := decimal.NewFromString(strings.TrimSpace(l.Tolerance))
		if err != nil {
			return fmt.Errorf("ledger.tolerance is not a decimal: %q", l.Tolerance)
		}
		if d.IsNegative() {
			return fmt.Errorf("ledger.tolerance must be >= 0")
		}
	}
	return nil
}

func (g *GuardianConfig) validate() error {
	if g.HealthyCycles <= 0 {
		return fmt.Errorf("guardian.healthy_cycles must be > 0")
	}
	for i, pair := range g.LegPairs {
		if strings.TrimSpace(pair.Long) == "" || strings.TrimSpace(pair.Short) == "" {
			return fmt.Errorf("guardian.leg_pairs[%d] requires long and short symbols", i)
		}
		if pair.Long == pair.Short {
			return fmt.Errorf("guardian.leg_pairs[%d] long and short must differ", i)
		}
		if err := requirePositiveDecimal(fmt.Sprintf("guardian.leg_pairs[%d].max_gap", i), pair.MaxGap); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServerConfig) validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if !s.AuthDisabled && strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required unless auth_disabled is set")
	}
	return nil
}

func requirePositiveDecimal(key, raw string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s is not a decimal: %q", key, raw)
	}
	if !d.IsPositive() {
		return fmt.Errorf("%s must be > 0", key)
	}
	return nil
}

// optionalDecimal accepts empty (feature off) or a non-negative decimal.
func optionalDecimal(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%s is not a decimal: %q", key, raw)
	}
	if d.IsNegative() {
		return fmt.Errorf("%s must be >= 0", key)
	}
	return nil
}
