package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"

	defaultBrokerAdapter = "sim"
	defaultBinanceREST   = "https://fapi.binance.com"

	defaultStaleSoftMS = 2000
	defaultStaleHardMS = 10000

	defaultInterpretMode   = "tolerant"
	defaultAckTimeoutMS    = 3000
	defaultFillTimeoutMS   = 10000
	defaultCancelTimeoutMS = 5000
	defaultMaxRetries      = 3
	defaultBackoffBaseMS   = 500
	defaultBackoffMaxMS    = 5000
	defaultRepricePolicy   = "to_best_plus_tick"
	defaultCrossTicks      = 3
	defaultThrottleRate    = 5.0
	defaultThrottleBurst   = 10
	defaultTickIntervalMS  = 250
	defaultEngineQueue     = 1024

	defaultLedgerTolerance = "0"
	defaultLedgerInterval  = 30

	defaultEvaluateIntervalMS = 1000
	defaultRecoveryCooldownS  = 10
	defaultHealthyCycles      = 5
	defaultGuardianQueue      = 256

	defaultAuditDBPath = "data/audit.db"
	defaultAuditQueue  = 4096

	defaultServerAddr = ":9991"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Guardian.applyDefaults(keys)
	c.Audit.applyDefaults(keys)
	c.Server.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.adapter", &b.Adapter, defaultBrokerAdapter),
	)
	if strings.EqualFold(strings.TrimSpace(b.Adapter), "binance") {
		applyFieldDefaults(keys,
			stringFieldDefault("broker.rest_base_url", &b.RESTBaseURL, defaultBinanceREST),
		)
	}
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("market.stale_soft_ms", &m.StaleSoftMS, defaultStaleSoftMS),
		intFieldDefault("market.stale_hard_ms", &m.StaleHardMS, defaultStaleHardMS),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("engine.interpret_mode", &e.InterpretMode, defaultInterpretMode),
		intFieldDefault("engine.ack_timeout_ms", &e.AckTimeoutMS, defaultAckTimeoutMS),
		intFieldDefault("engine.fill_timeout_ms", &e.FillTimeoutMS, defaultFillTimeoutMS),
		intFieldDefault("engine.cancel_timeout_ms", &e.CancelTimeoutMS, defaultCancelTimeoutMS),
		intFieldDefault("engine.max_retries", &e.MaxRetries, defaultMaxRetries),
		intFieldDefault("engine.backoff_base_ms", &e.BackoffBaseMS, defaultBackoffBaseMS),
		intFieldDefault("engine.backoff_max_ms", &e.BackoffMaxMS, defaultBackoffMaxMS),
		stringFieldDefault("engine.reprice_policy", &e.RepricePolicy, defaultRepricePolicy),
		intFieldDefault("engine.cross_ticks", &e.CrossTicks, defaultCrossTicks),
		fieldDefault{
			key:   "engine.throttle_rate",
			need:  func() bool { return e.ThrottleRate <= 0 },
			apply: func() { e.ThrottleRate = defaultThrottleRate },
		},
		intFieldDefault("engine.throttle_burst", &e.ThrottleBurst, defaultThrottleBurst),
		intFieldDefault("engine.tick_interval_ms", &e.TickIntervalMS, defaultTickIntervalMS),
		intFieldDefault("engine.queue_size", &e.QueueSize, defaultEngineQueue),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.tolerance", &l.Tolerance, defaultLedgerTolerance),
		intFieldDefault("ledger.interval_seconds", &l.IntervalSeconds, defaultLedgerInterval),
	)
}

func (g *GuardianConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("guardian.evaluate_interval_ms", &g.EvaluateIntervalMS, defaultEvaluateIntervalMS),
		intFieldDefault("guardian.recovery_cooldown_seconds", &g.RecoveryCooldownSeconds, defaultRecoveryCooldownS),
		intFieldDefault("guardian.healthy_cycles", &g.HealthyCycles, defaultHealthyCycles),
		intFieldDefault("guardian.queue_size", &g.QueueSize, defaultGuardianQueue),
		boolFieldDefault("guardian.auto_recover", &g.AutoRecover, true),
	)
}

func (a *AuditConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("audit.db_path", &a.DBPath, defaultAuditDBPath),
		intFieldDefault("audit.queue_size", &a.QueueSize, defaultAuditQueue),
	)
}

func (s *ServerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("server.addr", &s.Addr, defaultServerAddr),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
