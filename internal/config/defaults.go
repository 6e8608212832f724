package config

import (
	"strings"

	"intraday/internal/types"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultBrokerMode         = "paper"
	defaultBrokerDialTimeout  = 10
	defaultBrokerWriteTimeout = 5
	defaultBrokerReadTimeout  = 60
	defaultBrokerPing         = 20
	defaultBrokerSendRate     = 20
	defaultBrokerSendBurst    = 10
	defaultBrokerReconnectMin = 500
	defaultBrokerReconnectMax = 30
	defaultPaperBalance       = 10000
	defaultResponseTimeout    = 5
	defaultReconcileEvery     = 30
	defaultReconcileDelay     = 200
	defaultBridgeCapacity     = 1024
	defaultBridgeDrainBudget  = 256
	defaultTickInterval       = 1000
	defaultMaxIteration       = 250
	defaultPersistTimeout     = 5
	defaultShortTTL           = 15
	defaultStandardTTL        = 60
	defaultExtendedTTL        = 240
	defaultTolerance          = 0.25
	defaultFallbackZonePct    = 0.001
	defaultHistoryLimit       = 500
	defaultManualQueue        = 8
	defaultATRInterval        = "1m"
	defaultATRPeriod          = 14
	defaultOrphanGrace        = 300
	defaultProvisionalTTL     = 120
	defaultCloseHistory       = 200
	defaultSendAttempts       = 3
	defaultRetryMin           = 200
	defaultRetryMax           = 2000
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 30
	defaultSizeStep           = 0.01
	defaultStoreDriver        = "sqlite"
	defaultStorePath          = "data/intraday.db"
	defaultJournalPath        = "data/journal.db"
	defaultNotifyQueue        = 64
	defaultNotifyFaultEvery   = 60
	defaultHTTPAddr           = ":9991"
	defaultSettingsPath       = "data/settings.yaml"
	defaultStandardQuality    = 0.5
	defaultStandardConfidence = 0.5
	defaultExtendedQuality    = 0.8
	defaultExtendedConfidence = 0.8
	defaultFileCheckpointName = "checkpoint.yaml"
	storeDriverSQLite         = "sqlite"
	storeDriverFile           = "file"
	storeDriverNone           = "none"
	brokerModeWS              = "ws"
	brokerModePaper           = defaultBrokerMode
	defaultLogPath            = ""
	defaultHTTPEnabled        = true
	defaultJournalEnabled     = true
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Bridge.applyDefaults(keys)
	c.Loop.applyDefaults(keys)
	c.Signals.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	c.Settings.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultLogPath),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		intFieldDefault("broker.dial_timeout_seconds", &b.DialTimeoutSeconds, defaultBrokerDialTimeout),
		intFieldDefault("broker.write_timeout_seconds", &b.WriteTimeoutSeconds, defaultBrokerWriteTimeout),
		intFieldDefault("broker.read_timeout_seconds", &b.ReadTimeoutSeconds, defaultBrokerReadTimeout),
		intFieldDefault("broker.ping_interval_seconds", &b.PingIntervalSeconds, defaultBrokerPing),
		floatFieldDefault("broker.send_rate", &b.SendRate, defaultBrokerSendRate),
		intFieldDefault("broker.send_burst", &b.SendBurst, defaultBrokerSendBurst),
		intFieldDefault("broker.reconnect_min_ms", &b.ReconnectMinMillis, defaultBrokerReconnectMin),
		intFieldDefault("broker.reconnect_max_seconds", &b.ReconnectMaxSeconds, defaultBrokerReconnectMax),
		floatFieldDefault("broker.paper_balance", &b.PaperBalance, defaultPaperBalance),
		intFieldDefault("broker.response_timeout_seconds", &b.ResponseTimeoutSecs, defaultResponseTimeout),
		intFieldDefault("broker.reconcile_every_seconds", &b.ReconcileEverySecs, defaultReconcileEvery),
		intFieldDefault("broker.reconcile_delay_ms", &b.ReconcileDelayMillis, defaultReconcileDelay),
	)
}

func (b *BridgeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("bridge.market_capacity", &b.MarketCapacity, defaultBridgeCapacity),
		intFieldDefault("bridge.drain_budget", &b.DrainBudget, defaultBridgeDrainBudget),
	)
}

func (l *LoopConfig) applyDefaults(keys keySet) {
	l.Instruments = normalizeInstruments(l.Instruments)
	applyFieldDefaults(keys,
		intFieldDefault("loop.tick_interval_ms", &l.TickIntervalMillis, defaultTickInterval),
		intFieldDefault("loop.max_iteration_ms", &l.MaxIterationMillis, defaultMaxIteration),
		intFieldDefault("loop.persist_timeout_seconds", &l.PersistTimeoutSecond, defaultPersistTimeout),
	)
}

func (s *SignalsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("signals.short_ttl_minutes", &s.ShortTTLMinutes, defaultShortTTL),
		intFieldDefault("signals.standard_ttl_minutes", &s.StandardTTLMinutes, defaultStandardTTL),
		intFieldDefault("signals.extended_ttl_minutes", &s.ExtendedTTLMinutes, defaultExtendedTTL),
		floatFieldDefault("signals.standard_quality", &s.StandardQuality, defaultStandardQuality),
		floatFieldDefault("signals.standard_confidence", &s.StandardConfidence, defaultStandardConfidence),
		floatFieldDefault("signals.extended_quality", &s.ExtendedQuality, defaultExtendedQuality),
		floatFieldDefault("signals.extended_confidence", &s.ExtendedConfidence, defaultExtendedConfidence),
		floatFieldDefault("signals.tolerance_atr", &s.Tolerance, defaultTolerance),
		floatFieldDefault("signals.fallback_zone_pct", &s.FallbackZonePct, defaultFallbackZonePct),
		intFieldDefault("signals.history_limit", &s.HistoryLimit, defaultHistoryLimit),
		intFieldDefault("signals.manual_queue", &s.ManualQueue, defaultManualQueue),
		stringFieldDefault("signals.atr_interval", &s.ATRInterval, defaultATRInterval),
		intFieldDefault("signals.atr_period", &s.ATRPeriod, defaultATRPeriod),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("ledger.orphan_grace_seconds", &l.OrphanGraceSeconds, defaultOrphanGrace),
		intFieldDefault("ledger.provisional_ttl_seconds", &l.ProvisionalTTLSeconds, defaultProvisionalTTL),
		intFieldDefault("ledger.close_history", &l.CloseHistory, defaultCloseHistory),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("execution.send_attempts", &e.SendAttempts, defaultSendAttempts),
		intFieldDefault("execution.retry_min_ms", &e.RetryMinMillis, defaultRetryMin),
		intFieldDefault("execution.retry_max_ms", &e.RetryMaxMillis, defaultRetryMax),
		intFieldDefault("execution.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("execution.breaker_cooldown_seconds", &e.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.size_step", &r.SizeStep, defaultSizeStep),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		stringFieldDefault("store.journal_path", &s.JournalPath, defaultJournalPath),
		boolFieldDefault("store.journal_enabled", &s.JournalEnabled, defaultJournalEnabled),
	)
	if strings.TrimSpace(s.Path) == "" && !keys.isSet("store.path") {
		switch s.Driver {
		case storeDriverFile:
			s.Path = "data/" + defaultFileCheckpointName
		case storeDriverSQLite:
			s.Path = defaultStorePath
		}
	}
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue),
		intFieldDefault("notify.fault_every_seconds", &n.FaultEverySecs, defaultNotifyFaultEvery),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
		boolFieldDefault("http.enabled", &h.Enabled, defaultHTTPEnabled),
	)
}

func (s *SettingsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("settings.path", &s.Path, defaultSettingsPath),
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

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func normalizeInstruments(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		inst := types.NormalizeInstrument(raw)
		if inst == "" {
			continue
		}
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	return out
}
