package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Signals.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Settings.Path) == "" {
		return fmt.Errorf("settings.path cannot be empty")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Mode {
	case brokerModePaper:
		if b.PaperBalance <= 0 {
			return fmt.Errorf("broker.paper_balance must be > 0")
		}
	case brokerModeWS:
		if strings.TrimSpace(b.URL) == "" {
			return fmt.Errorf("broker.url cannot be empty in ws mode")
		}
	default:
		return fmt.Errorf("broker.mode only supports 'paper' or 'ws', got %s", b.Mode)
	}
	if b.SendRate <= 0 || b.SendBurst <= 0 {
		return fmt.Errorf("broker.send_rate and broker.send_burst must be > 0")
	}
	if b.ReconnectMax() < b.ReconnectMin() {
		return fmt.Errorf("broker.reconnect_max_seconds must not be below reconnect_min_ms")
	}
	return nil
}

func (s *SignalsConfig) validate() error {
	if !(s.ShortTTLMinutes <= s.StandardTTLMinutes && s.StandardTTLMinutes <= s.ExtendedTTLMinutes) {
		return fmt.Errorf("signals ttl must satisfy short <= standard <= extended")
	}
	for name, v := range map[string]float64{
		"standard_quality":    s.StandardQuality,
		"standard_confidence": s.StandardConfidence,
		"extended_quality":    s.ExtendedQuality,
		"extended_confidence": s.ExtendedConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("signals.%s must be in [0, 1]", name)
		}
	}
	if s.ExtendedQuality < s.StandardQuality || s.ExtendedConfidence < s.StandardConfidence {
		return fmt.Errorf("signals extended thresholds must not be below standard thresholds")
	}
	if !IsValidInterval(s.ATRInterval) {
		return fmt.Errorf("signals.atr_interval invalid: %s", s.ATRInterval)
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.SendAttempts < 1 {
		return fmt.Errorf("execution.send_attempts must be >= 1")
	}
	if e.RetryMaxMillis < e.RetryMinMillis {
		return fmt.Errorf("execution.retry_max_ms must not be below retry_min_ms")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MinSize < 0 || r.MaxSize < 0 || r.FallbackBalance < 0 {
		return fmt.Errorf("risk sizes and fallback_balance must be >= 0")
	}
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		return fmt.Errorf("risk.min_size must not exceed risk.max_size")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case storeDriverSQLite, storeDriverFile:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path cannot be empty for driver %s", s.Driver)
		}
	case storeDriverNone:
	default:
		return fmt.Errorf("store.driver only supports sqlite, file or none, got %s", s.Driver)
	}
	if s.JournalEnabled && strings.TrimSpace(s.JournalPath) == "" {
		return fmt.Errorf("store.journal_path cannot be empty when the journal is enabled")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
