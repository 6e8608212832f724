package config

import (
	"strings"
	"time"
)

// Config 是进程启动时解析一次的只读配置。运行期可调整的开关见 settings 包。
type Config struct {
	App       AppConfig       `toml:"app"`
	Broker    BrokerConfig    `toml:"broker"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Loop      LoopConfig      `toml:"loop"`
	Signals   SignalsConfig   `toml:"signals"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Execution ExecutionConfig `toml:"execution"`
	Risk      RiskConfig      `toml:"risk"`
	Store     StoreConfig     `toml:"store"`
	Notify    NotifyConfig    `toml:"notify"`
	HTTP      HTTPConfig      `toml:"http"`
	Settings  SettingsConfig  `toml:"settings"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// BrokerConfig 描述券商连接。mode=paper 时使用内置模拟撮合。
type BrokerConfig struct {
	Mode                 string  `toml:"mode"`
	URL                  string  `toml:"url"`
	Token                string  `toml:"token"`
	DialTimeoutSeconds   int     `toml:"dial_timeout_seconds"`
	WriteTimeoutSeconds  int     `toml:"write_timeout_seconds"`
	ReadTimeoutSeconds   int     `toml:"read_timeout_seconds"`
	PingIntervalSeconds  int     `toml:"ping_interval_seconds"`
	SendRate             float64 `toml:"send_rate"`
	SendBurst            int     `toml:"send_burst"`
	ReconnectMinMillis   int     `toml:"reconnect_min_ms"`
	ReconnectMaxSeconds  int     `toml:"reconnect_max_seconds"`
	PaperBalance         float64 `toml:"paper_balance"`
	PaperLatencyMillis   int     `toml:"paper_latency_ms"`
	ResponseTimeoutSecs  int     `toml:"response_timeout_seconds"`
	ReconcileEverySecs   int     `toml:"reconcile_every_seconds"`
	ReconcileDelayMillis int     `toml:"reconcile_delay_ms"`
}

func (b BrokerConfig) Paper() bool {
	return strings.EqualFold(strings.TrimSpace(b.Mode), "paper")
}

// BridgeConfig 控制行情队列容量。关键事件队列不设上限。
type BridgeConfig struct {
	MarketCapacity int `toml:"market_capacity"`
	DrainBudget    int `toml:"drain_budget"`
}

type LoopConfig struct {
	Instruments          []string `toml:"instruments"`
	TickIntervalMillis   int      `toml:"tick_interval_ms"`
	MaxIterationMillis   int      `toml:"max_iteration_ms"`
	PersistTimeoutSecond int      `toml:"persist_timeout_seconds"`
}

// SignalsConfig 定义信号有效期与触发区间。
type SignalsConfig struct {
	ShortTTLMinutes    int     `toml:"short_ttl_minutes"`
	StandardTTLMinutes int     `toml:"standard_ttl_minutes"`
	ExtendedTTLMinutes int     `toml:"extended_ttl_minutes"`
	StandardQuality    float64 `toml:"standard_quality"`
	StandardConfidence float64 `toml:"standard_confidence"`
	ExtendedQuality    float64 `toml:"extended_quality"`
	ExtendedConfidence float64 `toml:"extended_confidence"`
	Tolerance          float64 `toml:"tolerance_atr"`
	FallbackZonePct    float64 `toml:"fallback_zone_pct"`
	HistoryLimit       int     `toml:"history_limit"`
	ManualQueue        int     `toml:"manual_queue"`
	ATRInterval        string  `toml:"atr_interval"`
	ATRPeriod          int     `toml:"atr_period"`
}

type LedgerConfig struct {
	OrphanGraceSeconds    int `toml:"orphan_grace_seconds"`
	ProvisionalTTLSeconds int `toml:"provisional_ttl_seconds"`
	CloseHistory          int `toml:"close_history"`
}

// ExecutionConfig 控制发送重试、熔断与反手超时。
type ExecutionConfig struct {
	SendAttempts           int `toml:"send_attempts"`
	RetryMinMillis         int `toml:"retry_min_ms"`
	RetryMaxMillis         int `toml:"retry_max_ms"`
	ReverseTimeoutSeconds  int `toml:"reverse_timeout_seconds"`
	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`
}

// RiskConfig 为下单手数提供上下限。
type RiskConfig struct {
	MinSize         float64 `toml:"min_size"`
	MaxSize         float64 `toml:"max_size"`
	SizeStep        float64 `toml:"size_step"`
	FallbackBalance float64 `toml:"fallback_balance"`
}

// StoreConfig 选择持仓快照的存储方式：sqlite / file / none。
type StoreConfig struct {
	Driver         string `toml:"driver"`
	Path           string `toml:"path"`
	JournalPath    string `toml:"journal_path"`
	JournalEnabled bool   `toml:"journal_enabled"`
}

type NotifyConfig struct {
	Telegram       TelegramConfig `toml:"telegram"`
	QueueSize      int            `toml:"queue_size"`
	FaultEverySecs int            `toml:"fault_every_seconds"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type HTTPConfig struct {
	Addr    string `toml:"addr"`
	Enabled bool   `toml:"enabled"`
}

// SettingsConfig 指定运行期开关文件，以及首次创建时写入的初始值。
type SettingsConfig struct {
	Path string         `toml:"path"`
	Seed map[string]any `toml:"seed"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (b BrokerConfig) DialTimeout() time.Duration     { return seconds(b.DialTimeoutSeconds) }
func (b BrokerConfig) WriteTimeout() time.Duration    { return seconds(b.WriteTimeoutSeconds) }
func (b BrokerConfig) ReadTimeout() time.Duration     { return seconds(b.ReadTimeoutSeconds) }
func (b BrokerConfig) PingInterval() time.Duration    { return seconds(b.PingIntervalSeconds) }
func (b BrokerConfig) ReconnectMin() time.Duration    { return millis(b.ReconnectMinMillis) }
func (b BrokerConfig) ReconnectMax() time.Duration    { return seconds(b.ReconnectMaxSeconds) }
func (b BrokerConfig) PaperLatency() time.Duration    { return millis(b.PaperLatencyMillis) }
func (b BrokerConfig) ResponseTimeout() time.Duration { return seconds(b.ResponseTimeoutSecs) }
func (b BrokerConfig) ReconcileEvery() time.Duration  { return seconds(b.ReconcileEverySecs) }
func (b BrokerConfig) ReconcileDelay() time.Duration  { return millis(b.ReconcileDelayMillis) }

func (l LoopConfig) TickInterval() time.Duration   { return millis(l.TickIntervalMillis) }
func (l LoopConfig) MaxIteration() time.Duration   { return millis(l.MaxIterationMillis) }
func (l LoopConfig) PersistTimeout() time.Duration { return seconds(l.PersistTimeoutSecond) }

func (s SignalsConfig) ShortTTL() time.Duration    { return time.Duration(s.ShortTTLMinutes) * time.Minute }
func (s SignalsConfig) StandardTTL() time.Duration { return time.Duration(s.StandardTTLMinutes) * time.Minute }
func (s SignalsConfig) ExtendedTTL() time.Duration { return time.Duration(s.ExtendedTTLMinutes) * time.Minute }

func (l LedgerConfig) OrphanGrace() time.Duration    { return seconds(l.OrphanGraceSeconds) }
func (l LedgerConfig) ProvisionalTTL() time.Duration { return seconds(l.ProvisionalTTLSeconds) }

func (e ExecutionConfig) RetryMin() time.Duration        { return millis(e.RetryMinMillis) }
func (e ExecutionConfig) RetryMax() time.Duration        { return millis(e.RetryMaxMillis) }
func (e ExecutionConfig) ReverseTimeout() time.Duration  { return seconds(e.ReverseTimeoutSeconds) }
func (e ExecutionConfig) BreakerCooldown() time.Duration { return seconds(e.BreakerCooldownSeconds) }

func (n NotifyConfig) FaultEvery() time.Duration { return seconds(n.FaultEverySecs) }

// keySet 用于追踪配置文件中显式设置的字段路径。
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

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
