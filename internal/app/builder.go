package app

import (
	"context"
	"fmt"
	"strings"

	"intraday/internal/analysis/volatility"
	"intraday/internal/bridge"
	"intraday/internal/config"
	"intraday/internal/execution"
	"intraday/internal/gateway/broker"
	"intraday/internal/gateway/notifier"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
	"intraday/internal/pkg/trading"
	"intraday/internal/scheduler"
	"intraday/internal/settings"
	"intraday/internal/signal"
	"intraday/internal/trader"
	monitorhttp "intraday/internal/transport/http/monitor"
)

type AppBuilder struct {
	cfg *config.Config

	transportFn func(config.BrokerConfig) (broker.Transport, *broker.Paper, error)
	storesFn    func(config.StoreConfig) (*storeSetup, error)
	settingsFn  func(config.SettingsConfig) (*settings.Store, error)
	textFn      func(config.NotifyConfig) notifier.TextNotifier
	httpFn      func(config.HTTPConfig, monitorhttp.ServerConfig) (*monitorhttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithTransport 替换券商连接（测试使用）。
func WithTransport(t broker.Transport) AppBuilderOption {
	return func(b *AppBuilder) {
		b.transportFn = func(config.BrokerConfig) (broker.Transport, *broker.Paper, error) {
			paper, _ := t.(*broker.Paper)
			return t, paper, nil
		}
	}
}

// WithTextNotifier 替换推送目标（测试使用）。
func WithTextNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.textFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		transportFn: buildTransport,
		storesFn:    buildStores,
		settingsFn:  buildSettings,
		textFn:      buildTextNotifier,
		httpFn:      buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	settingsStore, err := b.settingsFn(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("初始化运行设置失败: %w", err)
	}

	async := notifier.NewAsync(b.textFn(cfg.Notify), cfg.Notify.QueueSize)
	recorder := monitor.NewRecorder(monitor.Options{
		NotifyEvery: cfg.Notify.FaultEvery(),
		Sink:        async,
	})
	br := bridge.New(bridge.Options{
		Capacity:    cfg.Bridge.MarketCapacity,
		DrainBudget: cfg.Bridge.DrainBudget,
		OnDrop: func(evt bridge.Event) {
			recorder.Incr("bridge.market.dropped", 1)
		},
	})

	transport, paper, err := b.transportFn(cfg.Broker)
	if err != nil {
		return nil, err
	}
	stores, err := b.storesFn(cfg.Store)
	if err != nil {
		return nil, err
	}

	led := ledger.New(ledger.Options{
		OrphanGrace:    cfg.Ledger.OrphanGrace(),
		ProvisionalTTL: cfg.Ledger.ProvisionalTTL(),
		CloseHistory:   cfg.Ledger.CloseHistory,
	})
	engine := execution.NewEngine(transport, led, br, recorder, async, execution.Options{
		ResponseTimeout:  cfg.Broker.ResponseTimeout(),
		SendAttempts:     cfg.Execution.SendAttempts,
		RetryMin:         cfg.Execution.RetryMin(),
		RetryMax:         cfg.Execution.RetryMax(),
		ReverseTimeout:   cfg.Execution.ReverseTimeout(),
		BreakerThreshold: cfg.Execution.BreakerThreshold,
		BreakerCooldown:  cfg.Execution.BreakerCooldown(),
	})
	execution.Pump(transport, br)

	atrInterval, _ := scheduler.ParseIntervalDuration(cfg.Signals.ATRInterval)
	vol := volatility.NewTracker(volatility.Options{
		Interval: atrInterval,
		Period:   cfg.Signals.ATRPeriod,
	})

	manual := signal.NewManualSource(cfg.Signals.ManualQueue)
	signals := signal.NewManager(signal.Options{
		Tolerance:       cfg.Signals.Tolerance,
		FallbackZonePct: cfg.Signals.FallbackZonePct,
		Validity: signal.Validity{
			Short:    cfg.Signals.ShortTTL(),
			Standard: cfg.Signals.StandardTTL(),
			Extended: cfg.Signals.ExtendedTTL(),
		},
		Thresholds: signal.Thresholds{
			StandardQuality:    cfg.Signals.StandardQuality,
			StandardConfidence: cfg.Signals.StandardConfidence,
			ExtendedQuality:    cfg.Signals.ExtendedQuality,
			ExtendedConfidence: cfg.Signals.ExtendedConfidence,
		},
		HistoryLimit: cfg.Signals.HistoryLimit,
		OnTransition: stores.recordTransition,
	})

	deps := trader.Deps{
		Bridge:     br,
		Engine:     engine,
		Ledger:     led,
		Signals:    signals,
		Volatility: vol,
		Scorer:     signal.Chain{manual},
		Settings:   settingsStore,
		Recorder:   recorder,
	}
	if stores.checkpoints != nil {
		deps.Checkpoints = stores.checkpoints
	}
	if stores.audit != nil {
		deps.Audit = stores.audit
	}
	loop := trader.New(deps, trader.Options{
		Instruments:          cfg.Loop.Instruments,
		TickInterval:         cfg.Loop.TickInterval(),
		MaxIterationDuration: cfg.Loop.MaxIteration(),
		ReconcileEvery:       cfg.Broker.ReconcileEvery(),
		ReconcileDelay:       cfg.Broker.ReconcileDelay(),
		Sizing: trading.SizeLimits{
			Min:  cfg.Risk.MinSize,
			Max:  cfg.Risk.MaxSize,
			Step: cfg.Risk.SizeStep,
		},
		FallbackBalance: cfg.Risk.FallbackBalance,
		PersistTimeout:  cfg.Loop.PersistTimeout(),
	})

	settingsStore.Subscribe(func(values map[string]any) {
		async.Notify(settingsMessage(values))
	})

	var server *monitorhttp.Server
	if cfg.HTTP.Enabled {
		scfg := monitorhttp.ServerConfig{
			Addr:     cfg.HTTP.Addr,
			Control:  loop,
			Settings: settingsStore,
			Signals:  manual,
		}
		if stores.audit != nil {
			scfg.Audit = stores.audit
		}
		if stores.journal != nil {
			scfg.Journal = stores.journal
		}
		if paper != nil {
			scfg.Paper = paper
		}
		if server, err = b.httpFn(cfg.HTTP, scfg); err != nil {
			stores.close()
			return nil, err
		}
	}

	return &App{
		cfg:       cfg,
		trader:    loop,
		manual:    manual,
		transport: transport,
		notifier:  async,
		http:      server,
		stores:    stores,
		Summary:   newStartupSummary(cfg, settingsStore.Values(), stores),
	}, nil
}

func settingsMessage(values map[string]any) string {
	return notifier.StructuredMessage{
		Icon:     "⚙️",
		Title:    "运行设置已更新",
		Sections: []notifier.MessageSection{{Lines: formatSettings(values)}},
	}.RenderMarkdown()
}

func buildSettings(cfg config.SettingsConfig) (*settings.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return settings.NewMemory(cfg.Seed)
	}
	return settings.Open(cfg.Path, cfg.Seed)
}
