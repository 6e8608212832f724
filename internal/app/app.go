package app

import (
	"context"
	"fmt"

	"intraday/internal/config"
	"intraday/internal/gateway/broker"
	"intraday/internal/gateway/notifier"
	"intraday/internal/logger"
	"intraday/internal/signal"
	"intraday/internal/trader"
	monitorhttp "intraday/internal/transport/http/monitor"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：连接券商、启动控制循环、HTTP 与通知。
type App struct {
	cfg       *config.Config
	trader    *trader.Trader
	manual    *signal.ManualSource
	transport broker.Transport
	notifier  *notifier.Async
	http      *monitorhttp.Server
	stores    *storeSetup
	Summary   *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 阻塞直到 ctx 取消或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.trader == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.notifier.Run(ctx)
	})
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		if err := a.transport.Connect(ctx); err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		return a.trader.Run(ctx)
	})
	return group.Wait()
}

// Trader exposes the control loop (for tests and replay harnesses).
func (a *App) Trader() *trader.Trader {
	if a == nil {
		return nil
	}
	return a.trader
}

// Signals 返回人工信号入口。
func (a *App) Signals() *signal.ManualSource {
	if a == nil {
		return nil
	}
	return a.manual
}

func (a *App) close() {
	if err := a.transport.Close(); err != nil {
		logger.Warnf("关闭券商连接失败: %v", err)
	}
	a.stores.close()
	logger.Infof("应用已退出")
}
