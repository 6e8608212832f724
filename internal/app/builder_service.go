package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"intraday/internal/config"
	"intraday/internal/gateway/broker"
	"intraday/internal/gateway/notifier"
	"intraday/internal/logger"
	"intraday/internal/signal"
	"intraday/internal/store"
	"intraday/internal/store/file"
	"intraday/internal/store/journal"
	"intraday/internal/store/sqlite"
	monitorhttp "intraday/internal/transport/http/monitor"
)

func buildTransport(cfg config.BrokerConfig) (broker.Transport, *broker.Paper, error) {
	if cfg.Paper() {
		paper := broker.NewPaper(cfg.PaperBalance, cfg.PaperLatency())
		logger.Infof("✓ 使用模拟券商，初始余额 %.2f", cfg.PaperBalance)
		return paper, paper, nil
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil, fmt.Errorf("broker.url 未配置")
	}
	client := broker.NewWSClient(broker.WSConfig{
		URL:          cfg.URL,
		Token:        cfg.Token,
		DialTimeout:  cfg.DialTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		ReadTimeout:  cfg.ReadTimeout(),
		PingInterval: cfg.PingInterval(),
		SendRate:     cfg.SendRate,
		SendBurst:    cfg.SendBurst,
		ReconnectMin: cfg.ReconnectMin(),
		ReconnectMax: cfg.ReconnectMax(),
	})
	logger.Infof("✓ 券商 websocket: %s", cfg.URL)
	return client, nil, nil
}

// storeSetup 汇总持久化组件，任何一项都可能为空。
type storeSetup struct {
	driver      string
	checkpoints store.CheckpointStore
	audit       store.AuditStore
	journal     *journal.Journal
	closers     []func() error
}

func (s *storeSetup) recordTransition(tr signal.Transition) {
	if s == nil || s.journal == nil {
		return
	}
	s.journal.Record(tr)
}

// close 依次关闭，日志最后关闭以便写完排队的记录。
func (s *storeSetup) close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
	}
	s.closers = nil
}

func buildStores(cfg config.StoreConfig) (*storeSetup, error) {
	out := &storeSetup{driver: cfg.Driver}
	if cfg.JournalEnabled {
		j, err := journal.Open(cfg.JournalPath, 0)
		if err != nil {
			return nil, fmt.Errorf("初始化信号日志失败: %w", err)
		}
		out.journal = j
		out.closers = append(out.closers, j.Close)
	}
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlite.NewSqliteStore(cfg.Path)
		if err != nil {
			out.close()
			return nil, fmt.Errorf("初始化 sqlite 存储失败: %w", err)
		}
		out.checkpoints = st
		out.audit = st
		out.closers = append(out.closers, st.Close)
	case "file":
		cf, err := file.NewCheckpointFile(cfg.Path)
		if err != nil {
			out.close()
			return nil, fmt.Errorf("初始化快照文件失败: %w", err)
		}
		out.checkpoints = cf
		out.closers = append(out.closers, cf.Close)
	case "none":
		logger.Warnf("未启用持仓快照，重启后只依赖券商对账恢复")
	default:
		out.close()
		return nil, fmt.Errorf("未知的 store.driver: %s", cfg.Driver)
	}
	if out.checkpoints != nil {
		logger.Infof("✓ 持仓快照: %s (%s)", cfg.Driver, filepath.Clean(cfg.Path))
	}
	return out, nil
}

func buildTextNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return notifier.LogNotifier{}
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func buildHTTPServer(cfg config.HTTPConfig, scfg monitorhttp.ServerConfig) (*monitorhttp.Server, error) {
	server, err := monitorhttp.NewServer(scfg)
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}
	logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	return server, nil
}
