package app

import (
	"fmt"
	"sort"
	"strings"

	"intraday/internal/config"
)

type StartupSummary struct {
	Broker      BrokerSummary
	Instruments []string
	Store       StoreSummary
	Settings    map[string]any
	HTTPAddr    string
	Telegram    bool
}

type BrokerSummary struct {
	Mode            string
	URL             string
	PaperBalance    float64
	ResponseTimeout string
	ReconcileEvery  string
}

type StoreSummary struct {
	Driver  string
	Path    string
	Journal string
}

func newStartupSummary(cfg *config.Config, values map[string]any, stores *storeSetup) *StartupSummary {
	s := &StartupSummary{
		Broker: BrokerSummary{
			Mode:            cfg.Broker.Mode,
			URL:             cfg.Broker.URL,
			PaperBalance:    cfg.Broker.PaperBalance,
			ResponseTimeout: cfg.Broker.ResponseTimeout().String(),
			ReconcileEvery:  cfg.Broker.ReconcileEvery().String(),
		},
		Instruments: cfg.Loop.Instruments,
		Store:       StoreSummary{Driver: cfg.Store.Driver, Path: cfg.Store.Path},
		Settings:    values,
		Telegram:    cfg.Notify.Telegram.Enabled,
	}
	if stores != nil && stores.journal != nil {
		s.Store.Journal = cfg.Store.JournalPath
	}
	if cfg.HTTP.Enabled {
		s.HTTPAddr = cfg.HTTP.Addr
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[券商 (BROKER)]")
	fmt.Printf("  模式: %s\n", s.Broker.Mode)
	if s.Broker.URL != "" {
		fmt.Printf("  地址: %s\n", s.Broker.URL)
	} else {
		fmt.Printf("  模拟余额: %.2f\n", s.Broker.PaperBalance)
	}
	fmt.Printf("  响应超时: %s  对账周期: %s\n", s.Broker.ResponseTimeout, s.Broker.ReconcileEvery)
	fmt.Println()

	fmt.Println("[品种 (INSTRUMENTS)]")
	fmt.Printf("  %s\n", formatList(s.Instruments))
	fmt.Println()

	fmt.Println("[存储 (STORAGE)]")
	fmt.Printf("  快照: %s %s\n", s.Store.Driver, s.Store.Path)
	fmt.Printf("  信号日志: %s\n", orDash(s.Store.Journal))
	fmt.Println()

	fmt.Println("[运行设置 (SETTINGS)]")
	for _, line := range formatSettings(s.Settings) {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println()

	fmt.Println("[接口与通知 (HTTP / NOTIFY)]")
	fmt.Printf("  HTTP: %s\n", orDash(s.HTTPAddr))
	fmt.Printf("  Telegram: %t\n", s.Telegram)
	fmt.Println(strings.Repeat("=", 80))
}

func formatSettings(values map[string]any) []string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, k := range names {
		lines = append(lines, fmt.Sprintf("%s = %v", k, values[k]))
	}
	return lines
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
