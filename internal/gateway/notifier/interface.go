package notifier

import "intraday/internal/logger"

// TextNotifier 是最小的文本推送接口，具体实现（Telegram、日志）可互换。
type TextNotifier interface {
	SendText(text string) error
}

// LogNotifier 只把消息写进日志，未配置 Telegram 时使用。
type LogNotifier struct{}

func (LogNotifier) SendText(text string) error {
	logger.Info("notify", "text", text)
	return nil
}
