package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的 Telegram 推送。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 生成 Markdown 文本，自动裁剪长度。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(strings.TrimSpace(m.Icon + " " + m.Title))
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func renderSections(secs []MessageSection) string {
	hasContent := false
	for _, sec := range secs {
		if len(sanitizeLines(sec.Lines)) > 0 {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	for idx, sec := range secs {
		lines := sanitizeLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		title := strings.TrimSpace(sec.Title)
		if title != "" {
			b.WriteString(sanitize(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		if idx != len(secs)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("```\n\n")
	return b.String()
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "```", "'''")
	return s
}

// TradeEvent 描述一次开仓/平仓结果，用于生成推送。
type TradeEvent struct {
	Action     string
	Instrument string
	Direction  string
	Size       float64
	Price      float64
	PositionID string
	PnL        float64
	Reason     string
	At         time.Time
}

// Message 将交易事件转换为统一格式的推送。
func (e TradeEvent) Message() StructuredMessage {
	icon := "📈"
	if e.Direction == "short" {
		icon = "📉"
	}
	lines := []string{
		fmt.Sprintf("品种：%s %s", e.Instrument, strings.ToUpper(e.Direction)),
		fmt.Sprintf("数量：%s @ %s", trimFloat(e.Size), trimFloat(e.Price)),
	}
	if e.PositionID != "" {
		lines = append(lines, "持仓ID："+e.PositionID)
	}
	if e.PnL != 0 {
		lines = append(lines, "盈亏："+trimFloat(e.PnL))
	}
	if e.Reason != "" {
		lines = append(lines, "原因："+e.Reason)
	}
	return StructuredMessage{
		Icon:      icon,
		Title:     e.Action,
		Sections:  []MessageSection{{Lines: lines}},
		Timestamp: e.At,
	}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
