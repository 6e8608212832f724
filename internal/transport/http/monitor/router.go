package monitorhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
	"intraday/internal/signal"
	"intraday/internal/store"
	"intraday/internal/trader"
	"intraday/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Control 是控制循环对外的只读视图与请求入口。
type Control interface {
	Snapshot() trader.Snapshot
	SignalHistory(limit int) []signal.Record
	ActiveSignals() []signal.Record
	Faults(limit int) []monitor.Fault
	Stats() trader.Stats
	RequestClose(positionID, reason string)
	RequestResume()
	RequestReconcile(reason string)
}

// SettingsStore 是运行时设置表。
type SettingsStore interface {
	Values() map[string]any
	Version() int64
	Set(name string, value any) error
}

// SignalSink 接收人工提交的信号。
type SignalSink interface {
	Push(sig signal.Signal) error
}

// AuditReader 读取对账修正记录。
type AuditReader interface {
	ListAudit(ctx context.Context, limit int) ([]store.AuditEntry, error)
}

// JournalReader 读取信号状态迁移日志。
type JournalReader interface {
	List(ctx context.Context, signalID string, limit int) ([]signal.Transition, error)
}

// PriceSetter 向模拟券商推送报价。
type PriceSetter interface {
	SetPrice(instrument string, price float64)
}

// Router 暴露 /api 下的查询与操作接口。
type Router struct {
	control  Control
	settings SettingsStore
	signals  SignalSink
	audit    AuditReader
	journal  JournalReader
	paper    PriceSetter
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		control:  cfg.Control,
		settings: cfg.Settings,
		signals:  cfg.Signals,
		audit:    cfg.Audit,
		journal:  cfg.Journal,
		paper:    cfg.Paper,
	}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/snapshot", r.handleSnapshot)
	group.GET("/positions", r.handlePositions)
	group.POST("/positions/:id/close", r.handleClosePosition)
	group.GET("/signals", r.handleSignals)
	group.POST("/signals", r.handleSubmitSignal)
	group.GET("/faults", r.handleFaults)
	group.GET("/stats", r.handleStats)
	group.GET("/settings", r.handleSettings)
	group.POST("/settings/:name", r.handleUpdateSetting)
	group.POST("/resume", r.handleResume)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/audit", r.handleAudit)
	group.GET("/journal", r.handleJournal)
	if r.paper != nil {
		group.POST("/paper/price", r.handlePaperPrice)
	}
}

func queryLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(strings.TrimSpace(c.DefaultQuery("limit", strconv.Itoa(def))))
	if err != nil || limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

func (r *Router) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, r.control.Snapshot())
}

func (r *Router) handlePositions(c *gin.Context) {
	snap := r.control.Snapshot()
	positions := snap.Ledger.Positions
	if positions == nil {
		positions = []ledger.Position{}
	}
	c.JSON(http.StatusOK, gin.H{
		"positions":      positions,
		"provisional":    snap.Ledger.Provisional,
		"pending_closes": snap.Ledger.PendingCloses,
		"orphans":        snap.Ledger.Orphans,
		"risk":           snap.Risk,
		"balance":        snap.Balance,
	})
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleClosePosition(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var req closeRequest
	// body 可以为空
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	found := false
	for _, p := range r.control.Snapshot().Ledger.Positions {
		if p.PositionID == id {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "持仓不存在: " + id})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator"
	}
	r.control.RequestClose(id, reason)
	logger.Infof("[api] close position ip=%s id=%s reason=%s", c.ClientIP(), id, reason)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "position_id": id})
}

func (r *Router) handleSignals(c *gin.Context) {
	if strings.EqualFold(c.Query("state"), "active") {
		c.JSON(http.StatusOK, gin.H{"signals": nonNil(r.control.ActiveSignals())})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": nonNil(r.control.SignalHistory(queryLimit(c, 100, 1000)))})
}

func nonNil(recs []signal.Record) []signal.Record {
	if recs == nil {
		return []signal.Record{}
	}
	return recs
}

type signalRequest struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	Quality    float64 `json:"quality"`
	Confidence float64 `json:"confidence"`
	Validity   string  `json:"validity"`
	Note       string  `json:"note"`
}

func (r *Router) handleSubmitSignal(c *gin.Context) {
	if r.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用人工信号"})
		return
	}
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := types.ParseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var mode signal.ValidityMode
	if strings.TrimSpace(req.Validity) != "" {
		if mode, err = signal.ParseValidityMode(req.Validity); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sig := signal.Signal{
		ID:         strings.TrimSpace(req.ID),
		Instrument: req.Instrument,
		Direction:  dir,
		Entry:      req.Entry,
		Stop:       req.Stop,
		Target:     req.Target,
		Quality:    req.Quality,
		Confidence: req.Confidence,
		Validity:   mode,
		Source:     "http",
		Note:       req.Note,
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if err := r.signals.Push(sig); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, signal.ErrInvalid) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] signal queued ip=%s id=%s instrument=%s direction=%s entry=%.5f",
		c.ClientIP(), sig.ID, types.NormalizeInstrument(sig.Instrument), dir, sig.Entry)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "id": sig.ID})
}

func (r *Router) handleFaults(c *gin.Context) {
	faults := r.control.Faults(queryLimit(c, 50, 500))
	if faults == nil {
		faults = []monitor.Fault{}
	}
	c.JSON(http.StatusOK, gin.H{"faults": faults})
}

func (r *Router) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.control.Stats())
}

func (r *Router) handleSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": r.settings.Version(), "values": r.settings.Values()})
}

type settingRequest struct {
	Value any `json:"value"`
}

func (r *Router) handleUpdateSetting(c *gin.Context) {
	name := strings.ToLower(strings.TrimSpace(c.Param("name")))
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value 必填"})
		return
	}
	if err := r.settings.Set(name, req.Value); err != nil {
		logger.Warnf("[api] setting rejected ip=%s name=%s err=%v", c.ClientIP(), name, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	values := r.settings.Values()
	c.JSON(http.StatusOK, gin.H{"name": name, "value": values[name], "version": r.settings.Version()})
}

func (r *Router) handleResume(c *gin.Context) {
	r.control.RequestResume()
	logger.Infof("[api] resume requested ip=%s", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (r *Router) handleReconcile(c *gin.Context) {
	r.control.RequestReconcile("operator")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (r *Router) handleAudit(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "对账审计未启用"})
		return
	}
	entries, err := r.audit.ListAudit(c.Request.Context(), queryLimit(c, 100, 1000))
	if err != nil {
		logger.Errorf("[api] audit query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (r *Router) handleJournal(c *gin.Context) {
	if r.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "信号日志未启用"})
		return
	}
	transitions, err := r.journal.List(c.Request.Context(), strings.TrimSpace(c.Query("signal_id")), queryLimit(c, 100, 1000))
	if err != nil {
		logger.Errorf("[api] journal query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if transitions == nil {
		transitions = []signal.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

type priceRequest struct {
	Instrument string  `json:"instrument" binding:"required"`
	Price      float64 `json:"price" binding:"required,gt=0"`
}

func (r *Router) handlePaperPrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	instrument := types.NormalizeInstrument(req.Instrument)
	r.paper.SetPrice(instrument, req.Price)
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "price": req.Price})
}
