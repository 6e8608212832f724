package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// WSConfig configures the websocket broker connection.
type WSConfig struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	SendRate     float64
	SendBurst    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *WSConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = 10
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 5
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// WSClient keeps one persistent websocket to the broker and reconnects with
// exponential backoff. Handlers run on the read goroutine and must not block.
type WSClient struct {
	cfg     WSConfig
	pairer  *Pairer
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []func(PushEvent)

	connected atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewWSClient(cfg WSConfig) *WSClient {
	cfg.applyDefaults()
	c := &WSClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
	c.pairer = NewPairer(func(resp Response) {
		r := resp
		c.emit(PushEvent{Kind: PushLateResponse, Response: &r, Instrument: resp.Instrument, At: time.Now()})
	})
	return c
}

func (c *WSClient) OnEvent(handler func(PushEvent)) {
	if handler == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, handler)
	c.handlersMu.Unlock()
}

func (c *WSClient) emit(evt PushEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	c.handlersMu.RLock()
	hs := c.handlers
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(evt)
	}
}

// Connect dials once synchronously and then supervises the connection until
// ctx ends or Close is called.
func (c *WSClient) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	if err := c.dial(ctx); err != nil {
		cancel()
		return err
	}
	c.wg.Add(1)
	go c.supervise(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(4 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	logger.Infof("broker: connected to %s", c.cfg.URL)
	return nil
}

func (c *WSClient) supervise(ctx context.Context) {
	defer c.wg.Done()
	b := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		pingDone := make(chan struct{})
		go c.keepalive(ctx, pingDone)
		err := c.readLoop()
		close(pingDone)
		c.connected.Store(false)
		c.closeConn()
		if ctx.Err() != nil || c.closed.Load() {
			return
		}
		logger.Warn("broker connection lost", "err", err)
		c.emit(PushEvent{Kind: PushDisconnected, Err: &Error{Code: "disconnected", Class: ErrorTransient, Message: errString(err)}})

		for {
			wait := b.Duration()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := c.dial(ctx); err != nil {
				logger.Warnf("broker: reconnect failed (next in %s): %v", b.ForAttempt(b.Attempt()), err)
				continue
			}
			b.Reset()
			c.emit(PushEvent{Kind: PushReconnected})
			break
		}
	}
}

func (c *WSClient) keepalive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn := c.currentConn()
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			}
			c.writeMu.Unlock()
			if err != nil {
				logger.Debugf("broker: ping failed: %v", err)
				return
			}
		}
	}
}

func (c *WSClient) readLoop() error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		resp, evt, err := decodeFrame(data)
		if err != nil {
			logger.Warnf("broker: drop frame: %v", err)
			continue
		}
		if resp != nil {
			if resp.At.IsZero() {
				resp.At = time.Now()
			}
			c.pairer.Deliver(*resp)
			continue
		}
		c.emit(*evt)
	}
}

func (c *WSClient) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *WSClient) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// SendRequest writes req and returns its correlation id. The id is
// registered before the write so an immediate response is never lost.
func (c *WSClient) SendRequest(ctx context.Context, req Request) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if !c.connected.Load() {
		return "", fmt.Errorf("%w: %w", ErrSendFailed, ErrNotConnected)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limiter: %w", ErrSendFailed, err)
	}
	id := uuid.NewString()
	frame, err := encodeRequest(id, req)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %w", ErrSendFailed, err)
	}
	c.pairer.Register(id, req.Kind)

	c.writeMu.Lock()
	conn := c.currentConn()
	if conn == nil {
		c.writeMu.Unlock()
		c.pairer.Forget(id)
		return "", fmt.Errorf("%w: %w", ErrSendFailed, ErrNotConnected)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pairer.Forget(id)
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return id, nil
}

func (c *WSClient) AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (Response, error) {
	return c.pairer.Await(ctx, correlationID, timeout)
}

func (c *WSClient) Connected() bool {
	return c.connected.Load()
}

func (c *WSClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.writeMu.Lock()
	if conn := c.currentConn(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	c.writeMu.Unlock()
	c.closeConn()
	c.wg.Wait()
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("close %d %s", ce.Code, ce.Text)
	}
	return err.Error()
}

var _ Transport = (*WSClient)(nil)
