// Package broker defines the transport capability the execution core needs
// from the broker connection: fire-and-forget requests, correlation-id
// pairing with timeouts, and a push-event stream.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intraday/internal/types"
)

var (
	// ErrTimeout is returned by AwaitResponse when no response arrived in time.
	// The response may still arrive later as a PushLateResponse event.
	ErrTimeout = errors.New("broker: response timeout")
	// ErrSendFailed means the request never left the process.
	ErrSendFailed = errors.New("broker: send failed")
	// ErrNotConnected is returned while the connection is down.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: transport closed")
	// ErrUnknownCorrelation is returned when awaiting an id that was never sent.
	ErrUnknownCorrelation = errors.New("broker: unknown correlation id")
)

// Transport is the broker connection as seen by the execution core.
type Transport interface {
	Connect(ctx context.Context) error
	SendRequest(ctx context.Context, req Request) (string, error)
	AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (Response, error)
	OnEvent(handler func(PushEvent))
	Close() error
}

type RequestKind string

const (
	RequestOpen      RequestKind = "open"
	RequestClose     RequestKind = "close"
	RequestPositions RequestKind = "positions"
)

// Request is one broker instruction.
type Request struct {
	Kind       RequestKind     `json:"kind"`
	Instrument string          `json:"instrument,omitempty"`
	Direction  types.Direction `json:"direction,omitempty"`
	Size       float64         `json:"size,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Stop       float64         `json:"stop,omitempty"`
	Target     float64         `json:"target,omitempty"`
	// Tag is the ticket id for opens. The broker drops a repeated open with
	// a tag it has already filled, which makes a resend after a partial
	// write safe.
	Tag        string          `json:"tag,omitempty"`
}

// ErrorClass drives how the core reacts to a broker error.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorRejected  ErrorClass = "rejected"
	ErrorFatal     ErrorClass = "fatal"
)

// Error is a broker-reported failure.
type Error struct {
	Code    string     `json:"code"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("broker %s error: %s", e.Class, e.Code)
	}
	return fmt.Sprintf("broker %s error: %s: %s", e.Class, e.Code, e.Message)
}

// Fatal reports authorization/account failures that must halt new orders.
func (e *Error) Fatal() bool {
	return e != nil && e.Class == ErrorFatal
}

// ClassifyCode maps well-known broker codes onto an ErrorClass.
func ClassifyCode(code string) ErrorClass {
	switch code {
	case "unauthorized", "forbidden", "account_disabled", "account_suspended", "invalid_token":
		return ErrorFatal
	case "timeout", "unavailable", "rate_limited", "disconnected":
		return ErrorTransient
	default:
		return ErrorRejected
	}
}

// PositionReport is one entry of the broker's authoritative position list.
type PositionReport struct {
	PositionID string          `json:"position_id"`
	Instrument string          `json:"instrument"`
	Direction  types.Direction `json:"direction"`
	Size       float64         `json:"size"`
	EntryPrice float64         `json:"entry_price"`
	Stop       float64         `json:"stop,omitempty"`
	Target     float64         `json:"target,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Response answers one Request, matched by CorrelationID only.
type Response struct {
	CorrelationID string           `json:"correlation_id"`
	Kind          RequestKind      `json:"kind"`
	OK            bool             `json:"ok"`
	PositionID    string           `json:"position_id,omitempty"`
	Instrument    string           `json:"instrument,omitempty"`
	Direction     types.Direction  `json:"direction,omitempty"`
	Size          float64          `json:"size,omitempty"`
	FillPrice     float64          `json:"fill_price,omitempty"`
	RealizedPnL   float64          `json:"realized_pnl,omitempty"`
	Positions     []PositionReport `json:"positions,omitempty"`
	Balance       float64          `json:"balance,omitempty"`
	Err           *Error           `json:"error,omitempty"`
	At            time.Time        `json:"at"`
}

type PushKind string

const (
	PushTick         PushKind = "tick"
	PushFill         PushKind = "fill"
	PushCloseFill    PushKind = "close_fill"
	PushRejection    PushKind = "rejection"
	PushError        PushKind = "error"
	PushDisconnected PushKind = "disconnected"
	PushReconnected  PushKind = "reconnected"
	PushLateResponse PushKind = "late_response"
)

// PushEvent is anything the broker sends without being asked, plus
// responses that missed their local deadline.
type PushEvent struct {
	Kind        PushKind        `json:"kind"`
	Instrument  string          `json:"instrument,omitempty"`
	Price       float64         `json:"price,omitempty"`
	Bid         float64         `json:"bid,omitempty"`
	Ask         float64         `json:"ask,omitempty"`
	PositionID  string          `json:"position_id,omitempty"`
	Direction   types.Direction `json:"direction,omitempty"`
	Size        float64         `json:"size,omitempty"`
	FillPrice   float64         `json:"fill_price,omitempty"`
	RealizedPnL float64         `json:"realized_pnl,omitempty"`
	Response    *Response       `json:"response,omitempty"`
	Err         *Error          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// Critical reports whether losing the event could desynchronize positions.
func (e PushEvent) Critical() bool {
	return e.Kind != PushTick
}
