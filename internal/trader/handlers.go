package trader

import (
	"fmt"

	"intraday/internal/bridge"
	"intraday/internal/execution"
	"intraday/internal/gateway/broker"
)

func payloadError(kind bridge.Kind, payload any) error {
	return fmt.Errorf("unexpected payload %T for %s", payload, kind)
}

type TickHandler struct{}

func (h *TickHandler) Kind() bridge.Kind { return execution.KindTick }

func (h *TickHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	tick, ok := evt.Payload.(execution.Tick)
	if !ok {
		return payloadError(evt.Kind, evt.Payload)
	}
	ctx.Trader().onTick(evt.Instrument, tick, evt.At)
	return nil
}

type BrokerEventHandler struct{}

func (h *BrokerEventHandler) Kind() bridge.Kind { return execution.KindBroker }

func (h *BrokerEventHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	push, ok := evt.Payload.(broker.PushEvent)
	if !ok {
		return payloadError(evt.Kind, evt.Payload)
	}
	ctx.Trader().engine.ApplyPush(push)
	return nil
}

type OpenResultHandler struct{}

func (h *OpenResultHandler) Kind() bridge.Kind { return execution.KindOpenResult }

func (h *OpenResultHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	res, ok := evt.Payload.(execution.OpenResult)
	if !ok {
		return payloadError(evt.Kind, evt.Payload)
	}
	ctx.Trader().engine.ApplyOpenResult(res)
	return nil
}

type CloseResultHandler struct{}

func (h *CloseResultHandler) Kind() bridge.Kind { return execution.KindCloseResult }

func (h *CloseResultHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	res, ok := evt.Payload.(execution.CloseResult)
	if !ok {
		return payloadError(evt.Kind, evt.Payload)
	}
	ctx.Trader().engine.ApplyCloseResult(res)
	return nil
}

type PositionsHandler struct{}

func (h *PositionsHandler) Kind() bridge.Kind { return execution.KindPositions }

func (h *PositionsHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	res, ok := evt.Payload.(execution.PositionsResult)
	if !ok {
		return payloadError(evt.Kind, evt.Payload)
	}
	ctx.Trader().engine.ApplyPositions(res)
	return nil
}

type ReconcileDueHandler struct{}

func (h *ReconcileDueHandler) Kind() bridge.Kind { return execution.KindReconcileDue }

func (h *ReconcileDueHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	reason, _ := evt.Payload.(string)
	if reason == "" {
		reason = "scheduled"
	}
	ctx.Trader().engine.RequestPositions(reason)
	return nil
}

type ClosePositionHandler struct{}

func (h *ClosePositionHandler) Kind() bridge.Kind { return KindClosePosition }

func (h *ClosePositionHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	req, ok := evt.Payload.(ClosePayload)
	if !ok {
		return payloadError(evt.Kind, evt.Payload)
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}
	return ctx.Trader().engine.Close(req.PositionID, req.Reason)
}

type ResumeHandler struct{}

func (h *ResumeHandler) Kind() bridge.Kind { return KindResume }

func (h *ResumeHandler) Handle(ctx *HandlerContext, evt bridge.Event) error {
	ctx.Trader().engine.Resume()
	return nil
}
