package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const frameTypeResponse = "response"

type requestFrame struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id"`
	Request       Request `json:"request"`
}

func encodeRequest(id string, req Request) ([]byte, error) {
	return json.Marshal(requestFrame{Type: "request", CorrelationID: id, Request: req})
}

// decodeFrame peeks at the frame type and decodes either a response or a
// push event. Exactly one of the returned pointers is non-nil on success.
func decodeFrame(data []byte) (*Response, *PushEvent, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("broker: invalid frame")
	}
	typ := strings.ToLower(strings.TrimSpace(gjson.GetBytes(data, "type").String()))
	if typ == "" {
		return nil, nil, fmt.Errorf("broker: frame missing type")
	}
	if typ == frameTypeResponse {
		if !gjson.GetBytes(data, "correlation_id").Exists() {
			return nil, nil, fmt.Errorf("broker: response missing correlation_id")
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, nil, fmt.Errorf("broker: decode response: %w", err)
		}
		normalizeError(resp.Err)
		return &resp, nil, nil
	}

	kind := PushKind(typ)
	switch kind {
	case PushTick, PushFill, PushCloseFill, PushRejection, PushError:
	default:
		return nil, nil, fmt.Errorf("broker: unsupported frame type %q", typ)
	}
	var evt PushEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, nil, fmt.Errorf("broker: decode %s: %w", typ, err)
	}
	evt.Kind = kind
	if evt.Price == 0 && evt.Bid > 0 && evt.Ask > 0 {
		evt.Price = (evt.Bid + evt.Ask) / 2
	}
	normalizeError(evt.Err)
	return nil, &evt, nil
}

func normalizeError(e *Error) {
	if e == nil {
		return
	}
	if e.Class == "" {
		e.Class = ClassifyCode(e.Code)
	}
}
