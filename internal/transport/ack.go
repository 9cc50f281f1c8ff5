package transport

import (
	"encoding/json"
	"errors"
)

type sendRequest struct {
	SessionID string          `json:"sessionId"`
	To        string          `json:"to"`
	Content   json.RawMessage `json:"content"`
	Options   json.RawMessage `json:"options,omitempty"`
}

type ackResponse struct {
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// parseAck reads the first ack argument. The backend answers either
// {"success":true,"data":...} or {"success":false,"error":"..."}; any other
// object is returned as-is.
func parseAck(args []json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var ack ackResponse
	if err := json.Unmarshal(args[0], &ack); err != nil {
		return args[0], nil
	}
	if ack.Error != "" {
		return nil, errors.New(ack.Error)
	}
	if ack.Success != nil && !*ack.Success {
		if ack.Message != "" {
			return nil, errors.New(ack.Message)
		}
		return nil, errors.New("request rejected")
	}
	if len(ack.Data) > 0 {
		return ack.Data, nil
	}
	return args[0], nil
}
