package transport

import (
	"encoding/json"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
	"github.com/AndyTargino/vex-client-sdk/internal/normalize"
)

// ShouldForward reports whether a pushed event reaches consumers. While the
// backend retries its own upstream link it emits connection.update close
// events with transient reasons; only logged_out and max_reconnect_attempts
// are terminal, every other close is dropped.
func ShouldForward(name string, data json.RawMessage) bool {
	if name != model.EventConnectionUpdate {
		return true
	}
	var update map[string]any
	if err := json.Unmarshal(data, &update); err != nil {
		return true
	}
	if conn, _ := update["connection"].(string); conn != string(model.SessionStatusClose) {
		return true
	}
	switch normalize.CloseReason(update) {
	case model.CloseReasonLoggedOut, model.CloseReasonMaxReconnectAttempts:
		return true
	default:
		return false
	}
}
