// Package normalize converts wire-format event payloads into their in-memory
// shape: decimal-string numbers become integers and binary fields become raw
// bytes. Every transport (push, poll, webhook) feeds its payloads through
// Event before they reach consumers.
package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

// Field names are matched exactly and case-sensitively at any depth.
var numericFields = map[string]struct{}{
	"messageTimestamp": {},
	"timestamp":        {},
}

var binaryFields = map[string]struct{}{
	"jpegThumbnail": {},
	"mediaKey":      {},
	"fileSha256":    {},
	"fileEncSha256": {},
	"fileLength":    {},
}

// Value normalizes a decoded JSON value. Maps and slices are rewritten in
// place; the returned value must be used for scalars.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := numericFields[k]; ok {
				t[k] = toInt(child)
				continue
			}
			if _, ok := binaryFields[k]; ok {
				t[k] = toBytes(child)
				continue
			}
			t[k] = Value(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = Value(child)
		}
		return t
	default:
		return v
	}
}

func toInt(v any) any {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return int64(0)
		}
		return n
	case float64:
		if t == math.Trunc(t) {
			return int64(t)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		return t
	case map[string]any:
		// protobuf Long encoded as {low, high, unsigned}
		if n, ok := longValue(t); ok {
			return n
		}
		return Value(t)
	default:
		return v
	}
}

func longValue(m map[string]any) (int64, bool) {
	low, ok := m["low"].(float64)
	if !ok {
		return 0, false
	}
	high, ok := m["high"].(float64)
	if !ok {
		return 0, false
	}
	return int64(high)<<32 | int64(uint32(int32(low))), true
}

func toBytes(v any) any {
	switch t := v.(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return t
		}
		return b
	case map[string]any:
		// Node Buffer JSON: {"type":"Buffer","data":[...]}
		if b, ok := bufferValue(t); ok {
			return b
		}
		return t
	default:
		return v
	}
}

func bufferValue(m map[string]any) ([]byte, bool) {
	if m["type"] != "Buffer" {
		return nil, false
	}
	data, ok := m["data"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	for i, d := range data {
		n, ok := d.(float64)
		if !ok || n < 0 || n > 255 {
			return nil, false
		}
		out[i] = byte(n)
	}
	return out, true
}

// Event decodes and normalizes one raw event into its typed variant.
// Unknown event names produce an Opaque payload. An error is returned only
// when the payload is not valid JSON or does not fit the variant for a known
// event name; callers are expected to fall back to the raw bytes.
func Event(name string, raw json.RawMessage, receivedAt time.Time) (model.Event, error) {
	ev := model.Event{Name: name, ReceivedAt: receivedAt}

	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return ev, apperrors.Normalization(name, err)
		}
	}
	decoded = Value(decoded)

	payload, err := typed(name, decoded)
	if err != nil {
		return ev, apperrors.Normalization(name, err)
	}
	ev.Data = payload
	return ev, nil
}

func typed(name string, v any) (model.Payload, error) {
	switch name {
	case model.EventConnectionUpdate:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", v)
		}
		return connectionUpdate(m), nil

	case model.EventQRCode:
		switch t := v.(type) {
		case string:
			return &model.QRCode{Code: t}, nil
		case map[string]any:
			if code := stringField(t, "qr"); code != "" {
				return &model.QRCode{Code: code}, nil
			}
			if code := stringField(t, "qrcode"); code != "" {
				return &model.QRCode{Code: code}, nil
			}
			return nil, fmt.Errorf("qrcode event without code")
		default:
			return nil, fmt.Errorf("expected object or string, got %T", v)
		}

	case model.EventMessagesUpsert:
		return messagesUpsert(v)

	default:
		return model.Opaque{Value: v}, nil
	}
}

func connectionUpdate(m map[string]any) *model.ConnectionUpdate {
	cu := &model.ConnectionUpdate{
		QR:     stringField(m, "qr"),
		Reason: CloseReason(m),
		Fields: m,
	}
	if status := model.SessionStatus(stringField(m, "connection")); status.Valid() {
		cu.Connection = status
	}
	if cu.Connection == "" && cu.QR != "" {
		cu.Connection = model.SessionStatusQRCode
	}
	cu.Identity = stringField(m, "phone")
	if cu.Identity == "" {
		if me, ok := m["me"].(map[string]any); ok {
			cu.Identity = stringField(me, "id")
		}
	}
	return cu
}

// CloseReason extracts the disconnect reason of a connection.update payload,
// either top level or nested under lastDisconnect.
func CloseReason(m map[string]any) string {
	if r := stringField(m, "reason"); r != "" {
		return r
	}
	if ld, ok := m["lastDisconnect"].(map[string]any); ok {
		if r := stringField(ld, "reason"); r != "" {
			return r
		}
	}
	return ""
}

func messagesUpsert(v any) (*model.MessagesUpsert, error) {
	var list []any
	mu := &model.MessagesUpsert{}

	switch t := v.(type) {
	case map[string]any:
		mu.Type = stringField(t, "type")
		raw, ok := t["messages"]
		if !ok {
			return nil, fmt.Errorf("messages.upsert without messages")
		}
		if list, ok = raw.([]any); !ok {
			return nil, fmt.Errorf("messages must be an array, got %T", raw)
		}
	case []any:
		list = t
	default:
		return nil, fmt.Errorf("expected object or array, got %T", v)
	}

	mu.Messages = make([]map[string]any, 0, len(list))
	for _, item := range list {
		msg, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message must be an object, got %T", item)
		}
		mu.Messages = append(mu.Messages, msg)
	}
	return mu, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
