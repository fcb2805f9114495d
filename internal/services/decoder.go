package services

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/tmaxmax/go-sse"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

const doneSentinel = "[DONE]"

// ReadEvents decodes a server-sent event stream into StreamEvents. Records may carry their type in
// the SSE event field or in a JSON envelope ({"type", "data", "timestamp"}). Malformed records and
// unknown event types are logged and skipped. A read failure is yielded as a single error event
// wrapping a TransportError, after which the sequence ends. The caller owns r and must close it.
func ReadEvents(r io.Reader, logger *slog.Logger) iter.Seq[models.StreamEvent] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(models.StreamEvent) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(models.NewEvent(models.ErrorData{
					Message: "Connection to the server was lost.",
					Err:     &models.TransportError{Op: "read stream", Err: err},
				}))
				return
			}

			se, ok := decodeRecord(ev.Type, ev.Data, logger)
			if !ok {
				continue
			}
			if !yield(se) {
				return
			}
		}
	}
}

func decodeRecord(sseType, data string, logger *slog.Logger) (models.StreamEvent, bool) {
	data = strings.TrimSpace(data)
	if data == "" || data == doneSentinel {
		return models.StreamEvent{}, false
	}

	typ := sseType
	payload := []byte(data)
	var ts time.Time

	if typ == "" || typ == "message" {
		var env eventEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			logger.Warn("Skipping malformed record",
				slog.String("data", data),
				slog.String(errLoggerKey, err.Error()))
			return models.StreamEvent{}, false
		}
		if env.Type == "" {
			logger.Warn("Skipping record without event type", slog.String("data", data))
			return models.StreamEvent{}, false
		}
		typ = env.Type
		if len(env.Data) > 0 {
			payload = env.Data
		}
		ts = parseTimestamp(env.Timestamp)
	}

	se, err := models.DecodeEvent(typ, payload, ts)
	if err != nil {
		if errors.Is(err, models.ErrUnknownEventType) {
			logger.Warn("Ignoring unknown event type", slog.String("type", typ))
		} else {
			logger.Warn("Skipping malformed event",
				slog.String("type", typ),
				slog.String(errLoggerKey, err.Error()))
		}
		return models.StreamEvent{}, false
	}
	return se, true
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds. Anything else yields the zero time,
// which DecodeEvent replaces with the arrival time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
