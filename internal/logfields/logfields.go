// Package logfields centralizes slog attribute names so they do not drift
// across packages.
package logfields

import (
	"log/slog"

	"github.com/google/uuid"
)

const (
	KeyFlowID     = "flow_id"
	KeyInstanceID = "instance_id"
	KeyStage      = "stage"
	KeyStatus     = "status"
	KeyEvent      = "event"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

func FlowID(id string) slog.Attr { return slog.String(KeyFlowID, id) }

func InstanceID(id uuid.UUID) slog.Attr { return slog.String(KeyInstanceID, id.String()) }

func Stage(s string) slog.Attr { return slog.String(KeyStage, s) }

func Status(s string) slog.Attr { return slog.String(KeyStatus, s) }

func Event(e string) slog.Attr { return slog.String(KeyEvent, e) }

func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
