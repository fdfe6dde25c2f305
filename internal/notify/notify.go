// Package notify carries best-effort, human/UI-facing events out of the
// core. Delivery must never block or fail core logic; transports (websocket
// fan-out, message bus) live outside this module.
package notify

import (
	"log/slog"
)

// Notification is a single UI-facing event. Category is a stable string
// such as "TargetJvmDiscovery"; Message is a JSON-encodable payload.
type Notification struct {
	Category string         `json:"category"`
	Message  map[string]any `json:"message"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use and should drop rather than block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to the Notifier interface.
type Func func(n Notification)

func (f Func) Notify(n Notification) { f(n) }

// Slog is a Notifier that records notifications to a structured logger.
// It is the default sink when no transport is attached.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Notify(n Notification) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("notification", "category", n.Category, "message", n.Message)
}

// Discard drops all notifications.
type Discard struct{}

func (Discard) Notify(Notification) {}
