// Package notify abstracts the user-facing notification surface (toasts,
// snackbars) behind a narrow interface so the conversation core never
// renders anything itself.
package notify

import "github.com/botforge/botforge-go/internal/logger"

// Notifier shows short user-facing messages, optionally with an action
// affordance (retry, open settings, undo).
type Notifier interface {
	ShowMessage(text string)
	ShowMessageWithAction(text, actionLabel string, action func())
}

// LogNotifier surfaces notifications through the application log. Headless
// surfaces (the HTTP server, tests run with it too) use this as the default.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) ShowMessage(text string) {
	logger.L.Info("notification", "text", text)
}

func (n *LogNotifier) ShowMessageWithAction(text, actionLabel string, action func()) {
	logger.L.Info("notification", "text", text, "action", actionLabel)
}
