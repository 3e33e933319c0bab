// Package notify turns sync outcomes into user notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"esfcal/internal/config"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// Notifier delivers one message.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// LogNotifier writes notifications to the log. Used when no push service
// is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, title, message string) error {
	appLog.Info("notification", "title", title, "message", message)
	return nil
}

// FromConfig returns Pushover when a token and user are set, else the log.
func FromConfig(cfg config.PushoverConfig) Notifier {
	if cfg.Token == "" || cfg.User == "" {
		return LogNotifier{}
	}
	return NewPushover(cfg.Token, cfg.User)
}

// PolicySource reads NotificationsEnabled at delivery time.
type PolicySource interface {
	Get() model.SyncPolicy
}

const (
	titleNewEvents = "Nouveaux événements ESF"
	titleSyncError = "Erreur de synchronisation"
)

// Dispatcher decides which outcomes deserve a notification. New entries
// are announced only while notifications are enabled; visible failures
// (transport, api, malformed response) are always reported. Missing
// sessions, deferrals and skips stay silent.
type Dispatcher struct {
	notifier Notifier
	policies PolicySource
	timeout  time.Duration
}

func NewDispatcher(n Notifier, policies PolicySource) *Dispatcher {
	return &Dispatcher{notifier: n, policies: policies, timeout: 20 * time.Second}
}

// Handle is meant to be registered with scheduler.Runner.OnOutcome.
func (d *Dispatcher) Handle(out model.SyncOutcome) {
	title, msg, ok := d.Message(out)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, title, msg); err != nil {
		appLog.Error("notification failed", err, "title", title)
	}
}

// Message renders the notification for out, if any.
func (d *Dispatcher) Message(out model.SyncOutcome) (title, message string, ok bool) {
	switch {
	case out.Kind == model.OutcomeSuccess:
		if out.NewEntries <= 0 || !d.policies.Get().NotificationsEnabled {
			return "", "", false
		}
		return titleNewEvents, NewEventsText(out.NewEntries), true
	case out.Visible():
		return titleSyncError, out.Message, true
	default:
		return "", "", false
	}
}

// NewEventsText is "1 nouvel événement" / "N nouveaux événements".
func NewEventsText(n int) string {
	if n == 1 {
		return "1 nouvel événement"
	}
	return fmt.Sprintf("%d nouveaux événements", n)
}
