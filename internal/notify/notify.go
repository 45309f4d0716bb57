// Package notify delivers export security alerts to people and systems:
// structured logs, signed webhooks, and Google Cloud Pub/Sub.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/exportguard/internal/exportrisk"
)

// ErrCircuitOpen is returned when an endpoint has failed repeatedly and
// delivery is being short-circuited.
var ErrCircuitOpen = errors.New("notify: circuit open")

// Multi fans an alert out to several notifiers. Every notifier is tried;
// failures are joined.
type Multi []exportrisk.Notifier

func (m Multi) SendSecurityAlert(ctx context.Context, target exportrisk.User, alert exportrisk.Alert) error {
	var errs []error
	for i, n := range m {
		if err := n.SendSecurityAlert(ctx, target, alert); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
