package notify

import (
	"context"
	"log/slog"

	"github.com/mbd888/exportguard/internal/exportrisk"
)

// LogNotifier writes alerts to a structured logger. It is the fallback
// channel when no webhook or topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendSecurityAlert(ctx context.Context, target exportrisk.User, alert exportrisk.Alert) error {
	level := slog.LevelWarn
	if alert.AccountLocked {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "security alert",
		"alert_id", alert.ID,
		"alert_type", alert.Type,
		"recipient_id", target.ID,
		"recipient_email", target.Email,
		"user_id", alert.UserID,
		"risk_score", alert.RiskScore,
		"patterns", alert.Patterns,
		"account_locked", alert.AccountLocked,
		"ip", alert.IPAddress,
	)
	return nil
}
