package exportrisk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/exportguard/internal/logging"
)

// enforce applies the side effects of a decision: the account lock, the
// security log, and the notifications. None of them change the decision.
func (e *Engine) enforce(ctx context.Context, c ExportEvent, rc RequestContext, t Thresholds, d Decision) {
	var lockedUntil *time.Time
	if d.Action == ActionAccountLocked {
		until := c.Timestamp.Add(t.LockDuration)
		if err := e.users.Lock(ctx, c.UserID, until); err != nil {
			lockFailuresTotal.Inc()
			e.logger.Log(ctx, logging.LevelCritical, "account lock not persisted",
				"user_id", c.UserID,
				"risk_score", d.RiskScore,
				"error", err,
			)
			e.record(ctx, AuditRecord{
				Kind:              AuditKindLockFailed,
				Severity:          SeverityCritical,
				UserID:            c.UserID,
				RiskScore:         d.RiskScore,
				Patterns:          d.SuspiciousPatterns,
				IPAddress:         rc.IPAddress,
				DeviceFingerprint: rc.DeviceFingerprint,
				UserAgent:         rc.UserAgent,
				Metadata: map[string]string{
					"error":       err.Error(),
					"lockedUntil": until.UTC().Format(time.RFC3339),
				},
			})
		} else {
			lockedUntil = &until
		}
	}

	if d.RiskScore > t.WarningThreshold {
		meta := map[string]string{
			"action":      string(d.Action),
			"exportType":  c.ExportType,
			"recordCount": fmt.Sprint(c.RecordCount),
			"format":      c.Format,
			"eventId":     c.ID,
		}
		if lockedUntil != nil {
			meta["lockedUntil"] = lockedUntil.UTC().Format(time.RFC3339)
		}
		e.record(ctx, AuditRecord{
			Kind:              AuditKindSuspiciousExport,
			Severity:          securityLogSeverity(d.RiskScore, lockedUntil != nil),
			UserID:            c.UserID,
			RiskScore:         d.RiskScore,
			Patterns:          d.SuspiciousPatterns,
			IPAddress:         rc.IPAddress,
			DeviceFingerprint: rc.DeviceFingerprint,
			UserAgent:         rc.UserAgent,
			Metadata:          meta,
		})
	}

	if d.Action == ActionAllowed {
		return
	}
	if !e.async {
		e.deliver(ctx, c, rc, d, lockedUntil)
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.deliver(context.WithoutCancel(ctx), c, rc, d, lockedUntil)
	}()
}

func securityLogSeverity(score float64, locked bool) Severity {
	switch {
	case locked:
		return SeverityCritical
	case score > 0.8:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// deliver sends the alerts for a non-allow decision. The user alert for a
// lock goes out before the admin fan-out.
func (e *Engine) deliver(ctx context.Context, c ExportEvent, rc RequestContext, d Decision, lockedUntil *time.Time) {
	user, err := e.users.Get(ctx, c.UserID)
	if err != nil {
		e.logger.Warn("could not load user for security alert", "user_id", c.UserID, "error", err)
		user = nil
	}

	alert := Alert{
		ID:                uuid.NewString(),
		UserID:            c.UserID,
		RiskScore:         d.RiskScore,
		Patterns:          d.SuspiciousPatterns,
		AccountLocked:     lockedUntil != nil,
		LockedUntil:       lockedUntil,
		Reason:            d.Message,
		ExportType:        c.ExportType,
		RecordCount:       c.RecordCount,
		Format:            c.Format,
		IPAddress:         rc.IPAddress,
		DeviceFingerprint: MaskFingerprint(rc.DeviceFingerprint),
		UserAgent:         rc.UserAgent,
		OccurredAt:        c.Timestamp,
	}
	if user != nil {
		alert.UserEmail = user.Email
		alert.UserName = user.Name
	}

	switch d.Action {
	case ActionAccountLocked:
		if user != nil {
			// Without a persisted lock the user is only told the export was denied.
			userAlert := alert
			userAlert.Type = AlertAccountLocked
			if lockedUntil == nil {
				userAlert.Type = AlertExportDenied
				userAlert.Reason = MessageExportBlocked
			}
			_ = e.send(ctx, *user, userAlert)
		}
		adminAlert := alert
		adminAlert.Type = AlertAdminSuspiciousExport
		if lockedUntil != nil {
			adminAlert.Type = AlertAdminAccountLocked
		}
		e.notifyAdmins(ctx, adminAlert)
	case ActionExportBlocked:
		adminAlert := alert
		adminAlert.Type = AlertAdminSuspiciousExport
		e.notifyAdmins(ctx, adminAlert)
	case ActionWarningIssued:
		if user != nil {
			userAlert := alert
			userAlert.Type = AlertExportWarning
			_ = e.send(ctx, *user, userAlert)
		}
	}
}

// notifyAdmins sends alert to every administrator with bounded concurrency.
// A failed delivery is logged and does not stop the others.
func (e *Engine) notifyAdmins(ctx context.Context, alert Alert) {
	admins, err := e.users.ListAdmins(ctx)
	if err != nil {
		e.logger.Error("could not list administrators", "alert_type", alert.Type, "error", err)
		return
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.adminFanout)
	for _, admin := range admins {
		g.Go(func() error {
			if err := e.send(ctx, admin, alert); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("admin %d: %w", admin.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		e.logger.Warn("admin notifications partially failed",
			"alert_type", alert.Type,
			"failed", len(errs),
			"total", len(admins),
			"error", errors.Join(errs...),
		)
	}
}

func (e *Engine) send(ctx context.Context, target User, alert Alert) error {
	if err := e.notifier.SendSecurityAlert(ctx, target, alert); err != nil {
		notificationsTotal.WithLabelValues(string(alert.Type), "failed").Inc()
		e.logger.Warn("security alert failed",
			"alert_type", alert.Type,
			"recipient_id", target.ID,
			"user_id", alert.UserID,
			"error", err,
		)
		return err
	}
	notificationsTotal.WithLabelValues(string(alert.Type), "sent").Inc()
	return nil
}

// MaskFingerprint keeps the first and last four characters of a device
// fingerprint.
func MaskFingerprint(fp string) string {
	switch {
	case fp == "":
		return ""
	case len(fp) <= 8:
		return "****"
	default:
		return fp[:4] + "****" + fp[len(fp)-4:]
	}
}
