// Package exportrisk decides, per export request, whether a bulk data export
// should be allowed, warned, blocked, or escalated to an account lock.
//
// Every request is scored by six independent evaluators (frequency, volume,
// burst, format variation, off-hours, origin novelty). The aggregate score is
// the maximum of the individual scores, so one strong signal is never diluted
// by several weak ones. The aggregate is then mapped onto a graduated
// response ladder: allow < warn < block < lock.
package exportrisk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound      = errors.New("exportrisk: user not found")
	ErrInvalidThresholds = errors.New("exportrisk: invalid thresholds")
	ErrMissingDependency = errors.New("exportrisk: missing dependency")
)

// Action is the graduated response chosen for an export attempt.
type Action string

const (
	ActionAllowed       Action = "allowed"
	ActionWarningIssued Action = "warning_issued"
	ActionExportBlocked Action = "export_blocked"
	ActionAccountLocked Action = "account_locked"
)

// Denies reports whether the action stops the export.
func (a Action) Denies() bool {
	return a == ActionExportBlocked || a == ActionAccountLocked
}

// Pattern labels emitted by the evaluators.
const (
	PatternExcessivePerHour        = "excessive_exports_per_hour"
	PatternExcessivePerDay         = "excessive_exports_per_day"
	PatternExcessiveRecordsPerHour = "excessive_records_per_hour"
	PatternExcessiveRecordsPerDay  = "excessive_records_per_day"
	PatternRapidSequential         = "rapid_sequential_exports"
	PatternMultipleFormats         = "multiple_format_exports"
	PatternUnusualHour             = "unusual_hour_export"
	PatternNewIPLocation           = "new_ip_location"
)

// ExportEvent is one historical export attempt. Events are append-only.
type ExportEvent struct {
	ID                string    `json:"id"`
	UserID            int64     `json:"userId"`
	Timestamp         time.Time `json:"timestamp"`
	ExportType        string    `json:"exportType"`
	RecordCount       int       `json:"recordCount"`
	Format            string    `json:"format"`
	RiskScore         float64   `json:"riskScore"`
	Patterns          []string  `json:"patterns"`
	Action            Action    `json:"action"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
}

// RequestContext carries the network origin of an export request.
type RequestContext struct {
	IPAddress         string `json:"ipAddress"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	UserAgent         string `json:"userAgent"`
}

// Usage is the remaining export quota shown to the user.
type Usage struct {
	HourlyUsed      int `json:"hourlyUsed"`
	HourlyLimit     int `json:"hourlyLimit"`
	HourlyRemaining int `json:"hourlyRemaining"`
	DailyUsed       int `json:"dailyUsed"`
	DailyLimit      int `json:"dailyLimit"`
	DailyRemaining  int `json:"dailyRemaining"`
	WeeklyUsed      int `json:"weeklyUsed"`
	WeeklyLimit     int `json:"weeklyLimit"`
	WeeklyRemaining int `json:"weeklyRemaining"`
}

// Low reports whether the remaining quota is at a low-water mark.
func (u Usage) Low() bool {
	return u.HourlyRemaining <= 1 || u.DailyRemaining <= 2
}

// Decision is returned to the caller of MonitorExport.
// Allowed is false exactly when Action denies the export.
type Decision struct {
	Allowed            bool     `json:"allowed"`
	RiskScore          float64  `json:"riskScore"`
	Action             Action   `json:"action"`
	Message            string   `json:"message,omitempty"`
	SuspiciousPatterns []string `json:"suspiciousPatterns"`
	Usage              Usage    `json:"usage"`
	ShowWarning        bool     `json:"showWarning"`
}

// User is the subset of the user record the engine reads and mutates.
type User struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	IsAdmin     bool       `json:"isAdmin"`
	Locked      bool       `json:"locked"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
}

// AlertType identifies the notification template.
type AlertType string

const (
	AlertExportWarning         AlertType = "export_warning"
	AlertAccountLocked         AlertType = "account_locked"
	AlertExportDenied          AlertType = "export_denied"
	AlertAdminSuspiciousExport AlertType = "admin_suspicious_export_activity"
	AlertAdminAccountLocked    AlertType = "admin_user_account_locked"
)

// Alert is the structured body of a security notification.
type Alert struct {
	ID                string     `json:"id"`
	Type              AlertType  `json:"type"`
	UserID            int64      `json:"userId"`
	UserEmail         string     `json:"userEmail,omitempty"`
	UserName          string     `json:"userName,omitempty"`
	RiskScore         float64    `json:"riskScore"`
	Patterns          []string   `json:"patterns"`
	AccountLocked     bool       `json:"accountLocked"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	ExportType        string     `json:"exportType,omitempty"`
	RecordCount       int        `json:"recordCount"`
	Format            string     `json:"format,omitempty"`
	IPAddress         string     `json:"ipAddress,omitempty"`
	DeviceFingerprint string     `json:"deviceFingerprint,omitempty"`
	UserAgent         string     `json:"userAgent,omitempty"`
	OccurredAt        time.Time  `json:"occurredAt"`
}

// Severity grades security-log records.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Audit record kinds written by the engine.
const (
	AuditKindSuspiciousExport  = "suspicious_export_activity"
	AuditKindMonitoringFailure = "export_monitoring_failure"
	AuditKindLockFailed        = "account_lock_failed"
	AuditKindLoginSuccess      = "login_success"
)

// AuditRecord is a security-log entry.
type AuditRecord struct {
	ID                string            `json:"id"`
	Kind              string            `json:"kind"`
	Severity          Severity          `json:"severity"`
	UserID            int64             `json:"userId"`
	RiskScore         float64           `json:"riskScore"`
	Patterns          []string          `json:"patterns"`
	IPAddress         string            `json:"ipAddress,omitempty"`
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty"`
	UserAgent         string            `json:"userAgent,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// HistoryStore is the append-only log of past export events.
type HistoryStore interface {
	// RecentEvents returns every event for the user at or after since, in any order.
	RecentEvents(ctx context.Context, userID int64, since time.Time) ([]ExportEvent, error)
	Append(ctx context.Context, event ExportEvent) error
}

// SecurityHistoryStore exposes the network origins previously seen for a user.
type SecurityHistoryStore interface {
	RecentIPs(ctx context.Context, userID int64, since time.Time) (map[string]struct{}, error)
}

// SightingRecorder notes a successful sign-in so its IP becomes a known origin.
type SightingRecorder interface {
	RecordSighting(ctx context.Context, userID int64, ip, userAgent string, at time.Time) error
}

// UserDirectory reads users and persists account locks.
type UserDirectory interface {
	Get(ctx context.Context, userID int64) (*User, error)
	Lock(ctx context.Context, userID int64, until time.Time) error
	ListAdmins(ctx context.Context) ([]User, error)
}

// Notifier delivers a security alert to one recipient.
type Notifier interface {
	SendSecurityAlert(ctx context.Context, target User, alert Alert) error
}

// SecurityLogReader lists a user's security-log records, newest first.
type SecurityLogReader interface {
	ListSecurityLogs(ctx context.Context, userID int64, limit int) ([]AuditRecord, error)
}

// AuditLogger persists security-log records.
type AuditLogger interface {
	Record(ctx context.Context, rec AuditRecord) error
}
