package exportrisk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/exportguard/internal/syncutil"
	"github.com/mbd888/exportguard/internal/traces"
)

const defaultAdminFanout = 4

// Engine scores export requests and enforces the resulting action.
// It is safe for concurrent use.
type Engine struct {
	history  HistoryStore
	security SecurityHistoryStore
	users    UserDirectory
	notifier Notifier
	audit    AuditLogger

	thresholds atomic.Pointer[Thresholds]
	evaluators func(Thresholds) []Evaluator

	logger      *slog.Logger
	now         func() time.Time
	userLocks   *syncutil.UserMutex
	async       bool
	adminFanout int
	inflight    sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithThresholds replaces DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds.Store(&t) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithUserSerialization makes concurrent evaluations for the same user run one
// at a time, so each sees the events appended by the previous one.
func WithUserSerialization() Option {
	return func(e *Engine) { e.userLocks = syncutil.NewUserMutex() }
}

// WithAsyncNotifications sends security alerts in the background instead of
// before MonitorExport returns. Call Wait to drain them.
func WithAsyncNotifications() Option {
	return func(e *Engine) { e.async = true }
}

// WithAdminFanout bounds concurrent admin notifications.
func WithAdminFanout(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.adminFanout = n
		}
	}
}

func withEvaluators(fn func(Thresholds) []Evaluator) Option {
	return func(e *Engine) { e.evaluators = fn }
}

// New creates an Engine. All collaborators are required.
func New(history HistoryStore, security SecurityHistoryStore, users UserDirectory, notifier Notifier, audit AuditLogger, opts ...Option) (*Engine, error) {
	if history == nil || security == nil || users == nil || notifier == nil || audit == nil {
		return nil, ErrMissingDependency
	}
	e := &Engine{
		history:     history,
		security:    security,
		users:       users,
		notifier:    notifier,
		audit:       audit,
		evaluators:  DefaultEvaluators,
		logger:      slog.Default(),
		now:         time.Now,
		adminFanout: defaultAdminFanout,
	}
	defaults := DefaultThresholds()
	e.thresholds.Store(&defaults)
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Thresholds().Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Thresholds returns the active thresholds.
func (e *Engine) Thresholds() Thresholds {
	return *e.thresholds.Load()
}

// SetThresholds atomically replaces the thresholds used by subsequent
// evaluations. Invalid thresholds are rejected and the old ones kept.
func (e *Engine) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.thresholds.Store(&t)
	e.logger.Info("export thresholds updated",
		"max_per_hour", t.MaxExportsPerHour,
		"max_per_day", t.MaxExportsPerDay,
		"warning", t.WarningThreshold,
		"block", t.BlockThreshold,
		"lock", t.LockThreshold,
	)
	return nil
}

// Wait blocks until background notifications have finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Usage reports the user's quota without recording an export.
func (e *Engine) Usage(ctx context.Context, userID int64) (Usage, error) {
	t := e.Thresholds()
	now := e.now()
	events, err := e.history.RecentEvents(ctx, userID, now.Add(-t.Lookback))
	if err != nil {
		return Usage{}, fmt.Errorf("load export history: %w", err)
	}
	return ComputeUsage(events, now, 0, t), nil
}

// MonitorExport scores an export request, records it, enforces the resulting
// action, and returns the decision. It never returns an error: if the risk
// context cannot be evaluated the export is allowed and the failure audited.
func (e *Engine) MonitorExport(ctx context.Context, userID int64, exportType string, recordCount int, format string, rc RequestContext) Decision {
	start := time.Now()
	defer func() { evaluationLatency.Observe(time.Since(start).Seconds()) }()

	ctx, span := traces.StartSpan(ctx, "exportrisk.MonitorExport",
		traces.UserID(userID),
		traces.ExportType(exportType),
		traces.RecordCount(recordCount),
	)
	defer span.End()

	if recordCount < 0 {
		e.logger.Warn("negative record count clamped to zero", "user_id", userID, "record_count", recordCount)
		recordCount = 0
	}

	t := e.Thresholds()
	candidate := ExportEvent{
		ID:                uuid.NewString(),
		UserID:            userID,
		ExportType:        exportType,
		RecordCount:       recordCount,
		Format:            NormalizeFormat(format),
		IPAddress:         rc.IPAddress,
		DeviceFingerprint: rc.DeviceFingerprint,
	}

	if e.userLocks != nil {
		unlock, err := e.userLocks.LockContext(ctx, userID)
		if err != nil {
			candidate.Timestamp = e.now()
			return e.failOpen(ctx, candidate, rc, t, fmt.Errorf("acquire user lock: %w", err))
		}
		defer unlock()
	}
	candidate.Timestamp = e.now()

	history, err := e.loadHistory(ctx, candidate, t)
	if err != nil {
		return e.failOpen(ctx, candidate, rc, t, err)
	}
	results, err := e.evaluate(history, candidate, t)
	if err != nil {
		return e.failOpen(ctx, candidate, rc, t, err)
	}

	score, patterns := Aggregate(results)
	action := Classify(score, t)
	usage := ComputeUsage(history.Events, candidate.Timestamp, 1, t)

	candidate.RiskScore = score
	candidate.Patterns = patterns
	candidate.Action = action
	e.appendEvent(ctx, candidate)

	decision := Decision{
		Allowed:            !action.Denies(),
		RiskScore:          score,
		Action:             action,
		Message:            decisionMessage(action, usage),
		SuspiciousPatterns: patterns,
		Usage:              usage,
		ShowWarning:        usage.Low(),
	}

	e.enforce(ctx, candidate, rc, t, decision)

	decisionsTotal.WithLabelValues(string(action)).Inc()
	riskScores.Observe(score)
	for _, p := range patterns {
		patternsTotal.WithLabelValues(p).Inc()
	}
	span.SetAttributes(traces.RiskScore(score), traces.Action(string(action)))

	if action != ActionAllowed {
		e.logger.Warn("suspicious export activity",
			"user_id", userID,
			"action", action,
			"risk_score", score,
			"patterns", patterns,
			"ip", rc.IPAddress,
		)
	}
	return decision
}

func (e *Engine) loadHistory(ctx context.Context, candidate ExportEvent, t Thresholds) (History, error) {
	since := candidate.Timestamp.Add(-t.Lookback)
	events, err := e.history.RecentEvents(ctx, candidate.UserID, since)
	if err != nil {
		return History{}, fmt.Errorf("load export history: %w", err)
	}
	ips, err := e.security.RecentIPs(ctx, candidate.UserID, since)
	if err != nil {
		return History{}, fmt.Errorf("load known IPs: %w", err)
	}
	return History{Events: events, KnownIPs: ips}, nil
}

// evaluate runs every evaluator. A panicking evaluator is reported as an
// error so the caller can fail open.
func (e *Engine) evaluate(h History, candidate ExportEvent, t Thresholds) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	evaluators := e.evaluators(t)
	results = make([]Result, 0, len(evaluators))
	for _, ev := range evaluators {
		results = append(results, ev.Evaluate(h, candidate))
	}
	return results, nil
}

// failOpen allows the export when it could not be evaluated. The failure
// record and the event are written even if the caller's context is done.
func (e *Engine) failOpen(ctx context.Context, candidate ExportEvent, rc RequestContext, t Thresholds, cause error) Decision {
	ctx = context.WithoutCancel(ctx)
	failOpenTotal.Inc()
	decisionsTotal.WithLabelValues(string(ActionAllowed)).Inc()
	e.logger.Error("export monitoring failed, allowing export",
		"user_id", candidate.UserID,
		"export_type", candidate.ExportType,
		"error", cause,
	)

	e.record(ctx, AuditRecord{
		Kind:              AuditKindMonitoringFailure,
		Severity:          SeverityHigh,
		UserID:            candidate.UserID,
		Patterns:          []string{},
		IPAddress:         rc.IPAddress,
		DeviceFingerprint: rc.DeviceFingerprint,
		UserAgent:         rc.UserAgent,
		Metadata: map[string]string{
			"error":       cause.Error(),
			"exportType":  candidate.ExportType,
			"recordCount": fmt.Sprint(candidate.RecordCount),
			"format":      candidate.Format,
		},
	})

	candidate.Patterns = []string{}
	candidate.Action = ActionAllowed
	e.appendEvent(ctx, candidate)

	return Decision{
		Allowed:            true,
		RiskScore:          0,
		Action:             ActionAllowed,
		SuspiciousPatterns: []string{},
		Usage: Usage{
			HourlyLimit:     t.MaxExportsPerHour,
			HourlyRemaining: t.MaxExportsPerHour,
			DailyLimit:      t.MaxExportsPerDay,
			DailyRemaining:  t.MaxExportsPerDay,
			WeeklyLimit:     t.MaxExportsPerWeek,
			WeeklyRemaining: t.MaxExportsPerWeek,
		},
	}
}

func (e *Engine) appendEvent(ctx context.Context, event ExportEvent) {
	if err := e.history.Append(ctx, event); err != nil {
		persistFailuresTotal.WithLabelValues("history").Inc()
		e.logger.Error("failed to persist export event",
			"user_id", event.UserID,
			"event_id", event.ID,
			"action", event.Action,
			"error", err,
		)
	}
}

func (e *Engine) record(ctx context.Context, rec AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now()
	}
	if err := e.audit.Record(ctx, rec); err != nil {
		persistFailuresTotal.WithLabelValues("audit").Inc()
		e.logger.Error("failed to write security log",
			"user_id", rec.UserID,
			"kind", rec.Kind,
			"severity", rec.Severity,
			"error", err,
		)
	}
}
