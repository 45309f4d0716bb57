package exportrisk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentAlert struct {
	target User
	alert  Alert
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []sentAlert
	failFor map[int64]error
}

func (n *recordingNotifier) SendSecurityAlert(ctx context.Context, target User, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failFor[target.ID]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentAlert{target: target, alert: alert})
	return nil
}

func (n *recordingNotifier) alerts() []sentAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentAlert(nil), n.sent...)
}

func (n *recordingNotifier) ofType(typ AlertType) []sentAlert {
	var out []sentAlert
	for _, s := range n.alerts() {
		if s.alert.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type brokenHistory struct {
	*MemoryHistoryStore
	err error
}

func (b brokenHistory) RecentEvents(ctx context.Context, userID int64, since time.Time) ([]ExportEvent, error) {
	return nil, b.err
}

type brokenLocks struct {
	*MemoryUserDirectory
}

func (brokenLocks) Lock(ctx context.Context, userID int64, until time.Time) error {
	return errors.New("connection reset")
}

type stubEvaluator struct {
	score   float64
	pattern string
	panics  bool
}

func (stubEvaluator) Kind() Kind { return KindFrequency }

func (s stubEvaluator) Evaluate(History, ExportEvent) Result {
	if s.panics {
		panic("boom")
	}
	return Result{Kind: KindFrequency, Score: s.score, Suspicious: s.pattern != "", Pattern: s.pattern}
}

type fixture struct {
	history  *MemoryHistoryStore
	security *MemorySecurityStore
	users    *MemoryUserDirectory
	notifier *recordingNotifier
	audit    *MemoryAuditLog
}

const exporterID int64 = 1

func newFixture() *fixture {
	return &fixture{
		history:  NewMemoryHistoryStore(),
		security: NewMemorySecurityStore(),
		users: NewMemoryUserDirectory(
			User{ID: exporterID, Email: "ana@example.com", Name: "Ana"},
			User{ID: 100, Email: "root@example.com", Name: "Root", IsAdmin: true},
			User{ID: 101, Email: "ops@example.com", Name: "Ops", IsAdmin: true},
		),
		notifier: &recordingNotifier{},
		audit:    NewMemoryAuditLog(),
	}
}

func testThresholds() Thresholds {
	t := DefaultThresholds()
	t.Location = time.UTC
	return t
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithThresholds(testThresholds()),
		WithClock(func() time.Time { return noon }),
	}
	e, err := New(f.history, f.security, f.users, f.notifier, f.audit, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func (f *fixture) seed(t *testing.T, ago time.Duration, format string) {
	t.Helper()
	require.NoError(t, f.history.Append(context.Background(), ExportEvent{
		ID:          "seed-" + ago.String(),
		UserID:      exporterID,
		Timestamp:   noon.Add(-ago),
		ExportType:  "contacts",
		RecordCount: 10,
		Format:      format,
		Action:      ActionAllowed,
	}))
}

var origin = RequestContext{IPAddress: "10.0.0.1", DeviceFingerprint: "fp-0123456789abcdef", UserAgent: "test-agent"}

// Zero history, ten CSV records.
func TestMonitorExport_FirstExportAllowed(t *testing.T) {
	f := newFixture()
	e := f.engine(t)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionAllowed, d.Action)
	assert.InDelta(t, 1.0/6, d.RiskScore, 1e-9)
	assert.Empty(t, d.SuspiciousPatterns)
	assert.Equal(t, 2, d.Usage.HourlyRemaining)
	assert.False(t, d.ShowWarning)
	assert.Empty(t, d.Message)

	events := f.history.Events(exporterID)
	require.Len(t, events, 1)
	assert.Equal(t, noon, events[0].Timestamp)
	assert.Equal(t, ActionAllowed, events[0].Action)
	assert.Empty(t, f.audit.Records())
	assert.Empty(t, f.notifier.alerts())
}

// Three prior exports in the last hour against the default hourly cap of 3.
func TestMonitorExport_HourlyCapLocksAccount(t *testing.T) {
	f := newFixture()
	f.seed(t, 10*time.Minute, "csv")
	f.seed(t, 20*time.Minute, "csv")
	f.seed(t, 30*time.Minute, "csv")
	e := f.engine(t)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.False(t, d.Allowed)
	assert.Equal(t, ActionAccountLocked, d.Action)
	assert.Equal(t, 1.0, d.RiskScore)
	assert.Equal(t, []string{PatternExcessivePerHour}, d.SuspiciousPatterns)
	assert.Equal(t, MessageAccountLocked, d.Message)
	assert.Equal(t, 0, d.Usage.HourlyRemaining)
	assert.True(t, d.ShowWarning)

	u, err := f.users.Get(context.Background(), exporterID)
	require.NoError(t, err)
	assert.True(t, u.Locked)
	require.NotNil(t, u.LockedUntil)
	assert.Equal(t, noon.Add(24*time.Hour), *u.LockedUntil)

	assert.Len(t, f.history.Events(exporterID), 4)

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, AuditKindSuspiciousExport, records[0].Kind)
	assert.Equal(t, SeverityCritical, records[0].Severity)
	assert.Equal(t, "10.0.0.1", records[0].IPAddress)

	alerts := f.notifier.alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertAccountLocked, alerts[0].alert.Type, "user alert goes out first")
	assert.Equal(t, exporterID, alerts[0].target.ID)
	assert.True(t, alerts[0].alert.AccountLocked)
	assert.Equal(t, "fp-0****cdef", alerts[0].alert.DeviceFingerprint)

	admins := f.notifier.ofType(AlertAdminAccountLocked)
	require.Len(t, admins, 2)
	assert.ElementsMatch(t, []int64{100, 101}, []int64{admins[0].target.ID, admins[1].target.ID})
	assert.Equal(t, "ana@example.com", admins[0].alert.UserEmail)
}

func TestMonitorExport_BurstBlocks(t *testing.T) {
	f := newFixture()
	f.seed(t, 30*time.Second, "csv")
	e := f.engine(t)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.False(t, d.Allowed)
	assert.Equal(t, ActionExportBlocked, d.Action)
	assert.Equal(t, 0.9, d.RiskScore)
	assert.Equal(t, []string{PatternRapidSequential}, d.SuspiciousPatterns)
	assert.Equal(t, MessageExportBlocked, d.Message)

	u, _ := f.users.Get(context.Background(), exporterID)
	assert.False(t, u.Locked)

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, SeverityHigh, records[0].Severity)

	assert.Len(t, f.notifier.ofType(AlertAdminSuspiciousExport), 2)
	assert.Empty(t, f.notifier.ofType(AlertExportWarning))
}

// CSV, then JSON ten seconds later: the burst dominates and the format
// change contributes a smaller score.
func TestMonitorExport_FormatSwitchBurstBlocks(t *testing.T) {
	f := newFixture()
	f.seed(t, 10*time.Second, "csv")
	e := f.engine(t)

	candidate := ExportEvent{UserID: exporterID, Timestamp: noon, Format: "json", RecordCount: 10}
	history, err := e.loadHistory(context.Background(), candidate, e.Thresholds())
	require.NoError(t, err)
	scores := make(map[Kind]float64)
	for _, ev := range DefaultEvaluators(e.Thresholds()) {
		scores[ev.Kind()] = ev.Evaluate(history, candidate).Score
	}
	assert.Equal(t, 0.9, scores[KindBurst])
	assert.Greater(t, scores[KindFormatVariation], 0.0)
	assert.Less(t, scores[KindFormatVariation], scores[KindBurst])

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "json", origin)

	assert.False(t, d.Allowed)
	assert.Equal(t, ActionExportBlocked, d.Action)
	assert.Equal(t, 0.9, d.RiskScore)
	assert.Equal(t, []string{PatternRapidSequential, PatternMultipleFormats}, d.SuspiciousPatterns)

	u, _ := f.users.Get(context.Background(), exporterID)
	assert.False(t, u.Locked)
	assert.Len(t, f.notifier.ofType(AlertAdminSuspiciousExport), 2)
	assert.Empty(t, f.notifier.ofType(AlertAccountLocked))
	assert.Len(t, f.history.Events(exporterID), 2)
}

func TestMonitorExport_WarningAtThresholdNotLogged(t *testing.T) {
	f := newFixture()
	f.seed(t, 10*time.Minute, "xlsx")
	e := f.engine(t)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionWarningIssued, d.Action)
	assert.Equal(t, 0.7, d.RiskScore)
	assert.Equal(t, MessageWarning, d.Message)
	assert.Empty(t, f.audit.Records(), "security log only above the warning threshold")

	warnings := f.notifier.ofType(AlertExportWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, exporterID, warnings[0].target.ID)
}

func TestMonitorExport_WarningAboveThresholdLoggedMedium(t *testing.T) {
	f := newFixture()
	e := f.engine(t, withEvaluators(func(Thresholds) []Evaluator {
		return []Evaluator{stubEvaluator{score: 0.75, pattern: "custom"}}
	}))

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionWarningIssued, d.Action)
	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, SeverityMedium, records[0].Severity)
	assert.Len(t, f.notifier.ofType(AlertExportWarning), 1)
	assert.Empty(t, f.notifier.ofType(AlertAdminSuspiciousExport))
}

func TestMonitorExport_LowQuotaMessage(t *testing.T) {
	f := newFixture()
	f.seed(t, 2*time.Hour, "csv")
	e := f.engine(t, WithThresholds(func() Thresholds {
		th := testThresholds()
		th.MaxExportsPerDay = 4
		return th
	}()))

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.Equal(t, ActionAllowed, d.Action)
	assert.Equal(t, 2, d.Usage.DailyRemaining)
	assert.True(t, d.ShowWarning)
	assert.Contains(t, d.Message, "2 remaining today")
}

func TestMonitorExport_NewIPFlagged(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.security.RecordSighting(context.Background(), exporterID, "10.0.0.9", "", noon.Add(-time.Hour)))
	e := f.engine(t)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.Equal(t, 0.5, d.RiskScore)
	assert.Equal(t, []string{PatternNewIPLocation}, d.SuspiciousPatterns)
	assert.Equal(t, ActionAllowed, d.Action)
}

func TestMonitorExport_FailsOpenOnHistoryError(t *testing.T) {
	f := newFixture()
	broken := brokenHistory{MemoryHistoryStore: f.history, err: errors.New("db down")}
	before := counterValue(t, failOpenTotal)

	e, err := New(broken, f.security, f.users, f.notifier, f.audit,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return noon }),
	)
	require.NoError(t, err)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionAllowed, d.Action)
	assert.Zero(t, d.RiskScore)
	assert.NotNil(t, d.SuspiciousPatterns)

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, AuditKindMonitoringFailure, records[0].Kind)
	assert.Equal(t, SeverityHigh, records[0].Severity)
	assert.Contains(t, records[0].Metadata["error"], "db down")

	assert.Len(t, f.history.Events(exporterID), 1, "the attempt is still recorded")
	assert.Equal(t, before+1, counterValue(t, failOpenTotal))
}

func TestMonitorExport_FailsOpenOnEvaluatorPanic(t *testing.T) {
	f := newFixture()
	e := f.engine(t, withEvaluators(func(Thresholds) []Evaluator {
		return []Evaluator{stubEvaluator{panics: true}}
	}))

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.True(t, d.Allowed)
	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Metadata["error"], "evaluator panic")
}

// ctxHistory rejects appends made with a finished context, like a real
// database driver would.
type ctxHistory struct {
	*MemoryHistoryStore
}

func (h ctxHistory) Append(ctx context.Context, event ExportEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.MemoryHistoryStore.Append(ctx, event)
}

type ctxAudit struct {
	*MemoryAuditLog
}

func (a ctxAudit) Record(ctx context.Context, rec AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.MemoryAuditLog.Record(ctx, rec)
}

func TestMonitorExport_FailOpenPersistsAfterCancel(t *testing.T) {
	f := newFixture()
	e, err := New(ctxHistory{f.history}, f.security, f.users, f.notifier, ctxAudit{f.audit},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithThresholds(testThresholds()),
		WithClock(func() time.Time { return noon }),
		WithUserSerialization(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := e.MonitorExport(ctx, exporterID, "contacts", 10, "csv", origin)

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionAllowed, d.Action)
	assert.Len(t, f.history.Events(exporterID), 1, "the event is appended despite the cancelled request")
	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, AuditKindMonitoringFailure, records[0].Kind)
	assert.Contains(t, records[0].Metadata["error"], "acquire user lock")
}

func TestMonitorExport_LockFailureStillDenies(t *testing.T) {
	f := newFixture()
	f.seed(t, 10*time.Minute, "csv")
	f.seed(t, 20*time.Minute, "csv")
	f.seed(t, 30*time.Minute, "csv")
	before := counterValue(t, lockFailuresTotal)

	e, err := New(f.history, f.security, brokenLocks{f.users}, f.notifier, f.audit,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithThresholds(testThresholds()),
		WithClock(func() time.Time { return noon }),
	)
	require.NoError(t, err)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.False(t, d.Allowed)
	assert.Equal(t, ActionAccountLocked, d.Action)
	assert.Equal(t, before+1, counterValue(t, lockFailuresTotal))

	var kinds []string
	for _, r := range f.audit.Records() {
		kinds = append(kinds, r.Kind)
		if r.Kind == AuditKindLockFailed {
			assert.Equal(t, SeverityCritical, r.Severity)
		}
		if r.Kind == AuditKindSuspiciousExport {
			assert.Equal(t, SeverityHigh, r.Severity, "not critical when the lock did not stick")
		}
	}
	assert.Equal(t, []string{AuditKindLockFailed, AuditKindSuspiciousExport}, kinds)

	assert.Empty(t, f.notifier.ofType(AlertAccountLocked))
	denied := f.notifier.ofType(AlertExportDenied)
	require.Len(t, denied, 1, "the user still hears about the denied export")
	assert.Equal(t, exporterID, denied[0].target.ID)
	assert.False(t, denied[0].alert.AccountLocked)
	assert.Equal(t, MessageExportBlocked, denied[0].alert.Reason)

	admins := f.notifier.ofType(AlertAdminSuspiciousExport)
	require.Len(t, admins, 2)
	assert.False(t, admins[0].alert.AccountLocked)
}

func TestMonitorExport_AdminFailureIsolated(t *testing.T) {
	f := newFixture()
	f.notifier.failFor = map[int64]error{100: errors.New("smtp timeout")}
	f.seed(t, 30*time.Second, "csv")
	e := f.engine(t, WithAdminFanout(1))

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)

	assert.Equal(t, ActionExportBlocked, d.Action)
	admins := f.notifier.ofType(AlertAdminSuspiciousExport)
	require.Len(t, admins, 1)
	assert.Equal(t, int64(101), admins[0].target.ID)
}

func TestMonitorExport_AsyncNotifications(t *testing.T) {
	f := newFixture()
	f.seed(t, 30*time.Second, "csv")
	e := f.engine(t, WithAsyncNotifications())

	ctx, cancel := context.WithCancel(context.Background())
	d := e.MonitorExport(ctx, exporterID, "contacts", 10, "csv", origin)
	cancel()
	e.Wait()

	assert.Equal(t, ActionExportBlocked, d.Action)
	assert.Len(t, f.notifier.ofType(AlertAdminSuspiciousExport), 2)
}

func TestMonitorExport_NegativeRecordCountClamped(t *testing.T) {
	f := newFixture()
	e := f.engine(t)

	d := e.MonitorExport(context.Background(), exporterID, "contacts", -50, " CSV", origin)

	assert.True(t, d.Allowed)
	events := f.history.Events(exporterID)
	require.Len(t, events, 1)
	assert.Zero(t, events[0].RecordCount)
	assert.Equal(t, "csv", events[0].Format)
}

// barrierHistory holds every reader until n of them have read, so concurrent
// evaluations are guaranteed to see the same snapshot.
type barrierHistory struct {
	*MemoryHistoryStore
	wg *sync.WaitGroup
}

func (b barrierHistory) RecentEvents(ctx context.Context, userID int64, since time.Time) ([]ExportEvent, error) {
	events, err := b.MemoryHistoryStore.RecentEvents(ctx, userID, since)
	b.wg.Done()
	b.wg.Wait()
	return events, err
}

func runConcurrently(e *Engine, n int) []Decision {
	decisions := make([]Decision, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i] = e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)
		}()
	}
	wg.Wait()
	return decisions
}

func TestMonitorExport_ConcurrentWithoutSerializationBothAllowed(t *testing.T) {
	f := newFixture()
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	history := barrierHistory{MemoryHistoryStore: f.history, wg: barrier}

	e, err := New(history, f.security, f.users, f.notifier, f.audit,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithThresholds(testThresholds()),
		WithClock(func() time.Time { return noon }),
	)
	require.NoError(t, err)

	for _, d := range runConcurrently(e, 2) {
		assert.True(t, d.Allowed, "neither call sees the other's event")
	}
	assert.Len(t, f.history.Events(exporterID), 2)
}

func TestMonitorExport_ConcurrentWithSerializationSecondBlocked(t *testing.T) {
	f := newFixture()
	e := f.engine(t, WithUserSerialization())

	allowed, blocked := 0, 0
	for _, d := range runConcurrently(e, 2) {
		switch d.Action {
		case ActionAllowed:
			allowed++
		case ActionExportBlocked:
			blocked++
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, blocked)
}

func TestEngine_SetThresholds(t *testing.T) {
	f := newFixture()
	f.seed(t, 10*time.Minute, "csv")
	f.seed(t, 20*time.Minute, "csv")
	e := f.engine(t)

	bad := testThresholds()
	bad.BlockThreshold = 0.5
	require.ErrorIs(t, e.SetThresholds(bad), ErrInvalidThresholds)
	assert.Equal(t, 0.8, e.Thresholds().BlockThreshold)

	relaxed := testThresholds()
	relaxed.MaxExportsPerHour = 100
	relaxed.MaxExportsPerDay = 100
	require.NoError(t, e.SetThresholds(relaxed))

	d := e.MonitorExport(context.Background(), exporterID, "contacts", 10, "csv", origin)
	assert.Equal(t, ActionAllowed, d.Action)
	assert.Equal(t, 97, d.Usage.HourlyRemaining)
}

func TestEngine_Usage(t *testing.T) {
	f := newFixture()
	f.seed(t, 10*time.Minute, "csv")
	f.seed(t, 3*time.Hour, "csv")
	e := f.engine(t)

	u, err := e.Usage(context.Background(), exporterID)
	require.NoError(t, err)
	assert.Equal(t, 1, u.HourlyUsed)
	assert.Equal(t, 2, u.HourlyRemaining)
	assert.Equal(t, 2, u.DailyUsed)
	assert.Equal(t, 2, u.WeeklyUsed)
	assert.Len(t, f.history.Events(exporterID), 2, "usage never records an export")
}

func TestNew_Validation(t *testing.T) {
	f := newFixture()

	_, err := New(nil, f.security, f.users, f.notifier, f.audit)
	assert.ErrorIs(t, err, ErrMissingDependency)

	bad := DefaultThresholds()
	bad.MaxRecordsPerDay = -1
	_, err = New(f.history, f.security, f.users, f.notifier, f.audit, WithThresholds(bad))
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
