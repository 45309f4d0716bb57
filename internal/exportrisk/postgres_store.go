package exportrisk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// engineAuditKinds are excluded when deriving known IPs, so an export that
// was itself flagged does not vouch for its own origin.
var engineAuditKinds = []string{AuditKindSuspiciousExport, AuditKindMonitoringFailure, AuditKindLockFailed}

// PostgresStore persists export history and the security log in PostgreSQL.
// The schema lives in the goose migrations under /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history and audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event ExportEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_events (
			id, user_id, export_type, record_count, format, risk_score,
			patterns, action, ip_address, device_fingerprint, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		event.ID,
		event.UserID,
		event.ExportType,
		event.RecordCount,
		event.Format,
		event.RiskScore,
		pq.Array(nonNil(event.Patterns)),
		string(event.Action),
		event.IPAddress,
		event.DeviceFingerprint,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append export event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, userID int64, since time.Time) ([]ExportEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, export_type, record_count, format, risk_score,
		       patterns, action, ip_address, device_fingerprint, created_at
		FROM export_events
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query export events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []ExportEvent
	for rows.Next() {
		var (
			e      ExportEvent
			action string
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.ExportType, &e.RecordCount, &e.Format, &e.RiskScore,
			pq.Array(&e.Patterns), &action, &e.IPAddress, &e.DeviceFingerprint, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan export event: %w", err)
		}
		e.Action = Action(action)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RecentIPs(ctx context.Context, userID int64, since time.Time) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ip_address
		FROM security_logs
		WHERE user_id = $1
		  AND created_at >= $2
		  AND ip_address <> ''
		  AND kind <> ALL($3)
	`, userID, since, pq.Array(engineAuditKinds))
	if err != nil {
		return nil, fmt.Errorf("failed to query known IPs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ips := make(map[string]struct{})
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan IP: %w", err)
		}
		ips[ip] = struct{}{}
	}
	return ips, rows.Err()
}

func (s *PostgresStore) Record(ctx context.Context, rec AuditRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		metaJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_logs (
			id, user_id, kind, severity, risk_score, patterns,
			ip_address, device_fingerprint, user_agent, metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ID,
		rec.UserID,
		rec.Kind,
		string(rec.Severity),
		rec.RiskScore,
		pq.Array(nonNil(rec.Patterns)),
		rec.IPAddress,
		rec.DeviceFingerprint,
		rec.UserAgent,
		metaJSON,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record security log: %w", err)
	}
	return nil
}

// RecordSighting logs a successful sign-in from ip, making it a known origin.
func (s *PostgresStore) RecordSighting(ctx context.Context, userID int64, ip, userAgent string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_logs (id, user_id, kind, severity, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), userID, AuditKindLoginSuccess, string(SeverityLow), ip, userAgent, at)
	if err != nil {
		return fmt.Errorf("failed to record sighting: %w", err)
	}
	return nil
}

// ListSecurityLogs returns the most recent security-log records for a user.
func (s *PostgresStore) ListSecurityLogs(ctx context.Context, userID int64, limit int) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, severity, risk_score, patterns,
		       ip_address, device_fingerprint, user_agent, metadata, created_at
		FROM security_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []AuditRecord
	for rows.Next() {
		var (
			r        AuditRecord
			severity string
			metaJSON []byte
		)
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.Kind, &severity, &r.RiskScore, pq.Array(&r.Patterns),
			&r.IPAddress, &r.DeviceFingerprint, &r.UserAgent, &metaJSON, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security log: %w", err)
		}
		r.Severity = Severity(severity)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// PostgresUserDirectory reads users and writes account locks.
type PostgresUserDirectory struct {
	db *sql.DB
}

// NewPostgresUserDirectory creates a PostgreSQL-backed user directory.
func NewPostgresUserDirectory(db *sql.DB) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db}
}

func (d *PostgresUserDirectory) Get(ctx context.Context, userID int64) (*User, error) {
	var (
		u           User
		role        string
		lockedUntil sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, locked, locked_until
		FROM users
		WHERE id = $1
	`, userID).Scan(&u.ID, &u.Email, &u.Name, &role, &u.Locked, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.IsAdmin = role == "admin"
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return &u, nil
}

func (d *PostgresUserDirectory) Lock(ctx context.Context, userID int64, until time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE users
		SET locked = TRUE, locked_until = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, until)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return nil
}

func (d *PostgresUserDirectory) ListAdmins(ctx context.Context) ([]User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, email, name
		FROM users
		WHERE role = 'admin'
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var admins []User
	for rows.Next() {
		u := User{IsAdmin: true}
		if err := rows.Scan(&u.ID, &u.Email, &u.Name); err != nil {
			return nil, fmt.Errorf("failed to scan admin: %w", err)
		}
		admins = append(admins, u)
	}
	return admins, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
