package exportrisk

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryHistoryStore is an in-memory HistoryStore for demo/test use.
type MemoryHistoryStore struct {
	mu     sync.RWMutex
	events map[int64][]ExportEvent // userID → events in append order
}

// NewMemoryHistoryStore creates an empty in-memory export history.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{events: make(map[int64][]ExportEvent)}
}

func (s *MemoryHistoryStore) Append(ctx context.Context, event ExportEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Patterns = slices.Clone(event.Patterns)
	s.events[event.UserID] = append(s.events[event.UserID], event)
	return nil
}

func (s *MemoryHistoryStore) RecentEvents(ctx context.Context, userID int64, since time.Time) ([]ExportEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ExportEvent
	for _, e := range s.events[userID] {
		if !e.Timestamp.Before(since) {
			e.Patterns = slices.Clone(e.Patterns)
			result = append(result, e)
		}
	}
	return result, nil
}

// Events returns every stored event for the user.
func (s *MemoryHistoryStore) Events(userID int64) []ExportEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[userID])
}

type ipSighting struct {
	ip string
	at time.Time
}

// MemorySecurityStore records the IPs seen for each user.
type MemorySecurityStore struct {
	mu        sync.RWMutex
	sightings map[int64][]ipSighting
}

// NewMemorySecurityStore creates an empty in-memory security history.
func NewMemorySecurityStore() *MemorySecurityStore {
	return &MemorySecurityStore{sightings: make(map[int64][]ipSighting)}
}

func (s *MemorySecurityStore) RecordSighting(ctx context.Context, userID int64, ip, userAgent string, at time.Time) error {
	if ip == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sightings[userID] = append(s.sightings[userID], ipSighting{ip: ip, at: at})
	return nil
}

func (s *MemorySecurityStore) RecentIPs(ctx context.Context, userID int64, since time.Time) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ips := make(map[string]struct{})
	for _, sg := range s.sightings[userID] {
		if !sg.at.Before(since) {
			ips[sg.ip] = struct{}{}
		}
	}
	return ips, nil
}

// MemoryAuditLog keeps security-log records in memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	records []AuditRecord
}

// NewMemoryAuditLog creates an empty audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Record(ctx context.Context, rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Patterns = slices.Clone(rec.Patterns)
	if rec.Metadata != nil {
		meta := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		rec.Metadata = meta
	}
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of every record in write order.
func (l *MemoryAuditLog) Records() []AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

// ListSecurityLogs returns up to limit records for userID, newest first.
func (l *MemoryAuditLog) ListSecurityLogs(ctx context.Context, userID int64, limit int) ([]AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []AuditRecord
	for i := len(l.records) - 1; i >= 0 && len(result) < limit; i-- {
		if l.records[i].UserID == userID {
			result = append(result, l.records[i])
		}
	}
	return result, nil
}

// MemoryUserDirectory is an in-memory UserDirectory.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[int64]*User
}

// NewMemoryUserDirectory creates a directory seeded with users.
func NewMemoryUserDirectory(users ...User) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[int64]*User)}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put inserts or replaces a user.
func (d *MemoryUserDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = &u
}

func (d *MemoryUserDirectory) Get(ctx context.Context, userID int64) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryUserDirectory) Lock(ctx context.Context, userID int64, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	u.Locked = true
	u.LockedUntil = &until
	return nil
}

func (d *MemoryUserDirectory) ListAdmins(ctx context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var admins []User
	for _, u := range d.users {
		if u.IsAdmin {
			admins = append(admins, *u)
		}
	}
	slices.SortFunc(admins, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return admins, nil
}
