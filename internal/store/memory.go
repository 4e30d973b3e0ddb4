package store

import (
	"context"
	"sync"

	"github.com/careline/consult/internal/types"
)

type presenceKey struct {
	appointmentId string
	role          types.Role
}

// MemPresenceStore is the process-local default. State is lost on
// restart; participants re-establish it by reconnecting.
type MemPresenceStore struct {
	mu      sync.RWMutex
	records map[presenceKey]PresenceRecord
}

func NewMemPresenceStore() *MemPresenceStore {
	return &MemPresenceStore{
		records: make(map[presenceKey]PresenceRecord),
	}
}

func (s *MemPresenceStore) Get(_ context.Context, appointmentId string, role types.Role) (PresenceRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[presenceKey{appointmentId, role}]
	return rec, ok, nil
}

func (s *MemPresenceStore) Put(_ context.Context, appointmentId string, role types.Role, rec PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[presenceKey{appointmentId, role}] = rec
	return nil
}

func (s *MemPresenceStore) Snapshot(_ context.Context, appointmentId string) (map[types.Role]PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[types.Role]PresenceRecord, 2)
	for _, role := range []types.Role{types.RolePatient, types.RoleProvider} {
		if rec, ok := s.records[presenceKey{appointmentId, role}]; ok {
			snap[role] = rec
		}
	}
	return snap, nil
}

// MemNotificationStore is the process-local default notification queue.
type MemNotificationStore struct {
	mu     sync.Mutex
	queues map[string][]types.Notification
}

func NewMemNotificationStore() *MemNotificationStore {
	return &MemNotificationStore{
		queues: make(map[string][]types.Notification),
	}
}

func (s *MemNotificationStore) Push(_ context.Context, providerId string, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := append(s.queues[providerId], n)
	if len(q) > MaxNotifications {
		// drop oldest first, read or not
		q = q[len(q)-MaxNotifications:]
	}
	s.queues[providerId] = q
	return nil
}

func (s *MemNotificationStore) Pending(_ context.Context, providerId string) ([]types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []types.Notification
	for _, n := range s.queues[providerId] {
		if !n.Read {
			pending = append(pending, n)
		}
	}
	return pending, nil
}

func (s *MemNotificationStore) MarkRead(_ context.Context, providerId, notificationId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[providerId]
	for i := range q {
		if q[i].Id == notificationId {
			q[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemNotificationStore) Clear(_ context.Context, providerId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, providerId)
	return nil
}
