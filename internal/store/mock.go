package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/careline/consult/internal/types"
)

type MockNotificationStore struct {
	mock.Mock
}

func (m *MockNotificationStore) Push(ctx context.Context, providerId string, n types.Notification) error {
	args := m.Called(ctx, providerId, n)
	return args.Error(0)
}
func (m *MockNotificationStore) Pending(ctx context.Context, providerId string) ([]types.Notification, error) {
	args := m.Called(ctx, providerId)
	if ns, ok := args.Get(0).([]types.Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNotificationStore) MarkRead(ctx context.Context, providerId, notificationId string) error {
	args := m.Called(ctx, providerId, notificationId)
	return args.Error(0)
}
func (m *MockNotificationStore) Clear(ctx context.Context, providerId string) error {
	args := m.Called(ctx, providerId)
	return args.Error(0)
}

type MockPresenceStore struct {
	mock.Mock
}

func (m *MockPresenceStore) Get(ctx context.Context, appointmentId string, role types.Role) (PresenceRecord, bool, error) {
	args := m.Called(ctx, appointmentId, role)
	return args.Get(0).(PresenceRecord), args.Bool(1), args.Error(2)
}
func (m *MockPresenceStore) Put(ctx context.Context, appointmentId string, role types.Role, rec PresenceRecord) error {
	args := m.Called(ctx, appointmentId, role, rec)
	return args.Error(0)
}
func (m *MockPresenceStore) Snapshot(ctx context.Context, appointmentId string) (map[types.Role]PresenceRecord, error) {
	args := m.Called(ctx, appointmentId)
	if snap, ok := args.Get(0).(map[types.Role]PresenceRecord); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}
