package database

import (
	"github.com/stretchr/testify/mock"
)

type MockConsultRepository struct {
	mock.Mock
}

func (m *MockConsultRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockConsultRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockConsultRepository) GetMessagesByRoom(roomId string, page, limit int) ([]Message, error) {
	args := m.Called(roomId, page, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockConsultRepository) CreateRoomPair(params CreateRoomPairParams) (RoomPair, error) {
	args := m.Called(params)
	return args.Get(0).(RoomPair), args.Error(1)
}
func (m *MockConsultRepository) GetRoomPairByAppointment(appointmentId string) (RoomPair, error) {
	args := m.Called(appointmentId)
	return args.Get(0).(RoomPair), args.Error(1)
}
func (m *MockConsultRepository) GetRoomPairByRoomId(roomId string) (RoomPair, error) {
	args := m.Called(roomId)
	return args.Get(0).(RoomPair), args.Error(1)
}
func (m *MockConsultRepository) MarkChatActive(appointmentId string) error {
	args := m.Called(appointmentId)
	return args.Error(0)
}
