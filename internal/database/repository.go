package database

import "errors"

// ErrDuplicateRoomPair is returned when rooms were already provisioned
// for an appointment; provisioning happens exactly once.
var ErrDuplicateRoomPair = errors.New("database: room pair already exists")

type ConsultRepository interface {
	Ping() error
	CreateMessage(params CreateMessageParams) (Message, error)
	// GetMessagesByRoom pages newest-first: page 1 holds the most recent
	// messages. Callers wanting display order reverse the page.
	GetMessagesByRoom(roomId string, page, limit int) ([]Message, error)
	CreateRoomPair(params CreateRoomPairParams) (RoomPair, error)
	GetRoomPairByAppointment(appointmentId string) (RoomPair, error)
	GetRoomPairByRoomId(roomId string) (RoomPair, error)
	MarkChatActive(appointmentId string) error
}
