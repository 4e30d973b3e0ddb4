package database

import "time"

type Message struct {
	Id         int64
	RoomId     string
	SenderId   string
	SenderRole string
	Kind       string
	Body       string
	CreatedAt  time.Time
}

// RoomPair records the chat and call room ids issued for one
// appointment at confirmation time. The pair is immutable and unique
// per appointment; room ids are never reused across appointments.
type RoomPair struct {
	Id            int64
	AppointmentId string
	ChatRoomId    string
	CallRoomId    string
	ChatActive    bool
	CreatedAt     time.Time
}

type CreateMessageParams struct {
	RoomId     string
	SenderId   string
	SenderRole string
	Kind       string
	Body       string
}

type CreateRoomPairParams struct {
	AppointmentId string
	ChatRoomId    string
	CallRoomId    string
}
