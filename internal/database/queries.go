package database

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

func (db *PgConsultRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (room_id, sender_id, sender_role, kind, body, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, room_id, sender_id, sender_role, kind, body, created_at",
		params.RoomId,
		params.SenderId,
		params.SenderRole,
		params.Kind,
		params.Body,
		time.Now().UTC(),
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.RoomId,
		&m.SenderId,
		&m.SenderRole,
		&m.Kind,
		&m.Body,
		&m.CreatedAt,
	)

	return m, err
}

func (db *PgConsultRepository) GetMessagesByRoom(roomId string, page, limit int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.Query(
		"SELECT id, room_id, sender_id, sender_role, kind, body, created_at FROM messages "+
			"WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		roomId,
		limit,
		(page-1)*limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.RoomId, &m.SenderId, &m.SenderRole, &m.Kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (db *PgConsultRepository) CreateRoomPair(params CreateRoomPairParams) (RoomPair, error) {
	res := db.conn.QueryRow(
		"INSERT INTO room_pairs (appointment_id, chat_room_id, call_room_id, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, appointment_id, chat_room_id, call_room_id, chat_active, created_at",
		params.AppointmentId,
		params.ChatRoomId,
		params.CallRoomId,
		time.Now().UTC(),
	)

	var pair RoomPair
	err := res.Scan(
		&pair.Id,
		&pair.AppointmentId,
		&pair.ChatRoomId,
		&pair.CallRoomId,
		&pair.ChatActive,
		&pair.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return RoomPair{}, ErrDuplicateRoomPair
	}

	return pair, err
}

func (db *PgConsultRepository) GetRoomPairByAppointment(appointmentId string) (RoomPair, error) {
	row := db.conn.QueryRow(
		"SELECT id, appointment_id, chat_room_id, call_room_id, chat_active, created_at FROM room_pairs "+
			"WHERE appointment_id = $1 LIMIT 1",
		appointmentId,
	)

	var pair RoomPair
	err := row.Scan(
		&pair.Id,
		&pair.AppointmentId,
		&pair.ChatRoomId,
		&pair.CallRoomId,
		&pair.ChatActive,
		&pair.CreatedAt,
	)

	return pair, err
}

func (db *PgConsultRepository) GetRoomPairByRoomId(roomId string) (RoomPair, error) {
	row := db.conn.QueryRow(
		"SELECT id, appointment_id, chat_room_id, call_room_id, chat_active, created_at FROM room_pairs "+
			"WHERE chat_room_id = $1 OR call_room_id = $1 LIMIT 1",
		roomId,
	)

	var pair RoomPair
	err := row.Scan(
		&pair.Id,
		&pair.AppointmentId,
		&pair.ChatRoomId,
		&pair.CallRoomId,
		&pair.ChatActive,
		&pair.CreatedAt,
	)

	return pair, err
}

func (db *PgConsultRepository) MarkChatActive(appointmentId string) error {
	_, err := db.conn.Exec(
		"UPDATE room_pairs SET chat_active = TRUE WHERE appointment_id = $1",
		appointmentId,
	)

	return err
}
