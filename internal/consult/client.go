package consult

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one websocket connection for an authenticated participant.
// A participant may hold several connections at once; each one joins
// rooms independently.
type Client struct {
	conn        *websocket.Conn
	cs          *ConsultServer
	log         zerolog.Logger
	participant types.Participant
	send        chan *ServerMessage
	rooms       map[string]*Room
	roomsLock   sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClient(participant types.Participant, conn *websocket.Conn, cs *ConsultServer, logger zerolog.Logger) *Client {
	return &Client{
		conn:        conn,
		cs:          cs,
		log:         logger,
		participant: participant,
		send:        make(chan *ServerMessage, 256),
		rooms:       make(map[string]*Room),
		stop:        make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		case msg.Publish != nil:
			c.routeToRoom(&msg, msg.Publish.RoomId)
		case msg.Typing != nil:
			c.routeToRoom(&msg, msg.Typing.RoomId)
		case msg.Call != nil:
			c.routeToRoom(&msg, msg.Call.RoomId)
		case msg.Signal != nil:
			c.routeToRoom(&msg, msg.Signal.RoomId)
		case msg.Presence != nil:
			r := c.roomForAppointment(msg.Presence.AppointmentId)
			if r == nil {
				c.queueMessage(ErrRoomNotFound(msg.Id))
				continue
			}
			c.sendToRoom(&msg, r)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

// routeToRoom hands a message to a room the client has already joined.
func (c *Client) routeToRoom(msg *ClientMessage, roomId string) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	c.sendToRoom(msg, r)
}

func (c *Client) sendToRoom(msg *ClientMessage, r *Room) {
	select {
	case r.clientMsgChan <- msg:
	default:
		c.log.Warn().Str("room_id", r.id).Msg("room message channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("participant_id", c.participant.Id).Msg("client send buffer full, dropping message")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("ws write")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	// after shutdown the run loop no longer drains deRegisterChan
	select {
	case c.cs.deRegisterChan <- c:
	case <-c.cs.stop:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		room.leaveChan <- &ClientMessage{
			Leave:  &Leave{RoomId: room.id},
			client: c,
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.cs.joinChan <- msg:
	default:
		c.log.Warn().Msg("join channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Warn().Str("room_id", r.id).Msg("leave channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}

// roomForAppointment finds the joined chat room backing an appointment,
// which is how presence updates are addressed.
func (c *Client) roomForAppointment(appointmentId string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, r := range c.rooms {
		if r.appt.Id == appointmentId && r.kind == RoomChat {
			return r
		}
	}
	return nil
}
