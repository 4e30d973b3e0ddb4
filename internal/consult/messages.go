package consult

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/careline/consult/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join     *Join           `json:"join,omitempty"`
	Leave    *Leave          `json:"leave,omitempty"`
	Publish  *Publish        `json:"publish,omitempty"`
	Typing   *Typing         `json:"typing,omitempty"`
	Call     *CallRequest    `json:"call,omitempty"`
	Signal   *Signal         `json:"signal,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
	client   *Client         `json:"-"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId string            `json:"room_id"`
	Kind   types.MessageKind `json:"kind,omitempty"`
	Body   string            `json:"body"`
}

type Typing struct {
	RoomId string `json:"room_id"`
	Active bool   `json:"active"`
}

type CallRequest struct {
	RoomId string     `json:"room_id"`
	Action CallAction `json:"action"`
}

type Signal struct {
	RoomId  string          `json:"room_id"`
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type PresenceUpdate struct {
	AppointmentId string `json:"appointment_id"`
	Online        bool   `json:"online"`
}

type ServerMessage struct {
	BaseMessage
	Response   *Response      `json:"response,omitempty"`
	Message    *types.Message `json:"message,omitempty"`
	Event      *Event         `json:"event,omitempty"`
	SkipClient *Client        `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Event is the server-initiated side of the protocol. Exactly one field
// is set per message.
type Event struct {
	ParticipantJoined *ParticipantChange `json:"participant_joined,omitempty"`
	ParticipantLeft   *ParticipantChange `json:"participant_left,omitempty"`
	TypingChanged     *TypingChanged     `json:"typing_changed,omitempty"`
	CallStateChanged  *CallStateChanged  `json:"call_state_changed,omitempty"`
	SignalForwarded   *SignalForwarded   `json:"signal_forwarded,omitempty"`
	PresenceChanged   *PresenceChanged   `json:"presence_changed,omitempty"`
}

type ParticipantChange struct {
	RoomId      string            `json:"room_id"`
	Participant types.Participant `json:"participant"`
}

type TypingChanged struct {
	RoomId string     `json:"room_id"`
	Role   types.Role `json:"role"`
	Active bool       `json:"active"`
}

type CallStateChanged struct {
	RoomId string            `json:"room_id"`
	State  CallState         `json:"state"`
	By     types.Participant `json:"by,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

type SignalForwarded struct {
	RoomId  string          `json:"room_id"`
	Kind    SignalKind      `json:"kind"`
	From    types.Role      `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type PresenceChanged struct {
	AppointmentId string     `json:"appointment_id"`
	Role          types.Role `json:"role"`
	Online        bool       `json:"online"`
	LastActivity  time.Time  `json:"last_activity,omitempty"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errMessage(id, http.StatusNotFound, "room not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errMessage(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errMessage(id, http.StatusServiceUnavailable, "service unavailable")
}

// ErrStorageUnavailable tells the sender a message was not persisted and
// may be retried.
func ErrStorageUnavailable(id int) *ServerMessage {
	return errMessage(id, http.StatusServiceUnavailable, "message not saved, retry")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errMessage(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

// errResponse maps the package's sentinel errors onto wire responses so
// room handlers can fail with a typed error and let one place pick the
// code.
func errResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, ErrNotMember):
		return errMessage(id, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotLive):
		return errMessage(id, http.StatusTooEarly, err.Error())
	case errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrCallInProgress),
		errors.Is(err, ErrCallNotRinging):
		return errMessage(id, http.StatusConflict, err.Error())
	case errors.Is(err, ErrPeerNotConnected):
		return errMessage(id, http.StatusPreconditionFailed, err.Error())
	default:
		return ErrInternalError(id)
	}
}

func errMessage(id, code int, text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
