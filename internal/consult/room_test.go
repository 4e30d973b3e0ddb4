package consult

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/careline/consult/internal/appointments"
	"github.com/careline/consult/internal/database"
	"github.com/careline/consult/internal/types"
)

// newTestRoom builds a room without starting its run loop so handlers
// can be driven directly. Timers are created stopped, the way start
// leaves them before the first client arrives.
func newTestRoom(t *testing.T, cs *ConsultServer, kind RoomKind) *Room {
	t.Helper()

	appt := testAppointment()
	id := appt.ChatRoomId
	if kind == RoomCall {
		id = appt.CallRoomId
	}

	r := &Room{
		id:            id,
		kind:          kind,
		appt:          appt,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		roleMap:       make(map[types.Role]map[*Client]struct{}),
		epochs:        make(map[*Client]int64),
		roleEpochs:    make(map[types.Role]int64),
		log:           cs.log,
		killTimer:     time.NewTimer(idleRoomTimeout),
		ringTimer:     time.NewTimer(ringingTimeout),
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	r.killTimer.Stop()
	r.ringTimer.Stop()

	if kind == RoomCall {
		r.call = newCallSession()
	}
	return r
}

func drainMessages(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func joinRoomMember(t *testing.T, r *Room, c *Client) {
	t.Helper()

	r.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{RoomId: r.id},
		client:      c,
	})
	drainMessages(c)
}

func TestHandleJoin(t *testing.T) {
	t.Run("member joins chat room", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)
		c := newTestClient(t, cs, testPatient())

		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: r.id},
			client:      c,
		})

		assert.Equal(t, 1, r.clientCount(), "expected one client in room")
		assert.Equal(t, int64(1), r.epochs[c], "expected first presence epoch")
		assert.Equal(t, r, c.getRoom(r.id), "expected room to be tracked on client")

		// a fresh connection flips the role online before the join ack
		presence := recvMessage(t, c)
		if assert.NotNil(t, presence.Event, "expected presence event") {
			assert.NotNil(t, presence.Event.PresenceChanged, "expected presence_changed event")
			assert.Equal(t, types.RolePatient, presence.Event.PresenceChanged.Role, "expected patient role")
			assert.True(t, presence.Event.PresenceChanged.Online, "expected online")
		}

		ack := recvMessage(t, c)
		if assert.NotNil(t, ack.Response, "expected join ack") {
			assert.Equal(t, 1, ack.Id, "expected ack id to match join id")
			assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response")
			assert.Equal(t, r.id, ack.Response.Data["room_id"], "expected room id in ack")
			assert.Equal(t, "appt-1", ack.Response.Data["appointment_id"], "expected appointment id in ack")
		}
	})

	t.Run("existing members learn of the arrival before the ack", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)

		c2 := newTestClient(t, cs, testProvider())
		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Join:        &Join{RoomId: r.id},
			client:      c2,
		})

		joined := recvMessage(t, c1)
		if assert.NotNil(t, joined.Event, "expected event for existing member") {
			assert.NotNil(t, joined.Event.ParticipantJoined, "expected participant_joined first")
			assert.Equal(t, "provider-1", joined.Event.ParticipantJoined.Participant.Id,
				"expected joining participant id")
			assert.Equal(t, types.RoleProvider, joined.Event.ParticipantJoined.Participant.Role,
				"expected joining participant role")
		}

		ack := recvResponse(t, c2)
		assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response")

		participants, ok := ack.Response.Data["participants"].([]types.Participant)
		if assert.True(t, ok, "expected participants in ack data") {
			assert.Len(t, participants, 2, "expected both participants present")
		}
	})

	t.Run("non-member is rejected", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)
		c := newTestClient(t, cs, types.Participant{Id: "stranger", Role: types.RolePatient})

		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: r.id},
			client:      c,
		})

		assert.Equal(t, 0, r.clientCount(), "expected no clients in room")
		assert.True(t, r.killTimer.Stop(), "expected kill timer to be armed for empty room")

		msg := recvMessage(t, c)
		assert.Equal(t, 403, msg.Response.ResponseCode, "expected forbidden response")
	})

	t.Run("call room admits only two connections", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)

		// a second device of the same participant is still a member
		c3 := newTestClient(t, cs, testPatient())
		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			Join:        &Join{RoomId: r.id},
			client:      c3,
		})

		assert.Equal(t, 2, r.clientCount(), "expected room to stay at capacity")

		msg := recvMessage(t, c3)
		assert.Equal(t, 409, msg.Response.ResponseCode, "expected conflict response")
	})

	t.Run("call room holds one connection per party", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)

		// a duplicate device must not take the slot the provider needs
		c2 := newTestClient(t, cs, testPatient())
		r.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Join:        &Join{RoomId: r.id},
			client:      c2,
		})

		msg := recvMessage(t, c2)
		assert.Equal(t, 409, msg.Response.ResponseCode, "expected conflict response")
		assert.Equal(t, 1, r.clientCount(), "expected the duplicate device to be turned away")

		c3 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c3)
		assert.Equal(t, 2, r.clientCount(), "expected the provider to take the open slot")
	})
}

func TestHandlePublish(t *testing.T) {
	createdAt := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	t.Run("sender is acked only after the write, then fan-out", func(t *testing.T) {
		db := &database.MockConsultRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", database.CreateMessageParams{
			RoomId:     "chat-test",
			SenderId:   "patient-1",
			SenderRole: "patient",
			Kind:       "text",
			Body:       "hello doctor",
		}).Return(database.Message{
			Id:         11,
			RoomId:     "chat-test",
			SenderId:   "patient-1",
			SenderRole: "patient",
			Kind:       "text",
			Body:       "hello doctor",
			CreatedAt:  createdAt,
		}, nil).Once()
		db.On("MarkChatActive", "appt-1").Return(nil).Once()

		cs := newTestConsultServer(t, db, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)
		drainMessages(c1)

		r.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 7},
			Publish:     &Publish{RoomId: r.id, Body: "hello doctor"},
			client:      c1,
		})

		ack := recvMessage(t, c1)
		if assert.NotNil(t, ack.Response, "expected ack before broadcast") {
			assert.Equal(t, 7, ack.Id, "expected ack id to match")
			assert.Equal(t, 202, ack.Response.ResponseCode, "expected accepted response")
		}

		echo := recvMessage(t, c1)
		if assert.NotNil(t, echo.Message, "expected sender to receive the broadcast") {
			assert.Equal(t, int64(11), echo.Message.Id, "expected stored message id")
		}

		fanout := recvMessage(t, c2)
		if assert.NotNil(t, fanout.Message, "expected peer to receive the broadcast") {
			assert.Equal(t, "hello doctor", fanout.Message.Body, "expected message body")
			assert.Equal(t, types.RolePatient, fanout.Message.SenderRole, "expected sender role")
			assert.Equal(t, types.MessageText, fanout.Message.Kind, "expected text kind default")
			assert.Equal(t, createdAt, fanout.Message.Timestamp, "expected stored timestamp")
		}

		assert.True(t, r.chatMarked, "expected chat to be marked active after first message")
	})

	t.Run("storage failure is reported and nothing is broadcast", func(t *testing.T) {
		db := &database.MockConsultRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("connection refused")).Once()

		cs := newTestConsultServer(t, db, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)
		drainMessages(c1)

		r.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 8},
			Publish:     &Publish{RoomId: r.id, Body: "lost message"},
			client:      c1,
		})

		msg := recvMessage(t, c1)
		assert.Equal(t, 503, msg.Response.ResponseCode, "expected service unavailable response")
		assert.Equal(t, "message not saved, retry", msg.Response.Error, "expected retry hint")

		assertNoMessage(t, c1)
		assertNoMessage(t, c2)
		db.AssertNotCalled(t, "MarkChatActive", mock.Anything)
	})

	t.Run("active chat is not re-marked", func(t *testing.T) {
		db := &database.MockConsultRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", mock.Anything).Return(database.Message{
			Id: 12, RoomId: "chat-test", SenderId: "patient-1",
			SenderRole: "patient", Kind: "text", Body: "again", CreatedAt: createdAt,
		}, nil).Once()

		cs := newTestConsultServer(t, db, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)
		r.chatMarked = true

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)

		r.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 9},
			Publish:     &Publish{RoomId: r.id, Body: "again"},
			client:      c1,
		})

		msg := recvMessage(t, c1)
		assert.Equal(t, 202, msg.Response.ResponseCode, "expected accepted response")
		db.AssertNotCalled(t, "MarkChatActive", mock.Anything)
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)

		r.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 10},
			Publish:     &Publish{RoomId: r.id},
			client:      c,
		})

		msg := recvMessage(t, c)
		assert.Equal(t, 400, msg.Response.ResponseCode, "expected bad request response")
	})

	t.Run("publish to a call room is rejected", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)

		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)

		r.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 11},
			Publish:     &Publish{RoomId: r.id, Body: "wrong channel"},
			client:      c,
		})

		msg := recvMessage(t, c)
		assert.Equal(t, 400, msg.Response.ResponseCode, "expected bad request response")
	})
}

func TestHandleTyping(t *testing.T) {
	cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
	r := newTestRoom(t, cs, RoomChat)

	c1 := newTestClient(t, cs, testPatient())
	joinRoomMember(t, r, c1)
	c2 := newTestClient(t, cs, testProvider())
	joinRoomMember(t, r, c2)
	drainMessages(c1)

	r.handleTyping(&ClientMessage{
		Typing: &Typing{RoomId: r.id, Active: true},
		client: c1,
	})

	msg := recvMessage(t, c2)
	if assert.NotNil(t, msg.Event, "expected typing event") {
		assert.NotNil(t, msg.Event.TypingChanged, "expected typing_changed event")
		assert.Equal(t, types.RolePatient, msg.Event.TypingChanged.Role, "expected patient role")
		assert.True(t, msg.Event.TypingChanged.Active, "expected typing active")
	}

	// the sender does not see their own typing indicator
	assertNoMessage(t, c1)
}

func TestHandleCall(t *testing.T) {
	newCallRoom := func(t *testing.T) (*ConsultServer, *Room, *Client, *Client) {
		t.Helper()
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)
		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)
		drainMessages(c1)
		return cs, r, c1, c2
	}

	t.Run("start rings the peer", func(t *testing.T) {
		_, r, c1, c2 := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c2,
		})

		assert.Equal(t, CallRinging, r.call.state, "expected ringing state")
		assert.True(t, r.ringTimer.Stop(), "expected ring timer to be armed")

		ring := recvMessage(t, c1)
		if assert.NotNil(t, ring.Event, "expected event for the peer") {
			assert.NotNil(t, ring.Event.CallStateChanged, "expected call_state_changed event")
			assert.Equal(t, CallRinging, ring.Event.CallStateChanged.State, "expected ringing state")
			assert.Equal(t, "provider-1", ring.Event.CallStateChanged.By.Id, "expected initiator identity")
		}

		ack := recvMessage(t, c2)
		assert.Equal(t, 202, ack.Response.ResponseCode, "expected accepted response")
	})

	t.Run("patient-initiated call alerts the provider out of band", func(t *testing.T) {
		cs, r, c1, _ := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c1,
		})
		r.ringTimer.Stop()

		pending, err := cs.notifications.Pending(context.Background(), "provider-1")
		assert.NoError(t, err, "expected no error listing notifications")
		if assert.Len(t, pending, 1, "expected a provider notification") {
			assert.Equal(t, types.SessionVideo, pending[0].Kind, "expected video notification")
			assert.Equal(t, "Pat Doe", pending[0].PatientName, "expected patient name")
		}
	})

	t.Run("start outside the live window is rejected", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)
		r.appt.ScheduledAt = time.Now().UTC().Add(2 * time.Hour)

		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c,
		})

		assert.Equal(t, CallIdle, r.call.state, "expected call to stay idle")

		msg := recvMessage(t, c)
		assert.Equal(t, 425, msg.Response.ResponseCode, "expected too early response")
	})

	t.Run("second start conflicts", func(t *testing.T) {
		_, r, c1, c2 := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c2,
		})
		r.ringTimer.Stop()
		drainMessages(c1)
		drainMessages(c2)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c1,
		})

		msg := recvMessage(t, c1)
		assert.Equal(t, 409, msg.Response.ResponseCode, "expected conflict response")
		assertNoMessage(t, c2)
	})

	t.Run("accept moves to connecting and stops the ring timer", func(t *testing.T) {
		_, r, c1, c2 := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c2,
		})
		drainMessages(c1)
		drainMessages(c2)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionAccept},
			client:      c1,
		})

		assert.Equal(t, CallConnecting, r.call.state, "expected connecting state")
		assert.False(t, r.ringTimer.Stop(), "expected ring timer to be stopped")

		ev := recvMessage(t, c2)
		if assert.NotNil(t, ev.Event, "expected event for the initiator") {
			assert.Equal(t, CallConnecting, ev.Event.CallStateChanged.State, "expected connecting state")
		}

		ack := recvMessage(t, c1)
		assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response")
	})

	t.Run("accept without a ringing call conflicts", func(t *testing.T) {
		_, r, c1, _ := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionAccept},
			client:      c1,
		})

		msg := recvMessage(t, c1)
		assert.Equal(t, 409, msg.Response.ResponseCode, "expected conflict response")
	})

	t.Run("reject carries its reason", func(t *testing.T) {
		_, r, c1, c2 := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c2,
		})
		drainMessages(c1)
		drainMessages(c2)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionReject},
			client:      c1,
		})

		assert.Equal(t, CallEnded, r.call.state, "expected ended state")

		ev := recvMessage(t, c2)
		if assert.NotNil(t, ev.Event, "expected event for the initiator") {
			assert.Equal(t, CallEnded, ev.Event.CallStateChanged.State, "expected ended state")
			assert.Equal(t, "rejected", ev.Event.CallStateChanged.Reason, "expected rejected reason")
		}
	})

	t.Run("ending twice broadcasts once", func(t *testing.T) {
		_, r, c1, c2 := newCallRoom(t)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c1,
		})
		drainMessages(c1)
		drainMessages(c2)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionEnd},
			client:      c1,
		})

		ev := recvMessage(t, c2)
		if assert.NotNil(t, ev.Event, "expected ended event") {
			assert.Equal(t, CallEnded, ev.Event.CallStateChanged.State, "expected ended state")
			assert.Equal(t, "ended", ev.Event.CallStateChanged.Reason, "expected ended reason")
		}
		ack := recvMessage(t, c1)
		assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response")

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 7},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionEnd},
			client:      c1,
		})

		ack = recvMessage(t, c1)
		assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response on repeat end")
		assertNoMessage(t, c2)
	})

	t.Run("ended room can host another call", func(t *testing.T) {
		_, r, c1, c2 := newCallRoom(t)
		r.call.state = CallEnded

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 8},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c2,
		})
		r.ringTimer.Stop()

		assert.Equal(t, CallRinging, r.call.state, "expected a fresh ringing call")
		drainMessages(c1)
		drainMessages(c2)
	})

	t.Run("call control in a chat room is rejected", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)
		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)

		r.handleCall(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Call:        &CallRequest{RoomId: r.id, Action: CallActionStart},
			client:      c,
		})

		msg := recvMessage(t, c)
		assert.Equal(t, 400, msg.Response.ResponseCode, "expected bad request response")
	})
}

func TestHandleSignal(t *testing.T) {
	newCallRoom := func(t *testing.T) (*Room, *Client, *Client) {
		t.Helper()
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)
		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)
		drainMessages(c1)
		return r, c1, c2
	}

	t.Run("offer implies connecting and is relayed verbatim", func(t *testing.T) {
		r, c1, c2 := newCallRoom(t)
		payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

		r.handleSignal(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			Signal:      &Signal{RoomId: r.id, Kind: SignalOffer, Payload: payload},
			client:      c1,
		})

		assert.Equal(t, CallConnecting, r.call.state, "expected connecting state")

		ev := recvMessage(t, c2)
		if assert.NotNil(t, ev.Event, "expected state event for the peer") {
			assert.Equal(t, CallConnecting, ev.Event.CallStateChanged.State, "expected connecting state")
		}

		relayed := recvMessage(t, c2)
		if assert.NotNil(t, relayed.Event, "expected signal event") {
			assert.NotNil(t, relayed.Event.SignalForwarded, "expected signal_forwarded event")
			assert.Equal(t, SignalOffer, relayed.Event.SignalForwarded.Kind, "expected offer kind")
			assert.Equal(t, types.RolePatient, relayed.Event.SignalForwarded.From, "expected sender role")
			assert.JSONEq(t, string(payload), string(relayed.Event.SignalForwarded.Payload),
				"expected payload to pass through untouched")
		}

		ack := recvMessage(t, c1)
		assert.Equal(t, 202, ack.Response.ResponseCode, "expected accepted response")
	})

	t.Run("answer completes the exchange", func(t *testing.T) {
		r, c1, c2 := newCallRoom(t)
		r.call.state = CallConnecting

		r.handleSignal(&ClientMessage{
			BaseMessage: BaseMessage{Id: 4},
			Signal:      &Signal{RoomId: r.id, Kind: SignalAnswer, Payload: json.RawMessage(`{"type":"answer"}`)},
			client:      c2,
		})

		assert.Equal(t, CallActive, r.call.state, "expected active state")

		ev := recvMessage(t, c1)
		if assert.NotNil(t, ev.Event, "expected state event") {
			assert.Equal(t, CallActive, ev.Event.CallStateChanged.State, "expected active state")
		}

		relayed := recvMessage(t, c1)
		assert.NotNil(t, relayed.Event.SignalForwarded, "expected signal_forwarded event")

		ack := recvMessage(t, c2)
		assert.Equal(t, 202, ack.Response.ResponseCode, "expected accepted response")
	})

	t.Run("candidates relay without state changes", func(t *testing.T) {
		r, c1, c2 := newCallRoom(t)
		r.call.state = CallActive

		r.handleSignal(&ClientMessage{
			Signal: &Signal{RoomId: r.id, Kind: SignalCandidate, Payload: json.RawMessage(`{"candidate":"c"}`)},
			client: c1,
		})

		assert.Equal(t, CallActive, r.call.state, "expected state to be unchanged")

		relayed := recvMessage(t, c2)
		assert.NotNil(t, relayed.Event.SignalForwarded, "expected signal_forwarded event")
		// no id means no ack
		assertNoMessage(t, c1)
	})

	t.Run("both parties must be present", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)
		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)

		r.handleSignal(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Signal:      &Signal{RoomId: r.id, Kind: SignalOffer, Payload: json.RawMessage(`{}`)},
			client:      c,
		})

		assert.Equal(t, CallIdle, r.call.state, "expected no state change")

		msg := recvMessage(t, c)
		assert.Equal(t, 412, msg.Response.ResponseCode, "expected precondition failed response")
	})

	t.Run("two devices of one party are not a peer", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)
		c1 := newTestClient(t, cs, testPatient())
		c2 := newTestClient(t, cs, testPatient())
		r.addClient(c1, types.RolePatient)
		r.addClient(c2, types.RolePatient)

		r.handleSignal(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Signal:      &Signal{RoomId: r.id, Kind: SignalOffer, Payload: json.RawMessage(`{}`)},
			client:      c1,
		})

		assert.Equal(t, CallIdle, r.call.state, "expected no state change")

		msg := recvMessage(t, c1)
		assert.Equal(t, 412, msg.Response.ResponseCode, "expected precondition failed response")
		assertNoMessage(t, c2)
	})

	t.Run("unknown signal kind is rejected", func(t *testing.T) {
		r, c1, c2 := newCallRoom(t)

		r.handleSignal(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			Signal:      &Signal{RoomId: r.id, Kind: "renegotiate", Payload: json.RawMessage(`{}`)},
			client:      c1,
		})

		msg := recvMessage(t, c1)
		assert.Equal(t, 400, msg.Response.ResponseCode, "expected bad request response")
		assertNoMessage(t, c2)
	})

	t.Run("signals in a chat room are rejected", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)
		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)

		r.handleSignal(&ClientMessage{
			BaseMessage: BaseMessage{Id: 7},
			Signal:      &Signal{RoomId: r.id, Kind: SignalOffer, Payload: json.RawMessage(`{}`)},
			client:      c,
		})

		msg := recvMessage(t, c)
		assert.Equal(t, 400, msg.Response.ResponseCode, "expected bad request response")
	})
}

func TestHandleLeave(t *testing.T) {
	t.Run("disconnect ends an in-flight call", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)
		drainMessages(c1)
		r.call.state = CallActive

		r.handleLeave(&ClientMessage{
			Leave:  &Leave{RoomId: r.id},
			client: c2,
		})

		assert.Equal(t, CallEnded, r.call.state, "expected call to end on disconnect")

		ended := recvMessage(t, c1)
		if assert.NotNil(t, ended.Event, "expected ended event") {
			assert.Equal(t, CallEnded, ended.Event.CallStateChanged.State, "expected ended state")
			assert.Equal(t, "participant_disconnected", ended.Event.CallStateChanged.Reason,
				"expected disconnect reason")
		}

		left := recvMessage(t, c1)
		if assert.NotNil(t, left.Event, "expected participant_left event") {
			assert.NotNil(t, left.Event.ParticipantLeft, "expected participant_left event")
			assert.Equal(t, "provider-1", left.Event.ParticipantLeft.Participant.Id, "expected leaver id")
		}
	})

	t.Run("last leave arms the kill timer and flips presence", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)
		assert.False(t, r.killTimer.Stop(), "expected kill timer idle while a client is present")

		r.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Leave:       &Leave{RoomId: r.id},
			client:      c,
		})

		assert.Equal(t, 0, r.clientCount(), "expected empty room")
		assert.True(t, r.killTimer.Stop(), "expected kill timer to be armed")

		online, _, err := cs.presence.Status(context.Background(), "appt-1", types.RolePatient)
		assert.NoError(t, err, "expected no error reading presence")
		assert.False(t, online, "expected patient offline after last connection left")

		ack := recvMessage(t, c)
		assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response")
	})

	t.Run("a second connection keeps the role online", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c2)

		r.handleLeave(&ClientMessage{
			Leave:  &Leave{RoomId: r.id},
			client: c1,
		})

		online, _, err := cs.presence.Status(context.Background(), "appt-1", types.RolePatient)
		assert.NoError(t, err, "expected no error reading presence")
		assert.True(t, online, "expected patient to stay online on the second connection")

		r.handleLeave(&ClientMessage{
			Leave:  &Leave{RoomId: r.id},
			client: c2,
		})

		online, _, err = cs.presence.Status(context.Background(), "appt-1", types.RolePatient)
		assert.NoError(t, err, "expected no error reading presence")
		assert.False(t, online, "expected patient offline after both connections left")
	})

	t.Run("connections closing newest first still flip offline", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c2)

		// the newer connection leaves first; its epoch is the one the
		// tracker considers current
		r.handleLeave(&ClientMessage{
			Leave:  &Leave{RoomId: r.id},
			client: c2,
		})

		online, _, err := cs.presence.Status(context.Background(), "appt-1", types.RolePatient)
		assert.NoError(t, err, "expected no error reading presence")
		assert.True(t, online, "expected patient online while the older connection remains")

		r.handleLeave(&ClientMessage{
			Leave:  &Leave{RoomId: r.id},
			client: c1,
		})

		online, _, err = cs.presence.Status(context.Background(), "appt-1", types.RolePatient)
		assert.NoError(t, err, "expected no error reading presence")
		assert.False(t, online, "expected patient offline once every connection is gone")
	})

	t.Run("leave when not joined is acknowledged", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomChat)
		c := newTestClient(t, cs, testPatient())

		r.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			Leave:       &Leave{RoomId: r.id},
			client:      c,
		})

		ack := recvMessage(t, c)
		assert.Equal(t, 200, ack.Response.ResponseCode, "expected OK response")
		assertNoMessage(t, c)
	})
}

func TestHandleRingTimeout(t *testing.T) {
	t.Run("unanswered call ends", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)

		c1 := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c1)
		c2 := newTestClient(t, cs, testProvider())
		joinRoomMember(t, r, c2)
		drainMessages(c1)
		r.call.state = CallRinging

		r.handleRingTimeout()

		assert.Equal(t, CallEnded, r.call.state, "expected ended state")

		for _, c := range []*Client{c1, c2} {
			ev := recvMessage(t, c)
			if assert.NotNil(t, ev.Event, "expected ended event") {
				assert.Equal(t, CallEnded, ev.Event.CallStateChanged.State, "expected ended state")
				assert.Equal(t, "ring_timeout", ev.Event.CallStateChanged.Reason, "expected timeout reason")
			}
		}
	})

	t.Run("no effect once answered", func(t *testing.T) {
		cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
		r := newTestRoom(t, cs, RoomCall)

		c := newTestClient(t, cs, testPatient())
		joinRoomMember(t, r, c)
		r.call.state = CallActive

		r.handleRingTimeout()

		assert.Equal(t, CallActive, r.call.state, "expected call to stay active")
		assertNoMessage(t, c)
	})
}

func TestHandlePresenceUpdate(t *testing.T) {
	cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
	r := newTestRoom(t, cs, RoomChat)

	c1 := newTestClient(t, cs, testPatient())
	joinRoomMember(t, r, c1)
	c2 := newTestClient(t, cs, testProvider())
	joinRoomMember(t, r, c2)
	drainMessages(c1)

	r.handlePresence(&ClientMessage{
		BaseMessage: BaseMessage{Id: 4},
		Presence:    &PresenceUpdate{AppointmentId: "appt-1", Online: false},
		client:      c1,
	})

	online, _, err := cs.presence.Status(context.Background(), "appt-1", types.RolePatient)
	assert.NoError(t, err, "expected no error reading presence")
	assert.False(t, online, "expected patient to appear offline")

	ev := recvMessage(t, c2)
	if assert.NotNil(t, ev.Event, "expected presence event") {
		assert.NotNil(t, ev.Event.PresenceChanged, "expected presence_changed event")
		assert.Equal(t, types.RolePatient, ev.Event.PresenceChanged.Role, "expected patient role")
		assert.False(t, ev.Event.PresenceChanged.Online, "expected offline")
	}
}

func TestBroadcast(t *testing.T) {
	cs := newTestConsultServer(t, &database.MockConsultRepository{}, &appointments.MockService{})
	r := newTestRoom(t, cs, RoomChat)

	c1 := newTestClient(t, cs, testPatient())
	joinRoomMember(t, r, c1)
	c2 := newTestClient(t, cs, testProvider())
	joinRoomMember(t, r, c2)
	drainMessages(c1)

	r.broadcast(&ServerMessage{
		Event:      &Event{TypingChanged: &TypingChanged{RoomId: r.id, Role: types.RolePatient, Active: true}},
		SkipClient: c1,
	})

	msg := recvMessage(t, c2)
	assert.NotNil(t, msg.Event, "expected event to be delivered")
	assert.False(t, msg.Timestamp.IsZero(), "expected timestamp to be stamped")
	assertNoMessage(t, c1)
}
