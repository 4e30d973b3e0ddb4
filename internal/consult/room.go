package consult

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/database"
	"github.com/careline/consult/internal/types"
)

const (
	// idleRoomTimeout unloads a room once its last connection is gone.
	idleRoomTimeout = 30 * time.Second
	// ringingTimeout auto-ends a call nobody answers.
	ringingTimeout = 60 * time.Second
	// callRoomCapacity caps a call room at its two participants.
	callRoomCapacity = 2

	storeTimeout = 5 * time.Second
)

type RoomKind string

const (
	RoomChat RoomKind = "chat"
	RoomCall RoomKind = "call"
)

type Room struct {
	id   string
	kind RoomKind
	// appt is a snapshot taken when the room was loaded. Membership and
	// schedule checks run against it; the room unloads before the data
	// can grow stale enough to matter.
	appt          types.Appointment
	cs            *ConsultServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	roleMap       map[types.Role]map[*Client]struct{}
	epochs        map[*Client]int64
	// roleEpochs holds the newest presence epoch issued per role; the
	// tracker discards disconnects carrying anything older
	roleEpochs map[types.Role]int64
	clientLock    sync.RWMutex
	call          *callSession
	chatMarked    bool
	log           zerolog.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	ringTimer *time.Timer
	// exit is used to signal the room to exit
	exit chan struct{}
	done chan struct{}
}

func (r *Room) start() {
	r.log.Info().Str("room_id", r.id).Str("kind", string(r.kind)).Msg("starting room")
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()
	r.ringTimer = time.NewTimer(ringingTimeout)
	r.ringTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Publish != nil:
				r.handlePublish(msg)
			case msg.Typing != nil:
				r.handleTyping(msg)
			case msg.Call != nil:
				r.handleCall(msg)
			case msg.Signal != nil:
				r.handleSignal(msg)
			case msg.Presence != nil:
				r.handlePresence(msg)
			}
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.ringTimer.C:
			r.handleRingTimeout()
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Info().Str("room_id", r.id).Msg("room idle, unloading")
	r.cs.unloadRoomChan <- r.id
}

func (r *Room) handleRoomExit() {
	r.log.Info().Str("room_id", r.id).Msg("room exiting")

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.id)
	}
	r.clientLock.Unlock()

	// joins that raced the unload get an answer so the client can retry
	for {
		select {
		case join := <-r.joinChan:
			join.client.queueMessage(ErrServiceUnavailable(join.Id))
			continue
		default:
		}
		break
	}

	// connections torn down with the room still count as disconnects
	if r.kind == RoomChat {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		for role, epoch := range r.roleEpochs {
			if err := r.cs.presence.Disconnect(ctx, r.appt.Id, role, epoch); err != nil {
				r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("presence disconnect failed")
			}
		}
	}

	close(r.done)
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	role, ok := r.appt.Member(c.participant.Id)
	if !ok {
		r.resetKillTimerIfEmpty()
		c.queueMessage(errResponse(join.Id, ErrNotMember))
		return
	}

	// a call room holds one connection per party; a second device of
	// the same participant takes the other party's slot otherwise
	if r.kind == RoomCall && r.rolePresent(role) {
		c.queueMessage(errResponse(join.Id, ErrRoomFull))
		return
	}

	// existing members learn of the arrival before the joiner gets its
	// acknowledgement, so nobody can act on a roster they saw first
	r.broadcast(&ServerMessage{
		Event: &Event{
			ParticipantJoined: &ParticipantChange{
				RoomId:      r.id,
				Participant: types.Participant{Id: c.participant.Id, Name: r.appt.ParticipantName(role), Role: role},
			},
		},
		SkipClient: c,
	})

	r.addClient(c, role)

	if r.kind == RoomChat {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		epoch, err := r.cs.presence.Connect(ctx, r.appt.Id, role)
		if err != nil {
			r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("presence connect failed")
		} else {
			r.epochs[c] = epoch
			r.roleEpochs[role] = epoch
			r.broadcastPresence(role)
		}
	}

	data := map[string]any{
		"room_id":        r.id,
		"kind":           r.kind,
		"appointment_id": r.appt.Id,
		"participants":   r.presentParticipants(),
	}
	if r.kind == RoomCall {
		data["call_state"] = r.call.state
	}
	if r.kind == RoomChat {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if snap, err := r.cs.presence.Snapshot(ctx, r.appt.Id); err == nil {
			data["presence"] = snap
		}
	}

	c.queueMessage(NoErrOK(join.Id, data))
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	role := r.roleOf(c)

	if !r.removeClient(c) {
		if leaveMsg.Id != 0 {
			c.queueMessage(NoErrOK(leaveMsg.Id, nil))
		}
		return
	}

	if leaveMsg.Id != 0 {
		c.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	if r.kind == RoomChat {
		_, tracked := r.epochs[c]
		delete(r.epochs, c)

		// only the last connection for the role flips the participant
		// offline; it disconnects with the newest epoch issued for the
		// role, which may belong to a connection that left earlier
		if tracked && !r.rolePresent(role) {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := r.cs.presence.Disconnect(ctx, r.appt.Id, role, r.roleEpochs[role]); err != nil {
				r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("presence disconnect failed")
			} else {
				r.broadcastPresence(role)
			}
		}
	}

	if r.kind == RoomCall && r.call.inFlight() {
		if r.call.end() {
			r.ringTimer.Stop()
			r.cs.stats.Incr("calls_ended")
			r.broadcast(&ServerMessage{
				Event: &Event{
					CallStateChanged: &CallStateChanged{
						RoomId: r.id,
						State:  CallEnded,
						Reason: "participant_disconnected",
					},
				},
			})
		}
	}

	r.broadcast(&ServerMessage{
		Event: &Event{
			ParticipantLeft: &ParticipantChange{
				RoomId:      r.id,
				Participant: types.Participant{Id: c.participant.Id, Name: r.appt.ParticipantName(role), Role: role},
			},
		},
		SkipClient: c,
	})
}

// handlePublish persists a chat message, then fans it out. The sender is
// only acknowledged after the write succeeds, so a message a participant
// has seen confirmed is always in history.
func (r *Room) handlePublish(msg *ClientMessage) {
	c := msg.client
	if r.kind != RoomChat {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	kind := msg.Publish.Kind
	if kind == "" {
		kind = types.MessageText
	}
	if msg.Publish.Body == "" || !kind.Valid() {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	role := r.roleOf(c)
	dbMsg, err := r.cs.db.CreateMessage(database.CreateMessageParams{
		RoomId:     r.id,
		SenderId:   c.participant.Id,
		SenderRole: string(role),
		Kind:       string(kind),
		Body:       msg.Publish.Body,
	})
	if err != nil {
		r.log.Error().Err(err).Str("room_id", r.id).Msg("failed to save message")
		c.queueMessage(ErrStorageUnavailable(msg.Id))
		return
	}

	r.cs.stats.Incr("messages_persisted")

	if !r.chatMarked {
		if err := r.cs.db.MarkChatActive(r.appt.Id); err != nil {
			r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("failed to mark chat active")
		} else {
			r.chatMarked = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.cs.presence.Touch(ctx, r.appt.Id, role); err != nil {
		r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("presence touch failed")
	}

	c.queueMessage(NoErrAccepted(msg.Id))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: dbMsg.CreatedAt},
		Message: &types.Message{
			Id:         dbMsg.Id,
			RoomId:     dbMsg.RoomId,
			SenderId:   dbMsg.SenderId,
			SenderRole: types.Role(dbMsg.SenderRole),
			Kind:       types.MessageKind(dbMsg.Kind),
			Body:       dbMsg.Body,
			Timestamp:  dbMsg.CreatedAt,
		},
	})
}

func (r *Room) handleTyping(msg *ClientMessage) {
	c := msg.client
	if r.kind != RoomChat {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	r.broadcast(&ServerMessage{
		Event: &Event{
			TypingChanged: &TypingChanged{
				RoomId: r.id,
				Role:   r.roleOf(c),
				Active: msg.Typing.Active,
			},
		},
		SkipClient: c,
	})

	if msg.Id != 0 {
		c.queueMessage(NoErrAccepted(msg.Id))
	}
}

func (r *Room) handleCall(msg *ClientMessage) {
	c := msg.client
	if r.kind != RoomCall {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	role := r.roleOf(c)

	switch msg.Call.Action {
	case CallActionStart:
		if !IsLive(r.appt, r.cs.now()) {
			c.queueMessage(errResponse(msg.Id, ErrNotLive))
			return
		}
		if err := r.call.start(c.participant.Id); err != nil {
			c.queueMessage(errResponse(msg.Id, err))
			return
		}

		r.ringTimer.Reset(ringingTimeout)
		r.cs.stats.Incr("calls_started")

		// the provider finds out about a patient-initiated call even
		// when they have not opened the call room yet
		if role == types.RolePatient {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := r.cs.PushNotification(ctx, r.appt, types.SessionVideo); err != nil {
				r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("call notification failed")
			}
		}

		r.broadcastCallState(CallRinging, c, role, "")
		c.queueMessage(NoErrAccepted(msg.Id))
	case CallActionAccept:
		if err := r.call.accept(); err != nil {
			c.queueMessage(errResponse(msg.Id, err))
			return
		}

		r.ringTimer.Stop()
		r.broadcastCallState(CallConnecting, c, role, "")
		c.queueMessage(NoErrOK(msg.Id, nil))
	case CallActionReject, CallActionEnd:
		reason := "ended"
		if msg.Call.Action == CallActionReject {
			reason = "rejected"
		}

		if r.call.end() {
			r.ringTimer.Stop()
			r.cs.stats.Incr("calls_ended")
			r.broadcastCallState(CallEnded, c, role, reason)
		}
		// ending twice is a no-op, not an error
		c.queueMessage(NoErrOK(msg.Id, nil))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// handleSignal relays SDP and ICE payloads between the two connections
// without inspecting them. Offers and answers also drive the implicit
// call state transitions.
func (r *Room) handleSignal(msg *ClientMessage) {
	c := msg.client
	if r.kind != RoomCall || !msg.Signal.Kind.Valid() {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	// both parties must be attached, not just two connections
	if r.roleCount() < callRoomCapacity {
		c.queueMessage(errResponse(msg.Id, ErrPeerNotConnected))
		return
	}

	role := r.roleOf(c)

	switch msg.Signal.Kind {
	case SignalOffer:
		if r.call.offer() {
			r.ringTimer.Stop()
			r.broadcastCallState(CallConnecting, c, role, "")
		}
	case SignalAnswer:
		if r.call.answer() {
			r.broadcastCallState(CallActive, c, role, "")
		}
	}

	r.broadcast(&ServerMessage{
		Event: &Event{
			SignalForwarded: &SignalForwarded{
				RoomId:  r.id,
				Kind:    msg.Signal.Kind,
				From:    role,
				Payload: msg.Signal.Payload,
			},
		},
		SkipClient: c,
	})

	r.cs.stats.Incr("signals_relayed")

	if msg.Id != 0 {
		c.queueMessage(NoErrAccepted(msg.Id))
	}
}

func (r *Room) handlePresence(msg *ClientMessage) {
	c := msg.client
	if r.kind != RoomChat {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	role := r.roleOf(c)
	epoch := r.epochs[c]

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.cs.presence.SetOnline(ctx, r.appt.Id, role, msg.Presence.Online, epoch); err != nil {
		r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("presence update failed")
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.broadcastPresence(role)

	if msg.Id != 0 {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func (r *Room) handleRingTimeout() {
	if r.call == nil || r.call.state != CallRinging {
		return
	}

	r.log.Info().Str("room_id", r.id).Msg("call ring timed out")
	if r.call.end() {
		r.cs.stats.Incr("calls_ended")
		r.broadcast(&ServerMessage{
			Event: &Event{
				CallStateChanged: &CallStateChanged{
					RoomId: r.id,
					State:  CallEnded,
					Reason: "ring_timeout",
				},
			},
		})
	}
}

func (r *Room) broadcastCallState(state CallState, c *Client, role types.Role, reason string) {
	r.broadcast(&ServerMessage{
		Event: &Event{
			CallStateChanged: &CallStateChanged{
				RoomId: r.id,
				State:  state,
				By:     types.Participant{Id: c.participant.Id, Name: r.appt.ParticipantName(role), Role: role},
				Reason: reason,
			},
		},
		SkipClient: c,
	})
}

func (r *Room) broadcastPresence(role types.Role) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	online, lastActivity, err := r.cs.presence.Status(ctx, r.appt.Id, role)
	if err != nil {
		r.log.Warn().Err(err).Str("appointment_id", r.appt.Id).Msg("presence status failed")
		return
	}

	r.broadcast(&ServerMessage{
		Event: &Event{
			PresenceChanged: &PresenceChanged{
				AppointmentId: r.appt.Id,
				Role:          role,
				Online:        online,
				LastActivity:  lastActivity,
			},
		},
	})
}

func (r *Room) roleOf(c *Client) types.Role {
	role, _ := r.appt.Member(c.participant.Id)
	return role
}

func (r *Room) addClient(c *Client, role types.Role) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.roleMap[role] == nil {
		r.roleMap[role] = make(map[*Client]struct{})
	}
	r.roleMap[role][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	role := r.roleOf(c)
	if roleClients, ok := r.roleMap[role]; ok {
		delete(roleClients, c)
		if len(roleClients) == 0 {
			delete(r.roleMap, role)
		}
	}

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}

	return true
}

func (r *Room) resetKillTimerIfEmpty() {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}

func (r *Room) roleCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.roleMap)
}

func (r *Room) rolePresent(role types.Role) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.roleMap[role]) > 0
}

func (r *Room) presentParticipants() []types.Participant {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	participants := make([]types.Participant, 0, len(r.roleMap))
	for _, role := range []types.Role{types.RolePatient, types.RoleProvider} {
		if len(r.roleMap[role]) == 0 {
			continue
		}

		id := r.appt.PatientId
		if role == types.RoleProvider {
			id = r.appt.ProviderId
		}
		participants = append(participants, types.Participant{
			Id:   id,
			Name: r.appt.ParticipantName(role),
			Role: role,
		})
	}
	return participants
}

func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
