package consult

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/appointments"
	"github.com/careline/consult/internal/database"
	"github.com/careline/consult/internal/stats"
	"github.com/careline/consult/internal/store"
	"github.com/careline/consult/internal/types"
)

// ConsultServer owns the room registry. Rooms are loaded on first join,
// run as independent goroutines, and unload themselves when idle.
type ConsultServer struct {
	log            zerolog.Logger
	db             database.ConsultRepository
	appointments   appointments.Service
	presence       *Tracker
	notifications  store.NotificationStore
	stats          stats.Provider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan string
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
	now            func() time.Time
}

func NewConsultServer(
	logger zerolog.Logger,
	db database.ConsultRepository,
	apptSvc appointments.Service,
	presence *Tracker,
	notifications store.NotificationStore,
	statsProvider stats.Provider,
) (*ConsultServer, error) {
	for _, name := range []string{
		"active_connections",
		"active_rooms",
		"messages_persisted",
		"signals_relayed",
		"calls_started",
		"calls_ended",
		"notifications_pushed",
	} {
		statsProvider.RegisterMetric(name)
	}

	return &ConsultServer{
		log:            logger,
		db:             db,
		appointments:   apptSvc,
		presence:       presence,
		notifications:  notifications,
		stats:          statsProvider,
		joinChan:       make(chan *ClientMessage),
		clients:        make(map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan string),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

func (cs *ConsultServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			if room, ok := cs.rooms[joinMsg.Join.RoomId]; ok {
				select {
				case room.joinChan <- joinMsg:
				default:
					cs.log.Warn().Str("room_id", room.id).Msg("join channel full")
					joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
				}
			} else {
				cs.loadRoom(joinMsg)
			}
		case client := <-cs.RegisterChan:
			cs.log.Debug().Str("participant_id", client.participant.Id).Msg("adding connection")
			cs.addClient(client)
			cs.stats.Incr("active_connections")
		case client := <-cs.deRegisterChan:
			cs.log.Debug().Str("participant_id", client.participant.Id).Msg("removing connection")
			cs.removeClient(client)
			cs.stats.Decr("active_connections")
		case id := <-cs.unloadRoomChan:
			if r, ok := cs.rooms[id]; ok {
				delete(cs.rooms, id)
				cs.stats.Decr("active_rooms")
				close(r.exit)
				<-r.done
			}
		case <-cs.stop:
			cs.log.Info().Msg("shutting down rooms")
			for _, r := range cs.rooms {
				close(r.exit)
				<-r.done
			}

			close(cs.done)
			return
		}
	}
}

// loadRoom resolves a room id back to its appointment, verifies the
// joining participant belongs to it, and spins up the room actor.
func (cs *ConsultServer) loadRoom(joinMsg *ClientMessage) {
	roomId := joinMsg.Join.RoomId

	pair, err := cs.db.GetRoomPairByRoomId(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		} else {
			cs.log.Error().Err(err).Str("room_id", roomId).Msg("room pair lookup failed")
			joinMsg.client.queueMessage(ErrInternalError(joinMsg.Id))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	appt, err := cs.appointments.GetAppointment(ctx, pair.AppointmentId)
	if err != nil {
		if errors.Is(err, appointments.ErrNotFound) {
			joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		} else {
			cs.log.Error().Err(err).Str("appointment_id", pair.AppointmentId).Msg("appointment lookup failed")
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	if _, ok := appt.Member(joinMsg.client.participant.Id); !ok {
		joinMsg.client.queueMessage(errResponse(joinMsg.Id, ErrNotMember))
		return
	}

	kind := RoomChat
	if roomId == pair.CallRoomId {
		kind = RoomCall
	}

	room := &Room{
		id:            roomId,
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
		chatMarked:    pair.ChatActive,
		log:           cs.log,
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if kind == RoomCall {
		room.call = newCallSession()
	}

	cs.rooms[roomId] = room
	cs.stats.Incr("active_rooms")
	room.joinChan <- joinMsg

	go room.start()
}

// PushNotification queues a session alert for the appointment's
// provider. Delivery is best effort; the queue is bounded and polled.
func (cs *ConsultServer) PushNotification(ctx context.Context, appt types.Appointment, kind types.SessionKind) error {
	n := types.Notification{
		Id:            uuid.NewString(),
		AppointmentId: appt.Id,
		PatientName:   appt.PatientName,
		Kind:          kind,
		Timestamp:     cs.now(),
	}

	if err := cs.notifications.Push(ctx, appt.ProviderId, n); err != nil {
		return err
	}

	cs.stats.Incr("notifications_pushed")
	return nil
}

func (cs *ConsultServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ConsultServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

// Shutdown stops all client connections, winds down rooms, and waits for
// the run loop to drain or the context to expire.
func (cs *ConsultServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
