package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/careline/consult/internal/appointments"
	"github.com/careline/consult/internal/consult"
	"github.com/careline/consult/internal/database"
	"github.com/careline/consult/internal/store"
	"github.com/careline/consult/internal/types"
)

type NotifyRequest struct {
	Kind types.SessionKind `json:"kind"`
}

type ProvisionResponse struct {
	AppointmentId string `json:"appointment_id"`
	ChatRoomId    string `json:"chat_room_id"`
	CallRoomId    string `json:"call_room_id"`
}

type LiveStatusResponse struct {
	consult.LiveStatus
	Presence types.PresenceSnapshot `json:"presence"`
}

func (s *ConsultApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

// requireAppointmentMember loads the appointment and verifies the
// authenticated participant is one of its two parties. A nil error
// response means the caller may proceed.
func (s *ConsultApp) requireAppointmentMember(r *http.Request, appointmentId string) (types.Appointment, types.Role, *ApiError) {
	p, ok := Participant(r.Context())
	if !ok {
		return types.Appointment{}, "", NewUnauthorizedError()
	}

	appt, err := s.appointments.GetAppointment(r.Context(), appointmentId)
	if err != nil {
		if errors.Is(err, appointments.ErrNotFound) {
			return types.Appointment{}, "", NewNotFoundError()
		}
		s.log.Error().Err(err).Str("appointment_id", appointmentId).Msg("appointment lookup failed")
		return types.Appointment{}, "", NewServiceUnavailableError(err)
	}

	role, ok := appt.Member(p.Id)
	if !ok {
		return types.Appointment{}, "", NewForbiddenError()
	}

	return appt, role, nil
}

// provisionSession creates the appointment's chat and call room ids.
// Provisioning is idempotent: repeating it returns the pair created the
// first time.
func (s *ConsultApp) provisionSession(w http.ResponseWriter, r *http.Request) {
	appointmentId := r.PathValue("appointmentId")

	appt, _, errResp := s.requireAppointmentMember(r, appointmentId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		s.log.Error().Err(err).Msg("generate short id")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pair, err := s.db.CreateRoomPair(database.CreateRoomPairParams{
		AppointmentId: appt.Id,
		ChatRoomId:    "chat-" + sid,
		CallRoomId:    "call-" + sid,
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicateRoomPair) {
			existing, lookupErr := s.db.GetRoomPairByAppointment(appt.Id)
			if lookupErr != nil {
				errResp := NewInternalServerError(lookupErr)
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}

			s.writeJson(w, http.StatusOK, ProvisionResponse{
				AppointmentId: existing.AppointmentId,
				ChatRoomId:    existing.ChatRoomId,
				CallRoomId:    existing.CallRoomId,
			})
			return
		}

		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, ProvisionResponse{
		AppointmentId: pair.AppointmentId,
		ChatRoomId:    pair.ChatRoomId,
		CallRoomId:    pair.CallRoomId,
	})
}

// notifySession queues a session alert for the appointment's provider,
// typically when the patient opens the consultation.
func (s *ConsultApp) notifySession(w http.ResponseWriter, r *http.Request) {
	appointmentId := r.PathValue("appointmentId")

	appt, _, errResp := s.requireAppointmentMember(r, appointmentId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Kind == "" {
		req.Kind = types.SessionChat
	}
	if req.Kind != types.SessionChat && req.Kind != types.SessionVideo {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.cs.PushNotification(r.Context(), appt, req.Kind); err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.Id).Msg("push notification failed")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// requireProvider checks that the authenticated participant is the
// provider named in the path.
func (s *ConsultApp) requireProvider(r *http.Request) (string, *ApiError) {
	providerId := r.PathValue("providerId")

	p, ok := Participant(r.Context())
	if !ok {
		return "", NewUnauthorizedError()
	}
	if p.Role != types.RoleProvider || p.Id != providerId {
		return "", NewForbiddenError()
	}

	return providerId, nil
}

func (s *ConsultApp) listNotifications(w http.ResponseWriter, r *http.Request) {
	providerId, errResp := s.requireProvider(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pending, err := s.notifications.Pending(r.Context(), providerId)
	if err != nil {
		s.log.Error().Err(err).Str("provider_id", providerId).Msg("list notifications failed")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if pending == nil {
		pending = []types.Notification{}
	}

	s.writeJson(w, http.StatusOK, pending)
}

func (s *ConsultApp) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	providerId, errResp := s.requireProvider(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	notificationId := r.PathValue("notificationId")
	if err := s.notifications.MarkRead(r.Context(), providerId, notificationId); err != nil {
		var errResp *ApiError
		if errors.Is(err, store.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			s.log.Error().Err(err).Str("provider_id", providerId).Msg("mark notification read failed")
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ConsultApp) clearNotifications(w http.ResponseWriter, r *http.Request) {
	providerId, errResp := s.requireProvider(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.notifications.Clear(r.Context(), providerId); err != nil {
		s.log.Error().Err(err).Str("provider_id", providerId).Msg("clear notifications failed")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// chatHistory pages through an appointment's persisted messages. Pages
// walk backwards from the newest message; each page is returned in
// chronological order for rendering.
func (s *ConsultApp) chatHistory(w http.ResponseWriter, r *http.Request) {
	appointmentId := r.PathValue("appointmentId")

	appt, _, errResp := s.requireAppointmentMember(r, appointmentId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var page, limit int
	var err error

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		page, err = strconv.Atoi(pageStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	roomId := appt.ChatRoomId
	if roomId == "" {
		pair, err := s.db.GetRoomPairByAppointment(appt.Id)
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		roomId = pair.ChatRoomId
	}

	dbMessages, err := s.db.GetMessagesByRoom(roomId, page, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, types.Message{
			Id:         m.Id,
			RoomId:     m.RoomId,
			SenderId:   m.SenderId,
			SenderRole: types.Role(m.SenderRole),
			Kind:       types.MessageKind(m.Kind),
			Body:       m.Body,
			Timestamp:  m.CreatedAt,
		})
	}
	slices.Reverse(messages)

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ConsultApp) liveStatus(w http.ResponseWriter, r *http.Request) {
	appointmentId := r.PathValue("appointmentId")

	appt, _, errResp := s.requireAppointmentMember(r, appointmentId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	snap, err := s.presence.Snapshot(r.Context(), appt.Id)
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.Id).Msg("presence snapshot failed")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, LiveStatusResponse{
		LiveStatus: consult.CheckLive(appt, time.Now().UTC()),
		Presence:   snap,
	})
}

func (s *ConsultApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		s.writeJson(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ConsultApp) serveWs(w http.ResponseWriter, r *http.Request) {
	p, ok := Participant(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := consult.NewClient(p, conn, s.cs, s.log)

	s.cs.RegisterChan <- client
	go client.Write()
	go client.Read()
}
