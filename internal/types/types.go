package types

import (
	"time"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProvider
}

// Other returns the opposite party's role.
func (r Role) Other() Role {
	if r == RolePatient {
		return RoleProvider
	}
	return RolePatient
}

type Participant struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusApproved  AppointmentStatus = "approved"
	StatusAccepted  AppointmentStatus = "accepted"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is the coordinator's read-only view of an appointment
// owned by the external appointment service. The two room ids are
// generated once at confirmation and never change.
type Appointment struct {
	Id           string            `json:"id"`
	PatientId    string            `json:"patient_id"`
	PatientName  string            `json:"patient_name"`
	ProviderId   string            `json:"provider_id"`
	ProviderName string            `json:"provider_name"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Status       AppointmentStatus `json:"status"`
	ChatRoomId   string            `json:"chat_room_id"`
	CallRoomId   string            `json:"call_room_id"`
}

// Member reports whether the given user is one of the appointment's two
// parties, and with which role.
func (a Appointment) Member(userId string) (Role, bool) {
	switch userId {
	case a.PatientId:
		return RolePatient, true
	case a.ProviderId:
		return RoleProvider, true
	default:
		return "", false
	}
}

func (a Appointment) ParticipantName(role Role) string {
	if role == RoleProvider {
		return a.ProviderName
	}
	return a.PatientName
}

type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageFile         MessageKind = "file"
	MessagePrescription MessageKind = "prescription"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageFile, MessagePrescription:
		return true
	}
	return false
}

// Message is a persisted chat message. Messages are immutable once
// stored; room order is persistence order.
type Message struct {
	Id         int64       `json:"id"`
	RoomId     string      `json:"room_id"`
	SenderId   string      `json:"sender_id"`
	SenderRole Role        `json:"sender_role"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body"`
	Timestamp  time.Time   `json:"timestamp"`
}

type SessionKind string

const (
	SessionChat  SessionKind = "chat"
	SessionVideo SessionKind = "video"
)

type Notification struct {
	Id            string      `json:"id"`
	AppointmentId string      `json:"appointment_id"`
	PatientName   string      `json:"patient_name"`
	Kind          SessionKind `json:"kind"`
	Read          bool        `json:"read"`
	Timestamp     time.Time   `json:"timestamp"`
}

// PresenceSnapshot is the per-appointment presence view served to
// pollers and pushed to chat room members on every change.
type PresenceSnapshot struct {
	PatientOnline        bool      `json:"patient_online"`
	ProviderOnline       bool      `json:"provider_online"`
	LastPatientActivity  time.Time `json:"last_patient_activity,omitempty"`
	LastProviderActivity time.Time `json:"last_provider_activity,omitempty"`
}
