package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/types"
)

var ErrNotFound = errors.New("appointments: not found")

// Service is the coordinator's view of the appointment-management
// process. The coordinator only ever reads appointments; status and
// schedule changes happen on the other side.
type Service interface {
	GetAppointment(ctx context.Context, id string) (types.Appointment, error)
}

// Client calls the appointment service over HTTP with a bounded
// per-request timeout and maps its responses to typed errors.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// appointmentResponse is the appointment service's wire format. Date and
// time arrive as separate fields and are combined here.
type appointmentResponse struct {
	Id           string `json:"id"`
	PatientId    string `json:"patient_id"`
	PatientName  string `json:"patient_name"`
	ProviderId   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Status       string `json:"status"`
	ChatRoomId   string `json:"chat_room_id"`
	CallRoomId   string `json:"call_room_id"`
}

func (c *Client) GetAppointment(ctx context.Context, id string) (types.Appointment, error) {
	u := fmt.Sprintf("%s/api/appointments/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.Appointment{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Appointment{}, fmt.Errorf("appointment service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.Appointment{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		c.log.Warn().Int("status", resp.StatusCode).Str("appointment_id", id).
			Msg("appointment service returned unexpected status")
		return types.Appointment{}, fmt.Errorf("appointment service: status %d", resp.StatusCode)
	}

	var ar appointmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return types.Appointment{}, fmt.Errorf("decode appointment: %w", err)
	}

	scheduledAt, err := parseSchedule(ar.Date, ar.Time)
	if err != nil {
		return types.Appointment{}, err
	}

	return types.Appointment{
		Id:           ar.Id,
		PatientId:    ar.PatientId,
		PatientName:  ar.PatientName,
		ProviderId:   ar.ProviderId,
		ProviderName: ar.ProviderName,
		ScheduledAt:  scheduledAt,
		Status:       types.AppointmentStatus(ar.Status),
		ChatRoomId:   ar.ChatRoomId,
		CallRoomId:   ar.CallRoomId,
	}, nil
}

func parseSchedule(date, clock string) (time.Time, error) {
	t, err := time.Parse("2006-01-02 15:04", date+" "+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q %q: %w", date, clock, err)
	}
	return t, nil
}
