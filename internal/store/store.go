package store

import (
	"context"
	"errors"
	"time"

	"github.com/careline/consult/internal/types"
)

var ErrNotFound = errors.New("store: not found")

// MaxNotifications caps the per-provider queue. Insertion beyond the cap
// evicts the oldest entry regardless of read state.
const MaxNotifications = 50

// PresenceRecord tracks one participant's connection state for one
// appointment. Epoch increases with every new connection for the same
// (appointment, role) pair; an offline signal carrying an older epoch
// than the stored one must be discarded by the caller's logic.
type PresenceRecord struct {
	Online       bool      `json:"online"`
	LastActivity time.Time `json:"last_activity"`
	Epoch        int64     `json:"epoch"`
}

// PresenceStore holds presence records keyed by (appointment, role).
// The default implementation is in-memory and process-local; a
// replicated backend (Redis) can be substituted without changing
// callers.
type PresenceStore interface {
	Get(ctx context.Context, appointmentId string, role types.Role) (PresenceRecord, bool, error)
	Put(ctx context.Context, appointmentId string, role types.Role, rec PresenceRecord) error
	Snapshot(ctx context.Context, appointmentId string) (map[types.Role]PresenceRecord, error)
}

// NotificationStore is the bounded per-provider FIFO of session-starting
// alerts. Best-effort by design: eviction is silent and delivery is
// poll-based.
type NotificationStore interface {
	Push(ctx context.Context, providerId string, n types.Notification) error
	Pending(ctx context.Context, providerId string) ([]types.Notification, error)
	MarkRead(ctx context.Context, providerId, notificationId string) error
	Clear(ctx context.Context, providerId string) error
}
