package consult

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/store"
	"github.com/careline/consult/internal/types"
)

// Tracker resolves racing presence signals for an appointment's two
// participants. Every new connection takes a fresh epoch; an offline
// signal carrying a stale epoch belongs to a connection that has already
// been superseded and is dropped, which keeps a quick reconnect from
// being flagged offline by the old socket's teardown.
type Tracker struct {
	store store.PresenceStore
	log   zerolog.Logger
	now   func() time.Time
	mu    sync.Mutex
}

func NewTracker(s store.PresenceStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store: s,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Connect records the participant online and returns the epoch the
// connection must present when it later disconnects.
func (t *Tracker) Connect(ctx context.Context, appointmentId string, role types.Role) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, _, err := t.store.Get(ctx, appointmentId, role)
	if err != nil {
		return 0, err
	}

	rec.Epoch++
	rec.Online = true
	rec.LastActivity = t.now()
	if err := t.store.Put(ctx, appointmentId, role, rec); err != nil {
		return 0, err
	}

	return rec.Epoch, nil
}

// Disconnect marks the participant offline unless a newer connection has
// taken over since the given epoch was issued.
func (t *Tracker) Disconnect(ctx context.Context, appointmentId string, role types.Role, epoch int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.store.Get(ctx, appointmentId, role)
	if err != nil {
		return err
	}
	if !ok || rec.Epoch != epoch {
		t.log.Debug().
			Str("appointment_id", appointmentId).
			Str("role", string(role)).
			Int64("epoch", epoch).
			Msg("discarding stale disconnect")
		return nil
	}

	rec.Online = false
	return t.store.Put(ctx, appointmentId, role, rec)
}

// SetOnline applies an explicit visibility toggle from a live
// connection, subject to the same staleness rule as Disconnect.
func (t *Tracker) SetOnline(ctx context.Context, appointmentId string, role types.Role, online bool, epoch int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.store.Get(ctx, appointmentId, role)
	if err != nil {
		return err
	}
	if ok && rec.Epoch > epoch {
		return nil
	}

	rec.Online = online
	rec.LastActivity = t.now()
	if rec.Epoch < epoch {
		rec.Epoch = epoch
	}
	return t.store.Put(ctx, appointmentId, role, rec)
}

// Touch refreshes the participant's last-activity time. Records are
// created lazily on first activity; online state never changes here,
// only Connect, Disconnect, and SetOnline flip it.
func (t *Tracker) Touch(ctx context.Context, appointmentId string, role types.Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, _, err := t.store.Get(ctx, appointmentId, role)
	if err != nil {
		return err
	}

	rec.LastActivity = t.now()
	return t.store.Put(ctx, appointmentId, role, rec)
}

// Status returns one participant's current presence.
func (t *Tracker) Status(ctx context.Context, appointmentId string, role types.Role) (bool, time.Time, error) {
	rec, _, err := t.store.Get(ctx, appointmentId, role)
	if err != nil {
		return false, time.Time{}, err
	}
	return rec.Online, rec.LastActivity, nil
}

// Snapshot returns both participants' presence for an appointment.
func (t *Tracker) Snapshot(ctx context.Context, appointmentId string) (types.PresenceSnapshot, error) {
	recs, err := t.store.Snapshot(ctx, appointmentId)
	if err != nil {
		return types.PresenceSnapshot{}, err
	}

	var snap types.PresenceSnapshot
	if rec, ok := recs[types.RolePatient]; ok {
		snap.PatientOnline = rec.Online
		snap.LastPatientActivity = rec.LastActivity
	}
	if rec, ok := recs[types.RoleProvider]; ok {
		snap.ProviderOnline = rec.Online
		snap.LastProviderActivity = rec.LastActivity
	}
	return snap, nil
}
