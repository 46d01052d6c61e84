package history

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds written by the lifecycle manager.
const (
	KindCreated           = "created"
	KindStarting          = "starting"
	KindLaunched          = "launched"
	KindAdbReady          = "adb_ready"
	KindBootVerified      = "boot_verified"
	KindBootUnverified    = "boot_unverified"
	KindLaunchFailed      = "launch_failed"
	KindStopped           = "stopped"
	KindGuestExited       = "guest_exited"
	KindHeld              = "held"
	KindDeployed          = "deployed"
	KindDestroying        = "destroying"
	KindDestroyIncomplete = "destroy_incomplete"
	KindPruned            = "pruned"
)

// Event is one journal row.
type Event struct {
	ID         string
	InstanceID uint32
	At         time.Time
	Kind       string
	State      string
	Message    string
}

// Record appends an event. A zero At is stamped with the current time.
func (d *DB) Record(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO events (event_id, instance_id, at, kind, state, message) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, ev.At.Unix(), ev.Kind, ev.State, ev.Message,
	)
	return err
}

// Events returns the most recent limit events for an instance, oldest first.
func (d *DB) Events(instanceID uint32, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT event_id, instance_id, at, kind, state, message FROM (
			SELECT * FROM events WHERE instance_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`,
		instanceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			at int64
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &at, &ev.Kind, &ev.State, &ev.Message); err != nil {
			return nil, err
		}
		ev.At = time.Unix(at, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEvents removes every event of an instance. Called when its id is
// freed so a recycled id starts with an empty history.
func (d *DB) DeleteEvents(instanceID uint32) error {
	_, err := d.db.Exec(`DELETE FROM events WHERE instance_id = ?`, instanceID)
	return err
}

// PruneBefore drops events older than cutoff across all instances.
func (d *DB) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM events WHERE at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
