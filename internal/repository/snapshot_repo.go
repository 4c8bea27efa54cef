package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	cd "controlling_door"
)

type SnapshotSQLite struct {
	db *sql.DB
}

func NewSnapshotSQLite(db *sql.DB) *SnapshotSQLite {
	return &SnapshotSQLite{db: db}
}

var _ Snapshots = (*SnapshotSQLite)(nil)

const (
	doorSnapshotRowID = 1

	upsertSnapshotSQL = `
		INSERT INTO door_snapshot (id, state, position_mm, homed, alarm_code, alarm_text, fault_text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			position_mm=excluded.position_mm,
			homed=excluded.homed,
			alarm_code=excluded.alarm_code,
			alarm_text=excluded.alarm_text,
			fault_text=excluded.fault_text,
			updated_at=excluded.updated_at
	`

	selectSnapshotSQL = `
		SELECT state, position_mm, homed, alarm_code, alarm_text, fault_text, updated_at
		FROM door_snapshot WHERE id=?
	`
)

// Save upserts the single door_snapshot row (id always 1).
func (r *SnapshotSQLite) Save(ctx context.Context, s cd.DoorSnapshot) error {
	ts := s.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertSnapshotSQL,
		doorSnapshotRowID,
		string(s.State),
		s.PositionMM,
		s.Homed,
		s.AlarmCode,
		s.AlarmText,
		s.FaultText,
		ts,
	)
	return err
}

// Load fetches the snapshot row; a missing row yields a zero snapshot.
func (r *SnapshotSQLite) Load(ctx context.Context) (cd.DoorSnapshot, error) {
	row := r.db.QueryRowContext(ctx, selectSnapshotSQL, doorSnapshotRowID)

	var (
		s     cd.DoorSnapshot
		state string
	)
	if err := row.Scan(&state, &s.PositionMM, &s.Homed, &s.AlarmCode, &s.AlarmText, &s.FaultText, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cd.DoorSnapshot{}, nil
		}
		return cd.DoorSnapshot{}, err
	}
	s.State = cd.DoorPhase(state)
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}
