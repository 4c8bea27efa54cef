package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	cd "controlling_door"
)

type EventSQLite struct {
	db *sql.DB
}

func NewEventSQLite(db *sql.DB) *EventSQLite { return &EventSQLite{db: db} }

var _ Events = (*EventSQLite)(nil)

const (
	insertEventSQL = `
		INSERT INTO door_events (id, occurred_at, type, state, position_mm, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	selectEventsSQL = `SELECT id, occurred_at, type, state, position_mm, detail FROM door_events`
)

// Append inserts a new event. Missing ID or OccurredAt are filled in.
func (r *EventSQLite) Append(ctx context.Context, e cd.DoorEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	} else {
		e.OccurredAt = e.OccurredAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, insertEventSQL,
		e.ID,
		e.OccurredAt.Format("2006-01-02 15:04:05"),
		strings.ToUpper(strings.TrimSpace(e.Type)),
		e.State,
		e.PositionMM,
		e.Detail,
	)
	return err
}

// List returns events inside [from, to] (either bound may be zero) with an
// optional type filter, oldest first.
func (r *EventSQLite) List(ctx context.Context, from, to time.Time, typ string) ([]cd.DoorEvent, error) {
	var (
		conds []string
		args  []any
	)
	if !from.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, to.UTC())
	}
	if typ = strings.ToUpper(strings.TrimSpace(typ)); typ != "" {
		conds = append(conds, "type = ?")
		args = append(args, typ)
	}

	q := selectEventsSQL
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY occurred_at ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]cd.DoorEvent, 0, 64)
	for rows.Next() {
		var ev cd.DoorEvent
		if err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.Type, &ev.State, &ev.PositionMM, &ev.Detail); err != nil {
			return nil, err
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
