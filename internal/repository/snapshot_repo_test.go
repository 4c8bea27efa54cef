package repository_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	cd "controlling_door"
	"controlling_door/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
)

type sqlmockArgumentFunc func(driver.Value) bool

func (f sqlmockArgumentFunc) Match(v driver.Value) bool { return f(v) }

func TestSnapshotSQLite_Save_SetsUTCWhenTimeZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	repo := repository.NewSnapshotSQLite(db)

	snap := cd.DoorSnapshot{
		State:      cd.PhaseOpen,
		PositionMM: 350.0,
		Homed:      true,
		// UpdatedAt is zero
	}

	isUTCRecent := sqlmockArgumentFunc(func(v driver.Value) bool {
		tm, ok := v.(time.Time)
		if !ok {
			return false
		}
		if tm.Location() != time.UTC {
			return false
		}
		now := time.Now().UTC()
		return !tm.Before(now.Add(-5*time.Second)) && !tm.After(now.Add(5*time.Second))
	})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO door_snapshot")).
		WithArgs(1, "open", 350.0, true, 0, "", "", isUTCRecent).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save(): %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestSnapshotSQLite_Load_RoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	repo := repository.NewSnapshotSQLite(db)

	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"state", "position_mm", "homed", "alarm_code", "alarm_text", "fault_text", "updated_at"}).
		AddRow("intermediate", 123.5, true, 2, "soft limit", "", ts)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, position_mm, homed, alarm_code, alarm_text, fault_text, updated_at")).
		WithArgs(1).
		WillReturnRows(rows)

	got, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if got.State != cd.PhaseIntermediate {
		t.Errorf("State = %q, want %q", got.State, cd.PhaseIntermediate)
	}
	if got.PositionMM != 123.5 {
		t.Errorf("PositionMM = %v, want 123.5", got.PositionMM)
	}
	if got.AlarmCode != 2 || got.AlarmText != "soft limit" {
		t.Errorf("alarm = (%d, %q), want (2, %q)", got.AlarmCode, got.AlarmText, "soft limit")
	}
	if !got.UpdatedAt.Equal(ts) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, ts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestSnapshotSQLite_Load_NoRowYieldsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	repo := repository.NewSnapshotSQLite(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, position_mm, homed")).
		WithArgs(1).
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if got.State != "" || got.Homed {
		t.Errorf("expected zero snapshot, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
