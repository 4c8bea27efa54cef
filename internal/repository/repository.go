package repository

import (
	"context"
	"database/sql"
	"time"

	cd "controlling_door"
)

type Users interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*cd.User, error)
}

type Events interface {
	Append(ctx context.Context, e cd.DoorEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]cd.DoorEvent, error)
}

type Snapshots interface {
	Save(ctx context.Context, s cd.DoorSnapshot) error
	Load(ctx context.Context) (cd.DoorSnapshot, error)
}

type Subscriptions interface {
	Upsert(ctx context.Context, sub cd.PushSubscription) error
	Delete(ctx context.Context, endpoint string) error
	List(ctx context.Context) ([]cd.PushSubscription, error)
}

type Repository struct {
	Users         Users
	Events        Events
	Snapshots     Snapshots
	Subscriptions Subscriptions
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Users:         NewUserSQLite(db),
		Events:        NewEventSQLite(db),
		Snapshots:     NewSnapshotSQLite(db),
		Subscriptions: NewSubscriptionSQLite(db),
	}
}
