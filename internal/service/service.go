// Package service holds the business logic of the door daemon: the door
// state machine, the stop-delay safety validator, the raw controller
// settings passthrough, the event history, and user authentication.
package service

import (
	"context"
	"time"

	cd "controlling_door"
	"controlling_door/internal/grbl"
	"controlling_door/internal/repository"
)

// Controller is the slice of the grbl client the services need. The real
// implementation is *grbl.Client; tests substitute a scripted fake.
type Controller interface {
	Execute(ctx context.Context, command string) (grbl.Reply, error)
	QueryStatus(ctx context.Context) (grbl.Status, error)
	SendRealtime(b byte) error
	Subscribe(buffer int) (<-chan grbl.Event, func())
	ConnectionState() grbl.ConnectionState
	PollNow()
}

type Authorization interface {
	SignUp(ctx context.Context, username, password string) (int, error)
	GenerateToken(ctx context.Context, username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Door exposes the high-level door intents. Motion calls return once the
// intent is accepted and the corresponding controller command is on the
// wire; completion is observable through Status and Subscribe.
type Door interface {
	Status() cd.DoorStatus
	Subscribe(buffer int) (<-chan cd.DoorStatus, func())
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
	MoveToPercent(ctx context.Context, percent float64) error
	Jog(ctx context.Context, distanceMM, feedMMMin float64) error
	Home(ctx context.Context) error
	Zero(ctx context.Context) error
	ClearAlarm(ctx context.Context) error
	Config() (active cd.DoorConfig, staged bool)
	Reconfigure(ctx context.Context, patch cd.DoorConfigPatch) (cd.DoorConfig, error)
	Connection() grbl.ConnectionState
}

// Settings exposes the raw controller settings passthrough.
type Settings interface {
	Dump(ctx context.Context) (map[string]string, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// EventLog exposes the persisted door history with filtering.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]cd.DoorEvent, error)
}

// LogFilter narrows an event history query. Zero times mean no bound; both
// bounds are inclusive.
type LogFilter struct {
	From time.Time
	To   time.Time
	Type string
}

// Service aggregates all sub-services for the HTTP layer.
type Service struct {
	Door
	Settings
	EventLog
	Authorization
}

// NewService assembles the service aggregate from already-constructed parts.
// The door service is built separately because its run loop is supervised by
// the caller.
func NewService(door *DoorService, settings *SettingsService, repos *repository.Repository, auth AuthConfig) *Service {
	return &Service{
		Door:          door,
		Settings:      settings,
		EventLog:      NewEventLogService(repos.Events),
		Authorization: NewAuthService(repos.Users, auth),
	}
}
