package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	cd "controlling_door"
	"controlling_door/internal/grbl"
	"controlling_door/internal/logger"
	"controlling_door/internal/repository"
)

const settingsDumpKey = "settings-dump"

// SettingsService is the raw "$" settings passthrough. Dumps are cached for
// a short TTL because one status page render asks for all of them at once;
// any write invalidates the cache.
type SettingsService struct {
	client Controller
	events repository.Events
	log    *logger.Logger
	cache  *cache.Cache
}

func NewSettingsService(client Controller, events repository.Events, log *logger.Logger, cacheTTL time.Duration) *SettingsService {
	if log == nil {
		log = logger.Nop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &SettingsService{
		client: client,
		events: events,
		log:    log,
		cache:  cache.New(cacheTTL, time.Minute),
	}
}

var _ Settings = (*SettingsService)(nil)

// Dump returns every controller setting as "$n" -> value.
func (s *SettingsService) Dump(ctx context.Context) (map[string]string, error) {
	if v, ok := s.cache.Get(settingsDumpKey); ok {
		if m, ok := v.(map[string]string); ok {
			return m, nil
		}
	}
	reply, err := s.client.Execute(ctx, grbl.SettingsDump())
	if err != nil {
		return nil, err
	}
	m := grbl.SettingsMap(reply.Lines)
	s.cache.SetDefault(settingsDumpKey, m)
	return m, nil
}

// Get returns one setting value. Keys are "$n" or bare "n".
func (s *SettingsService) Get(ctx context.Context, key string) (string, error) {
	key = canonicalSettingKey(key)
	if key == "" {
		return "", invalidParam("setting key is empty")
	}
	m, err := s.Dump(ctx)
	if err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", invalidParam("unknown setting $%s", key)
	}
	return v, nil
}

// Set writes one setting value. The controller persists it to EEPROM, so
// writes are logged to the event history.
func (s *SettingsService) Set(ctx context.Context, key, value string) error {
	key = canonicalSettingKey(key)
	if key == "" {
		return invalidParam("setting key is empty")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return invalidParam("setting value is empty")
	}
	if _, err := s.client.Execute(ctx, grbl.SettingSet(key, value)); err != nil {
		var cerr *grbl.CommandError
		if errors.As(err, &cerr) {
			return invalidParam("controller rejected $%s=%s: %s", key, value, cerr.Raw)
		}
		return err
	}
	s.cache.Delete(settingsDumpKey)
	s.log.Infow("controller_setting_changed", "key", key, "value", value)
	if s.events != nil {
		ev := cd.DoorEvent{
			Type:   cd.EventConfig,
			Detail: fmt.Sprintf("controller setting $%s=%s", key, value),
		}
		if err := s.events.Append(ctx, ev); err != nil {
			s.log.Errorw("setting_event_append_failed", "error", err)
		}
	}
	return nil
}

// canonicalSettingKey strips an optional "$" prefix; dump maps and command
// builders work with bare keys.
func canonicalSettingKey(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "$")
}
