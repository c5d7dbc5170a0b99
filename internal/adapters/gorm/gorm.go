// Package gorm wires the relational store: connection setup, schema
// migration and the durable sinks the instance registry writes through.
package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"funchost/internal/core/apps"
	"funchost/internal/core/instances"
)

// New opens the database and migrates the schema.
func New(dsn string, lg zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.AutoMigrate(
		&apps.FunctionApp{},
		&apps.RouteBinding{},
		&apps.BuildRecord{},
		&apps.RouteState{},
		&instances.EventRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	lg.Info().Str("component", "gorm").Msg("database connected and migrated")
	return db, nil
}

// EventLog appends instance lifecycle events to the database.
type EventLog struct {
	db *gorm.DB
	lg zerolog.Logger
}

func NewEventLog(db *gorm.DB, lg zerolog.Logger) *EventLog {
	return &EventLog{db: db, lg: lg.With().Str("component", "event-log").Logger()}
}

// Append stores one event. Failures are logged, not propagated; the event log
// is diagnostic, never a dependency of the control loop.
func (l *EventLog) Append(ev instances.Event) {
	rec := instances.EventRecord{
		InstanceID: ev.InstanceID,
		RouteKey:   ev.RouteKey,
		FromState:  ev.From.String(),
		ToState:    ev.To.String(),
		Detail:     ev.Detail,
		CreatedAt:  ev.At,
	}
	if err := l.db.Create(&rec).Error; err != nil {
		l.lg.Error().Err(err).Str("instance", ev.InstanceID).Msg("append event failed")
	}
}

// Persister writes route state changes through the app store.
type Persister struct {
	store *apps.Store
	lg    zerolog.Logger
}

func NewPersister(store *apps.Store, lg zerolog.Logger) *Persister {
	return &Persister{store: store, lg: lg.With().Str("component", "route-persister").Logger()}
}

func (p *Persister) PersistRouteState(key, appID string, version int, imageRef string, desired int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.store.SaveRouteState(ctx, apps.RouteState{
		Key:      key,
		AppID:    appID,
		Version:  version,
		ImageRef: imageRef,
		Desired:  desired,
	})
	if err != nil {
		p.lg.Error().Err(err).Str("route", key).Msg("persist route state failed")
	}
}
