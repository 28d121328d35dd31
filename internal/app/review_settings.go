package app

import (
	"context"
	"errors"
	"time"
)

// ReviewSettings are the player-facing transcode defaults. New sessions
// pick them up; running sessions keep the options they started with.
type ReviewSettings struct {
	SegmentDuration int  `json:"segmentDuration"`
	Goniometer      bool `json:"goniometer"`
}

var ErrInvalidSettings = errors.New("invalid review settings")

func (s ReviewSettings) validate() error {
	if s.SegmentDuration < 1 || s.SegmentDuration > 60 {
		return ErrInvalidSettings
	}
	return nil
}

type ReviewSettingsEngine interface {
	DefaultSegmentDuration() int
	DefaultGoniometer() bool
	SetDefaultSegmentDuration(seconds int)
	SetDefaultGoniometer(enabled bool)
}

type ReviewSettingsStore interface {
	GetReviewSettings(ctx context.Context) (ReviewSettings, bool, error)
	SetReviewSettings(ctx context.Context, settings ReviewSettings) error
}

type ReviewSettingsManager struct {
	engine  ReviewSettingsEngine
	store   ReviewSettingsStore
	timeout time.Duration
}

func NewReviewSettingsManager(engine ReviewSettingsEngine, store ReviewSettingsStore) *ReviewSettingsManager {
	return &ReviewSettingsManager{
		engine:  engine,
		store:   store,
		timeout: 5 * time.Second,
	}
}

func (m *ReviewSettingsManager) Get() ReviewSettings {
	return ReviewSettings{
		SegmentDuration: m.engine.DefaultSegmentDuration(),
		Goniometer:      m.engine.DefaultGoniometer(),
	}
}

// Update applies settings to the engine first and rolls the engine back
// if persisting them fails, so the store and the engine never diverge.
func (m *ReviewSettingsManager) Update(s ReviewSettings) error {
	if err := s.validate(); err != nil {
		return err
	}

	prev := m.Get()
	m.engine.SetDefaultSegmentDuration(s.SegmentDuration)
	m.engine.SetDefaultGoniometer(s.Goniometer)

	if m.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.SetReviewSettings(ctx, s); err != nil {
		m.engine.SetDefaultSegmentDuration(prev.SegmentDuration)
		m.engine.SetDefaultGoniometer(prev.Goniometer)
		return err
	}
	return nil
}

// Restore loads persisted settings into the engine at startup. Missing
// settings leave the engine defaults untouched.
func (m *ReviewSettingsManager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	s, found, err := m.store.GetReviewSettings(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := s.validate(); err != nil {
		return err
	}
	m.engine.SetDefaultSegmentDuration(s.SegmentDuration)
	m.engine.SetDefaultGoniometer(s.Goniometer)
	return nil
}
