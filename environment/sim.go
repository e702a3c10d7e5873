package environment

import (
	"context"
	"fmt"
	"sync"

	"github.com/mklimuk/sensornode"
)

// ReadBehaviorFunc produces the fields of one reading. Returning
// sensornode.ErrBusy or any other error is passed through Read unchanged.
type ReadBehaviorFunc func(ctx context.Context) ([]sensornode.Field, error)

var _ sensornode.Sensor = &Sim{}

// Sim is a sensor that uses a behavior function to produce readings without
// requiring any hardware. It keeps the same presence and power semantics as
// the real drivers so it can stand in for any of them in the sequencer.
//
// Example usage:
//
//	// Static values
//	s := NewSim("sht45", func(ctx context.Context) ([]sensornode.Field, error) {
//		return []sensornode.Field{sensornode.Fixed("temp", 22.5), sensornode.Fixed("hum", 45)}, nil
//	})
//
//	// Dynamic behavior
//	co2 := int64(400)
//	s := NewSim("scd41", func(ctx context.Context) ([]sensornode.Field, error) {
//		co2 += 5
//		return []sensornode.Field{sensornode.TagField("scd41"), sensornode.Int("co2", co2)}, nil
//	})
type Sim struct {
	mx       sync.Mutex
	name     string
	behavior ReadBehaviorFunc
	absent   bool
	initErr  error
	presence sensornode.Presence
	on       bool
	fields   []sensornode.Field
	reads    int
	inits    int
	nacks    int
}

type SimOpt func(*Sim)

// WithAbsent makes every presence probe fail.
func WithAbsent() SimOpt {
	return func(s *Sim) {
		s.absent = true
	}
}

// WithInitError makes Init fail with err while leaving presence false.
func WithInitError(err error) SimOpt {
	return func(s *Sim) {
		s.initErr = err
	}
}

// WithInitFailures makes the first n Init calls fail as if the chip did not
// answer yet.
func WithInitFailures(n int) SimOpt {
	return func(s *Sim) {
		s.nacks = n
	}
}

func NewSim(name string, behavior ReadBehaviorFunc, opts ...SimOpt) *Sim {
	s := &Sim{name: name, behavior: behavior}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sim) Name() string { return s.name }

func (s *Sim) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

func (s *Sim) Init(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.inits++
	if s.absent {
		s.presence.Set(false)
		return fmt.Errorf("%s: %w", s.name, sensornode.ErrNoDevice)
	}
	if s.initErr != nil {
		s.presence.Set(false)
		return fmt.Errorf("%s: %w", s.name, s.initErr)
	}
	if s.nacks > 0 {
		s.nacks--
		s.presence.Set(false)
		return fmt.Errorf("%s: %w", s.name, sensornode.ErrNoDevice)
	}
	s.presence.Set(true)
	s.on = false
	return nil
}

func (s *Sim) On(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.on = true
	return nil
}

func (s *Sim) Off(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.on = false
	return nil
}

func (s *Sim) IsOn(ctx context.Context) (bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.on, nil
}

func (s *Sim) Read(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.reads++
	if !s.on {
		return fmt.Errorf("%s: %w", s.name, sensornode.ErrTimeout)
	}
	fields, err := s.behavior(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.fields = fields
	return nil
}

func (s *Sim) Fields() []sensornode.Field {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.fields
}

// Reads returns how many times Read was called.
func (s *Sim) Reads() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reads
}

// Inits returns how many times Init was attempted.
func (s *Sim) Inits() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.inits
}
