package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrInjected = errors.New("injected send failure")

var _ Uplink = &Simulated{}
var _ Processor = &Simulated{}

// Simulated is an in-process network. It joins after a number of Process
// calls and keeps every payload it accepts.
type Simulated struct {
	mx        sync.Mutex
	joinAfter int
	busyFor   int
	connected bool
	processed int
	joined    bool
	busy      int
	failures  int
	sent      []Message
}

// Message is one accepted uplink.
type Message struct {
	Payload   []byte
	Port      uint8
	Confirmed bool
}

type SimOpt func(*Simulated)

// WithJoinAfter sets how many Process calls the join takes.
func WithJoinAfter(n int) SimOpt {
	return func(s *Simulated) {
		s.joinAfter = n
	}
}

// WithBusyFor keeps the uplink busy for n Process calls after every send,
// like a radio waiting for its receive windows.
func WithBusyFor(n int) SimOpt {
	return func(s *Simulated) {
		s.busyFor = n
	}
}

func NewSimulated(opts ...SimOpt) *Simulated {
	s := &Simulated{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) Connect(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.connected = true
	s.joined = s.joinAfter <= 0
	return nil
}

// Process advances the join and the busy period by one step.
func (s *Simulated) Process(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.connected {
		return
	}
	if !s.joined {
		s.processed++
		s.joined = s.processed >= s.joinAfter
	}
	if s.busy > 0 {
		s.busy--
	}
}

func (s *Simulated) IsJoined() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.joined
}

func (s *Simulated) Busy() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.busy > 0
}

func (s *Simulated) Send(ctx context.Context, payload []byte, port uint8, confirmed bool) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.joined {
		return ErrNotJoined
	}
	if s.failures > 0 {
		s.failures--
		return ErrInjected
	}
	s.sent = append(s.sent, Message{Payload: append([]byte(nil), payload...), Port: port, Confirmed: confirmed})
	s.busy = s.busyFor
	return nil
}

// FailNext makes the next n sends fail.
func (s *Simulated) FailNext(n int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.failures = n
}

// Drop simulates losing the session.
func (s *Simulated) Drop() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.joined = false
	s.processed = 0
}

// Sent returns the accepted messages.
func (s *Simulated) Sent() []Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]Message(nil), s.sent...)
}

func (s *Simulated) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.connected = false
	s.joined = false
	return nil
}
