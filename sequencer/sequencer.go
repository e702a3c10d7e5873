// Package sequencer drives one acquisition cycle: power the sensors, let them
// settle, poll them for a bounded number of iterations, submit the report and
// power everything down again. Every step is non-blocking; the control loop
// calls Step repeatedly and the sequencer acts once its deadline has passed.
package sequencer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/power"
	"github.com/mklimuk/sensornode/report"
	"github.com/mklimuk/sensornode/snsctx"
)

const (
	DefaultSettleDelay       = time.Second
	DefaultReadInterval      = 3 * time.Second
	DefaultMaxReadIterations = 10
)

var ErrNotIdle = errors.New("sequencer: cycle already in progress")

type State int

const (
	Idle State = iota
	PoweringOn
	Settling
	Reading
	PoweringOff
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PoweringOn:
		return "powering-on"
	case Settling:
		return "settling"
	case Reading:
		return "reading"
	case PoweringOff:
		return "powering-off"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Submitter takes the assembled report. transport.Gate implements it.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) error
	ReadyForSleep() bool
}

// Outcome is the result of polling one sensor.
type Outcome struct {
	Sensor string
	Status sensornode.Status
	Err    error
}

// Iteration describes one pass over the registry.
type Iteration struct {
	Cycle     uint64
	Number    int
	At        time.Time
	Outcomes  []Outcome
	Payload   string
	SubmitErr error
}

type Observer interface {
	ObserveIteration(ctx context.Context, it Iteration)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, it Iteration)

func (f ObserverFunc) ObserveIteration(ctx context.Context, it Iteration) {
	f(ctx, it)
}

// Stats is a snapshot for the monitor and the CLI.
type Stats struct {
	State      string         `json:"state"`
	Cycle      uint64         `json:"cycle"`
	Iteration  int            `json:"iteration"`
	Attempts   map[string]int `json:"attempts"`
	LastReport string         `json:"last_report"`
	Completed  uint64         `json:"cycles_completed"`
}

type Opt func(*Sequencer)

// WithClock replaces the wall clock, tests pass a mock.
func WithClock(clk clock.Clock) Opt {
	return func(s *Sequencer) {
		s.clock = clk
	}
}

func WithSettleDelay(d time.Duration) Opt {
	return func(s *Sequencer) {
		s.settleDelay = d
	}
}

func WithReadInterval(d time.Duration) Opt {
	return func(s *Sequencer) {
		s.readInterval = d
	}
}

// WithMaxReadIterations bounds the read attempts per sensor in one cycle.
func WithMaxReadIterations(n int) Opt {
	return func(s *Sequencer) {
		if n > 0 {
			s.maxIterations = n
		}
	}
}

// WithObserver adds an observer notified after every read iteration.
func WithObserver(o Observer) Opt {
	return func(s *Sequencer) {
		s.observers = append(s.observers, o)
	}
}

type Sequencer struct {
	mx            sync.Mutex
	clock         clock.Clock
	sensors       []sensornode.Sensor
	hooks         power.Hooks
	gate          Submitter
	observers     []Observer
	settleDelay   time.Duration
	readInterval  time.Duration
	maxIterations int

	state     State
	deadline  time.Time
	iteration int
	cycle     uint64
	completed uint64
	attempts  map[string]int
	powered   map[string]bool
	allOff    bool
	report    report.Report
	last      string
}

// New builds a sequencer polling sensors in the given order.
func New(sensors []sensornode.Sensor, hooks power.Hooks, gate Submitter, opts ...Opt) *Sequencer {
	s := &Sequencer{
		clock:         clock.New(),
		sensors:       sensors,
		hooks:         hooks,
		gate:          gate,
		settleDelay:   DefaultSettleDelay,
		readInterval:  DefaultReadInterval,
		maxIterations: DefaultMaxReadIterations,
		attempts:      map[string]int{},
		powered:       map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a new cycle. The sequencer must be idle.
func (s *Sequencer) Begin() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != Idle {
		return ErrNotIdle
	}
	s.cycle++
	s.iteration = 0
	s.attempts = map[string]int{}
	s.powered = map[string]bool{}
	s.state = PoweringOn
	s.deadline = s.clock.Now()
	return nil
}

// Rearm returns a finished sequencer to Idle. It is a no-op in any other state.
func (s *Sequencer) Rearm() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state == Done {
		s.state = Idle
	}
}

func (s *Sequencer) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Deadline returns the earliest time the next transition can happen.
func (s *Sequencer) Deadline() time.Time {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.deadline
}

func (s *Sequencer) Stats() Stats {
	s.mx.Lock()
	defer s.mx.Unlock()
	attempts := make(map[string]int, len(s.attempts))
	for k, v := range s.attempts {
		attempts[k] = v
	}
	return Stats{
		State:      s.state.String(),
		Cycle:      s.cycle,
		Iteration:  s.iteration,
		Attempts:   attempts,
		LastReport: s.last,
		Completed:  s.completed,
	}
}

// Step performs at most one transition and reports whether it did. Nothing
// happens before the current deadline or while idle or done. The report
// submission and the observers run after the sequencer lock is released.
func (s *Sequencer) Step(ctx context.Context) bool {
	stepped, it := s.step(ctx)
	if it != nil {
		s.publish(snsctx.WithCycle(ctx, it.Cycle), it)
	}
	return stepped
}

func (s *Sequencer) step(ctx context.Context) (bool, *pending) {
	s.mx.Lock()
	defer s.mx.Unlock()
	now := s.clock.Now()
	if now.Before(s.deadline) {
		return false, nil
	}
	ctx = snsctx.WithCycle(ctx, s.cycle)
	var p *pending
	switch s.state {
	case PoweringOn:
		s.powerOn(ctx)
		s.state = Settling
		s.deadline = s.clock.Now().Add(s.settleDelay)
	case Settling:
		s.state = Reading
		s.deadline = now
	case Reading:
		if s.iteration >= s.maxIterations {
			s.state = PoweringOff
			s.deadline = now
			return true, nil
		}
		p = s.readIteration(ctx)
		s.deadline = s.clock.Now().Add(s.readInterval)
	case PoweringOff:
		s.powerOff(ctx)
		s.state = Done
		s.completed++
		s.enterDone(ctx)
	default:
		return false, nil
	}
	slog.Debug("sequencer transition", "cycle", s.cycle, "state", s.state)
	return true, p
}

func (s *Sequencer) powerOn(ctx context.Context) {
	if err := s.hooks.BusOn(ctx); err != nil {
		slog.Error("bus power on failed, continuing", "cycle", s.cycle, "error", err)
	}
	for _, sn := range s.sensors {
		if !sn.Is(ctx, true) {
			slog.Debug("sensor not present", "sensor", sn.Name())
			continue
		}
		s.switchOn(ctx, sn)
	}
}

// switchOn powers a present sensor and remembers it for this window.
func (s *Sequencer) switchOn(ctx context.Context, sn sensornode.Sensor) bool {
	if err := sn.On(ctx); err != nil {
		slog.Warn("sensor power on failed", "sensor", sn.Name(), "status", sensornode.StatusOf(err), "error", err)
		return false
	}
	s.powered[sn.Name()] = true
	return true
}

// pending is an iteration waiting to be submitted and observed.
type pending struct {
	Iteration
	payload []byte
}

func (s *Sequencer) readIteration(ctx context.Context) *pending {
	s.iteration++
	it := Iteration{Cycle: s.cycle, Number: s.iteration, At: s.clock.Now()}
	s.report.Reset()
	for _, sn := range s.sensors {
		name := sn.Name()
		if !sn.Is(ctx, true) {
			continue
		}
		// detected after power on: Init left it off
		if !s.powered[name] && !s.switchOn(ctx, sn) {
			continue
		}
		s.attempts[name]++
		err := sn.Read(ctx)
		st := sensornode.StatusOf(err)
		it.Outcomes = append(it.Outcomes, Outcome{Sensor: name, Status: st, Err: err})
		switch st {
		case sensornode.StatusOk:
			if aerr := s.report.Append(sn.Fields()...); aerr != nil {
				slog.Warn("reading dropped from report", "sensor", name, "error", aerr)
			}
		case sensornode.StatusBusy:
			if snsctx.IsVerbose(ctx) {
				slog.Debug("sensor busy", "sensor", name)
			}
		default:
			slog.Warn("sensor read failed", "sensor", name, "status", st, "error", err)
		}
	}
	p := &pending{Iteration: it}
	if !s.report.Empty() {
		p.Payload = s.report.String()
		p.payload = bytes.Clone(s.report.Payload())
		s.last = p.Payload
	}
	return p
}

func (s *Sequencer) publish(ctx context.Context, p *pending) {
	if p.payload != nil {
		p.SubmitErr = s.gate.Submit(ctx, p.payload)
		if p.SubmitErr != nil {
			slog.Info("report not sent", "cycle", p.Cycle, "iteration", p.Number, "error", p.SubmitErr)
		}
	}
	for _, o := range s.observers {
		o.ObserveIteration(ctx, p.Iteration)
	}
}

func (s *Sequencer) powerOff(ctx context.Context) {
	s.allOff = true
	for _, sn := range s.sensors {
		if !sn.Is(ctx, false) {
			continue
		}
		if err := sn.Off(ctx); err != nil {
			s.allOff = false
			slog.Warn("sensor power off failed", "sensor", sn.Name(), "status", sensornode.StatusOf(err), "error", err)
		}
	}
	if err := s.hooks.BusOff(ctx); err != nil {
		slog.Error("bus power off failed", "cycle", s.cycle, "error", err)
	}
}

func (s *Sequencer) enterDone(ctx context.Context) {
	if !s.allOff {
		slog.Warn("sleep skipped, a sensor did not power off", "cycle", s.cycle)
		return
	}
	if !s.gate.ReadyForSleep() {
		slog.Info("sleep skipped, uplink transaction in flight", "cycle", s.cycle)
		return
	}
	s.hooks.RequestLowPowerSleep(ctx)
}
