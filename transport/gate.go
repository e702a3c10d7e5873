// Package transport gates report submission on the network session state and
// provides the uplinks the node can send through.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultPort is used when a submission does not name an application port.
const DefaultPort uint8 = 2

var (
	ErrNotJoined    = errors.New("network not joined")
	ErrEmptyPayload = errors.New("empty payload")
	ErrSendFailed   = errors.New("send failed")
)

// Uplink is a network session the node reports through.
type Uplink interface {
	// Connect starts joining the network. It may return before the session is joined.
	Connect(ctx context.Context) error
	IsJoined() bool
	// Busy reports an uplink transaction in flight that must not be cut by sleep.
	Busy() bool
	Send(ctx context.Context, payload []byte, port uint8, confirmed bool) error
	Close() error
}

// Processor is implemented by uplinks that need to be driven from the
// control loop.
type Processor interface {
	Process(ctx context.Context)
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSent
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Counters is a snapshot of gate activity.
type Counters struct {
	Sent    uint64 `json:"sent" yaml:"sent"`
	Skipped uint64 `json:"skipped" yaml:"skipped"`
	Failed  uint64 `json:"failed" yaml:"failed"`
	Last    string `json:"last" yaml:"last"`
}

type GateOpt func(*Gate)

// WithPort sets the application port. Zero selects DefaultPort.
func WithPort(port uint8) GateOpt {
	return func(g *Gate) {
		g.port = port
	}
}

func WithConfirmed(confirmed bool) GateOpt {
	return func(g *Gate) {
		g.confirmed = confirmed
	}
}

// Gate submits reports to the uplink only while the session is joined. It
// keeps no queue: a report that cannot be sent is dropped.
type Gate struct {
	mx        sync.Mutex
	uplink    Uplink
	port      uint8
	confirmed bool
	started   bool
	counters  Counters
	last      Outcome
}

func NewGate(uplink Uplink, opts ...GateOpt) *Gate {
	g := &Gate{uplink: uplink}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start begins joining in the background. Join progress shows up in Status.
func (g *Gate) Start(ctx context.Context) {
	g.mx.Lock()
	g.started = true
	g.mx.Unlock()
	go func() {
		if err := g.uplink.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("uplink connect failed", "error", err)
		}
	}()
}

// Uplink returns the underlying uplink.
func (g *Gate) Uplink() Uplink {
	return g.uplink
}

func (g *Gate) IsJoined() bool {
	return g.uplink.IsJoined()
}

// Status describes the session for logs and the monitor.
func (g *Gate) Status() string {
	g.mx.Lock()
	started := g.started
	g.mx.Unlock()
	switch {
	case g.uplink.IsJoined():
		return "Joined"
	case started:
		return "Joining..."
	default:
		return "Not initialized"
	}
}

// ReadyForSleep is true when sleeping cannot interrupt a transaction.
func (g *Gate) ReadyForSleep() bool {
	return !g.uplink.IsJoined() || !g.uplink.Busy()
}

// Submit sends payload on the configured port.
func (g *Gate) Submit(ctx context.Context, payload []byte) error {
	if !g.uplink.IsJoined() {
		slog.Info("network not joined, report dropped", "bytes", len(payload))
		g.record(OutcomeSkipped)
		return ErrNotJoined
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	port := g.port
	if port == 0 {
		port = DefaultPort
	}
	if err := g.uplink.Send(ctx, payload, port, g.confirmed); err != nil {
		g.record(OutcomeFailed)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	slog.Debug("report sent", "port", port, "bytes", len(payload))
	g.record(OutcomeSent)
	return nil
}

func (g *Gate) record(o Outcome) {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.last = o
	switch o {
	case OutcomeSent:
		g.counters.Sent++
	case OutcomeSkipped:
		g.counters.Skipped++
	case OutcomeFailed:
		g.counters.Failed++
	}
}

// Last returns the outcome of the most recent submission.
func (g *Gate) Last() Outcome {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.last
}

func (g *Gate) Counters() Counters {
	g.mx.Lock()
	defer g.mx.Unlock()
	c := g.counters
	c.Last = g.last.String()
	return c
}

func (g *Gate) Close() error {
	return g.uplink.Close()
}
