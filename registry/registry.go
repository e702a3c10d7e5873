// Package registry holds the ordered list of sensors polled by the sequencer.
package registry

import (
	"context"
	"fmt"
	"slices"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/air"
	"github.com/mklimuk/sensornode/environment"
	"github.com/mklimuk/sensornode/memory"
	"github.com/mklimuk/sensornode/nfc"
)

// Order is the polling and report order of the node's sensors.
var Order = []string{"sht45", "tsl2591", "ilps22qs", "flash", "nfc", "scd41", "sps30"}

// Registry is an immutable, ordered set of sensors. It owns the per-sensor
// state for the lifetime of the process.
type Registry struct {
	sensors []sensornode.Sensor
}

// New keeps the given sensors in the given order. Duplicate names are rejected.
func New(sensors ...sensornode.Sensor) (*Registry, error) {
	seen := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		if seen[s.Name()] {
			return nil, fmt.Errorf("registry: duplicate sensor %q", s.Name())
		}
		seen[s.Name()] = true
	}
	return &Registry{sensors: slices.Clone(sensors)}, nil
}

type options struct {
	disabled map[string]bool
	sht45    []environment.SHT45Opt
	tsl2591  []environment.TSL2591Opt
	scd41    []air.SCD41Opt
	sps30    []air.SPS30Opt
	counter  []memory.CounterOpt
	nfc      []nfc.ST25DVOpt
}

type Opt func(*options)

// WithDisabled leaves the named sensors out.
func WithDisabled(names ...string) Opt {
	return func(o *options) {
		for _, n := range names {
			o.disabled[n] = true
		}
	}
}

func WithSHT45(opts ...environment.SHT45Opt) Opt {
	return func(o *options) { o.sht45 = append(o.sht45, opts...) }
}

func WithTSL2591(opts ...environment.TSL2591Opt) Opt {
	return func(o *options) { o.tsl2591 = append(o.tsl2591, opts...) }
}

func WithSCD41(opts ...air.SCD41Opt) Opt {
	return func(o *options) { o.scd41 = append(o.scd41, opts...) }
}

func WithSPS30(opts ...air.SPS30Opt) Opt {
	return func(o *options) { o.sps30 = append(o.sps30, opts...) }
}

func WithCounter(opts ...memory.CounterOpt) Opt {
	return func(o *options) { o.counter = append(o.counter, opts...) }
}

func WithNFC(opts ...nfc.ST25DVOpt) Opt {
	return func(o *options) { o.nfc = append(o.nfc, opts...) }
}

// Default builds the node's hardware sensors in Order. The flash counter is
// left out when flash is nil.
func Default(bus sensornode.I2CBus, flash memory.Device, opts ...Opt) *Registry {
	o := options{disabled: map[string]bool{}}
	for _, opt := range opts {
		opt(&o)
	}
	if flash == nil {
		o.disabled["flash"] = true
	}
	all := map[string]func() sensornode.Sensor{
		"sht45":    func() sensornode.Sensor { return environment.NewSHT45(bus, o.sht45...) },
		"tsl2591":  func() sensornode.Sensor { return environment.NewTSL2591(bus, o.tsl2591...) },
		"ilps22qs": func() sensornode.Sensor { return environment.NewILPS22QS(bus) },
		"flash":    func() sensornode.Sensor { return memory.NewCounter(flash, o.counter...) },
		"nfc":      func() sensornode.Sensor { return nfc.NewST25DV(bus, o.nfc...) },
		"scd41":    func() sensornode.Sensor { return air.NewSCD41(bus, o.scd41...) },
		"sps30":    func() sensornode.Sensor { return air.NewSPS30(bus, o.sps30...) },
	}
	r := &Registry{}
	for _, name := range Order {
		if o.disabled[name] {
			continue
		}
		r.sensors = append(r.sensors, all[name]())
	}
	return r
}

// Sensors returns the sensors in polling order.
func (r *Registry) Sensors() []sensornode.Sensor {
	return r.sensors
}

func (r *Registry) Len() int {
	return len(r.sensors)
}

// ByName returns the sensor with the given name.
func (r *Registry) ByName(name string) (sensornode.Sensor, bool) {
	for _, s := range r.sensors {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.sensors))
	for i, s := range r.sensors {
		names[i] = s.Name()
	}
	return names
}

// Detect runs the presence check on every sensor, initializing the ones not
// seen yet, and returns the presence flags by name.
func (r *Registry) Detect(ctx context.Context) map[string]bool {
	present := make(map[string]bool, len(r.sensors))
	for _, s := range r.sensors {
		present[s.Name()] = s.Is(ctx, true)
	}
	return present
}
