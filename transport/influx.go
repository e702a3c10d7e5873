package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/report"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	NodeID string
}

const influxMeasurement = "sensornode"

var _ Uplink = &Influx{}

// Influx writes every report as one point. The session counts as joined
// after the server answered a ping.
type Influx struct {
	cfg    InfluxConfig
	client influxdb2.Client
	write  api.WriteAPIBlocking
	joined atomic.Bool
	now    func() time.Time
}

func NewInflux(cfg InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		cfg:    cfg,
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}
}

func (i *Influx) Connect(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx: ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx: server %s not ready", i.cfg.URL)
	}
	i.joined.Store(true)
	return nil
}

func (i *Influx) IsJoined() bool {
	return i.joined.Load()
}

func (i *Influx) Busy() bool {
	return false
}

func (i *Influx) Send(ctx context.Context, payload []byte, port uint8, confirmed bool) error {
	if !i.IsJoined() {
		return ErrNotJoined
	}
	p := Point(payload, i.cfg.NodeID, port, i.now())
	if err := i.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx: write: %w", err)
	}
	return nil
}

func (i *Influx) Close() error {
	i.joined.Store(false)
	i.client.Close()
	return nil
}

// Point converts a report payload into a point. A bare tag prefixes the
// numeric keys that follow it ("scd41 co2:850" becomes scd41_co2) up to the
// next label, and a key seen twice gets a numeric suffix.
func Point(payload []byte, nodeID string, port uint8, ts time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(influxMeasurement).
		AddTag("node", nodeID).
		AddTag("port", strconv.Itoa(int(port))).
		SetTime(ts)
	seen := map[string]int{}
	prefix := ""
	for _, f := range report.Parse(payload) {
		if f.Kind == sensornode.Tag {
			prefix = f.Key + "_"
			continue
		}
		if f.Kind == sensornode.Label {
			prefix = ""
		}
		key := prefix + f.Key
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s_%d", key, n)
		}
		switch f.Kind {
		case sensornode.Integer:
			p.AddField(key, f.Count)
		case sensornode.Label:
			p.AddField(key, f.Text)
		}
	}
	return p
}
