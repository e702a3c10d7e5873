package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sequencer"
	"github.com/mklimuk/sensornode/trace"
	"github.com/mklimuk/sensornode/transport"
)

type staticStats sequencer.Stats

func (s staticStats) Stats() sequencer.Stats {
	return sequencer.Stats(s)
}

func TestServer_Status(t *testing.T) {
	uplink := transport.NewSimulated()
	gate := transport.NewGate(uplink)
	_ = gate.Submit(context.Background(), []byte("temp:2100 "))
	s := New(staticStats{State: "reading", Cycle: 3, Iteration: 2}, gate)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "reading", st.Sequencer.State)
	assert.Equal(t, uint64(3), st.Sequencer.Cycle)
	assert.Equal(t, "Not initialized", st.Network)
	assert.Equal(t, uint64(1), st.Uplink.Skipped)
	assert.Equal(t, "skipped", st.Uplink.Last)
}

func TestServer_Trace(t *testing.T) {
	store, err := trace.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Record(context.Background(), sequencer.Iteration{Cycle: 1, Number: 1, At: time.Now(), Payload: "lux:100 "}))

	tests := []struct {
		name  string
		opts  []Opt
		query string
		code  int
	}{
		{name: "disabled", query: "/trace", code: http.StatusNotFound},
		{name: "bad limit", opts: []Opt{WithTrace(store)}, query: "/trace?limit=x", code: http.StatusBadRequest},
		{name: "ok", opts: []Opt{WithTrace(store)}, query: "/trace?limit=5", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(staticStats{}, nil, tt.opts...)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.query, nil))
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"payload":"lux:100 "`)
			}
		})
	}
}

func TestServer_WebSocketBroadcast(t *testing.T) {
	s := New(staticStats{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.ObserveIteration(context.Background(), sequencer.Iteration{
		Cycle: 2, Number: 4, At: time.Now(),
		Payload:   "temp:2345 ",
		Outcomes:  []sequencer.Outcome{{Sensor: "sht45", Status: sensornode.StatusOk}},
		SubmitErr: transport.ErrNotJoined,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, uint64(2), ev.Cycle)
	assert.Equal(t, 4, ev.Iteration)
	assert.Equal(t, "temp:2345 ", ev.Payload)
	assert.Equal(t, map[string]string{"sht45": "ok"}, ev.Statuses)
	assert.Equal(t, "network not joined", ev.Submit)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_SlowClientMissesEvents(t *testing.T) {
	s := New(staticStats{}, nil)
	// registered without a writer, so its queue never drains
	stuck := &client{events: make(chan Event, clientQueue)}
	s.mx.Lock()
	s.clients[stuck] = struct{}{}
	s.mx.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= clientQueue+3; i++ {
			s.ObserveIteration(context.Background(), sequencer.Iteration{Cycle: 1, Number: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer blocked on a slow client")
	}

	assert.Equal(t, uint64(3), s.Dropped())
	assert.Len(t, stuck.events, clientQueue)
	first := <-stuck.events
	assert.Equal(t, 1, first.Iteration, "oldest events are kept")
}
