// Package monitor serves the node state over HTTP and streams every read
// iteration to websocket clients.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mklimuk/sensornode/sequencer"
	"github.com/mklimuk/sensornode/trace"
	"github.com/mklimuk/sensornode/transport"
)

var _ sequencer.Observer = &Server{}

// StatsSource provides the sequencer snapshot.
type StatsSource interface {
	Stats() sequencer.Stats
}

// Status is the body of GET /status.
type Status struct {
	Sequencer sequencer.Stats    `json:"sequencer"`
	Network   string             `json:"network"`
	Uplink    transport.Counters `json:"uplink"`
}

// Event is pushed to websocket clients after every read iteration.
type Event struct {
	Cycle     uint64            `json:"cycle"`
	Iteration int               `json:"iteration"`
	At        time.Time         `json:"at"`
	Payload   string            `json:"payload"`
	Statuses  map[string]string `json:"statuses"`
	Submit    string            `json:"submit,omitempty"`
}

// clientQueue is the number of events buffered per websocket client. A client
// that falls further behind misses events.
const clientQueue = 16

type Opt func(*Server)

// WithTrace exposes the trace store under /trace.
func WithTrace(store *trace.Store) Opt {
	return func(s *Server) {
		s.trace = store
	}
}

type Server struct {
	engine   *gin.Engine
	stats    StatsSource
	gate     *transport.Gate
	trace    *trace.Store
	upgrader websocket.Upgrader

	mx      sync.Mutex
	clients map[*client]struct{}
	dropped uint64
}

type client struct {
	conn   *websocket.Conn
	events chan Event
}

// write sends queued events until the queue is closed or a write fails.
func (c *client) write() {
	for ev := range c.events {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			slog.Debug("monitor client write failed", "error", err)
			// the read loop sees the closed conn and unregisters the client
			_ = c.conn.Close()
			for range c.events {
			}
			return
		}
	}
}

func New(stats StatsSource, gate *transport.Gate, opts ...Opt) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		stats: stats,
		gate:  gate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", s.handleStatus)
	r.GET("/trace", s.handleTrace)
	r.GET("/ws", s.handleWebSocket)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("monitor listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	st := Status{Sequencer: s.stats.Stats()}
	if s.gate != nil {
		st.Network = s.gate.Status()
		st.Uplink = s.gate.Counters()
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleTrace(c *gin.Context) {
	if s.trace == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	entries, err := s.trace.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, events: make(chan Event, clientQueue)}
	go cl.write()
	s.mx.Lock()
	s.clients[cl] = struct{}{}
	n := len(s.clients)
	s.mx.Unlock()
	slog.Debug("monitor client connected", "clients", n)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(cl)
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.clients)
}

// Dropped returns the number of events not queued because a client was
// too slow.
func (s *Server) Dropped() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.dropped
}

func (s *Server) ObserveIteration(ctx context.Context, it sequencer.Iteration) {
	ev := Event{
		Cycle:     it.Cycle,
		Iteration: it.Number,
		At:        it.At,
		Payload:   it.Payload,
		Statuses:  make(map[string]string, len(it.Outcomes)),
	}
	for _, o := range it.Outcomes {
		ev.Statuses[o.Sensor] = o.Status.String()
	}
	if it.SubmitErr != nil {
		ev.Submit = it.SubmitErr.Error()
	}
	s.broadcast(ev)
}

func (s *Server) broadcast(ev Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for cl := range s.clients {
		select {
		case cl.events <- ev:
		default:
			s.dropped++
		}
	}
}

func (s *Server) drop(cl *client) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.clients[cl]; ok {
		delete(s.clients, cl)
		close(cl.events)
		_ = cl.conn.Close()
	}
}

func (s *Server) closeClients() {
	s.mx.Lock()
	defer s.mx.Unlock()
	for cl := range s.clients {
		delete(s.clients, cl)
		close(cl.events)
		_ = cl.conn.Close()
	}
}
