package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/nornicmem/pkg/pool"
)

// State is one of the server's lifecycle states (SPEC_FULL §4.7).
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EventKind classifies a LifecycleEvent (SPEC_FULL §3.1).
type EventKind string

const (
	EventStart            EventKind = "start"
	EventStop             EventKind = "stop"
	EventClientConnect    EventKind = "client_connect"
	EventClientDisconnect EventKind = "client_disconnect"
	EventClientRejected   EventKind = "client_rejected"
	EventError            EventKind = "error"
)

// LifecycleEvent is published to local subscribers, never to clients.
type LifecycleEvent struct {
	Kind      EventKind
	Timestamp time.Time
	Fields    map[string]any
}

// EventSink receives LifecycleEvents through Publish. When Config.Events is
// nil the server uses nopSink, which discards every event; pkg/obs.Bus
// satisfies this interface and fans events out to its subscribers.
type EventSink interface {
	Publish(LifecycleEvent)
}

type nopSink struct{}

func (nopSink) Publish(LifecycleEvent) {}

// Config configures a Server. Zero values fall back to the defaults noted
// per field (SPEC_FULL §4.7/§6).
type Config struct {
	// SocketPath is the Unix domain socket path. Default "/tmp/nornicmem.sock".
	SocketPath string
	// MaxClients bounds concurrent connections. Default 10.
	MaxClients int
	// KeepaliveInterval is reset on read/write activity; expiry closes the
	// connection. Default 30s.
	KeepaliveInterval time.Duration
	// GracefulShutdown bounds how long Stop waits for clients to drain
	// before force-closing them. Default 5000ms.
	GracefulShutdown time.Duration
	// Events receives lifecycle events. Defaults to a no-op sink.
	Events EventSink
	// Metrics records one observation per dispatched request. Nil disables
	// recording; a real observability backend (pkg/obs.Metrics) satisfies
	// this interface without pkg/ipc importing that package.
	Metrics RequestMetrics
}

// RequestMetrics receives one observation per dispatched JSON-RPC request.
type RequestMetrics interface {
	RecordRequest(ctx context.Context, service, method string, duration time.Duration, errCode int)
}

type nopMetrics struct{}

func (nopMetrics) RecordRequest(context.Context, string, string, time.Duration, int) {}

func (c Config) withDefaults() Config {
	if c.SocketPath == "" {
		c.SocketPath = "/tmp/nornicmem.sock"
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 10
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.GracefulShutdown <= 0 {
		c.GracefulShutdown = 5000 * time.Millisecond
	}
	if c.Events == nil {
		c.Events = nopSink{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Server is the JSON-RPC-over-Unix-socket IPC server (SPEC_FULL §4.7).
type Server struct {
	cfg      Config
	registry *Registry

	state    atomic.Int32
	listener net.Listener

	mu      sync.Mutex
	clients map[string]*connection

	wg sync.WaitGroup
}

// NewServer composes a Server over registry. Call Start to begin accepting
// connections.
func NewServer(cfg Config, registry *Registry) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		registry: registry,
		clients:  make(map[string]*connection),
	}
}

// State returns the server's current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// Start transitions stopped -> starting -> running, removing a stale
// socket file if present and beginning the accept loop in a background
// goroutine. It is an error to Start a server that is not stopped.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("ipc: cannot start server in state %s", s.State())
	}

	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("ipc: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("ipc: listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = listener
	s.state.Store(int32(StateRunning))
	s.cfg.Events.Publish(LifecycleEvent{Kind: EventStart, Timestamp: time.Now(), Fields: map[string]any{"socket": s.cfg.SocketPath}})

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// removeStaleSocket deletes path if it exists and looks like a leftover
// Unix socket file, so a prior unclean shutdown doesn't block Start.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(path)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.State() == StateStopping || s.State() == StateStopped {
				return
			}
			s.cfg.Events.Publish(LifecycleEvent{Kind: EventError, Timestamp: time.Now(), Fields: map[string]any{"error": err.Error()}})
			continue
		}

		s.mu.Lock()
		full := len(s.clients) >= s.cfg.MaxClients
		s.mu.Unlock()
		if full {
			s.rejectConnection(conn)
			continue
		}

		c := s.newConnection(conn)
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()
		s.cfg.Events.Publish(LifecycleEvent{Kind: EventClientConnect, Timestamp: time.Now(), Fields: map[string]any{"connectionId": c.id}})

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.clients, c.id)
			s.mu.Unlock()
			s.cfg.Events.Publish(LifecycleEvent{Kind: EventClientDisconnect, Timestamp: time.Now(), Fields: map[string]any{"connectionId": c.id}})
		}()
	}
}

// rejectConnection writes a structured MAX_CLIENTS_EXCEEDED error and
// closes conn without registering it (SPEC_FULL §4.7).
func (s *Server) rejectConnection(conn net.Conn) {
	resp := newError(nil, CodeImplementationBandStart, "MAX_CLIENTS_EXCEEDED", map[string]any{"maxClients": s.cfg.MaxClients})
	if line, err := json.Marshal(resp); err == nil {
		conn.Write(append(line, '\n'))
	}
	conn.Close()
	s.cfg.Events.Publish(LifecycleEvent{Kind: EventClientRejected, Timestamp: time.Now(), Fields: map[string]any{"maxClients": s.cfg.MaxClients}})
}

// Stop transitions running -> stopping -> stopped, notifying connected
// clients and waiting up to cfg.GracefulShutdown for them to drain before
// force-closing the rest.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("ipc: cannot stop server in state %s", s.State())
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.notifyShutdown()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(s.cfg.GracefulShutdown):
		s.mu.Lock()
		for _, c := range s.clients {
			c.conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	s.state.Store(int32(StateStopped))
	s.cfg.Events.Publish(LifecycleEvent{Kind: EventStop, Timestamp: time.Now()})
	os.Remove(s.cfg.SocketPath)
	return nil
}

// connection is one client's read/dispatch/write loop.
type connection struct {
	id           string
	conn         net.Conn
	server       *Server
	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix nanos
	closed       atomic.Bool
}

func (s *Server) newConnection(conn net.Conn) *connection {
	c := &connection{id: uuid.NewString(), conn: conn, server: s}
	c.touch()
	return c
}

func (c *connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// serve runs the newline-delimited read/dispatch/write loop until the
// connection closes, an oversize or malformed frame arrives, or the
// keepalive timer expires.
func (c *connection) serve() {
	defer c.closed.Store(true)
	defer c.conn.Close()

	keepalive := time.NewTimer(c.server.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	lineCh := make(chan []byte)
	errCh := make(chan error, 1)
	go c.readLines(lineCh, errCh)

	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				return
			}
			c.touch()
			c.handleLine(line)
			// Reset after handleLine so both the read and the reply it
			// wrote count as activity.
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(c.server.cfg.KeepaliveInterval)
		case err := <-errCh:
			if err != nil && !errors.Is(err, io.EOF) {
				c.server.cfg.Events.Publish(LifecycleEvent{Kind: EventError, Timestamp: time.Now(), Fields: map[string]any{"connectionId": c.id, "error": err.Error()}})
			}
			return
		case <-keepalive.C:
			return
		}
	}
}

// readLines feeds newline-delimited frames from the connection into lineCh
// until EOF or error. Lines are accumulated in a pooled buffer (bounded
// allocations across many short-lived connections) since bufio's own
// internal buffer is far smaller than MaxMessageBytes; a frame exceeding
// MaxMessageBytes is discarded and answered with Invalid Request rather
// than ever being handed to the dispatcher.
func (c *connection) readLines(lineCh chan<- []byte, errCh chan<- error) {
	defer close(lineCh)
	bufPtr := pool.GetFrameBuffer()
	acc := (*bufPtr)[:0]
	defer func() { *bufPtr = acc[:0]; pool.PutFrameBuffer(bufPtr) }()

	reader := bufio.NewReaderSize(c.conn, 64*1024)
	discarding := false // skipping the rest of an oversize line
	for {
		chunk, err := reader.ReadSlice('\n')
		if discarding {
			switch {
			case err == nil:
				discarding = false
			case errors.Is(err, bufio.ErrBufferFull):
			default:
				errCh <- err
				return
			}
			continue
		}
		acc = append(acc, chunk...)

		if len(acc) > MaxMessageBytes {
			acc = acc[:0]
			c.writeResponse(newError(nil, CodeInvalidRequest, "Invalid Request", map[string]any{"reason": "oversize message"}))
			if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
				errCh <- err
				return
			}
			discarding = err != nil
			continue
		}

		switch {
		case err == nil:
			frame := make([]byte, len(acc))
			copy(frame, acc)
			lineCh <- frame
			acc = acc[:0]
		case errors.Is(err, bufio.ErrBufferFull):
			// partial line; bufio's internal buffer filled before hitting
			// '\n', keep accumulating into acc and read more.
		default:
			errCh <- err
			return
		}
	}
}

// handleLine dispatches one newline-framed message, which is either a
// single Request object or a JSON array of Requests (a batch, SPEC_FULL
// §6). Batches dispatch sequentially on the connection's own goroutine and
// reply with a single array mirroring the batch, notifications omitted.
func (c *connection) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		c.handleBatch(trimmed)
		return
	}
	c.handleSingle(trimmed)
}

func (c *connection) handleSingle(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		c.writeResponse(newError(nil, CodeParseError, "Parse error", nil))
		return
	}
	if resp, ok := c.dispatch(req); ok {
		c.writeResponse(resp)
	}
}

func (c *connection) handleBatch(line []byte) {
	var reqs []Request
	if err := json.Unmarshal(line, &reqs); err != nil {
		c.writeResponse(newError(nil, CodeParseError, "Parse error", nil))
		return
	}
	if len(reqs) == 0 {
		c.writeResponse(newError(nil, CodeInvalidRequest, "Invalid Request", nil))
		return
	}
	responses := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		if resp, ok := c.dispatch(req); ok {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		// Every request in the batch was a notification; JSON-RPC 2.0
		// says nothing is sent back in that case.
		return
	}
	c.writeBatchResponse(responses)
}

// dispatch runs one Request through validation, state check, the registry,
// and metrics recording, returning the Response to send and whether one
// should be sent at all (false for notifications).
func (c *connection) dispatch(req Request) (Response, bool) {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return newError(req.ID, CodeInvalidRequest, "Invalid Request", nil), !req.IsNotification()
	}

	if c.server.State() != StateRunning {
		resp := newError(req.ID, CodeImplementationBandStart, "server is not running", map[string]any{"state": c.server.State().String()})
		return resp, !req.IsNotification()
	}

	start := time.Now()
	result, errObj := c.server.registry.Dispatch(req.Method, req.Params)
	service, method, _ := splitMethod(req.Method)
	errCode := 0
	if errObj != nil {
		errCode = errObj.Code
	}
	c.server.cfg.Metrics.RecordRequest(context.Background(), service, method, time.Since(start), errCode)

	if req.IsNotification() {
		return Response{}, false
	}
	if errObj != nil {
		return Response{JSONRPC: "2.0", Error: errObj, ID: req.ID}, true
	}
	return newResult(req.ID, result), true
}

// writeResponse marshals resp and writes it newline-terminated. Writes to
// an already-closed connection are tolerated, not thrown (SPEC_FULL §4.7).
func (c *connection) writeResponse(resp Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.writeLine(line)
}

// writeBatchResponse marshals resps as a single JSON array, mirroring the
// batch request it answers (SPEC_FULL §6).
func (c *connection) writeBatchResponse(resps []Response) {
	line, err := json.Marshal(resps)
	if err != nil {
		return
	}
	c.writeLine(line)
}

func (c *connection) writeLine(line []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.conn.Write(append(line, '\n'))
	c.touch()
}

// notifyShutdown sends a best-effort shutdown notification before the
// server force-closes lagging connections.
func (c *connection) notifyShutdown() {
	notice := map[string]any{"jsonrpc": "2.0", "method": "server.shutdown", "params": map[string]any{}}
	if line, err := json.Marshal(notice); err == nil {
		c.writeMu.Lock()
		if !c.closed.Load() {
			c.conn.Write(append(line, '\n'))
		}
		c.writeMu.Unlock()
	}
}

