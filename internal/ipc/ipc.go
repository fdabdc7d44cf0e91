// Package ipc implements the daemon's local-domain-socket protocol:
// newline-delimited JSON request/response envelopes, plus a streaming
// subscribe_events operation. It also exposes a secondary HTTP surface
// (/healthz, /metrics, /debug/status) for operational tooling that expects
// plain HTTP rather than a Unix socket.
//
// Grounded on cmd/socket-gateway/main.go's global-component accept loop
// (one goroutine per connection, dispatch into shared singletons) and
// internal/api/server.go's gorilla/mux HTTP surface for the secondary port.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/rcomp/internal/errors"
	"github.com/ocx/rcomp/internal/eventbus"
)

// APIVersion is the envelope's fixed protocol version string.
const APIVersion = "1"

// Envelope is one client request frame.
type Envelope struct {
	APIVersion string          `json:"api_version"`
	RequestID  string          `json:"request_id"`
	Op         string          `json:"op"`
	Params     json.RawMessage `json:"params"`
}

// ErrorPayload is the response envelope's error half.
type ErrorPayload struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation []string `json:"remediation"`
	Category    string   `json:"category"`
}

// Response is one server response frame.
type Response struct {
	APIVersion string          `json:"api_version"`
	RequestID  string          `json:"request_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      *ErrorPayload   `json:"error,omitempty"`
}

// HandlerFunc serves one operation, returning the result to marshal into
// Response.Data, or a catalog error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *errors.Error)

// Dispatcher routes an Envelope.Op to its HandlerFunc.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds op to handler. Registering the same op twice panics — a
// caller bug at daemon wiring time, not a runtime condition.
func (d *Dispatcher) Register(op string, handler HandlerFunc) {
	if _, exists := d.handlers[op]; exists {
		panic("ipc: duplicate operation " + op)
	}
	d.handlers[op] = handler
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) Response {
	resp := Response{APIVersion: APIVersion, RequestID: env.RequestID}
	handler, ok := d.handlers[env.Op]
	if !ok {
		resp.Success = false
		resp.Error = &ErrorPayload{Code: "RCH-E501", Message: "unknown operation: " + env.Op, Category: string(errors.CategoryInternal)}
		return resp
	}

	data, err := handler(ctx, env.Params)
	if err != nil {
		resp.Success = false
		resp.Error = &ErrorPayload{Code: err.Code, Message: err.Message, Remediation: err.Remediation, Category: string(err.Category)}
		return resp
	}

	raw, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		resp.Success = false
		resp.Error = &ErrorPayload{Code: "RCH-E500", Message: "marshaling response: " + marshalErr.Error(), Category: string(errors.CategoryInternal)}
		return resp
	}
	resp.Success = true
	resp.Data = raw
	return resp
}

// subscribeOp is the one operation the Unix-socket server handles outside
// the normal request/response cycle: it holds the connection open and
// streams events until the client disconnects.
const subscribeOp = "subscribe_events"

// Server serves the daemon's Unix-socket NDJSON protocol.
type Server struct {
	socketPath string
	dispatcher *Dispatcher
	bus        *eventbus.Bus

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server bound to socketPath, dispatcher, and bus (used
// only for subscribe_events streaming).
func NewServer(socketPath string, dispatcher *Dispatcher, bus *eventbus.Bus) *Server {
	return &Server{socketPath: socketPath, dispatcher: dispatcher, bus: bus}
}

// Listen opens the Unix domain socket, removing a stale socket file left
// behind by a crashed prior daemon instance first.
func (s *Server) Listen() error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listening on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("ipc: Listen was not called")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			writeResponse(conn, Response{
				APIVersion: APIVersion, Success: false,
				Error: &ErrorPayload{Code: "RCH-E501", Message: "malformed request: " + err.Error(), Category: string(errors.CategoryInternal)},
			})
			continue
		}

		if env.Op == subscribeOp {
			s.streamEvents(ctx, conn, env)
			return
		}

		resp := s.dispatcher.dispatch(ctx, env)
		writeResponse(conn, resp)
	}
}

func (s *Server) streamEvents(ctx context.Context, conn net.Conn, env Envelope) {
	if s.bus == nil {
		writeResponse(conn, Response{APIVersion: APIVersion, RequestID: env.RequestID, Success: false,
			Error: &ErrorPayload{Code: "RCH-E501", Message: "event bus unavailable", Category: string(errors.CategoryInternal)}})
		return
	}
	sub := s.bus.Subscribe(eventbus.MinBufferSize)
	defer sub.Cancel()

	ack := Response{APIVersion: APIVersion, RequestID: env.RequestID, Success: true}
	writeResponse(conn, ack)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			raw, err := event.JSON()
			if err != nil {
				continue
			}
			if _, err := conn.Write(append(raw, '\n')); err != nil {
				return
			}
		}
	}
}

func writeResponse(conn net.Conn, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Error("ipc: marshaling response", "error", err)
		return
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		slog.Warn("ipc: writing response", "error", err)
	}
}

// HTTPServer serves /healthz, /metrics, and /debug/status on a plain TCP
// port, complementing the Unix-socket protocol for tooling (load balancer
// health checks, Prometheus scraping) that cannot speak NDJSON-over-a-socket.
type HTTPServer struct {
	addr       string
	statusFunc func() interface{}
}

// NewHTTPServer creates an HTTPServer bound to addr; statusFunc supplies the
// /debug/status payload on each request.
func NewHTTPServer(addr string, statusFunc func() interface{}) *HTTPServer {
	return &HTTPServer{addr: addr, statusFunc: statusFunc}
}

// Router builds the gorilla/mux router backing the HTTP surface.
func (h *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/debug/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.statusFunc())
	}).Methods("GET")
	return r
}

// ListenAndServe starts the HTTP surface; it blocks until ctx is cancelled.
func (h *HTTPServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: h.addr, Handler: h.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
