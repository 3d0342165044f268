// Package adminsock — server.go
//
// Unix domain socket server for agentrun operator control.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/agentrun/admin.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"trip"}
//	  → Trips the kill switch, blocking all future run admission.
//	  → Response: {"ok":true}
//
//	{"cmd":"reset_kill_switch"}
//	  → Clears the kill switch.
//	  → Response: {"ok":true}
//
//	{"cmd":"status","tenant_id":"t1"}
//	  → Returns a tenant's in-flight count and circuit state (idle time
//	    is not reported). False and zero fields are omitted.
//	  → Response: {"ok":true,"tenant_id":"t1","circuit_open":true,"in_flight":1}
//
//	{"cmd":"reset_tenant","tenant_id":"t1"}
//	  → Drops a tenant's in-memory bookkeeping, clearing its budget
//	    history and circuit breaker state. Does not affect the durable
//	    audit ledger.
//	  → Response: {"ok":true,"tenant_id":"t1"}
//
//	{"cmd":"list"}
//	  → Returns every tenant currently tracked in memory.
//	  → Response: {"ok":true,"tenants":["t1","t2"]}
//
// This is optional ops tooling wired only by cmd/agentrun — the
// scheduler and executor never import this package.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections bounded (operator use only, not
//     high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - trip, reset_kill_switch and reset_tenant are recorded to the audit
//     trail; status and list are not.
package adminsock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/flowreflex/agentrun/internal/audit"
	"github.com/flowreflex/agentrun/internal/breaker"
	"github.com/flowreflex/agentrun/internal/killswitch"
	"github.com/flowreflex/agentrun/internal/tenant"
)

const (
	maxRequestBytes = 4096
	connTimeout     = 10 * time.Second
)

// Request is the JSON structure for admin socket commands.
type Request struct {
	Cmd      string `json:"cmd"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Response is the JSON structure for admin socket responses.
type Response struct {
	OK          bool     `json:"ok"`
	Error       string   `json:"error,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	CircuitOpen bool     `json:"circuit_open,omitempty"`
	InFlight    int      `json:"in_flight,omitempty"`
	Tenants     []string `json:"tenants,omitempty"`
}

// Server is the admin Unix domain socket server.
type Server struct {
	socketPath string
	tenants    *tenant.Store
	kill       *killswitch.KillSwitch
	emitter    *audit.Emitter
	log        *zap.Logger
	sem        chan struct{}
	circuitCfg breaker.Config
}

// NewServer creates an admin Server.
func NewServer(
	socketPath string,
	maxConnections int,
	tenants *tenant.Store,
	kill *killswitch.KillSwitch,
	emitter *audit.Emitter,
	circuitCfg breaker.Config,
	log *zap.Logger,
) *Server {
	return &Server{
		socketPath: socketPath,
		tenants:    tenants,
		kill:       kill,
		emitter:    emitter,
		circuitCfg: circuitCfg,
		log:        log,
		sem:        make(chan struct{}, maxConnections),
	}
}

// ListenAndServe starts the admin socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminsock: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("adminsock: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminsock: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("adminsock: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("adminsock: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("adminsock: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("adminsock: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "trip":
		return s.cmdTrip()
	case "reset_kill_switch":
		return s.cmdResetKillSwitch()
	case "status":
		return s.cmdStatus(req)
	case "reset_tenant":
		return s.cmdResetTenant(req)
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdTrip() Response {
	s.kill.Trip()
	s.log.Warn("adminsock: kill switch tripped by operator")
	s.emitter.Emit(audit.Event{Type: "kill_switch_tripped"})
	return Response{OK: true}
}

func (s *Server) cmdResetKillSwitch() Response {
	s.kill.Reset()
	s.log.Info("adminsock: kill switch reset by operator")
	s.emitter.Emit(audit.Event{Type: "kill_switch_reset"})
	return Response{OK: true}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.TenantID == "" {
		return Response{OK: false, Error: "tenant_id required for status"}
	}
	st, ok := s.tenants.Get(tenant.TenantID(req.TenantID))
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("tenant %q not tracked", req.TenantID)}
	}
	open, _ := st.CircuitOpen()
	return Response{OK: true, TenantID: req.TenantID, CircuitOpen: open, InFlight: st.InFlight()}
}

func (s *Server) cmdResetTenant(req Request) Response {
	if req.TenantID == "" {
		return Response{OK: false, Error: "tenant_id required for reset_tenant"}
	}
	s.tenants.Remove(tenant.TenantID(req.TenantID))
	s.log.Info("adminsock: tenant state reset by operator", zap.String("tenant_id", req.TenantID))
	s.emitter.Emit(audit.Event{Type: "tenant_reset", TenantID: req.TenantID})
	return Response{OK: true, TenantID: req.TenantID}
}

func (s *Server) cmdList() Response {
	ids := s.tenants.ListAll()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return Response{OK: true, Tenants: out}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
