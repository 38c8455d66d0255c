// Package monitor serves the live debugging stream over WebSocket. A
// connected client watches runtime notifications, selects a machine to get
// its context tree pushed on every change, and can inject events by hand.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/observer"
	"github.com/pialmmh/statemachine/pkg/registry"
	"github.com/pialmmh/statemachine/pkg/statemachine"
)

// Outbound and inbound message types on the wire.
const (
	MsgStateChange      = "STATE_CHANGE"
	MsgTimeoutCountdown = "TIMEOUT_COUNTDOWN"
	MsgTreeviewUpdate   = "TREEVIEW_STORE_UPDATE"
	MsgEvent            = "EVENT"
	MsgSelectMachine    = "SELECT_MACHINE"
	MsgLog              = "LOG"
)

// wireMessage is one monitor frame in either direction.
type wireMessage struct {
	Type       string          `json:"type"`
	RegistryID string          `json:"registryId,omitempty"`
	MachineID  string          `json:"machineId,omitempty"`
	EventType  string          `json:"eventType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`

	// STATE_CHANGE frames carry the notification verbatim.
	Notification *observer.Notification `json:"notification,omitempty"`

	// TREEVIEW_STORE_UPDATE frames carry the selected machine's context.
	State     string          `json:"state,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Remaining int64           `json:"remainingMs,omitempty"`
}

// Server is the monitoring WebSocket endpoint.
type Server struct {
	rt       *registry.RuntimeContext
	events   *statemachine.EventTypeRegistry
	upgrader websocket.Upgrader
	logger   core.Logger

	mu       sync.Mutex
	sessions map[*websocket.Conn]*session
	listener net.Listener
	httpSrv  *http.Server
	closed   bool
}

// session is one connected monitor client.
type session struct {
	conn   *websocket.Conn
	server *Server
	sub    *observer.Subscription

	writeMu sync.Mutex

	mu         sync.Mutex
	registryID string
	machineID  string
	debug      bool

	done chan struct{}
}

// NewServer creates a monitor server. eventTypes maps inbound EVENT frames
// to typed payloads; pass nil to deliver raw JSON payloads.
func NewServer(rt *registry.RuntimeContext, eventTypes *statemachine.EventTypeRegistry, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Server{
		rt:     rt,
		events: eventTypes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger,
		sessions: make(map[*websocket.Conn]*session),
	}
}

// Start listens on the given port and serves until Stop. Port 0 picks a free
// port; Addr reports the bound address.
func (s *Server) Start(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.mu.Lock()
	s.listener = l
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("monitor server stopped: %v", err)
		}
	}()
	s.logger.Infof("monitor listening on %s", l.Addr())
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("monitor upgrade failed: %v", err)
		return
	}

	sess := &session{
		conn:   conn,
		server: s,
		sub:    s.rt.Observers.Subscribe(0),
		done:   make(chan struct{}),
	}
	sess.debug = r.URL.Query().Get("debug") == "true"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.sub.Unsubscribe()
		conn.Close()
		return
	}
	s.sessions[conn] = sess
	s.mu.Unlock()

	go sess.pump()
	go sess.read()
}

func (s *Server) removeSession(conn *websocket.Conn) {
	s.mu.Lock()
	sess, ok := s.sessions[conn]
	delete(s.sessions, conn)
	s.mu.Unlock()

	if ok {
		close(sess.done)
		sess.sub.Unsubscribe()
		conn.Close()
	}
}

// Stop closes all sessions and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*websocket.Conn]*session)
	srv := s.httpSrv
	s.mu.Unlock()

	for _, sess := range sessions {
		close(sess.done)
		sess.sub.Unsubscribe()
		sess.conn.Close()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// pump forwards runtime notifications to the client and, in debug mode,
// ticks the selected machine's timeout countdown once a second.
func (sess *session) pump() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case n, ok := <-sess.sub.C():
			if !ok {
				return
			}
			sess.forward(n)
		case <-ticker.C:
			sess.countdown()
		}
	}
}

func (sess *session) forward(n observer.Notification) {
	notif := n
	sess.write(&wireMessage{
		Type:         string(n.Type),
		RegistryID:   n.RegistryID,
		MachineID:    n.MachineID,
		EventType:    n.EventType,
		Notification: &notif,
	})

	// The selected machine additionally streams its context tree on every
	// recorded change.
	sess.mu.Lock()
	selected := sess.registryID == n.RegistryID && sess.machineID == n.MachineID
	sess.mu.Unlock()
	if selected {
		switch n.Type {
		case observer.NotifyStateChange, observer.NotifyStayAction, observer.NotifyTimeout, observer.NotifyMachineRehydrated:
			sess.sendTreeview(n.RegistryID, n.MachineID)
		}
	}
}

func (sess *session) sendTreeview(registryID, machineID string) {
	reg, ok := sess.server.rt.Registry(registryID)
	if !ok {
		return
	}
	m, ok := reg.Machine(machineID)
	if !ok {
		return
	}
	contextJSON, err := core.JSONEncode(m.Context())
	if err != nil {
		sess.server.logger.Warnf("monitor: context of %s not encodable: %v", machineID, err)
		return
	}
	sess.write(&wireMessage{
		Type:       MsgTreeviewUpdate,
		RegistryID: registryID,
		MachineID:  machineID,
		State:      m.CurrentState(),
		Version:    m.Version(),
		Context:    contextJSON,
	})
}

func (sess *session) countdown() {
	sess.mu.Lock()
	registryID, machineID, debug := sess.registryID, sess.machineID, sess.debug
	sess.mu.Unlock()
	if !debug || machineID == "" {
		return
	}

	reg, ok := sess.server.rt.Registry(registryID)
	if !ok {
		return
	}
	m, ok := reg.Machine(machineID)
	if !ok {
		return
	}
	cfg, ok := reg.Definition().State(m.CurrentState())
	if !ok || cfg.Timeout == nil {
		return
	}
	remaining := cfg.Timeout.Duration - time.Since(m.LastStateChange())
	if remaining < 0 {
		remaining = 0
	}
	sess.write(&wireMessage{
		Type:       MsgTimeoutCountdown,
		RegistryID: registryID,
		MachineID:  machineID,
		State:      m.CurrentState(),
		Remaining:  remaining.Milliseconds(),
	})
}

func (sess *session) read() {
	defer sess.server.removeSession(sess.conn)

	for {
		var msg wireMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.server.logger.Errorf("monitor read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case MsgEvent:
			sess.handleEvent(&msg)
		case MsgSelectMachine:
			sess.handleSelect(&msg)
		case MsgLog:
			sess.server.logger.Infof("monitor client: %s", msg.Message)
		default:
			sess.writeError(&msg, fmt.Sprintf("unknown message type: %s", msg.Type))
		}
	}
}

// handleEvent injects a hand-written event into a machine, decoding the
// payload into its registered type when one is known.
func (sess *session) handleEvent(msg *wireMessage) {
	reg, ok := sess.server.rt.Registry(msg.RegistryID)
	if !ok {
		sess.writeError(msg, "unknown registry "+msg.RegistryID)
		return
	}
	if msg.EventType == "" {
		sess.writeError(msg, "event type cannot be empty")
		return
	}

	var payload interface{}
	if len(msg.Payload) > 0 {
		if sess.server.events != nil {
			payload = sess.server.events.NewPayload(msg.EventType)
		}
		if payload != nil {
			if err := core.JSONDecode(msg.Payload, payload); err != nil {
				sess.writeError(msg, fmt.Sprintf("payload decode failed: %v", err))
				return
			}
		} else {
			raw := map[string]interface{}{}
			if err := core.JSONDecode(msg.Payload, &raw); err != nil {
				sess.writeError(msg, fmt.Sprintf("payload decode failed: %v", err))
				return
			}
			payload = raw
		}
	}

	res := reg.SendEvent(context.Background(), msg.MachineID, statemachine.NewEvent(msg.EventType, payload))
	if res.Status != registry.SendAccepted {
		sess.writeError(msg, res.Reason)
		return
	}
	sess.write(&wireMessage{Type: MsgEvent, MachineID: msg.MachineID, Message: "accepted"})
}

func (sess *session) handleSelect(msg *wireMessage) {
	sess.mu.Lock()
	sess.registryID = msg.RegistryID
	sess.machineID = msg.MachineID
	sess.mu.Unlock()
	sess.sendTreeview(msg.RegistryID, msg.MachineID)
}

func (sess *session) write(msg *wireMessage) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteJSON(msg); err != nil {
		sess.server.logger.Debugf("monitor write failed: %v", err)
	}
}

func (sess *session) writeError(msg *wireMessage, errText string) {
	sess.write(&wireMessage{Type: msg.Type, MachineID: msg.MachineID, Error: errText})
}
