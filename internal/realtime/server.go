// Package realtime bridges UI clients to the session supervisor over a
// WebSocket, and exposes the workspace store and port reclaimer over REST.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clihub/internal/ports"
	"clihub/internal/protocol"
	"clihub/internal/scripts"
	"clihub/internal/session"
	"clihub/internal/store"
	"clihub/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Sessions is the part of session.Manager the bridge drives.
type Sessions interface {
	Start(id, command, workDir string) (session.StartResult, error)
	Write(id string, data []byte)
	Resize(id string, cols, rows uint16)
	Interrupt(id string) session.Ack
	Stop(id string) session.Ack
	Status(id string) session.ProcessStatus
	Get(id string) (session.Session, bool)
	List() []session.Session
	Scrollback(id string) []byte
}

// Ports is the part of ports.Reclaimer the bridge drives.
type Ports interface {
	List(ctx context.Context) []ports.Entry
	Free(ctx context.Context, port, pid int) ports.FreeResult
}

// Config holds the collaborators of a Server. Store and Watcher may be nil.
type Config struct {
	Sessions  Sessions
	Ports     Ports
	Store     *store.Store
	Watcher   *watcher.Watcher
	StaticDir string
	Logger    *slog.Logger
}

// Server manages WebSocket connections and routes messages between
// clients, the session manager, and the port reclaimer.
type Server struct {
	sessions  Sessions
	ports     Ports
	store     *store.Store
	watch     *watcher.Watcher
	staticDir string
	logger    *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// carry holds a trailing partial UTF-8 sequence per session until the
	// next chunk completes it.
	carry   map[string][]byte
	carryMu sync.Mutex

	// ctx bounds background port operations; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions:  cfg.Sessions,
		ports:     cfg.Ports,
		store:     cfg.Store,
		watch:     cfg.Watcher,
		staticDir: cfg.StaticDir,
		logger:    logger,
		clients:   make(map[*client]bool),
		carry:     make(map[string][]byte),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close cancels in-flight port operations and disconnects every client.
func (s *Server) Close() {
	s.cancel()

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleStopSession)

	mux.HandleFunc("GET /ports", s.handleListPorts)
	mux.HandleFunc("POST /ports/{port}/free", s.handleFreePort)

	mux.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	mux.HandleFunc("POST /workspaces", s.handleAddWorkspace)
	mux.HandleFunc("PATCH /workspaces/{id}", s.handleUpdateWorkspace)
	mux.HandleFunc("DELETE /workspaces/{id}", s.handleDeleteWorkspace)
	mux.HandleFunc("GET /workspaces/{id}/scripts", s.handleWorkspaceScripts)
	mux.HandleFunc("GET /workspaces/{id}/commands", s.handleListCommands)
	mux.HandleFunc("POST /workspaces/{id}/commands", s.handleAddCommand)
	mux.HandleFunc("PATCH /workspaces/{id}/commands/{cmdId}", s.handleUpdateCommand)
	mux.HandleFunc("DELETE /workspaces/{id}/commands/{cmdId}", s.handleDeleteCommand)

	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("POST /templates", s.handleAddTemplate)
	mux.HandleFunc("PATCH /templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /templates/{id}", s.handleDeleteTemplate)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Bring the new client up to date with sessions started before it.
	s.sendSessionState(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionState sends the status and scrollback of every live session.
func (s *Server) sendSessionState(c *client) {
	for _, sess := range s.sessions.List() {
		s.sendTo(c, protocol.TypeProcessStatus, protocol.ProcessStatusPayload{
			SessionID: sess.ID,
			IsRunning: true,
			PID:       sess.PID,
		})
		if history := trimPartialRunes(s.sessions.Scrollback(sess.ID)); len(history) > 0 {
			s.sendTo(c, protocol.TypeTerminalData, protocol.TerminalDataPayload{
				SessionID: sess.ID,
				Data:      string(history),
				Replay:    true,
			})
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeProcessStart:
		s.handleWSStart(c, msg)
	case protocol.TypeProcessInterrupt, protocol.TypeProcessStop:
		s.handleWSTeardown(c, msg)
	case protocol.TypeProcessQuery:
		s.handleWSStatus(c, msg)
	case protocol.TypeTerminalWrite:
		var p protocol.TerminalWritePayload
		json.Unmarshal(msg.Payload, &p)
		s.sessions.Write(p.SessionID, []byte(p.Data))
	case protocol.TypeTerminalResize:
		var p protocol.TerminalResizePayload
		json.Unmarshal(msg.Payload, &p)
		s.sessions.Resize(p.SessionID, p.Cols, p.Rows)
	case protocol.TypePortsQuery:
		s.handleWSListPorts(c)
	case protocol.TypePortsFree:
		s.handleWSFreePort(c, msg)
	}
}

func (s *Server) handleWSStart(c *client, msg *protocol.Message) {
	var p protocol.ProcessStartPayload
	json.Unmarshal(msg.Payload, &p)

	res, err := s.sessions.Start(p.SessionID, p.Command, p.Cwd)
	if err != nil {
		s.sendError(c, startErrorCode(err), err.Error())
		return
	}
	s.sendTo(c, protocol.TypeProcessStarted, protocol.ProcessStartedPayload{
		SessionID: res.ID,
		PID:       res.PID,
		Status:    res.Status,
	})
}

func startErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrWorkDir):
		return protocol.ErrInvalidWorkDir
	case errors.Is(err, session.ErrShuttingDown):
		return protocol.ErrShuttingDown
	default:
		return protocol.ErrSpawnFailed
	}
}

func (s *Server) handleWSTeardown(c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &p)

	var ack session.Ack
	if msg.Type == protocol.TypeProcessInterrupt {
		ack = s.sessions.Interrupt(p.SessionID)
	} else {
		ack = s.sessions.Stop(p.SessionID)
	}
	s.sendTo(c, protocol.TypeProcessAck, protocol.ProcessAckPayload{
		SessionID: ack.ID,
		Status:    ack.Status,
	})
}

func (s *Server) handleWSStatus(c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &p)

	st := s.sessions.Status(p.SessionID)
	s.sendTo(c, protocol.TypeProcessStatus, protocol.ProcessStatusPayload{
		SessionID: st.ID,
		IsRunning: st.IsRunning,
		PID:       st.PID,
	})
}

// Port operations shell out and may block for the free grace period, so
// they run off the read pump.
func (s *Server) handleWSListPorts(c *client) {
	go func() {
		entries := s.ports.List(s.ctx)
		s.sendTo(c, protocol.TypePortsList, protocol.PortsListPayload{Ports: toPortEntries(entries)})
	}()
}

func (s *Server) handleWSFreePort(c *client, msg *protocol.Message) {
	var p protocol.PortsFreePayload
	json.Unmarshal(msg.Payload, &p)

	go func() {
		res := s.ports.Free(s.ctx, p.Port, p.PID)
		s.sendTo(c, protocol.TypePortsFreed, protocol.PortsFreedPayload{
			Port:   res.Port,
			PID:    res.PID,
			Status: res.Status,
		})
	}()
}

func toPortEntries(entries []ports.Entry) []protocol.PortEntry {
	out := make([]protocol.PortEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.PortEntry{Port: e.Port, PID: e.PID, Status: e.Status, Command: e.Command})
	}
	return out
}

// TerminalData broadcasts session output. It implements session.EventSink.
// A multibyte character split across chunks is sent whole with the later
// chunk.
func (s *Server) TerminalData(id string, data []byte) {
	s.carryMu.Lock()
	buf := append(s.carry[id], data...)
	out, rest := splitPartialRune(buf)
	if len(rest) > 0 {
		s.carry[id] = append([]byte(nil), rest...)
	} else {
		delete(s.carry, id)
	}
	s.carryMu.Unlock()

	s.sendData(id, out)
}

func (s *Server) sendData(id string, data []byte) {
	if len(data) == 0 {
		return
	}
	s.broadcastLossy(protocol.TypeTerminalData, protocol.TerminalDataPayload{
		SessionID: id,
		Data:      string(data),
	})
}

// ProcessExit flushes any held output and broadcasts a session's exit. It
// implements session.EventSink.
func (s *Server) ProcessExit(id string, exitCode int) {
	s.carryMu.Lock()
	rest := s.carry[id]
	delete(s.carry, id)
	s.carryMu.Unlock()
	s.sendData(id, rest)

	s.broadcast(protocol.TypeProcessExit, protocol.ProcessExitPayload{
		SessionID: id,
		ExitCode:  exitCode,
	})
}

// OnWorkspaceChanged is the callback for the workspace watcher. It re-reads
// the workspace's scripts and broadcasts them.
func (s *Server) OnWorkspaceChanged(workspaceID string) {
	if s.store == nil {
		return
	}
	ws, err := s.store.Workspace(workspaceID)
	if err != nil {
		s.logger.Debug("changed workspace lookup failed", "workspace", workspaceID, "error", err)
		return
	}
	s.broadcast(protocol.TypeWorkspaceChanged, protocol.WorkspaceChangedPayload{
		WorkspaceID: workspaceID,
		Scripts:     scripts.Read(ws.Path),
	})
}

// WatchWorkspaces starts watching every stored workspace.
func (s *Server) WatchWorkspaces() error {
	if s.store == nil || s.watch == nil {
		return nil
	}
	list, err := s.store.Workspaces()
	if err != nil {
		return err
	}
	for _, ws := range list {
		s.watchWorkspace(ws)
	}
	return nil
}

func (s *Server) watchWorkspace(ws store.Workspace) {
	if s.watch == nil {
		return
	}
	if err := s.watch.Watch(ws.ID, ws.Path); err != nil {
		s.logger.Warn("failed to watch workspace", "workspace", ws.ID, "path", ws.Path, "error", err)
	}
}

// broadcast sends a message to all connected clients. A client too slow to
// take it is disconnected, and resyncs from the session state on reconnect.
func (s *Server) broadcast(msgType string, payload interface{}) {
	s.broadcastTo(msgType, payload, false)
}

// broadcastLossy is broadcast for terminal output: a full client buffer
// drops the message instead.
func (s *Server) broadcastLossy(msgType string, payload interface{}) {
	s.broadcastTo(msgType, payload, true)
}

func (s *Server) broadcastTo(msgType string, payload interface{}, lossy bool) {
	data, ok := s.encode(msgType, payload)
	if !ok {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		s.deliver(c, msgType, data, lossy)
	}
}

// deliver queues data for c. Callers hold clientsMu.
func (s *Server) deliver(c *client, msgType string, data []byte, lossy bool) {
	select {
	case c.send <- data:
	default:
		if lossy {
			return
		}
		s.logger.Warn("disconnecting slow websocket client", "type", msgType)
		c.conn.Close()
	}
}

// sendTo sends a message to one client if it is still connected.
func (s *Server) sendTo(c *client, msgType string, payload interface{}) {
	data, ok := s.encode(msgType, payload)
	if !ok {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	if !s.clients[c] {
		return
	}
	s.deliver(c, msgType, data, msgType == protocol.TypeTerminalData)
}

func (s *Server) encode(msgType string, payload interface{}) ([]byte, bool) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.logger.Error("encoding message", "type", msgType, "error", err)
		return nil, false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Server) sendError(c *client, code, message string) {
	s.sendTo(c, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
}
