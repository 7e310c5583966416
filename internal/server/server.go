// Package server is the pairroom host's network surface: the WebSocket
// endpoint rooms are joined through and the HTTP API for accounts, projects
// and sandboxes. It also wires the room pipeline together: registry,
// broadcaster, file-tree synchronizer, assistant and sandbox orchestrator.
package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	// gorilla/websocket handles the WebSocket handshake, framing and
	// ping/pong control messages.
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pairroom/host/internal/auth"
	"github.com/pairroom/host/internal/llm"
	"github.com/pairroom/host/internal/logging"
	"github.com/pairroom/host/internal/mediator"
	"github.com/pairroom/host/internal/protocol"
	"github.com/pairroom/host/internal/room"
	"github.com/pairroom/host/internal/sandbox"
	"github.com/pairroom/host/internal/storage"
	"github.com/pairroom/host/internal/workspace"
)

// channelBufferSize is the per-client send queue length. A client that
// falls this far behind starts losing events rather than stalling its room.
const channelBufferSize = 256

// Deps are the long-lived components a Server is built from.
type Deps struct {
	Store   *storage.SQLiteStore
	Tokens  *auth.Tokens
	Sandbox *sandbox.Orchestrator

	// Backend answers messages addressed to the assistant. Nil disables
	// the assistant.
	Backend   llm.Backend
	Assistant mediator.Options
}

// Server manages room connections and the HTTP API.
type Server struct {
	addr     string
	upgrader websocket.Upgrader
	log      zerolog.Logger

	store       *storage.SQLiteStore
	tokens      *auth.Tokens
	gatekeeper  *auth.Gatekeeper
	registry    *room.Registry
	broadcaster *room.Broadcaster
	sync        *workspace.Synchronizer
	mediator    *mediator.Mediator
	sandbox     *sandbox.Orchestrator

	// mu protects clients and stopped.
	mu      sync.RWMutex
	clients map[*Client]bool
	stopped bool

	httpServer *http.Server
	startTime  time.Time
}

// New wires the room pipeline and returns a server that is not yet
// listening. Published messages flow through the broadcaster to the room,
// then to the synchronizer (file trees) and the assistant.
func New(addr string, d Deps) *Server {
	registry := room.NewRegistry()
	broadcaster := room.NewBroadcaster(registry)

	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the app's own origin; tokens, not
			// origins, decide admission.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:         logging.Component("server"),
		store:       d.Store,
		tokens:      d.Tokens,
		registry:    registry,
		broadcaster: broadcaster,
		sandbox:     d.Sandbox,
		clients:     make(map[*Client]bool),
		startTime:   time.Now(),
	}

	var projects auth.ProjectStore
	if d.Store != nil {
		projects = d.Store
	}
	s.gatekeeper = auth.NewGatekeeper(d.Tokens, projects)

	s.sync = workspace.NewSynchronizer(registry, d.Sandbox)
	broadcaster.AddInspector(s.sync)

	if d.Backend != nil {
		s.mediator = mediator.New(d.Backend, broadcaster, d.Assistant)
		broadcaster.AddInspector(s.mediator)
	}

	d.Sandbox.SetObserver(&sandboxEvents{broadcaster: broadcaster, log: s.log})

	// Tear the room's sandbox down once its last participant has gone.
	// Teardown waits for processes to exit, so it must not hold up Leave.
	registry.OnEmpty(func(roomID string) {
		go d.Sandbox.Teardown(roomID)
	})

	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Registry exposes the room registry.
func (s *Server) Registry() *room.Registry { return s.registry }

// Broadcaster exposes the broadcaster rooms publish through.
func (s *Server) Broadcaster() *room.Broadcaster { return s.broadcaster }

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// sandboxEvents announces orchestrator events to the room they belong to.
type sandboxEvents struct {
	broadcaster *room.Broadcaster
	log         zerolog.Logger
}

func (e *sandboxEvents) StatusChanged(st sandbox.Status) {
	e.announce(st.RoomID, protocol.Event{Type: protocol.EventSandboxStatus, Payload: st})
}

func (e *sandboxEvents) Output(roomID, process, chunk string) {
	e.announce(roomID, protocol.Event{
		Type:    protocol.EventSandboxOutput,
		Payload: protocol.SandboxOutputPayload{RoomID: roomID, Process: process, Chunk: chunk},
	})
}

func (e *sandboxEvents) announce(roomID string, ev protocol.Event) {
	if _, err := e.broadcaster.Announce(roomID, ev); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		e.log.Warn().Err(err).Str("room", roomID).Str("type", string(ev.Type)).Msg("Failed to announce sandbox event")
	}
}
