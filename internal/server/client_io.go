package server

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/protocol"
	"github.com/pairroom/host/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

// Client is one admitted WebSocket connection. It implements room.Member.
type Client struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	participant protocol.Participant
	roomID      string
	log         zerolog.Logger

	send     chan protocol.Event
	done     chan struct{}
	sendOnce sync.Once

	// limiter caps inbound envelopes: 20/s with a burst of 40.
	limiter *rate.Limiter
}

func newClient(s *Server, conn *websocket.Conn, p protocol.Participant, roomID string) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		server:      s,
		participant: p,
		roomID:      roomID,
		log:         s.log.With().Str("conn", id).Str("room", roomID).Str("participant", p.ID).Logger(),
		send:        make(chan protocol.Event, channelBufferSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(20), 40),
	}
}

func (c *Client) ConnID() string                    { return c.id }
func (c *Client) Participant() protocol.Participant { return c.participant }

// Deliver queues ev without blocking. It returns false when the client is
// shutting down or its queue is full.
func (c *Client) Deliver(ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// closeSend signals the client to shut down exactly once. The send channel
// itself is never closed, so concurrent Deliver calls cannot panic.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued events and periodic pings. It owns all writes to
// the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case ev := <-c.send:
			data, err := json.Marshal(ev)
			if err != nil {
				c.log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to marshal event")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Write error")
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads client envelopes until the connection ends, then takes
// the client out of its room.
func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("Read error")
			}
			return
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("", apperrors.InvalidMessage("malformed envelope"))
			continue
		}

		if !c.limiter.Allow() {
			c.sendError(in.ID, apperrors.New(apperrors.CodeServerRateLimited, "too many messages, slow down"))
			continue
		}

		switch in.Type {
		case protocol.EventMessage:
			c.handleMessage(in)
		case protocol.EventSandboxRun:
			c.handleSandboxRun(in)
		case protocol.EventSandboxStop:
			c.handleSandboxStop(in)
		case protocol.EventSandboxStatus:
			c.handleSandboxStatus(in)
		default:
			c.sendError(in.ID, apperrors.InvalidMessage("unknown message type "+string(in.Type)))
		}
	}
}

// disconnect removes the client from its room and the server, and tells
// the remaining participants.
func (c *Client) disconnect() {
	s := c.server
	remaining, emptied := s.registry.Leave(c.roomID, c)
	if !emptied && remaining != nil {
		s.broadcaster.Announce(c.roomID, protocol.NewPresenceEvent(c.roomID, remaining))
	}

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.closeSend()
	c.log.Info().Int("clients", s.ClientCount()).Msg("Client disconnected")
}

// handleMessage publishes a chat message. Sender and timestamp are always
// the server's; anything the client claims is ignored.
func (c *Client) handleMessage(in protocol.Inbound) {
	var p protocol.SendMessagePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		c.sendError(in.ID, apperrors.InvalidMessage("invalid message payload"))
		return
	}
	if !p.Body.IsFileTree() && strings.TrimSpace(p.Body.Text) == "" {
		c.sendError(in.ID, apperrors.InvalidMessage("message body is empty"))
		return
	}

	msg := protocol.NewMessage(c.roomID, c.participant, p.Body)
	if _, err := c.server.broadcaster.Publish(msg); err != nil {
		c.log.Warn().Err(err).Msg("Publish failed")
		c.sendError(in.ID, apperrors.Internal("message could not be delivered", err))
	}
}

// handleSandboxRun reads the snapshot in order with the client's earlier
// messages, then runs off the read loop because a remount waits for the
// previous run's processes to exit.
func (c *Client) handleSandboxRun(in protocol.Inbound) {
	tree, _ := c.server.sync.Snapshot(c.roomID)
	go func() {
		st := c.server.sandbox.Run(c.roomID, tree)
		c.Deliver(protocol.Event{Type: protocol.EventSandboxStatus, ID: in.ID, Payload: st})
	}()
}

// handleSandboxStop runs off the read loop because Stop waits for process
// exit.
func (c *Client) handleSandboxStop(in protocol.Inbound) {
	go func() {
		st := c.server.sandbox.Stop(c.roomID)
		c.Deliver(protocol.Event{Type: protocol.EventSandboxStatus, ID: in.ID, Payload: st})
	}()
}

func (c *Client) handleSandboxStatus(in protocol.Inbound) {
	st, _ := c.server.sandbox.Status(c.roomID)
	c.Deliver(protocol.Event{Type: protocol.EventSandboxStatus, ID: in.ID, Payload: st})
}

func (c *Client) sendError(requestID string, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	if !c.Deliver(protocol.NewErrorEvent(requestID, code, msg)) {
		c.log.Warn().Str("code", code).Msg("Client send buffer full, dropping error")
	}
}

var _ room.Member = (*Client)(nil)
