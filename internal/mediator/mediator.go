// Package mediator implements the assistant participant. Messages that
// address the assistant with the configured marker are sent to a generation
// backend, and the reply is published back into the same room as a message
// from the "ai" participant.
package mediator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/llm"
	"github.com/pairroom/host/internal/logging"
	"github.com/pairroom/host/internal/protocol"
	"github.com/pairroom/host/internal/room"
)

// FailureNotice is the reply published when the backend fails or times out.
const FailureNotice = "Sorry, I could not generate a response right now. Please try again."

// Publisher publishes the assistant's replies.
type Publisher interface {
	Publish(msg protocol.Message) (int, error)
}

// Options configures a Mediator.
type Options struct {
	// Marker addresses the assistant. Default: @ai
	Marker string
	// Timeout bounds one backend call. Default: 60s
	Timeout time.Duration
}

// Mediator watches published messages for the marker. It implements
// room.Inspector.
type Mediator struct {
	backend   llm.Backend
	publisher Publisher
	marker    string
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New creates a mediator publishing replies through publisher.
func New(backend llm.Backend, publisher Publisher, opts Options) *Mediator {
	if opts.Marker == "" {
		opts.Marker = "@ai"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mediator{
		backend:   backend,
		publisher: publisher,
		marker:    opts.Marker,
		timeout:   opts.Timeout,
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("mediator"),
	}
}

// Addressed reports whether msg asks the assistant something, and returns
// the prompt: the body with the first marker occurrence removed.
func (m *Mediator) Addressed(msg protocol.Message) (string, bool) {
	if msg.Sender.IsAI() || msg.Body.IsFileTree() {
		return "", false
	}
	if !strings.Contains(msg.Body.Text, m.marker) {
		return "", false
	}
	return strings.Replace(msg.Body.Text, m.marker, "", 1), true
}

// Inspect starts a backend call for addressed messages and returns
// immediately.
func (m *Mediator) Inspect(msg protocol.Message) {
	prompt, ok := m.Addressed(msg)
	if !ok {
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.respond(msg, prompt)
	}()
}

func (m *Mediator) respond(msg protocol.Message, prompt string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	start := time.Now()
	text, err := m.backend.Generate(ctx, prompt)

	var body protocol.Body
	if err != nil {
		gerr := apperrors.GenerationFailed(err)
		m.log.Warn().Err(gerr).Str("room", msg.Room).Str("message", msg.ID).Msg("backend call failed")
		body = protocol.TextBody(FailureNotice)
	} else {
		m.log.Debug().Str("room", msg.Room).Dur("took", time.Since(start)).Msg("backend replied")
		body = protocol.ParseBody(text)
	}

	reply := protocol.NewMessage(msg.Room, protocol.AIParticipant(), body)
	if _, err := m.publisher.Publish(reply); err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			m.log.Debug().Str("room", msg.Room).Msg("room gone, reply dropped")
			return
		}
		m.log.Warn().Err(err).Str("room", msg.Room).Msg("publish reply failed")
	}
}

// Wait blocks until every outstanding backend call has finished.
func (m *Mediator) Wait() {
	m.wg.Wait()
}

// Close cancels outstanding calls and waits for them. Canceled calls still
// publish the failure notice if their room exists.
func (m *Mediator) Close() {
	m.cancel()
	m.wg.Wait()
}
