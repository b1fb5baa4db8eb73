package stream

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

// ErrSessionNotFound is returned for operations against unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrConcurrencyLimit is returned when admission would exceed the limit.
var ErrConcurrencyLimit = errors.New("concurrency limit reached")

// Session ids must be at least 6 URL-safe characters.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)

// SessionState tracks the session lifecycle. Closed is terminal.
type SessionState string

const (
	StateNegotiating SessionState = "negotiating"
	StateConnected   SessionState = "connected"
	StateActive      SessionState = "active"
	StateDraining    SessionState = "draining"
	StateClosed      SessionState = "closed"
)

// transport is the media leg behind a session.
type transport interface {
	Close()
}

// session is one admitted peer: its handler copy, transport, state, and the
// bounded AdditionalOutputs queue feeding the output hook.
type session struct {
	id      string
	handler streamer.Handler
	logger  commons.Logger

	mu    sync.Mutex
	state SessionState
	conn  transport
	timer *time.Timer

	outputs   []*streamer.AdditionalOutputs
	outputCap int
	notify    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// argsSetter is satisfied by handlers embedding streamer.HandlerBase.
type argsSetter interface {
	SetArgs([]any)
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// pushOutput queues one AdditionalOutputs entry, dropping the oldest with a
// warning when the queue is full.
func (s *session) pushOutput(out *streamer.AdditionalOutputs) {
	s.mu.Lock()
	if len(s.outputs) >= s.outputCap {
		s.outputs = s.outputs[1:]
		s.mu.Unlock()
		s.logger.Warnw("Output queue full, dropped oldest entry", "session", s.id)
		s.sendControl(streamer.NewControlMsg(streamer.ControlWarning, "output queue full; oldest entry dropped"))
		s.mu.Lock()
	}
	s.outputs = append(s.outputs, out)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// popOutput removes and returns the oldest queued entry.
func (s *session) popOutput() (*streamer.AdditionalOutputs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil, false
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, true
}

func (s *session) sendControl(msg streamer.ControlMsg) {
	type sender interface {
		SendMessage(streamer.ControlMsg) error
	}
	if snd, ok := s.handler.(sender); ok {
		if err := snd.SendMessage(msg); err != nil {
			s.logger.Debugw("Failed to send control message", "session", s.id, "error", err)
		}
	}
}

func (s *session) setArgs(args []any) error {
	setter, ok := s.handler.(argsSetter)
	if !ok {
		return fmt.Errorf("handler does not accept input arguments")
	}
	setter.SetArgs(args)
	return nil
}

// close tears the session down: transport first, then the handler.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		conn := s.conn
		timer := s.timer
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if conn != nil {
			conn.Close()
		}
		s.handler.Shutdown()
		close(s.closed)
		s.logger.Infow("Session closed", "session", s.id)
	})
}

// sessionManager owns admission and the id space.
type sessionManager struct {
	logger commons.Logger
	limit  int
	outCap int

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(logger commons.Logger, limit, outCap int) *sessionManager {
	return &sessionManager{
		logger:   logger,
		limit:    limit,
		outCap:   outCap,
		sessions: make(map[string]*session),
	}
}

// admit validates the requested id and registers a new session around a
// fresh handler copy. An invalid or colliding id is replaced with a
// generated one; the caller must surface the final id to the peer.
func (m *sessionManager) admit(requestedID string, handler streamer.Handler) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && len(m.sessions) >= m.limit {
		return nil, ErrConcurrencyLimit
	}

	id := requestedID
	if !sessionIDPattern.MatchString(id) {
		id = uuid.NewString()
	}
	if _, exists := m.sessions[id]; exists {
		id = uuid.NewString()
	}

	s := &session{
		id:        id,
		handler:   handler,
		logger:    m.logger,
		state:     StateNegotiating,
		outputCap: m.outCap,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	m.sessions[id] = s
	m.logger.Infow("Session admitted", "session", id, "active", len(m.sessions))
	return s, nil
}

func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *sessionManager) remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *sessionManager) closeAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
