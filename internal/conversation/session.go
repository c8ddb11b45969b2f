package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"carrytrade-qa/internal/model"

	"github.com/google/uuid"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	// ErrTurnAbandoned is returned when a reply arrives for a turn that was
	// superseded, reset or cancelled.
	ErrTurnAbandoned = errors.New("turn abandoned")
)

// State is the session flag state: fresh -> welcomed -> active.
type State string

const (
	StateFresh    State = "fresh"
	StateWelcomed State = "welcomed"
	StateActive   State = "active"
)

// Turn is one in-flight completion.
type Turn struct {
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *Turn) Context() context.Context {
	return t.ctx
}

// Session owns one user's transcript, flags and settings. All methods are
// safe for concurrent use; every mutation happens under a single lock so
// readers never observe a half-applied change.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.RWMutex
	messages  []model.Message
	state     State
	settings  model.Settings
	updatedAt time.Time
	turn      *Turn
	turnSeq   uint64
}

func NewSession(id string, settings model.Settings) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		state:     StateFresh,
		settings:  settings,
		updatedAt: now,
	}
}

// Append adds msg to the end of the transcript and returns it with ID and
// timestamp filled in. Alternation of user and assistant turns is not
// enforced.
func (s *Session) Append(msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(msg)
}

func (s *Session) appendLocked(msg model.Message) (model.Message, error) {
	if !model.ValidRole(msg.Role) {
		return model.Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return model.Message{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.messages = append(s.messages, msg)
	if msg.Role == model.RoleUser {
		s.state = StateActive
	}
	s.updatedAt = msg.Timestamp

	return msg, nil
}

// Snapshot returns a copy of the transcript in insertion order. The system
// prompt is never part of it.
func (s *Session) Snapshot() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Reset clears the transcript, returns the flags to fresh and abandons any
// in-flight turn.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abandonLocked()
	s.messages = nil
	s.state = StateFresh
	s.updatedAt = time.Now()
}

// Welcome appends the assistant greeting once per fresh session.
func (s *Session) Welcome(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateFresh || strings.TrimSpace(text) == "" {
		return false
	}
	if _, err := s.appendLocked(model.Message{Role: model.RoleAssistant, Content: text}); err != nil {
		return false
	}
	s.state = StateWelcomed
	return true
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Session) UpdateSettings(settings model.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.updatedAt = time.Now()
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// BeginTurn starts a new turn derived from parent, cancelling the previous
// one if it is still running.
func (s *Session) BeginTurn(parent context.Context) *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abandonLocked()

	ctx, cancel := context.WithCancel(parent)
	s.turnSeq++
	s.turn = &Turn{seq: s.turnSeq, ctx: ctx, cancel: cancel}
	return s.turn
}

// CommitReply appends msg as the outcome of turn. It fails with
// ErrTurnAbandoned, leaving the transcript untouched, when the turn is no
// longer current or was cancelled. A turn whose deadline passed can still
// record its failure. The turn context stays live until EndTurn.
func (s *Session) CommitReply(turn *Turn, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != turn || errors.Is(turn.ctx.Err(), context.Canceled) {
		return model.Message{}, ErrTurnAbandoned
	}

	stored, err := s.appendLocked(msg)
	if err != nil {
		return model.Message{}, err
	}

	s.turn = nil
	return stored, nil
}

// EndTurn releases turn without appending anything.
func (s *Session) EndTurn(turn *Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn == turn {
		s.turn = nil
	}
	turn.cancel()
}

// InFlight reports whether a turn is running.
func (s *Session) InFlight() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn != nil
}

// Close abandons the in-flight turn. Called when the session is deleted or
// expires.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandonLocked()
}

func (s *Session) abandonLocked() {
	if s.turn != nil {
		s.turn.cancel()
		s.turn = nil
	}
}
