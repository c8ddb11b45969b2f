package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carrytrade-qa/internal/config"
	"carrytrade-qa/internal/conversation"
	"carrytrade-qa/internal/llm"
	"carrytrade-qa/internal/model"
	"carrytrade-qa/internal/storage"
	"carrytrade-qa/pkg/logger"

	"github.com/google/uuid"
)

// ErrInvalidSettings is returned for a model outside the allow-list or a
// temperature outside [0, 1].
var ErrInvalidSettings = errors.New("invalid settings")

const responseBuffer = 64

// ChatService is the session-facing surface: one instance serves every
// session held by the storage.
type ChatService struct {
	storage storage.Storage
	// client is nil when the provider could not be configured; configErr
	// then says why and every turn is refused with it.
	client       *llm.Client
	configErr    error
	systemPrompt string
	casePath     string
	chatCfg      config.ChatConfig
}

type Options struct {
	Storage      storage.Storage
	Client       *llm.Client
	ConfigErr    error
	SystemPrompt string
	CasePath     string
	Chat         config.ChatConfig
}

func NewChatService(opts Options) *ChatService {
	configErr := opts.ConfigErr
	if configErr == nil && opts.Client == nil {
		configErr = fmt.Errorf("%w: chat client not configured", config.ErrConfiguration)
	}

	return &ChatService{
		storage:      opts.Storage,
		client:       opts.Client,
		configErr:    configErr,
		systemPrompt: opts.SystemPrompt,
		casePath:     opts.CasePath,
		chatCfg:      opts.Chat,
	}
}

// ConfigError reports why chat turns are blocked, or nil.
func (s *ChatService) ConfigError() error {
	return s.configErr
}

func (s *ChatService) GetSystemPrompt() model.PromptResponse {
	return model.PromptResponse{
		SystemPrompt: s.systemPrompt,
		CasePath:     s.casePath,
	}
}

// CreateSession starts a session with the default settings and the welcome
// message already in the transcript.
func (s *ChatService) CreateSession() (*model.SessionResponse, error) {
	session := conversation.NewSession(uuid.New().String(), model.Settings{
		Model:       s.chatCfg.DefaultModel,
		Temperature: s.chatCfg.DefaultTemperature,
	})
	session.Welcome(s.chatCfg.WelcomeMessage)

	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.WithSession(session.ID).Info("session created")
	return view(session), nil
}

func (s *ChatService) GetTranscriptView(sessionID string) (*model.SessionResponse, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	return view(session), nil
}

// ResetSession clears the transcript, abandons the running turn and shows
// the welcome message again.
func (s *ChatService) ResetSession(sessionID string) (*model.SessionResponse, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	session.Reset()
	session.Welcome(s.chatCfg.WelcomeMessage)

	logger.WithSession(sessionID).Info("session reset")
	return view(session), nil
}

func (s *ChatService) UpdateSettings(sessionID string, settings model.Settings) (*model.SessionResponse, error) {
	if !s.chatCfg.IsAllowedModel(settings.Model) {
		return nil, fmt.Errorf("%w: model %q is not one of %s", ErrInvalidSettings, settings.Model, strings.Join(s.chatCfg.AllowedModels, ", "))
	}
	if settings.Temperature < 0 || settings.Temperature > 1 {
		return nil, fmt.Errorf("%w: temperature %.2f outside [0, 1]", ErrInvalidSettings, settings.Temperature)
	}

	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	session.UpdateSettings(settings)
	return view(session), nil
}

// ActiveSessions counts the sessions that have not expired.
func (s *ChatService) ActiveSessions() (int, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	return len(sessions), nil
}

// DeleteSession removes the session; its running turn is cancelled.
func (s *ChatService) DeleteSession(sessionID string) error {
	if err := s.storage.DeleteSession(sessionID); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	logger.WithSession(sessionID).Info("session deleted")
	return nil
}

// SubmitUserMessage appends text as a user message and starts a completion
// over the whole transcript. A turn already running for the session is
// superseded. The returned channel carries the deltas followed by one done
// or error response, and is closed when the turn ends. Cancelling ctx
// abandons the turn without recording a reply.
func (s *ChatService) SubmitUserMessage(ctx context.Context, sessionID, text string) (<-chan model.ChatResponse, error) {
	if s.configErr != nil {
		return nil, s.configErr
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", conversation.ErrInvalidMessage)
	}

	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	turn := session.BeginTurn(ctx)
	if _, err := session.Append(model.Message{Role: model.RoleUser, Content: text}); err != nil {
		session.EndTurn(turn)
		return nil, err
	}

	settings := session.Settings()
	logger.WithSession(sessionID).Infof("turn started, model=%s temperature=%.2f", settings.Model, settings.Temperature)

	events := s.client.StreamCompletion(turn.Context(), s.systemPrompt, session.Snapshot(), settings)

	out := make(chan model.ChatResponse, responseBuffer)
	go s.relay(session, turn, settings, events, out)

	return out, nil
}

func (s *ChatService) relay(session *conversation.Session, turn *conversation.Turn, settings model.Settings, events <-chan llm.Event, out chan<- model.ChatResponse) {
	defer close(out)
	defer session.EndTurn(turn)

	log := logger.WithSession(session.ID)
	messageID := uuid.New().String()

stream:
	for ev := range events {
		switch ev.Type {
		case llm.EventDelta:
			if !emit(turn, out, model.ChatResponse{
				SessionID: session.ID,
				MessageID: messageID,
				Type:      model.ResponseDelta,
				Role:      model.RoleAssistant,
				Content:   ev.Delta,
				Timestamp: time.Now().Unix(),
			}) {
				break stream
			}

		case llm.EventDone:
			if strings.TrimSpace(ev.Reply) == "" {
				s.fail(session, turn, out, messageID, &llm.Error{
					Kind:  llm.KindProvider,
					Model: settings.Model,
					Err:   errors.New("empty completion"),
				})
				return
			}
			s.commit(session, turn, out, model.Message{
				ID:      messageID,
				Role:    model.RoleAssistant,
				Content: ev.Reply,
			}, model.ResponseDone)
			log.Infof("turn completed, %d chars", len(ev.Reply))
			return

		case llm.EventError:
			s.fail(session, turn, out, messageID, ev.Err)
			return
		}
	}

	// The stream ended without a terminal event: either the turn was
	// abandoned, or its deadline passed before the error could be sent.
	if errors.Is(turn.Context().Err(), context.DeadlineExceeded) {
		s.fail(session, turn, out, messageID, &llm.Error{
			Kind:  llm.KindTransport,
			Model: settings.Model,
			Err:   turn.Context().Err(),
		})
		return
	}
	log.Info("turn abandoned")
}

// fail records the failure as a synthetic assistant message so the
// transcript shows what happened in place of the reply.
func (s *ChatService) fail(session *conversation.Session, turn *conversation.Turn, out chan<- model.ChatResponse, messageID string, turnErr *llm.Error) {
	logger.WithSession(session.ID).Warnf("turn failed: %v", turnErr)

	s.commit(session, turn, out, model.Message{
		ID:        messageID,
		Role:      model.RoleAssistant,
		Content:   turnErr.UserMessage(),
		ErrorKind: string(turnErr.Kind),
	}, model.ResponseError)
}

func (s *ChatService) commit(session *conversation.Session, turn *conversation.Turn, out chan<- model.ChatResponse, msg model.Message, respType string) {
	stored, err := session.CommitReply(turn, msg)
	if err != nil {
		if !errors.Is(err, conversation.ErrTurnAbandoned) {
			logger.WithSession(session.ID).Errorf("failed to record reply: %v", err)
		}
		return
	}

	resp := model.ChatResponse{
		SessionID: session.ID,
		MessageID: stored.ID,
		Type:      respType,
		Role:      stored.Role,
		Content:   stored.Content,
		ErrorKind: stored.ErrorKind,
		Timestamp: stored.Timestamp.Unix(),
	}
	// An expired turn still gets its final response if the reader has room.
	select {
	case out <- resp:
	default:
		emit(turn, out, resp)
	}
}

func emit(turn *conversation.Turn, out chan<- model.ChatResponse, resp model.ChatResponse) bool {
	select {
	case out <- resp:
		return true
	case <-turn.Context().Done():
		return false
	}
}

func (s *ChatService) getSession(sessionID string) (*conversation.Session, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func view(session *conversation.Session) *model.SessionResponse {
	return &model.SessionResponse{
		SessionID: session.ID,
		State:     string(session.State()),
		Settings:  session.Settings(),
		Messages:  session.Snapshot(),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt(),
	}
}
