package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carrytrade-qa/internal/config"
	"carrytrade-qa/internal/llm"
	"carrytrade-qa/internal/model"
	"carrytrade-qa/internal/service"
	"carrytrade-qa/internal/storage"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedModel struct {
	chunks []string
	err    error
}

func (m *cannedModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (m *cannedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	if m.err != nil {
		return nil, m.err
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

var testChat = config.ChatConfig{
	DefaultModel:       "gpt-4.1",
	AllowedModels:      []string{"gpt-4.1", "gpt-4o-mini"},
	DefaultTemperature: 0.3,
	WelcomeMessage:     "Welcome!",
}

func newTestRouter(t *testing.T, chatModel einoModel.BaseChatModel, configErr error) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStorage(time.Hour, time.Minute)
	t.Cleanup(func() { store.Close() })

	opts := service.Options{
		Storage:      store,
		ConfigErr:    configErr,
		SystemPrompt: "SYSTEM",
		CasePath:     "case_data/japan_carry_trade.md",
		Chat:         testChat,
	}
	if chatModel != nil {
		opts.Client = llm.NewClient(chatModel, testChat.AllowedModels)
	}

	h := NewChatHandler(service.NewChatService(opts))
	router := gin.New()
	router.GET("/health", h.Health)
	h.Register(router.Group("/api"))
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine) model.SessionResponse {
	t.Helper()
	w := do(router, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var session model.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
		lines   []string
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			current.data = strings.Join(lines, "\n")
			events = append(events, current)
			current, lines = sseEvent{}, nil
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestStreamChat(t *testing.T) {
	router := newTestRouter(t, &cannedModel{chunks: []string{"The yen ", "carry trade\nunwound."}}, nil)
	session := createSession(t, router)

	w := do(router, http.MethodPost, "/api/chat/stream", `{"session_id":"`+session.SessionID+`","message":"What unwound?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "message", events[0].name)
	assert.Equal(t, "message", events[1].name)
	assert.Equal(t, "done", events[2].name)
	assert.Equal(t, "", events[3].name)
	assert.Equal(t, "[DONE]", events[3].data)

	var done model.ChatResponse
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &done))
	assert.Equal(t, model.ResponseDone, done.Type)
	assert.Equal(t, "The yen carry trade\nunwound.", done.Content)

	w = do(router, http.MethodGet, "/api/session/"+session.SessionID+"/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view model.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Messages, 3)
	assert.Equal(t, "What unwound?", view.Messages[1].Content)
	assert.Equal(t, done.Content, view.Messages[2].Content)
}

func TestStreamChatProviderError(t *testing.T) {
	router := newTestRouter(t, &cannedModel{err: &openai.APIError{Code: "invalid_api_key", HTTPStatusCode: http.StatusUnauthorized}}, nil)
	session := createSession(t, router)

	w := do(router, http.MethodPost, "/api/chat/stream", `{"session_id":"`+session.SessionID+`","message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[0].name)

	var resp model.ChatResponse
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &resp))
	assert.Equal(t, string(llm.KindAuthentication), resp.ErrorKind)
	assert.Equal(t, model.RoleAssistant, resp.Role)
}

func TestStreamChatRejects(t *testing.T) {
	keyErr := config.OpenAIConfig{}.CheckAPIKey()

	tests := []struct {
		name      string
		configErr error
		body      func(sessionID string) string
		want      int
	}{
		{
			name: "malformed body",
			body: func(string) string { return `{"session_id":` },
			want: http.StatusBadRequest,
		},
		{
			name: "missing message",
			body: func(id string) string { return `{"session_id":"` + id + `"}` },
			want: http.StatusBadRequest,
		},
		{
			name: "blank message",
			body: func(id string) string { return `{"session_id":"` + id + `","message":"  "}` },
			want: http.StatusBadRequest,
		},
		{
			name: "unknown session",
			body: func(string) string { return `{"session_id":"nope","message":"hi"}` },
			want: http.StatusNotFound,
		},
		{
			name:      "missing api key",
			configErr: keyErr,
			body:      func(id string) string { return `{"session_id":"` + id + `","message":"hi"}` },
			want:      http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var chatModel einoModel.BaseChatModel = &cannedModel{chunks: []string{"ok"}}
			if tt.configErr != nil {
				chatModel = nil
			}
			router := newTestRouter(t, chatModel, tt.configErr)
			session := createSession(t, router)

			w := do(router, http.MethodPost, "/api/chat/stream", tt.body(session.SessionID))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestConfigurationErrorCarriesRemediation(t *testing.T) {
	router := newTestRouter(t, nil, config.OpenAIConfig{}.CheckAPIKey())
	session := createSession(t, router)

	w := do(router, http.MethodPost, "/api/chat/stream", `{"session_id":"`+session.SessionID+`","message":"hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "configuration_error", body["type"])
	assert.Contains(t, body["suggestion"], "OPENAI_API_KEY")

	w = do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chat":"unavailable"`)
}

func TestSessionEndpoints(t *testing.T) {
	router := newTestRouter(t, &cannedModel{chunks: []string{"ok"}}, nil)
	session := createSession(t, router)
	assert.Equal(t, "welcomed", session.State)
	require.Len(t, session.Messages, 1)

	base := "/api/session/" + session.SessionID

	w := do(router, http.MethodPut, base+"/settings", `{"model":"gpt-4o-mini","temperature":0}`)
	require.Equal(t, http.StatusOK, w.Code)
	var view model.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, model.Settings{Model: "gpt-4o-mini", Temperature: 0}, view.Settings)

	w = do(router, http.MethodPut, base+"/settings", `{"model":"gpt-4o-mini","temperature":2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, http.MethodPut, base+"/settings", `{"model":"gpt-4o-mini"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "temperature is required")

	w = do(router, http.MethodPost, base+"/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodDelete, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(router, http.MethodGet, base+"/messages", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(router, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCountsSessions(t *testing.T) {
	router := newTestRouter(t, &cannedModel{}, nil)
	createSession(t, router)
	createSession(t, router)

	w := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["sessions"])
	assert.NotContains(t, body, "chat")
}

func TestGetSystemPrompt(t *testing.T) {
	router := newTestRouter(t, &cannedModel{}, nil)

	w := do(router, http.MethodGet, "/api/prompt", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.PromptResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SYSTEM", resp.SystemPrompt)
}
