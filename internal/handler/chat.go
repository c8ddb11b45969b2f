package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"carrytrade-qa/internal/config"
	"carrytrade-qa/internal/conversation"
	"carrytrade-qa/internal/model"
	"carrytrade-qa/internal/service"
	"carrytrade-qa/internal/storage"
	"carrytrade-qa/internal/utils"
	"carrytrade-qa/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// Register mounts the chat routes on api.
func (h *ChatHandler) Register(api *gin.RouterGroup) {
	api.GET("/prompt", h.GetSystemPrompt)

	session := api.Group("/session")
	{
		session.POST("", h.CreateSession)
		session.GET("/:session_id/messages", h.GetMessages)
		session.POST("/:session_id/reset", h.ResetSession)
		session.PUT("/:session_id/settings", h.UpdateSettings)
		session.DELETE("/:session_id", h.DeleteSession)
	}

	api.POST("/chat/stream", h.StreamChat)
}

// StreamChat runs one turn and relays it as server-sent events: a message
// event per delta, then a done or error event, then [DONE]. A client that
// disconnects abandons the turn.
func (h *ChatHandler) StreamChat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	respChan, err := h.chatService.SubmitUserMessage(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	for resp := range respChan {
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Errorf("Failed to marshal response: %v", err)
			continue
		}

		event := "message"
		switch resp.Type {
		case model.ResponseDone:
			event = "done"
		case model.ResponseError:
			event = "error"
		}

		if err := sseWriter.Write(event, string(data)); err != nil {
			logger.WithSession(req.SessionID).Warnf("Failed to write SSE: %v", err)
			return
		}
	}

	sseWriter.Close()
}

func (h *ChatHandler) GetSystemPrompt(c *gin.Context) {
	c.JSON(http.StatusOK, h.chatService.GetSystemPrompt())
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	session, err := h.chatService.CreateSession()
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	session, err := h.chatService.GetTranscriptView(c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) ResetSession(c *gin.Context) {
	session, err := h.chatService.ResetSession(c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) UpdateSettings(c *gin.Context) {
	var req model.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.chatService.UpdateSettings(c.Param("session_id"), model.Settings{
		Model:       req.Model,
		Temperature: *req.Temperature,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.chatService.DeleteSession(c.Param("session_id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

// Health reports liveness and whether chat turns can run.
func (h *ChatHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	}
	if n, err := h.chatService.ActiveSessions(); err == nil {
		body["sessions"] = n
	}
	if err := h.chatService.ConfigError(); err != nil {
		body["chat"] = "unavailable"
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, config.ErrConfiguration):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      err.Error(),
			"type":       "configuration_error",
			"suggestion": "Set OPENAI_API_KEY in the environment or a .env file, or openai.api_key in the config file, then restart the server.",
		})
	case errors.Is(err, storage.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, conversation.ErrInvalidMessage), errors.Is(err, service.ErrInvalidSettings):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Errorf("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
