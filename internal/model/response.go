package model

import "time"

// ChatResponse types.
const (
	ResponseDelta = "delta"
	ResponseDone  = "done"
	ResponseError = "error"
)

type ChatResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Role      string `json:"role"`
	// Content holds the delta for ResponseDelta and the stored message
	// otherwise.
	Content   string `json:"content"`
	ErrorKind string `json:"error_kind,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type SessionResponse struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Settings  Settings  `json:"settings"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PromptResponse struct {
	SystemPrompt string `json:"system_prompt"`
	CasePath     string `json:"case_path"`
}
