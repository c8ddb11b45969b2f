package model

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one a transcript may carry.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	// ErrorKind is set on synthetic assistant messages that stand in for a
	// failed completion.
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Settings struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
}
