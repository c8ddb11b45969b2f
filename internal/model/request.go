package model

type ChatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

type SettingsRequest struct {
	Model string `json:"model" binding:"required"`
	// 指针区分未传与 0.0
	Temperature *float32 `json:"temperature" binding:"required"`
}
