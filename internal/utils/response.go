// Package utils holds the JSON envelope shared by the saga API handlers.
package utils

import "time"

// APIResponse is the envelope every saga endpoint replies with. Data carries
// the payload (the accepted saga ID, a status projection); Error is set only
// when the request itself failed, not when the saga did.
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SuccessResponse wraps a payload for a 2xx reply.
func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// ErrorResponse wraps a request failure. A saga already accepted keeps
// running regardless of what the caller sees here.
func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}
