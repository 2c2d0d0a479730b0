package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK      APIStatus = "ok"
	APIStatusError   APIStatus = "error"
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse is the standard JSON envelope for webhook and API responses.
type APIResponse struct {
	Status  APIStatus   `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Ignored acknowledges a webhook delivery that required no action.
func Ignored(message string) APIResponse {
	return APIResponse{Status: APIStatusIgnored, Message: message}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
