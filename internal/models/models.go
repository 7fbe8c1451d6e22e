// Package models defines the core data structures for FunnelPipe.
//
// It includes the funnel graph, conversation state, and delivery types that are
// shared across modules.
package models

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent means the transport accepted the message.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered means the recipient's device acknowledged it.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead means the recipient opened it.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed means the transport rejected the send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus is the status discriminator in every API envelope.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// Receipt records the delivery status of an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a funnel visitor.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	// MessageID is the provider's message identifier when the transport
	// supplies one; used to deduplicate webhook redeliveries.
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIResponse is the JSON envelope every HTTP handler writes: a status
// discriminator plus an optional message and result payload.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps result data in an ok envelope.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage wraps result data in an ok envelope with a human-readable note.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error builds an error envelope; the message is the only payload.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
