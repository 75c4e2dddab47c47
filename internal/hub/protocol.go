// ABOUTME: JSON frame types exchanged with dashboard clients
// ABOUTME: Inbound command frames and hub-originated replies

package hub

import (
	"encoding/json"
	"time"

	"github.com/2389/switchboard-gateway/internal/auth"
)

// Inbound frame types
const (
	FrameSubscribeConversation   = "subscribe_conversation"
	FrameUnsubscribeConversation = "unsubscribe_conversation"
	FrameSubscribeDashboard      = "subscribe_dashboard"
	FrameSendChatMessage         = "send_chat_message"
	FrameTakeConversation        = "take_conversation"
	FrameReleaseConversation     = "release_conversation"
	FrameAgentStatusUpdate       = "agent_status_update"
	FramePing                    = "ping"
)

// Error codes sent in error frames
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_message_type"
	CodeMissingField   = "missing_field"
	CodeRateLimited    = "rate_limited"
	CodeCommandFailed  = "command_failed"
	CodeUnavailable    = "unavailable"
	CodeForbidden      = "forbidden"
)

// inboundFrame is the envelope of every client frame
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type conversationData struct {
	ConversationID string `json:"conversationId"`
}

type chatMessageData struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	MessageType    string `json:"messageType"`
}

type takeData struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
}

type releaseData struct {
	ConversationID string `json:"conversationId"`
	Summary        string `json:"summary"`
}

type agentStatusData struct {
	Status              string `json:"status"`
	CurrentConversation string `json:"currentConversation"`
}

type connectionEstablished struct {
	Type         string        `json:"type"`
	ConnectionID string        `json:"connectionId"`
	User         auth.Identity `json:"user"`
}

type subscriptionFrame struct {
	Type           string `json:"type"`
	Subscription   string `json:"subscription"`
	ConversationID string `json:"conversationId,omitempty"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorFrame struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

func newErrorFrame(code, message string) errorFrame {
	return errorFrame{Type: "error", Error: errorBody{Code: code, Message: message}}
}
